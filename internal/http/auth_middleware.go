package httpx

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

type callerContextKey string

const contextKeyCaller callerContextKey = "aicwd-caller"

const callerIngest = "ingest_client"

type contextSetter interface {
	SetContext(context.Context)
}

// requireIngestToken rejects requests that do not carry the configured ingest
// token. With no token configured every caller is accepted.
func (r *Router) requireIngestToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.ingestToken == "" {
			next(w, req)
			return
		}
		token := strings.TrimSpace(req.Header.Get("X-Ingest-Token"))
		if token == "" {
			var err error
			token, err = bearerToken(req.Header.Get("Authorization"))
			if err != nil {
				r.logger.Warn("ingest credentials missing", "error", err, "path", req.URL.Path)
				writeJSON(w, http.StatusUnauthorized, ingestFailure("authentication required"))
				return
			}
		}
		if len(token) != len(r.ingestToken) || subtle.ConstantTimeCompare([]byte(token), []byte(r.ingestToken)) != 1 {
			r.logger.Warn("ingest token mismatch", "path", req.URL.Path)
			writeJSON(w, http.StatusUnauthorized, ingestFailure("invalid ingest token"))
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyCaller, callerIngest)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// callerFromContext reports the authenticated caller kind, if any.
func callerFromContext(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(contextKeyCaller).(string)
	return caller, ok && caller != ""
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
