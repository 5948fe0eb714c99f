package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/splax/aicwd/internal/domain"
	"github.com/splax/aicwd/internal/service/logs"
	"github.com/splax/aicwd/internal/service/stream"
	"github.com/splax/aicwd/internal/ws"
)

const (
	unknownModel       = "unknown"
	transportSSE       = "sse"
	transportWebsocket = "websocket"
	transportProgress  = "campaign_sse"
)

// ingestPayload accepts latency under its original name or as latency_ms.
type ingestPayload struct {
	Prompt    *string  `json:"prompt"`
	Response  *string  `json:"response"`
	Tokens    *float64 `json:"tokens"`
	Latency   *float64 `json:"latency"`
	LatencyMS *float64 `json:"latency_ms"`
	Model     *string  `json:"model"`
}

func (p ingestPayload) request() logs.IngestRequest {
	req := logs.IngestRequest{Model: unknownModel}
	if p.Prompt != nil {
		req.Prompt = *p.Prompt
	}
	if p.Response != nil {
		req.Response = *p.Response
	}
	if p.Tokens != nil {
		req.Tokens = *p.Tokens
	}
	switch {
	case p.LatencyMS != nil:
		req.LatencyMS = *p.LatencyMS
	case p.Latency != nil:
		req.LatencyMS = *p.Latency
	}
	if p.Model != nil && strings.TrimSpace(*p.Model) != "" {
		req.Model = *p.Model
	}
	return req
}

func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, ingestFailure("method not allowed"))
		return
	}
	var payload *ingestPayload
	decoder := json.NewDecoder(io.LimitReader(req.Body, maxIngestBody))
	if err := decoder.Decode(&payload); err != nil {
		msg := "invalid JSON body"
		if errors.Is(err, io.EOF) {
			msg = "request body required"
		}
		writeJSON(w, http.StatusBadRequest, ingestFailure(msg))
		return
	}
	// a bare null decodes without error
	if payload == nil {
		writeJSON(w, http.StatusBadRequest, ingestFailure("request body must be a JSON object"))
		return
	}
	entry, err := r.logs.Ingest(req.Context(), payload.request())
	if err != nil {
		if errors.Is(err, logs.ErrInvalidEntry) {
			writeJSON(w, http.StatusBadRequest, ingestFailure(err.Error()))
			return
		}
		r.logger.Error("failed to store log entry", "error", err)
		writeJSON(w, http.StatusInternalServerError, ingestFailure("failed to store log entry"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "logId": entry.ID})
}

func (r *Router) handleLatest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(req.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = parsed
	}
	points, err := r.logs.Snapshot(req.Context(), limit)
	if err != nil {
		r.logger.Error("failed to compute metrics snapshot", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load metrics")
		return
	}
	if points == nil {
		points = []domain.MetricPoint{}
	}
	writeJSON(w, http.StatusOK, stream.Snapshot{
		Metrics:   points,
		Alerts:    r.thresholds.Count(points),
		Timestamp: r.now().UnixMilli(),
	})
}

// handleStream serves the live distributor as Server-Sent Events: a ready
// comment, then "metrics" events and keepalive comments until the client leaves.
func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := ws.PrepareSSE(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := r.streamContext(req)
	defer cancel()
	client := ws.NewSSEClient(w, flusher, r.logger)
	defer client.Close()
	r.telemetry.SubscriberOpened(transportSSE)
	defer r.telemetry.SubscriberClosed(transportSSE)

	err := r.stream.Serve(ctx, func(ev stream.Event) error {
		switch ev.Kind {
		case stream.KindReady:
			return client.Comment(stream.ReadyComment)
		case stream.KindHeartbeat:
			return client.Heartbeat()
		case stream.KindMetrics:
			payload, err := json.Marshal(ev.Snapshot)
			if err != nil {
				return err
			}
			return client.SendEvent(string(stream.KindMetrics), payload)
		}
		return nil
	})
	if err != nil {
		r.logger.Debug("sse subscriber dropped", "error", err)
	}
}

// wsFrame is the envelope of websocket stream messages.
type wsFrame struct {
	Event string           `json:"event"`
	Data  *stream.Snapshot `json:"data,omitempty"`
}

// handleStreamWS serves the live distributor over a websocket. Heartbeats are
// sent as ping control frames.
func (r *Router) handleStreamWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ctx, cancel := r.streamContext(req)
	defer cancel()
	client := ws.NewClient(conn, r.logger)
	defer client.Close()
	r.telemetry.SubscriberOpened(transportWebsocket)
	defer r.telemetry.SubscriberClosed(transportWebsocket)
	go client.ReadLoop(cancel)

	err = r.stream.Serve(ctx, func(ev stream.Event) error {
		if ev.Kind == stream.KindHeartbeat {
			return client.Ping()
		}
		payload, err := json.Marshal(wsFrame{Event: string(ev.Kind), Data: ev.Snapshot})
		if err != nil {
			return err
		}
		return client.Send(payload)
	})
	if err != nil {
		r.logger.Debug("websocket subscriber dropped", "error", err)
	}
}
