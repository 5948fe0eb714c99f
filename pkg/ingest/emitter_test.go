package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEmitSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/api/metrics/ingest" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("unexpected authorization header %q", auth)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload["latency_ms"] != float64(250) {
			t.Errorf("unexpected latency %v", payload["latency_ms"])
		}
		if payload["model"] != "unknown" {
			t.Errorf("expected default model, got %v", payload["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"logId":"log-1"}`))
	}))
	defer srv.Close()

	emitter, err := NewEmitter(srv.URL+"/", " secret ", nil)
	if err != nil {
		t.Fatalf("new emitter: %v", err)
	}
	id, err := emitter.Emit(context.Background(), Interaction{Prompt: "p", Response: "r", Tokens: 3, Latency: 250 * time.Millisecond})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if id != "log-1" {
		t.Fatalf("unexpected log id %q", id)
	}
}

func TestEmitMapsStatusToSentinel(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusBadRequest, ErrInvalidArgument},
		{http.StatusTooManyRequests, ErrRateLimited},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"success":false,"error":"nope"}`))
		}))
		emitter, err := NewEmitter(srv.URL, "", &http.Client{Timeout: time.Second})
		if err != nil {
			t.Fatalf("new emitter: %v", err)
		}
		_, err = emitter.Emit(context.Background(), Interaction{Prompt: "p"})
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestEmitRejectsMalformedAck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	emitter, _ := NewEmitter(srv.URL, "", nil)
	if _, err := emitter.Emit(context.Background(), Interaction{}); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected invalid response, got %v", err)
	}
}

func TestObserveMeasuresLatency(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"success":true,"logId":"log-2"}`))
	}))
	defer srv.Close()

	emitter, _ := NewEmitter(srv.URL, "", nil)
	base := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	emitter.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls-1) * 400 * time.Millisecond)
	}

	resp, err := emitter.Observe(context.Background(), "hi", "llama", func(context.Context) (string, uint64, error) {
		return "hello", 7, nil
	})
	if err != nil || resp != "hello" {
		t.Fatalf("observe: %q %v", resp, err)
	}
	if got["latency_ms"] != float64(400) || got["tokens"] != float64(7) || got["model"] != "llama" {
		t.Fatalf("unexpected payload %v", got)
	}

	genErr := errors.New("model down")
	if _, err := emitter.Observe(context.Background(), "hi", "llama", func(context.Context) (string, uint64, error) {
		return "", 0, genErr
	}); !errors.Is(err, genErr) {
		t.Fatalf("expected generation error, got %v", err)
	}
}

func TestNewEmitterRequiresBaseURL(t *testing.T) {
	if _, err := NewEmitter("  ", "", nil); err == nil {
		t.Fatal("expected validation error")
	}
}
