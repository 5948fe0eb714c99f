package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewNormalisesBaseURL(t *testing.T) {
	cli, err := New(" localhost:4000/ ")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cli.baseURL != "http://localhost:4000" {
		t.Fatalf("unexpected base url %q", cli.baseURL)
	}
	cli, _ = New("")
	if cli.baseURL != DefaultBaseURL {
		t.Fatalf("expected default base url, got %q", cli.baseURL)
	}
}

func TestGetCampaignStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/red-team/status" || r.URL.Query().Get("campaignId") != "run 1" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = w.Write([]byte(`{"campaignId":"run 1","status":"completed","promptsGenerated":50,"completed":50,"fragility_score":37.5}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	status, err := cli.GetCampaignStatus(context.Background(), "run 1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Terminal() || status.Completed != 50 || status.FragilityScore == nil || *status.FragilityScore != 37.5 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestAPIErrorsCarryMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"campaign not found"}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.GetCampaignResults(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "campaign not found" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestWatchCampaignDecodesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": aicwd_campaign_ready\n\n")
		fmt.Fprint(w, "event: progress\ndata: {\"campaign_id\":\"c1\",\"status\":\"running\",\"processed_prompts\":5,\"total_prompts\":10}\n\n")
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, "event: progress\ndata: {\"campaign_id\":\"c1\",\"status\":\"completed\",\"processed_prompts\":10,\"total_prompts\":10}\n\n")
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	var seen []ProgressEvent
	err := cli.WatchCampaign(context.Background(), "c1", func(ev ProgressEvent) error {
		seen = append(seen, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if len(seen) != 2 || seen[0].ProcessedPrompts != 5 || seen[1].Status != "completed" {
		t.Fatalf("unexpected events %+v", seen)
	}
}

func TestScheduleTransformSendsCampaign(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/dbt/schedule" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"triggered","campaign_id":"c9","triggered_at":"2025-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	receipt, err := cli.ScheduleTransform(context.Background(), "c9")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if receipt.Status != "triggered" || receipt.CampaignID != "c9" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}
