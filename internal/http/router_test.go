package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/aicwd/internal/domain"
	"github.com/splax/aicwd/internal/metric"
	"github.com/splax/aicwd/internal/platform/transform"
	"github.com/splax/aicwd/internal/repository/memory"
	"github.com/splax/aicwd/internal/service/campaign"
	"github.com/splax/aicwd/internal/service/logs"
	"github.com/splax/aicwd/internal/service/stream"
	"github.com/splax/aicwd/internal/ws"
)

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []string
	allowFn func(key string, limit int, window time.Duration) rateDecision
}

func (rl *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	rl.mu.Lock()
	rl.calls = append(rl.calls, key)
	fn := rl.allowFn
	rl.mu.Unlock()
	if fn != nil {
		return fn(key, limit, window)
	}
	return rateDecision{allowed: true, count: 1, windowEnd: time.Now().Add(window)}
}

func (rl *rateLimiterStub) Close() {}

type submitterStub struct {
	mu    sync.Mutex
	tasks []domain.TaskHandle
	err   error
}

func (s *submitterStub) Submit(task domain.TaskHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.tasks = append(s.tasks, task)
	return nil
}

type testEnv struct {
	router    *Router
	repo      *memory.Repository
	submitter *submitterStub
	limiter   *rateLimiterStub
}

func newTestEnv(t *testing.T, mutate func(*Dependencies)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := memory.New()
	hub := ws.NewHub()
	t.Cleanup(hub.Close)

	logSvc := logs.New(repo, nil)
	submitter := &submitterStub{}
	limiter := &rateLimiterStub{}
	deps := Dependencies{
		Logs:      logSvc,
		Campaigns: campaign.NewService(repo, submitter, hub, 50, "mixtral-8x7b-32768", logger),
		Stream: stream.New(logSvc, stream.Config{
			Interval:   20 * time.Millisecond,
			Heartbeat:  time.Hour,
			Thresholds: metric.DefaultThresholds(),
		}, nil, logger),
		Transform:   transform.NewNoop(),
		Thresholds:  metric.DefaultThresholds(),
		Limiter:     limiter,
		RateLimit:   120,
		AllowOrigin: "*",
		Registry:    prometheus.NewRegistry(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	router := NewRouter(logger, deps)
	t.Cleanup(router.Close)
	return &testEnv{router: router, repo: repo, submitter: submitter, limiter: limiter}
}

func (e *testEnv) do(method, target, body string, headers ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return payload
}

func TestIngestStoresEntry(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodPost, routeIngest, `{"prompt":"hi","response":"Hello there. How are you?","tokens":12,"latency":340}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["success"] != true {
		t.Fatalf("expected success, got %v", body)
	}
	logID, _ := body["logId"].(string)
	if logID == "" {
		t.Fatalf("expected log id, got %v", body)
	}

	entries, err := env.repo.ListRecentLogs(context.Background(), 10)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one stored entry, got %d", len(entries))
	}
	got := entries[0]
	if got.ID != logID || got.LatencyMS != 340 || got.Tokens != 12 || got.Model != unknownModel {
		t.Fatalf("unexpected stored entry %+v", got)
	}
}

func TestIngestAcceptsLatencyMS(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(http.MethodPost, routeIngest, `{"prompt":"p","response":"r","tokens":1,"latency_ms":75,"model":"llama"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	entries, _ := env.repo.ListRecentLogs(context.Background(), 10)
	if len(entries) != 1 || entries[0].LatencyMS != 75 || entries[0].Model != "llama" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestIngestRejectsMalformedBodies(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := map[string]string{
		"truncated json":  `{"prompt":`,
		"negative tokens": `{"prompt":"p","response":"r","tokens":-3}`,
		"string tokens":   `{"prompt":"p","response":"r","tokens":"many"}`,
		"empty body":      ``,
		"null body":       `null`,
		"array body":      `[]`,
		"huge tokens":     `{"prompt":"p","response":"r","tokens":1e20}`,
		"huge latency":    `{"prompt":"p","response":"r","tokens":1,"latency":9.3e18}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := env.do(http.MethodPost, routeIngest, body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
			payload := decodeBody(t, rr)
			if payload["success"] != false || payload["error"] == "" {
				t.Fatalf("unexpected error payload %v", payload)
			}
		})
	}
	entries, _ := env.repo.ListRecentLogs(context.Background(), 10)
	if len(entries) != 0 {
		t.Fatalf("expected no stored entries, got %d", len(entries))
	}
}

func TestIngestRequiresConfiguredToken(t *testing.T) {
	env := newTestEnv(t, func(d *Dependencies) { d.IngestToken = "s3cret" })
	body := `{"prompt":"p","response":"r","tokens":1,"latency":1}`

	if rr := env.do(http.MethodPost, routeIngest, body); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, routeIngest, body, "Authorization", "Bearer wrong!"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, routeIngest, body, "Authorization", "Bearer s3cret"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, routeIngest, body, "X-Ingest-Token", "s3cret"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with header token, got %d", rr.Code)
	}
}

func TestPreflightAnsweredWithCORSHeaders(t *testing.T) {
	env := newTestEnv(t, func(d *Dependencies) { d.IngestToken = "s3cret" })
	rr := env.do(http.MethodOptions, routeIngest, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for preflight, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if len(env.limiter.calls) != 0 {
		t.Fatalf("preflight must not consume rate budget")
	}
}

func TestRateLimitedRequestsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	reset := time.Unix(1_950_000_000, 0)
	env.limiter.allowFn = func(string, int, time.Duration) rateDecision {
		return rateDecision{allowed: false, count: 120, windowEnd: reset}
	}

	rr := env.do(http.MethodGet, routeLatest, "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("unexpected remaining header %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Reset"); got != "1950000000" {
		t.Fatalf("unexpected reset header %q", got)
	}
	if !strings.HasPrefix(env.limiter.calls[0], routeLatest+"|ip:") {
		t.Fatalf("expected ip keyed limit, got %q", env.limiter.calls[0])
	}
}

func TestLatestClampsLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 3; i++ {
		if rr := env.do(http.MethodPost, routeIngest, `{"prompt":"p","response":"One. Two.","tokens":40,"latency":10}`); rr.Code != http.StatusOK {
			t.Fatalf("ingest: %d", rr.Code)
		}
	}

	rr := env.do(http.MethodGet, routeLatest+"?limit=2", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var snap stream.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Metrics) != 2 {
		t.Fatalf("expected 2 points, got %d", len(snap.Metrics))
	}

	rr = env.do(http.MethodGet, routeLatest+"?limit=-5", "")
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Metrics) != 1 {
		t.Fatalf("expected negative limit clamped to 1, got %d", len(snap.Metrics))
	}

	if rr := env.do(http.MethodGet, routeLatest+"?limit=lots", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric limit, got %d", rr.Code)
	}
}

func TestCampaignStartAndStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodPost, routeCampaignStart, "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	campaignID, _ := body["campaignId"].(string)
	if campaignID == "" || body["taskId"] == "" || body["status"] != string(domain.CampaignPending) {
		t.Fatalf("unexpected start payload %v", body)
	}
	if len(env.submitter.tasks) != 1 || env.submitter.tasks[0].CampaignID != campaignID {
		t.Fatalf("expected campaign queued, got %+v", env.submitter.tasks)
	}

	rr = env.do(http.MethodGet, routeCampaignStatus+"?campaignId="+campaignID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	status := decodeBody(t, rr)
	if status["status"] != string(domain.CampaignPending) || status["promptsGenerated"] != float64(50) || status["completed"] != float64(0) {
		t.Fatalf("unexpected status payload %v", status)
	}
	if v, ok := status["fragility_score"]; !ok || v != nil {
		t.Fatalf("expected null fragility score, got %v", v)
	}

	rr = env.do(http.MethodGet, routeCampaignStatus+"?campaign_id="+campaignID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected alias to resolve, got %d", rr.Code)
	}
}

func TestCampaignStatusErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(http.MethodGet, routeCampaignStatus, "")
	if rr.Code != http.StatusBadRequest || decodeBody(t, rr)["error"] != "campaignId is required" {
		t.Fatalf("expected 400 for missing id, got %d %s", rr.Code, rr.Body.String())
	}
	rr = env.do(http.MethodGet, routeCampaignStatus+"?campaignId=missing", "")
	if rr.Code != http.StatusNotFound || decodeBody(t, rr)["error"] != "campaign not found" {
		t.Fatalf("expected 404 for unknown id, got %d %s", rr.Code, rr.Body.String())
	}
	rr = env.do(http.MethodGet, routeCampaignResult, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for results without id, got %d", rr.Code)
	}
}

func TestCampaignStartReportsFullQueue(t *testing.T) {
	env := newTestEnv(t, nil)
	env.submitter.err = campaign.ErrQueueFull

	rr := env.do(http.MethodPost, routeCampaignStart, "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	campaignID, _ := body["campaignId"].(string)
	run, err := env.repo.GetRun(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.CampaignFailed || run.Error == "" {
		t.Fatalf("expected failed run with error, got %+v", run)
	}
}

func TestCampaignResultsRankedByWaste(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	run := &domain.CampaignRun{ID: "run-1", Status: domain.CampaignRunning, StartedAt: time.Now()}
	if err := env.repo.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	base := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		result := &domain.CampaignResult{
			ID:         "res-" + string(rune('a'+i)),
			CampaignID: run.ID,
			WasteScore: float64(i % 7),
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		if err := env.repo.InsertResult(ctx, result); err != nil {
			t.Fatalf("insert result: %v", err)
		}
	}

	rr := env.do(http.MethodGet, routeCampaignResult+"?campaignId=run-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload campaign.Results
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Results) != 30 {
		t.Fatalf("expected every result, got %d", len(payload.Results))
	}
	for i := 1; i < len(payload.Results); i++ {
		if payload.Results[i-1].WasteScore < payload.Results[i].WasteScore {
			t.Fatalf("results not sorted descending at %d", i)
		}
	}
	if len(payload.Curve) != campaign.CurveSize || payload.Curve[0].Rank != 1 {
		t.Fatalf("unexpected curve %+v", payload.Curve)
	}
}

func TestCampaignEventsEndsOnTerminalRun(t *testing.T) {
	env := newTestEnv(t, nil)
	fragility := 42.0
	completed := time.Now()
	run := &domain.CampaignRun{
		ID:               "run-done",
		Status:           domain.CampaignCompleted,
		StartedAt:        completed.Add(-time.Minute),
		CompletedAt:      &completed,
		TotalPrompts:     5,
		ProcessedPrompts: 5,
		FragilityScore:   &fragility,
	}
	if err := env.repo.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	rr := env.do(http.MethodGet, routeCampaignEvents+"?campaignId=run-done", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.HasPrefix(body, ": "+progressReadyComment+"\n\n") {
		t.Fatalf("expected ready comment first, got %q", body)
	}
	if !strings.Contains(body, "event: progress\ndata: ") || !strings.Contains(body, `"status":"completed"`) {
		t.Fatalf("expected terminal progress event, got %q", body)
	}
}

func TestTransformScheduleReturnsReceipt(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(http.MethodPost, routeTransform, `{"campaign_id":"run-9"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var receipt domain.TransformReceipt
	if err := json.Unmarshal(rr.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if receipt.Status != "triggered" || receipt.CampaignID != "run-9" || receipt.TriggeredAt.IsZero() {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	if rr := env.do(http.MethodPost, routeTransform, ""); rr.Code != http.StatusOK {
		t.Fatalf("expected empty body to be accepted, got %d", rr.Code)
	}
}

func TestHealthzReportsDatabase(t *testing.T) {
	env := newTestEnv(t, func(d *Dependencies) {
		d.DBHealth = func(context.Context) error { return errors.New("connection refused") }
	})
	rr := env.do(http.MethodGet, routeHealthz, "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if decodeBody(t, rr)["status"] != "degraded" {
		t.Fatalf("expected degraded status")
	}
}

func TestMetricsStreamSSE(t *testing.T) {
	env := newTestEnv(t, nil)
	if rr := env.do(http.MethodPost, routeIngest, `{"prompt":"p","response":"Fine. Thanks.","tokens":20,"latency":5}`); rr.Code != http.StatusOK {
		t.Fatalf("ingest: %d", rr.Code)
	}
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)
	t.Cleanup(env.router.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+routeStream, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first, err := reader.ReadString('\n')
	if err != nil || first != ": "+stream.ReadyComment+"\n" {
		t.Fatalf("expected ready comment, got %q (%v)", first, err)
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended before a metrics event: %v", err)
		}
		if line != "event: metrics\n" {
			continue
		}
		data, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read data: %v", err)
		}
		var snap stream.Snapshot
		if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(data), "data: ")), &snap); err != nil {
			t.Fatalf("decode snapshot %q: %v", data, err)
		}
		if len(snap.Metrics) != 1 || snap.Timestamp == 0 {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
		return
	}
}

func TestMetricsStreamWebsocket(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)
	t.Cleanup(env.router.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + routeStreamWS
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var frame struct {
		Event string           `json:"event"`
		Data  *stream.Snapshot `json:"data"`
	}
	if err := conn.ReadJSON(&frame); err != nil || frame.Event != string(stream.KindReady) {
		t.Fatalf("expected ready frame, got %+v (%v)", frame, err)
	}
	if err := conn.ReadJSON(&frame); err != nil || frame.Event != string(stream.KindMetrics) || frame.Data == nil {
		t.Fatalf("expected metrics frame, got %+v (%v)", frame, err)
	}
	if frame.Data.Metrics == nil {
		t.Fatalf("expected empty metrics array, got nil")
	}
}
