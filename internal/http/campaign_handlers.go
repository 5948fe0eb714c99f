package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/splax/aicwd/internal/domain"
	"github.com/splax/aicwd/internal/repository"
	"github.com/splax/aicwd/internal/service/campaign"
	"github.com/splax/aicwd/internal/ws"
)

const progressEventName = "progress"

// campaignIDParam reads the campaign id from campaignId or its campaign_id alias.
func campaignIDParam(req *http.Request) string {
	query := req.URL.Query()
	if id := strings.TrimSpace(query.Get("campaignId")); id != "" {
		return id
	}
	return strings.TrimSpace(query.Get("campaign_id"))
}

func (r *Router) handleCampaignStart(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	task, run, err := r.campaigns.Start(req.Context())
	if err != nil {
		if run.ID != "" {
			r.logger.Warn("campaign could not be queued", "campaign_id", run.ID, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"campaignId": run.ID,
				"status":     run.Status,
				"error":      run.Error,
			})
			return
		}
		r.logger.Error("failed to create campaign", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create campaign")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"campaignId": run.ID,
		"taskId":     task.TaskID,
		"status":     run.Status,
	})
}

func (r *Router) handleCampaignStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	run, ok := r.loadRun(w, req)
	if !ok {
		return
	}
	payload := map[string]any{
		"campaignId":       run.ID,
		"status":           run.Status,
		"promptsGenerated": run.TotalPrompts,
		"completed":        run.ProcessedPrompts,
		"fragility_score":  run.FragilityScore,
	}
	if run.Error != "" {
		payload["error"] = run.Error
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleCampaignResults(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	results, err := r.campaigns.Results(req.Context(), campaignIDParam(req))
	if err != nil {
		r.writeCampaignError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// handleCampaignEvents streams progress events of one campaign until it
// reaches a terminal state or the client leaves.
func (r *Router) handleCampaignEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	run, ok := r.loadRun(w, req)
	if !ok {
		return
	}
	flusher, ok := ws.PrepareSSE(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.WriteHeader(http.StatusOK)

	ctx, cancel := r.streamContext(req)
	defer cancel()
	client := newProgressStream(ws.NewSSEClient(w, flusher, r.logger, ws.WithEventName(progressEventName)))
	defer client.Close()
	r.telemetry.SubscriberOpened(transportProgress)
	defer r.telemetry.SubscriberClosed(transportProgress)

	if err := client.Comment(progressReadyComment); err != nil {
		return
	}
	r.campaigns.Subscribe(run.ID, client)
	defer r.campaigns.Unsubscribe(run.ID, client)

	// the current state covers events published before the subscription landed
	current, err := r.campaigns.Status(ctx, run.ID)
	if err != nil {
		current = run
	}
	if err := client.Send(progressSnapshot(current, r.now())); err != nil {
		return
	}

	heartbeat := time.NewTicker(r.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.finished:
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

const progressReadyComment = "aicwd_campaign_ready"

// progressStream forwards hub payloads to an SSE client and notices the
// terminal event of the run it follows.
type progressStream struct {
	*ws.SSEClient
	finished chan struct{}
	once     sync.Once
}

func newProgressStream(client *ws.SSEClient) *progressStream {
	return &progressStream{SSEClient: client, finished: make(chan struct{})}
}

func (p *progressStream) Send(payload []byte) error {
	if err := p.SSEClient.Send(payload); err != nil {
		return err
	}
	var ev struct {
		Status domain.CampaignStatus `json:"status"`
	}
	if json.Unmarshal(payload, &ev) == nil && ev.Status.Terminal() {
		p.once.Do(func() { close(p.finished) })
	}
	return nil
}

func progressSnapshot(run *domain.CampaignRun, now time.Time) []byte {
	payload, _ := json.Marshal(campaign.ProgressEvent{
		CampaignID:       run.ID,
		Status:           run.Status,
		ProcessedPrompts: run.ProcessedPrompts,
		TotalPrompts:     run.TotalPrompts,
		FragilityScore:   run.FragilityScore,
		Error:            run.Error,
		Timestamp:        now.UnixMilli(),
	})
	return payload
}

func (r *Router) handleTransformSchedule(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.transform == nil {
		writeError(w, http.StatusServiceUnavailable, "transform trigger not configured")
		return
	}
	var payload struct {
		CampaignID string `json:"campaign_id"`
	}
	if err := json.NewDecoder(io.LimitReader(req.Body, maxIngestBody)).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	campaignID := strings.TrimSpace(payload.CampaignID)
	if campaignID == "" {
		campaignID = campaignIDParam(req)
	}
	receipt, err := r.transform.Schedule(req.Context(), campaignID)
	if err != nil {
		r.logger.Warn("manual transform trigger failed", "campaign_id", campaignID, "error", err)
		writeError(w, http.StatusBadGateway, "transform trigger failed")
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// loadRun resolves the campaign named by the request, answering 400 or 404 itself.
func (r *Router) loadRun(w http.ResponseWriter, req *http.Request) (*domain.CampaignRun, bool) {
	run, err := r.campaigns.Status(req.Context(), campaignIDParam(req))
	if err != nil {
		r.writeCampaignError(w, err)
		return nil, false
	}
	return run, true
}

func (r *Router) writeCampaignError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrMissingCampaignID):
		writeError(w, http.StatusBadRequest, campaign.ErrMissingCampaignID.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "campaign not found")
	default:
		r.logger.Error("campaign lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load campaign")
	}
}
