package campaign

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/aicwd/internal/domain"
	"github.com/splax/aicwd/internal/metric"
	"github.com/splax/aicwd/internal/platform/groq"
	"github.com/splax/aicwd/internal/repository"
	"github.com/splax/aicwd/internal/repository/memory"
)

const cannedAnswer = "Short answer."

type scriptedGenerator struct {
	mu        sync.Mutex
	failAt    map[int]bool
	preflight error
	prompts   []string
	models    []string
}

func (g *scriptedGenerator) Preflight() error {
	return g.preflight
}

func (g *scriptedGenerator) Complete(_ context.Context, prompt, model string) (domain.Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := len(g.prompts)
	g.prompts = append(g.prompts, prompt)
	g.models = append(g.models, model)
	if g.failAt[idx] {
		return domain.Completion{Text: "partial", Tokens: 99}, errors.New("upstream timeout")
	}
	return domain.Completion{Text: cannedAnswer, Tokens: 20}, nil
}

func (g *scriptedGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

type stubAugmenter struct {
	prompts []string
	err     error
	calls   int
}

func (a *stubAugmenter) Augment(context.Context, []string) ([]string, error) {
	a.calls++
	return a.prompts, a.err
}

type stubTrigger struct {
	calls int
	err   error
}

func (t *stubTrigger) Schedule(_ context.Context, campaignID string) (domain.TransformReceipt, error) {
	t.calls++
	return domain.TransformReceipt{Status: "triggered", CampaignID: campaignID}, t.err
}

type recordingSink struct {
	mu      sync.Mutex
	entries []domain.LogEntry
	err     error
}

func (s *recordingSink) Append(_ context.Context, entry *domain.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, *entry)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	count  int
}

func (p *recordingPublisher) Broadcast(topic string, _ []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.count++
	return true
}

// progressRepo records every processed_prompts patch.
type progressRepo struct {
	*memory.Repository
	mu        sync.Mutex
	processed []int
	resultErr error
}

func (r *progressRepo) UpdateRun(ctx context.Context, update domain.CampaignRunUpdate) error {
	if update.ProcessedPrompts != nil {
		r.mu.Lock()
		r.processed = append(r.processed, *update.ProcessedPrompts)
		r.mu.Unlock()
	}
	return r.Repository.UpdateRun(ctx, update)
}

func (r *progressRepo) InsertResult(ctx context.Context, result *domain.CampaignResult) error {
	if r.resultErr != nil {
		return r.resultErr
	}
	return r.Repository.InsertResult(ctx, result)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPendingRun(t *testing.T, repo repository.CampaignRepository, total int) string {
	t.Helper()
	run := domain.CampaignRun{ID: "run-" + t.Name(), Status: domain.CampaignPending, Model: "test-model", StartedAt: time.Now().UTC(), TotalPrompts: total}
	if err := repo.CreateRun(context.Background(), &run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run.ID
}

func promptsN(n int) []string {
	prompts := make([]string, n)
	for i := range prompts {
		prompts[i] = "prompt " + string(rune('A'+i))
	}
	return prompts
}

func TestRunScoresEveryPromptAndAbsorbsGenerationFailures(t *testing.T) {
	repo := &progressRepo{Repository: memory.New()}
	gen := &scriptedGenerator{failAt: map[int]bool{3: true}}
	sink := &recordingSink{}
	pub := &recordingPublisher{}
	trigger := &stubTrigger{}
	prompts := promptsN(7)

	o := NewOrchestrator(OrchestratorConfig{
		Runs: repo, Logs: sink, Generator: gen, Trigger: trigger, Publisher: pub,
		Prompts: prompts, Logger: discardLogger(),
	})
	id := newPendingRun(t, repo, 7)

	if err := o.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}

	run, err := repo.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.CampaignCompleted || run.ProcessedPrompts != 7 || run.TotalPrompts != 7 {
		t.Fatalf("unexpected final run %+v", run)
	}
	if run.CompletedAt == nil || run.Error != "" {
		t.Fatalf("expected completion time and no error, got %+v", run)
	}

	w := metric.WasteIndex(20, metric.SemanticPayload(cannedAnswer))
	want := metric.FragilityScore([]float64{w, w, w, 0, w, w, w})
	if run.FragilityScore == nil || *run.FragilityScore != want {
		t.Fatalf("expected fragility %v, got %v", want, run.FragilityScore)
	}

	if got := repo.processed; len(got) != 3 || got[0] != 0 || got[1] != 5 || got[2] != 7 {
		t.Fatalf("expected progress patches [0 5 7], got %v", got)
	}

	results, _ := repo.ListResults(context.Background(), id, domain.OrderByCreatedAt)
	if len(results) != 7 {
		t.Fatalf("expected 7 results, got %d", len(results))
	}
	for i, res := range results {
		if res.Prompt != prompts[i] {
			t.Fatalf("result %d: expected prompt %q, got %q", i, prompts[i], res.Prompt)
		}
	}
	failed := results[3]
	if !strings.HasPrefix(failed.Response, "ERROR: ") || failed.Tokens != 0 || failed.WasteScore != 0 {
		t.Fatalf("expected error sentinel result, got %+v", failed)
	}
	if !strings.Contains(failed.Response, "upstream timeout") {
		t.Fatalf("expected error message in sentinel, got %q", failed.Response)
	}

	if len(sink.entries) != 7 {
		t.Fatalf("expected 7 logs, got %d", len(sink.entries))
	}
	if sink.entries[0].Model != "test-model" || results[0].LogID != sink.entries[0].ID {
		t.Fatalf("expected log linked to result, got log %+v result %+v", sink.entries[0], results[0])
	}
	for _, m := range gen.models {
		if m != "test-model" {
			t.Fatalf("expected run model to be used, got %q", m)
		}
	}
	if trigger.calls != 1 {
		t.Fatalf("expected one transform trigger, got %d", trigger.calls)
	}
	// running, progress at 5 and 7, completed
	if pub.count != 4 {
		t.Fatalf("expected 4 progress events, got %d", pub.count)
	}
}

func TestRunFailsFastWithoutCredential(t *testing.T) {
	repo := memory.New()
	aug := &stubAugmenter{prompts: []string{"x"}}
	sink := &recordingSink{}
	o := NewOrchestrator(OrchestratorConfig{
		Runs: repo, Logs: sink, Generator: Unavailable(groq.ErrMissingAPIKey), Augmenter: aug,
		Prompts: promptsN(3), Logger: discardLogger(),
	})
	id := newPendingRun(t, repo, 3)

	err := o.Run(context.Background(), id)
	if !errors.Is(err, ErrGeneratorUnavailable) || !errors.Is(err, groq.ErrMissingAPIKey) {
		t.Fatalf("expected generator unavailable error, got %v", err)
	}

	run, _ := repo.GetRun(context.Background(), id)
	if run.Status != domain.CampaignFailed || run.ProcessedPrompts != 0 || run.FragilityScore != nil {
		t.Fatalf("unexpected failed run %+v", run)
	}
	if !strings.Contains(run.Error, "missing GROQ_API_KEY") || run.CompletedAt == nil {
		t.Fatalf("expected stored error and completion time, got %+v", run)
	}
	if aug.calls != 0 || len(sink.entries) != 0 {
		t.Fatalf("expected no augmentation and no logs, got %d calls, %d logs", aug.calls, len(sink.entries))
	}
}

func TestRunWrapsPlainPreflightErrors(t *testing.T) {
	repo := memory.New()
	o := NewOrchestrator(OrchestratorConfig{
		Runs: repo, Logs: &recordingSink{}, Generator: &scriptedGenerator{preflight: errors.New("no key")},
		Logger: discardLogger(),
	})
	id := newPendingRun(t, repo, 0)
	if err := o.Run(context.Background(), id); !errors.Is(err, ErrGeneratorUnavailable) {
		t.Fatalf("expected ErrGeneratorUnavailable, got %v", err)
	}
}

func TestRunEmptyCorpusCompletesWithZeroFragility(t *testing.T) {
	repo := &progressRepo{Repository: memory.New()}
	gen := &scriptedGenerator{}
	o := NewOrchestrator(OrchestratorConfig{Runs: repo, Logs: &recordingSink{}, Generator: gen, Logger: discardLogger()})
	id := newPendingRun(t, repo, 0)

	if err := o.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	run, _ := repo.GetRun(context.Background(), id)
	if run.Status != domain.CampaignCompleted || run.TotalPrompts != 0 || run.ProcessedPrompts != 0 {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.FragilityScore == nil || *run.FragilityScore != 0 {
		t.Fatalf("expected fragility 0, got %v", run.FragilityScore)
	}
	if gen.calls() != 0 {
		t.Fatalf("expected no generator calls, got %d", gen.calls())
	}
}

func TestRunUsesAugmentedCorpus(t *testing.T) {
	repo := memory.New()
	gen := &scriptedGenerator{}
	aug := &stubAugmenter{prompts: []string{"generated one", "generated two"}}
	o := NewOrchestrator(OrchestratorConfig{
		Runs: repo, Logs: &recordingSink{}, Generator: gen, Augmenter: aug,
		Prompts: promptsN(5), Logger: discardLogger(),
	})
	id := newPendingRun(t, repo, 5)

	if err := o.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	run, _ := repo.GetRun(context.Background(), id)
	if run.TotalPrompts != 2 || run.ProcessedPrompts != 2 {
		t.Fatalf("expected totals from augmented corpus, got %+v", run)
	}
	if gen.prompts[0] != "generated one" || gen.prompts[1] != "generated two" {
		t.Fatalf("unexpected prompts sent %v", gen.prompts)
	}
}

func TestRunFallsBackToFixedCorpus(t *testing.T) {
	for name, aug := range map[string]*stubAugmenter{
		"error": {err: errors.New("connection refused")},
		"empty": {prompts: []string{}},
	} {
		t.Run(name, func(t *testing.T) {
			repo := memory.New()
			gen := &scriptedGenerator{}
			o := NewOrchestrator(OrchestratorConfig{
				Runs: repo, Logs: &recordingSink{}, Generator: gen, Augmenter: aug,
				Prompts: promptsN(3), Logger: discardLogger(),
			})
			id := newPendingRun(t, repo, 3)
			if err := o.Run(context.Background(), id); err != nil {
				t.Fatalf("run: %v", err)
			}
			if gen.calls() != 3 || gen.prompts[0] != "prompt A" {
				t.Fatalf("expected fixed corpus, got %v", gen.prompts)
			}
		})
	}
}

func TestRunAbsorbsStorageAndTriggerFailures(t *testing.T) {
	repo := &progressRepo{Repository: memory.New(), resultErr: errors.New("disk full")}
	sink := &recordingSink{err: errors.New("disk full")}
	trigger := &stubTrigger{err: errors.New("runner offline")}
	o := NewOrchestrator(OrchestratorConfig{
		Runs: repo, Logs: sink, Generator: &scriptedGenerator{}, Trigger: trigger,
		Prompts: promptsN(2), Logger: discardLogger(),
	})
	id := newPendingRun(t, repo, 2)

	if err := o.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	run, _ := repo.GetRun(context.Background(), id)
	if run.Status != domain.CampaignCompleted || run.ProcessedPrompts != 2 {
		t.Fatalf("expected completion despite storage failures, got %+v", run)
	}
	if trigger.calls != 1 {
		t.Fatalf("expected trigger attempt, got %d", trigger.calls)
	}
}

func TestRunRefusesTerminalAndRunningRuns(t *testing.T) {
	repo := memory.New()
	gen := &scriptedGenerator{}
	o := NewOrchestrator(OrchestratorConfig{Runs: repo, Logs: &recordingSink{}, Generator: gen, Prompts: promptsN(2), Logger: discardLogger()})
	ctx := context.Background()

	done := domain.CampaignRun{ID: "done", Status: domain.CampaignCompleted}
	busy := domain.CampaignRun{ID: "busy", Status: domain.CampaignRunning}
	_ = repo.CreateRun(ctx, &done)
	_ = repo.CreateRun(ctx, &busy)

	if err := o.Run(ctx, "done"); !errors.Is(err, ErrRunTerminal) {
		t.Fatalf("expected ErrRunTerminal, got %v", err)
	}
	if err := o.Run(ctx, "busy"); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	if err := o.Run(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if gen.calls() != 0 {
		t.Fatalf("expected no generator calls, got %d", gen.calls())
	}
}

// flakyStatusRepo fails status patches for one target status.
type flakyStatusRepo struct {
	*memory.Repository
	mu       sync.Mutex
	status   domain.CampaignStatus
	failures int // remaining failures; negative fails forever
	attempts int
}

var errTransientStore = errors.New("transient db error")

func (r *flakyStatusRepo) UpdateRun(ctx context.Context, update domain.CampaignRunUpdate) error {
	if update.Status == r.status {
		r.mu.Lock()
		r.attempts++
		fail := r.failures != 0
		if r.failures > 0 {
			r.failures--
		}
		r.mu.Unlock()
		if fail {
			return errTransientStore
		}
	}
	return r.Repository.UpdateRun(ctx, update)
}

func TestRunFailsRunWhenCompletionCannotBeRecorded(t *testing.T) {
	repo := &flakyStatusRepo{Repository: memory.New(), status: domain.CampaignCompleted, failures: -1}
	o := NewOrchestrator(OrchestratorConfig{
		Runs: repo, Logs: &recordingSink{}, Generator: &scriptedGenerator{},
		Prompts: promptsN(3), Logger: discardLogger(), PatchBackoff: time.Millisecond,
	})
	id := newPendingRun(t, repo, 3)

	err := o.Run(context.Background(), id)
	if !errors.Is(err, errTransientStore) {
		t.Fatalf("expected store error, got %v", err)
	}
	run, _ := repo.GetRun(context.Background(), id)
	if run.Status != domain.CampaignFailed || run.CompletedAt == nil {
		t.Fatalf("expected terminal failed run, got %+v", run)
	}
	if !strings.Contains(run.Error, "mark campaign completed") {
		t.Fatalf("expected stored cause, got %q", run.Error)
	}
	if repo.attempts != patchRetries+1 {
		t.Fatalf("expected %d completion attempts, got %d", patchRetries+1, repo.attempts)
	}
}

func TestRunRetriesTransientCompletionErrors(t *testing.T) {
	repo := &flakyStatusRepo{Repository: memory.New(), status: domain.CampaignCompleted, failures: 2}
	o := NewOrchestrator(OrchestratorConfig{
		Runs: repo, Logs: &recordingSink{}, Generator: &scriptedGenerator{},
		Prompts: promptsN(2), Logger: discardLogger(), PatchBackoff: time.Millisecond,
	})
	id := newPendingRun(t, repo, 2)

	if err := o.Run(context.Background(), id); err != nil {
		t.Fatalf("run: %v", err)
	}
	run, _ := repo.GetRun(context.Background(), id)
	if run.Status != domain.CampaignCompleted || run.FragilityScore == nil {
		t.Fatalf("expected completed run, got %+v", run)
	}
	if repo.attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", repo.attempts)
	}
}

func TestRunFailsRunWhenStartCannotBeRecorded(t *testing.T) {
	repo := &flakyStatusRepo{Repository: memory.New(), status: domain.CampaignRunning, failures: -1}
	gen := &scriptedGenerator{}
	o := NewOrchestrator(OrchestratorConfig{
		Runs: repo, Logs: &recordingSink{}, Generator: gen,
		Prompts: promptsN(4), Logger: discardLogger(), PatchBackoff: time.Millisecond,
	})
	id := newPendingRun(t, repo, 4)

	if err := o.Run(context.Background(), id); !errors.Is(err, errTransientStore) {
		t.Fatalf("expected store error, got %v", err)
	}
	run, _ := repo.GetRun(context.Background(), id)
	if run.Status != domain.CampaignFailed || !strings.Contains(run.Error, "mark campaign running") {
		t.Fatalf("expected failed run, got %+v", run)
	}
	if gen.calls() != 0 {
		t.Fatalf("expected no generation before the run started, got %d", gen.calls())
	}
}
