package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"socialwatch/internal/extract"
	"socialwatch/internal/jobs"
	"socialwatch/internal/models"
	"socialwatch/internal/store"
)

type fakeRepo struct {
	mu            sync.Mutex
	entities      []store.DueEntity
	unscored      map[string][]models.ContentItem
	scored        map[string]int
	extracted     map[string]time.Time
	alerts        []models.Alert
	alertKeys     map[string]bool
	recentAvg     float64
	baselineAvg   float64
	recentCount   int
	priorCount    int
	listCalls     int
	listBlock     chan struct{}
	listErr       error
}

func newFakeRepo(entities ...store.DueEntity) *fakeRepo {
	return &fakeRepo{
		entities:  entities,
		unscored:  map[string][]models.ContentItem{},
		scored:    map[string]int{},
		extracted: map[string]time.Time{},
		alertKeys: map[string]bool{},
	}
}

func (r *fakeRepo) ListDueEntities(context.Context) ([]store.DueEntity, error) {
	r.mu.Lock()
	r.listCalls++
	block := r.listBlock
	err := r.listErr
	ents := append([]store.DueEntity(nil), r.entities...)
	r.mu.Unlock()
	if block != nil {
		<-block
	}
	return ents, err
}

func (r *fakeRepo) GetEntity(_ context.Context, id string) (store.DueEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entities {
		if e.Ref.ID == id {
			return e, nil
		}
	}
	return store.DueEntity{}, fmt.Errorf("entity %s not found", id)
}

func (r *fakeRepo) MarkExtracted(_ context.Context, entityID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extracted[entityID] = at
	return nil
}

func (r *fakeRepo) ListPostsNeedingScore(_ context.Context, entityID string) ([]models.ContentItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.unscored[entityID]
	return append([]models.ContentItem(nil), items...), nil
}

func (r *fakeRepo) SetPostScore(_ context.Context, sourceID string, score int, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scored[sourceID] = score
	// Scored posts leave the unscored sets.
	for ent, items := range r.unscored {
		kept := items[:0]
		for _, it := range items {
			if it.SourceID != sourceID {
				kept = append(kept, it)
			}
		}
		r.unscored[ent] = kept
	}
	return nil
}

func (r *fakeRepo) RecordAlert(_ context.Context, alert models.Alert) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := alert.EntityID + "|" + alert.Kind
	if alert.Evidence != nil {
		key += "|" + alert.Evidence.SourceID
	}
	if r.alertKeys[key] {
		return false, nil
	}
	r.alertKeys[key] = true
	r.alerts = append(r.alerts, alert)
	return true, nil
}

func (r *fakeRepo) EngagementAverages(context.Context, string, time.Duration, time.Duration) (float64, float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recentAvg, r.baselineAvg, nil
}

func (r *fakeRepo) PostCounts(context.Context, string, time.Duration) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recentCount, r.priorCount, nil
}

func (r *fakeRepo) alertKinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.alerts))
	for _, a := range r.alerts {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []models.Alert
	err    error
}

func (n *fakeNotifier) Alert(_ context.Context, alert models.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

func dueEntity(id string) store.DueEntity {
	return store.DueEntity{
		Ref: models.EntityRef{ID: id, Provider: models.ProviderFacebook, ConfigID: "cfg", ExternalID: "x-" + id},
		Thresholds: models.AlertThresholds{
			ViralEngagementScore:          80,
			EngagementDropPercentage:      50,
			PostFrequencyChangePercentage: 50,
		},
		Frequency: time.Hour,
	}
}

// newLoopHarness builds a loop over a real queue whose extraction
// handler is controlled by failFor.
func newLoopHarness(t *testing.T, repo *fakeRepo, notifier *fakeNotifier, failFor map[string]error) (*Loop, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	q := jobs.New(jobs.Options{
		Workers:           2,
		MaxAttempts:       1,
		Backoff:           func(int) time.Duration { return time.Millisecond },
		AttemptBudget:     time.Second,
		TerminalRetention: time.Minute,
	})
	q.RegisterHandler(extract.JobType, func(_ context.Context, run *jobs.Run) error {
		payload := run.Payload().(extract.Payload)
		if err, ok := failFor[payload.Entity.ID]; ok {
			return err
		}
		return nil
	})
	q.Start(ctx)

	loop := New(repo, q, notifier, Options{
		Interval:     time.Hour,
		CycleTimeout: 2 * time.Second,
	})
	return loop, cancel
}

func TestCycleIsolatesFailingEntity(t *testing.T) {
	repo := newFakeRepo(dueEntity("A"), dueEntity("B"), dueEntity("C"))
	notifier := &fakeNotifier{}
	loop, cancel := newLoopHarness(t, repo, notifier, map[string]error{
		"B": jobs.Permanent(errors.New("provider rejects B")),
	})
	defer cancel()

	var summary models.CycleSummary
	loop.opts.OnSummary = func(s models.CycleSummary) { summary = s }
	loop.tryCycle(context.Background())

	if summary.EntitiesDue != 3 {
		t.Fatalf("expected 3 due got %d", summary.EntitiesDue)
	}
	if summary.EntitiesSucceeded != 2 {
		t.Fatalf("expected A and C to succeed, got %d", summary.EntitiesSucceeded)
	}
	if summary.EntitiesFailed != 1 {
		t.Fatalf("expected B to fail, got %d", summary.EntitiesFailed)
	}

	repo.mu.Lock()
	_, aDone := repo.extracted["A"]
	_, bDone := repo.extracted["B"]
	_, cDone := repo.extracted["C"]
	repo.mu.Unlock()
	if !aDone || !cDone {
		t.Fatal("successful entities were not marked extracted")
	}
	if bDone {
		t.Fatal("failed entity was marked extracted")
	}
}

func TestViralContentAlertsOnceAndDedupes(t *testing.T) {
	repo := newFakeRepo(dueEntity("A"))
	// 100 + 2*25 + 3*45 caps at 100, well past the viral threshold.
	repo.unscored["A"] = []models.ContentItem{{
		SourceID: "post-1",
		EntityID: "A",
		Engagement: models.Engagement{Likes: 100, Shares: 25, Comments: 45},
	}}
	notifier := &fakeNotifier{}
	loop, cancel := newLoopHarness(t, repo, notifier, nil)
	defer cancel()

	loop.tryCycle(context.Background())
	if notifier.count() != 1 {
		t.Fatalf("expected 1 viral alert got %d", notifier.count())
	}
	notifier.mu.Lock()
	alert := notifier.alerts[0]
	notifier.mu.Unlock()
	if alert.Kind != models.AlertViralContent {
		t.Fatalf("expected viral_content got %s", alert.Kind)
	}
	if alert.Evidence == nil || alert.Evidence.SourceID != "post-1" {
		t.Fatalf("alert missing evidence: %+v", alert)
	}

	repo.mu.Lock()
	score := repo.scored["post-1"]
	repo.mu.Unlock()
	if score != 100 {
		t.Fatalf("expected stored score 100 got %d", score)
	}

	// Second cycle: nothing new, no duplicate alert.
	loop.tryCycle(context.Background())
	if notifier.count() != 1 {
		t.Fatalf("duplicate alert raised, total %d", notifier.count())
	}
}

func TestSubViralContentDoesNotAlert(t *testing.T) {
	repo := newFakeRepo(dueEntity("A"))
	repo.unscored["A"] = []models.ContentItem{{
		SourceID:   "post-2",
		EntityID:   "A",
		Engagement: models.Engagement{Likes: 10, Shares: 2, Comments: 3},
	}}
	notifier := &fakeNotifier{}
	loop, cancel := newLoopHarness(t, repo, notifier, nil)
	defer cancel()

	loop.tryCycle(context.Background())
	if notifier.count() != 0 {
		t.Fatalf("unexpected alert for score 23: %d", notifier.count())
	}
	repo.mu.Lock()
	score, ok := repo.scored["post-2"]
	repo.mu.Unlock()
	if !ok || score != 23 {
		t.Fatalf("expected stored score 23 got %d (ok=%v)", score, ok)
	}
}

func TestEngagementDropAlert(t *testing.T) {
	repo := newFakeRepo(dueEntity("A"))
	repo.recentAvg = 10
	repo.baselineAvg = 100
	notifier := &fakeNotifier{}
	loop, cancel := newLoopHarness(t, repo, notifier, nil)
	defer cancel()

	loop.tryCycle(context.Background())

	kinds := repo.alertKinds()
	found := false
	for _, k := range kinds {
		if k == models.AlertEngagementDrop {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected engagement_drop alert, got %v", kinds)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	for _, a := range notifier.alerts {
		if a.Kind == models.AlertEngagementDrop && a.Severity != models.SeverityCritical {
			t.Fatalf("90%% drop should be critical, got %s", a.Severity)
		}
	}
}

func TestFrequencyChangeAlert(t *testing.T) {
	repo := newFakeRepo(dueEntity("A"))
	repo.recentCount = 10
	repo.priorCount = 4
	notifier := &fakeNotifier{}
	loop, cancel := newLoopHarness(t, repo, notifier, nil)
	defer cancel()

	loop.tryCycle(context.Background())

	found := false
	for _, k := range repo.alertKinds() {
		if k == models.AlertFrequencyChange {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected frequency_change alert, got %v", repo.alertKinds())
	}
}

func TestNotifierFailureDoesNotAbortCycle(t *testing.T) {
	repo := newFakeRepo(dueEntity("A"), dueEntity("B"))
	repo.unscored["A"] = []models.ContentItem{{
		SourceID:   "hot",
		EntityID:   "A",
		Engagement: models.Engagement{Likes: 100, Shares: 25, Comments: 45},
	}}
	notifier := &fakeNotifier{err: errors.New("telegram down")}
	loop, cancel := newLoopHarness(t, repo, notifier, nil)
	defer cancel()

	var summary models.CycleSummary
	loop.opts.OnSummary = func(s models.CycleSummary) { summary = s }
	loop.tryCycle(context.Background())

	if summary.EntitiesSucceeded != 2 {
		t.Fatalf("notifier failure aborted cycle: %+v", summary)
	}
}

func TestOverlappingTickIsDropped(t *testing.T) {
	repo := newFakeRepo(dueEntity("A"))
	repo.listBlock = make(chan struct{})
	notifier := &fakeNotifier{}
	loop, cancel := newLoopHarness(t, repo, notifier, nil)
	defer cancel()

	first := make(chan struct{})
	go func() {
		loop.tryCycle(context.Background())
		close(first)
	}()

	// Wait until the first cycle is inside ListDueEntities.
	deadline := time.Now().Add(time.Second)
	for {
		repo.mu.Lock()
		calls := repo.listCalls
		repo.mu.Unlock()
		if calls == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first cycle never started")
		}
		time.Sleep(time.Millisecond)
	}

	loop.tryCycle(context.Background()) // must be dropped, not queued

	close(repo.listBlock)
	<-first

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if repo.listCalls != 1 {
		t.Fatalf("overlapping tick ran a second cycle (%d list calls)", repo.listCalls)
	}
}

func TestSubmitManualExtraction(t *testing.T) {
	repo := newFakeRepo(dueEntity("A"), dueEntity("B"))
	notifier := &fakeNotifier{}
	loop, cancel := newLoopHarness(t, repo, notifier, nil)
	defer cancel()

	ids, err := loop.SubmitManualExtraction(context.Background(), []string{"A", "B"}, jobs.PriorityHigh)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 job ids got %d", len(ids))
	}
	for _, id := range ids {
		done, err := loop.queue.Done(id)
		if err != nil {
			t.Fatalf("done %s: %v", id, err)
		}
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("manual job %s did not finish", id)
		}
		snap, _ := loop.queue.Progress(id)
		if snap.State != jobs.StateSucceeded {
			t.Fatalf("manual job %s ended %s", id, snap.State)
		}
	}

	if _, err := loop.SubmitManualExtraction(context.Background(), []string{"missing"}, jobs.PriorityNormal); err == nil {
		t.Fatal("expected error for unknown entity")
	}
}
