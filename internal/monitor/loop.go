package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"socialwatch/internal/extract"
	"socialwatch/internal/jobs"
	"socialwatch/internal/models"
	"socialwatch/internal/notify"
	"socialwatch/internal/scoring"
	"socialwatch/internal/store"
	"socialwatch/internal/telemetry"
)

// Repository is the record-store boundary the loop consumes.
type Repository interface {
	ListDueEntities(ctx context.Context) ([]store.DueEntity, error)
	GetEntity(ctx context.Context, id string) (store.DueEntity, error)
	MarkExtracted(ctx context.Context, entityID string, at time.Time) error
	ListPostsNeedingScore(ctx context.Context, entityID string) ([]models.ContentItem, error)
	SetPostScore(ctx context.Context, sourceID string, score int, class string) error
	RecordAlert(ctx context.Context, alert models.Alert) (bool, error)
	EngagementAverages(ctx context.Context, entityID string, recent, baseline time.Duration) (float64, float64, error)
	PostCounts(ctx context.Context, entityID string, window time.Duration) (int, int, error)
}

// Options tunes the loop.
type Options struct {
	Interval       time.Duration
	CycleTimeout   time.Duration
	FetchLimit     int
	RecentWindow   time.Duration
	BaselineWindow time.Duration
	OnSummary      func(models.CycleSummary)
	Logger         *logrus.Logger
}

// Loop drives timer-based monitoring: enumerate due entities, enqueue
// extraction jobs, wait for them, score new content, and raise alerts.
type Loop struct {
	repo     Repository
	queue    *jobs.Queue
	notifier notify.Notifier
	opts     Options

	running atomic.Bool
}

// New wires the loop. The queue must have the extraction handler
// registered before Start.
func New(repo Repository, queue *jobs.Queue, notifier notify.Notifier, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = opts.Interval * 4 / 5
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = 25
	}
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = 24 * time.Hour
	}
	if opts.BaselineWindow <= 0 {
		opts.BaselineWindow = 7 * 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Loop{repo: repo, queue: queue, notifier: notifier, opts: opts}
}

// Run ticks until ctx is cancelled. A tick arriving while a cycle is
// still running is dropped.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	l.tryCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tryCycle(ctx)
		}
	}
}

func (l *Loop) tryCycle(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		telemetry.CyclesDropped.Inc()
		l.opts.Logger.Debug("cycle still running, tick dropped")
		return
	}
	defer l.running.Store(false)
	l.runCycle(ctx)
}

// SubmitManualExtraction enqueues on-demand extraction jobs, bypassing
// the timer. Returns the job ids in entity order.
func (l *Loop) SubmitManualExtraction(ctx context.Context, entityIDs []string, priority jobs.Priority) ([]string, error) {
	jobIDs := make([]string, 0, len(entityIDs))
	for _, entityID := range entityIDs {
		ent, err := l.repo.GetEntity(ctx, entityID)
		if err != nil {
			return jobIDs, fmt.Errorf("entity %s: %w", entityID, err)
		}
		jobID := "manual-" + uuid.New().String()
		_, _, err = l.queue.Enqueue(jobs.Request{
			ID:       jobID,
			Type:     extract.JobType,
			Priority: priority,
			Payload:  extract.Payload{Entity: ent.Ref, Limit: l.opts.FetchLimit},
		})
		if err != nil {
			return jobIDs, fmt.Errorf("enqueue %s: %w", entityID, err)
		}
		jobIDs = append(jobIDs, jobID)
	}
	return jobIDs, nil
}

type cycleJob struct {
	jobID  string
	entity store.DueEntity
}

func (l *Loop) runCycle(ctx context.Context) {
	start := time.Now()
	summary := models.CycleSummary{StartedAt: start}
	log := l.opts.Logger

	entities, err := l.repo.ListDueEntities(ctx)
	if err != nil {
		// Process-fatal for this cycle only; the next tick starts fresh.
		log.WithError(err).Error("list due entities failed, aborting cycle")
		l.finishCycle(&summary, start)
		return
	}
	summary.EntitiesDue = len(entities)
	if len(entities) == 0 {
		l.finishCycle(&summary, start)
		return
	}

	// One job per entity; a failing enqueue never aborts the cycle. Job
	// ids are deterministic so an entity still in flight from a previous
	// cycle is picked up idempotently rather than duplicated.
	submitted := make([]cycleJob, 0, len(entities))
	for _, ent := range entities {
		jobID := "extract-" + ent.Ref.ID
		_, _, err := l.queue.Enqueue(jobs.Request{
			ID:       jobID,
			Type:     extract.JobType,
			Priority: jobs.PriorityNormal,
			Payload:  extract.Payload{Entity: ent.Ref, Limit: l.opts.FetchLimit},
		})
		if err != nil {
			log.WithError(err).WithField("entity", ent.Ref.ID).Error("enqueue failed, skipping entity")
			summary.EntitiesFailed++
			continue
		}
		submitted = append(submitted, cycleJob{jobID: jobID, entity: ent})
	}

	finished := l.waitForJobs(ctx, submitted, &summary)

	for _, cj := range finished {
		snap, err := l.queue.Progress(cj.jobID)
		if err != nil {
			continue
		}
		switch snap.State {
		case jobs.StateSucceeded:
			summary.EntitiesSucceeded++
			if err := l.repo.MarkExtracted(ctx, cj.entity.Ref.ID, time.Now()); err != nil {
				log.WithError(err).WithField("entity", cj.entity.Ref.ID).Warn("mark extracted")
			}
			summary.AlertsRaised += l.scoreAndAlert(ctx, cj.entity)
			summary.AlertsRaised += l.checkAggregates(ctx, cj.entity)
		case jobs.StateFailed, jobs.StateCancelled:
			summary.EntitiesFailed++
			log.WithFields(logrus.Fields{
				"entity": cj.entity.Ref.ID,
				"state":  snap.State,
				"error":  snap.LastErr,
			}).Warn("extraction did not succeed")
		}
	}

	l.finishCycle(&summary, start)
}

// waitForJobs blocks until every submitted job is terminal or the cycle
// timeout passes. Stragglers stay in the queue under their own retry
// policy and are logged, never restarted here.
func (l *Loop) waitForJobs(ctx context.Context, submitted []cycleJob, summary *models.CycleSummary) []cycleJob {
	deadline := time.NewTimer(l.opts.CycleTimeout)
	defer deadline.Stop()

	finished := make([]cycleJob, 0, len(submitted))
	for _, cj := range submitted {
		done, err := l.queue.Done(cj.jobID)
		if err != nil {
			// Already evicted means already terminal.
			finished = append(finished, cj)
			continue
		}
		select {
		case <-done:
			finished = append(finished, cj)
		case <-deadline.C:
			summary.TimedOut = true
			l.logStragglers(submitted[len(finished):])
			return finished
		case <-ctx.Done():
			return finished
		}
	}
	return finished
}

func (l *Loop) logStragglers(stragglers []cycleJob) {
	for _, cj := range stragglers {
		snap, err := l.queue.Progress(cj.jobID)
		if err != nil {
			continue
		}
		if snap.State == jobs.StatePending || snap.State == jobs.StateRunning {
			l.opts.Logger.WithFields(logrus.Fields{
				"job_id": cj.jobID,
				"entity": cj.entity.Ref.ID,
				"state":  snap.State,
			}).Warn("cycle timed out waiting for job, leaving it to its retry policy")
		}
	}
}

// scoreAndAlert scores newly extracted posts and raises viral alerts,
// deduplicated per post through the repository.
func (l *Loop) scoreAndAlert(ctx context.Context, ent store.DueEntity) int {
	log := l.opts.Logger
	items, err := l.repo.ListPostsNeedingScore(ctx, ent.Ref.ID)
	if err != nil {
		log.WithError(err).WithField("entity", ent.Ref.ID).Warn("list posts for scoring")
		return 0
	}

	raised := 0
	for _, item := range items {
		score := scoring.Score(item)
		class := scoring.Classify(score)
		if err := l.repo.SetPostScore(ctx, item.SourceID, score, class); err != nil {
			log.WithError(err).WithField("post", item.SourceID).Warn("store post score")
		}

		threshold := ent.Thresholds.ViralEngagementScore
		if threshold <= 0 {
			threshold = 80
		}
		if score < threshold {
			continue
		}
		item := item
		raised += l.raise(ctx, models.Alert{
			EntityID:   ent.Ref.ID,
			Kind:       models.AlertViralContent,
			Severity:   models.SeverityCritical,
			Evidence:   &item,
			Detail:     fmt.Sprintf("post scored %d (%s), threshold %d", score, class, threshold),
			DetectedAt: time.Now(),
		})
	}
	return raised
}

// checkAggregates runs the engagement-drop and posting-frequency checks
// against repository baselines.
func (l *Loop) checkAggregates(ctx context.Context, ent store.DueEntity) int {
	log := l.opts.Logger
	raised := 0

	recentAvg, baselineAvg, err := l.repo.EngagementAverages(ctx, ent.Ref.ID, l.opts.RecentWindow, l.opts.BaselineWindow)
	if err != nil {
		log.WithError(err).WithField("entity", ent.Ref.ID).Warn("engagement averages")
	} else if drop := scoring.DropPercentage(baselineAvg, recentAvg); drop >= ent.Thresholds.EngagementDropPercentage && ent.Thresholds.EngagementDropPercentage > 0 {
		severity := models.SeverityWarning
		if drop >= 75 {
			severity = models.SeverityCritical
		}
		raised += l.raise(ctx, models.Alert{
			EntityID:   ent.Ref.ID,
			Kind:       models.AlertEngagementDrop,
			Severity:   severity,
			Detail:     fmt.Sprintf("average engagement dropped %.0f%% (recent %.1f vs baseline %.1f)", drop, recentAvg, baselineAvg),
			DetectedAt: time.Now(),
		})
	}

	recent, prior, err := l.repo.PostCounts(ctx, ent.Ref.ID, l.opts.RecentWindow)
	if err != nil {
		log.WithError(err).WithField("entity", ent.Ref.ID).Warn("post counts")
		return raised
	}
	if prior > 0 && ent.Thresholds.PostFrequencyChangePercentage > 0 {
		change := float64(recent-prior) / float64(prior) * 100
		if change < 0 {
			change = -change
		}
		if change >= ent.Thresholds.PostFrequencyChangePercentage {
			raised += l.raise(ctx, models.Alert{
				EntityID:   ent.Ref.ID,
				Kind:       models.AlertFrequencyChange,
				Severity:   models.SeverityInfo,
				Detail:     fmt.Sprintf("posting frequency changed %.0f%% (%d recent vs %d prior)", change, recent, prior),
				DetectedAt: time.Now(),
			})
		}
	}
	return raised
}

// raise records the alert for dedupe and, when new, hands it to the
// notifier. Notifier failures are logged and swallowed: the condition
// was already correctly detected.
func (l *Loop) raise(ctx context.Context, alert models.Alert) int {
	isNew, err := l.repo.RecordAlert(ctx, alert)
	if err != nil {
		l.opts.Logger.WithError(err).WithField("entity", alert.EntityID).Warn("record alert")
		return 0
	}
	if !isNew {
		return 0
	}
	telemetry.AlertsRaised.WithLabelValues(alert.Kind).Inc()
	if err := l.notifier.Alert(ctx, alert); err != nil {
		l.opts.Logger.WithError(err).WithFields(logrus.Fields{
			"entity": alert.EntityID,
			"kind":   alert.Kind,
		}).Warn("notifier delivery failed")
	}
	return 1
}

func (l *Loop) finishCycle(summary *models.CycleSummary, start time.Time) {
	summary.Duration = time.Since(start)
	telemetry.CyclesRun.Inc()
	telemetry.LastCycleSeconds.Set(summary.Duration.Seconds())

	stats := l.queue.DrainStats()
	telemetry.QueueDepthGauge.Set(float64(stats.Pending))
	telemetry.InFlightGauge.Set(float64(stats.Running))

	l.opts.Logger.WithFields(logrus.Fields{
		"due":       summary.EntitiesDue,
		"succeeded": summary.EntitiesSucceeded,
		"failed":    summary.EntitiesFailed,
		"alerts":    summary.AlertsRaised,
		"duration":  summary.Duration.String(),
		"timed_out": summary.TimedOut,
	}).Info("cycle complete")

	if l.opts.OnSummary != nil {
		l.opts.OnSummary(*summary)
	}
}
