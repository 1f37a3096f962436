package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"socialwatch/internal/jobs"
	"socialwatch/internal/models"
	"socialwatch/internal/quota"
	"socialwatch/internal/telemetry"
)

// JobType is the queue job type handled by this worker.
const JobType = "extract_entity"

// Payload is the work description for one extraction job.
type Payload struct {
	Entity models.EntityRef
	Limit  int
	Since  time.Time
}

// Saver persists extracted items. Implemented by the Postgres store.
type Saver interface {
	SavePost(ctx context.Context, item models.ContentItem) (bool, error)
}

// Pacer smooths calls inside the hour window. Implemented by the Redis
// hourly limiter.
type Pacer interface {
	Allow(ctx context.Context, configID string, perHour int) (bool, float64, error)
}

// Archiver retains raw provider payloads. Implemented by the S3 archiver.
type Archiver interface {
	Archive(ctx context.Context, entityID string, payload []byte) error
}

// Registration binds one provider config to its fetcher and limits.
type Registration struct {
	Fetcher ContentFetcher
	Limits  models.QuotaLimits
}

// Worker is the extraction job handler: gate on quota, fetch, persist,
// report progress.
type Worker struct {
	tracker      *quota.Tracker
	pacer        Pacer
	saver        Saver
	archiver     Archiver
	registry     map[string]Registration
	fetchTimeout time.Duration
	logger       *logrus.Logger
}

// NewWorker wires the handler. pacer and archiver may be nil.
func NewWorker(tracker *quota.Tracker, pacer Pacer, saver Saver, archiver Archiver, fetchTimeout time.Duration, logger *logrus.Logger) *Worker {
	if fetchTimeout == 0 {
		fetchTimeout = 20 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Worker{
		tracker:      tracker,
		pacer:        pacer,
		saver:        saver,
		archiver:     archiver,
		registry:     make(map[string]Registration),
		fetchTimeout: fetchTimeout,
		logger:       logger,
	}
}

// Register binds a provider config id to a fetcher and its quota limits.
func (w *Worker) Register(configID string, reg Registration) {
	w.registry[configID] = reg
	w.tracker.Register(configID, reg.Limits)
}

// Handle runs one extraction attempt. Returned errors steer the queue's
// retry policy: RetryAfter for quota deferrals and provider throttling,
// Permanent for auth/not-found, plain errors for transient failures.
func (w *Worker) Handle(ctx context.Context, run *jobs.Run) error {
	payload, ok := run.Payload().(Payload)
	if !ok {
		return jobs.Permanent(fmt.Errorf("bad payload type %T", run.Payload()))
	}
	entity := payload.Entity

	reg, ok := w.registry[entity.ConfigID]
	if !ok {
		return jobs.Permanent(fmt.Errorf("no provider registered for config %q", entity.ConfigID))
	}

	decision, err := w.tracker.CheckAndReserve(entity.ConfigID, 1)
	if err != nil {
		return jobs.Permanent(err)
	}
	if !decision.Allowed {
		telemetry.QuotaDenied.Inc()
		retry := decision.RetryAfter
		if retry <= 0 {
			retry = w.tracker.ComputeBackoff(run.Attempt())
		}
		return jobs.RetryAfter(retry, fmt.Errorf("quota denied: %s", decision.Reason))
	}

	if w.pacer != nil && reg.Limits.PerHour > 0 {
		allowed, _, err := w.pacer.Allow(ctx, entity.ConfigID, reg.Limits.PerHour)
		if err != nil {
			// Pacing is best effort; admission already passed.
			w.logger.WithError(err).Warn("hourly pacer unavailable, proceeding")
		} else if !allowed {
			telemetry.QuotaDenied.Inc()
			_ = w.tracker.Release(entity.ConfigID, 1)
			return jobs.RetryAfter(w.tracker.ComputeBackoff(run.Attempt()), errors.New("hourly pacing limit reached"))
		}
	}

	if run.Cancelled() {
		_ = w.tracker.Release(entity.ConfigID, 1)
		return ctx.Err()
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.fetchTimeout)
	result, fetchErr := reg.Fetcher.Fetch(fetchCtx, entity, FetchParams{Limit: payload.Limit, Since: payload.Since})
	cancel()

	// The call went out; the reservation becomes recorded usage either way.
	if err := w.tracker.Commit(entity.ConfigID, 1); err != nil {
		w.logger.WithError(err).Warn("commit quota usage")
	}
	telemetry.ExtractionCalls.Inc()

	if result.Usage != nil {
		if err := w.tracker.ApplyProviderSignal(entity.ConfigID, result.Usage.UsagePercentage, result.Usage.RetryAfter); err != nil {
			w.logger.WithError(err).Warn("apply provider usage signal")
		}
	}
	if st, err := w.tracker.Status(entity.ConfigID); err == nil {
		telemetry.QuotaUsagePct.WithLabelValues(entity.ConfigID, "day").Set(st.DailyPct)
		telemetry.QuotaUsagePct.WithLabelValues(entity.ConfigID, "month").Set(st.MonthlyPct)
	}

	if fetchErr != nil {
		telemetry.ExtractionFailures.Inc()
		return w.mapFetchError(entity, fetchErr, run.Attempt())
	}

	saved := 0
	total := len(result.Items)
	var saveErrs []string
	for i, item := range result.Items {
		if run.Cancelled() {
			run.Report(i, total, "cancelled mid-save")
			return ctx.Err()
		}
		item.Engagement = models.ClampEngagement(item.Engagement)
		inserted, err := w.saver.SavePost(ctx, item)
		if err != nil {
			saveErrs = append(saveErrs, fmt.Sprintf("%s: %v", item.SourceID, err))
			run.Report(i+1, total, fmt.Sprintf("save %s: %v", item.SourceID, err))
			continue
		}
		if inserted {
			saved++
			telemetry.PostsSaved.Inc()
		}
		run.Report(i+1, total)
	}

	if w.archiver != nil && len(result.RawPayload) > 0 {
		if err := w.archiver.Archive(ctx, entity.ID, result.RawPayload); err != nil {
			w.logger.WithError(err).WithField("entity", entity.ID).Warn("archive raw payload")
		}
	}

	w.logger.WithFields(logrus.Fields{
		"entity": entity.ID,
		"items":  total,
		"saved":  saved,
	}).Info("extraction completed")

	if len(saveErrs) == total && total > 0 {
		return fmt.Errorf("all %d saves failed: %s", total, saveErrs[0])
	}
	return nil
}

func (w *Worker) mapFetchError(entity models.EntityRef, err error, attempt int) error {
	fe, ok := AsFetchError(err)
	if !ok {
		return err
	}
	switch {
	case fe.Permanent():
		return jobs.Permanent(err)
	case fe.Kind == KindRateLimited:
		retry := fe.RetryAfter
		if retry <= 0 {
			retry = w.tracker.ComputeBackoff(attempt)
		}
		return jobs.RetryAfter(retry, err)
	default:
		// timeout / 5xx / transport: let the queue's backoff curve decide.
		return err
	}
}
