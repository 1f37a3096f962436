package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"socialwatch/internal/models"
)

// Store wraps pgxpool for Postgres persistence of watch targets, posts,
// alerts, and job outcomes.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// DueEntity is a watch target due for extraction, with its alerting
// thresholds attached.
type DueEntity struct {
	Ref        models.EntityRef
	Thresholds models.AlertThresholds
	Frequency  time.Duration
}

// SeedEntity is the input for upserting a watch target.
type SeedEntity struct {
	ExternalID string
	Provider   string
	ConfigID   string
	Name       string
	Frequency  time.Duration
	Thresholds models.AlertThresholds
}

// UpsertEntity creates or refreshes a watch target keyed by
// (provider, external_id) and returns its id.
func (s *Store) UpsertEntity(ctx context.Context, e SeedEntity) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO entities (provider, external_id, config_id, name, frequency_seconds,
			viral_score_threshold, engagement_drop_pct, frequency_change_pct, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (provider, external_id) DO UPDATE
		SET config_id = EXCLUDED.config_id,
		    name = EXCLUDED.name,
		    frequency_seconds = EXCLUDED.frequency_seconds,
		    viral_score_threshold = EXCLUDED.viral_score_threshold,
		    engagement_drop_pct = EXCLUDED.engagement_drop_pct,
		    frequency_change_pct = EXCLUDED.frequency_change_pct,
		    updated_at = NOW()
		RETURNING id
	`, e.Provider, e.ExternalID, e.ConfigID, e.Name, int(e.Frequency.Seconds()),
		e.Thresholds.ViralEngagementScore, e.Thresholds.EngagementDropPercentage, e.Thresholds.PostFrequencyChangePercentage).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert entity: %w", err)
	}
	return id, nil
}

// ListDueEntities returns entities whose extraction frequency has elapsed
// since their last extraction (or that were never extracted).
func (s *Store) ListDueEntities(ctx context.Context) ([]DueEntity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, provider, external_id, config_id, name, frequency_seconds,
		       viral_score_threshold, engagement_drop_pct, frequency_change_pct
		FROM entities
		WHERE enabled
		  AND (last_extracted_at IS NULL
		       OR last_extracted_at + make_interval(secs => frequency_seconds) <= NOW())
		ORDER BY last_extracted_at NULLS FIRST
	`)
	if err != nil {
		return nil, fmt.Errorf("list due entities: %w", err)
	}
	defer rows.Close()

	var out []DueEntity
	for rows.Next() {
		var d DueEntity
		var freqSeconds int
		if err := rows.Scan(&d.Ref.ID, &d.Ref.Provider, &d.Ref.ExternalID, &d.Ref.ConfigID, &d.Ref.Name,
			&freqSeconds, &d.Thresholds.ViralEngagementScore, &d.Thresholds.EngagementDropPercentage,
			&d.Thresholds.PostFrequencyChangePercentage); err != nil {
			return nil, fmt.Errorf("scan due entity: %w", err)
		}
		d.Frequency = time.Duration(freqSeconds) * time.Second
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetEntity fetches one watch target with thresholds by id.
func (s *Store) GetEntity(ctx context.Context, id string) (DueEntity, error) {
	var d DueEntity
	var freqSeconds int
	err := s.pool.QueryRow(ctx, `
		SELECT id, provider, external_id, config_id, name, frequency_seconds,
		       viral_score_threshold, engagement_drop_pct, frequency_change_pct
		FROM entities WHERE id = $1
	`, id).Scan(&d.Ref.ID, &d.Ref.Provider, &d.Ref.ExternalID, &d.Ref.ConfigID, &d.Ref.Name,
		&freqSeconds, &d.Thresholds.ViralEngagementScore, &d.Thresholds.EngagementDropPercentage,
		&d.Thresholds.PostFrequencyChangePercentage)
	if errors.Is(err, pgx.ErrNoRows) {
		return DueEntity{}, fmt.Errorf("entity %s not found", id)
	}
	if err != nil {
		return DueEntity{}, fmt.Errorf("get entity: %w", err)
	}
	d.Frequency = time.Duration(freqSeconds) * time.Second
	return d, nil
}

// MarkExtracted records a successful extraction time for due-ness.
func (s *Store) MarkExtracted(ctx context.Context, entityID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE entities SET last_extracted_at = $2, updated_at = NOW() WHERE id = $1
	`, entityID, at)
	return err
}

// SavePost upserts a content item keyed by source id. Engagement counts
// are refreshed on conflict since they grow over a post's life. Returns
// whether the row was newly inserted.
func (s *Store) SavePost(ctx context.Context, item models.ContentItem) (bool, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO posts (source_id, entity_id, published_at, body, likes, shares, comments, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (source_id) DO UPDATE
		SET likes = EXCLUDED.likes,
		    shares = EXCLUDED.shares,
		    comments = EXCLUDED.comments,
		    fetched_at = NOW()
		RETURNING (xmax = 0)
	`, item.SourceID, item.EntityID, item.PublishedAt, item.Text,
		item.Engagement.Likes, item.Engagement.Shares, item.Engagement.Comments).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("save post: %w", err)
	}
	return inserted, nil
}

// ListPostsNeedingScore returns this entity's posts not yet scored,
// oldest first, as content items.
func (s *Store) ListPostsNeedingScore(ctx context.Context, entityID string) ([]models.ContentItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_id, entity_id, published_at, body, likes, shares, comments
		FROM posts
		WHERE entity_id = $1 AND score IS NULL
		ORDER BY published_at
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list unscored posts: %w", err)
	}
	defer rows.Close()

	var items []models.ContentItem
	for rows.Next() {
		var it models.ContentItem
		if err := rows.Scan(&it.SourceID, &it.EntityID, &it.PublishedAt, &it.Text,
			&it.Engagement.Likes, &it.Engagement.Shares, &it.Engagement.Comments); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SetPostScore stores the computed score and class for a post.
func (s *Store) SetPostScore(ctx context.Context, sourceID string, score int, class string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE posts SET score = $2, engagement_class = $3 WHERE source_id = $1
	`, sourceID, score, class)
	return err
}

// RecordAlert inserts an alert row for dedupe and history. The unique
// index on (entity_id, kind, source_id) makes re-alerting the same post a
// no-op; the bool reports whether this alert is new.
func (s *Store) RecordAlert(ctx context.Context, alert models.Alert) (bool, error) {
	sourceID := ""
	if alert.Evidence != nil {
		sourceID = alert.Evidence.SourceID
	}
	if sourceID == "" {
		// Aggregate alerts dedupe per day rather than per post.
		sourceID = alert.DetectedAt.UTC().Format("2006-01-02")
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (entity_id, kind, severity, source_id, detail, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_id, kind, source_id) DO NOTHING
	`, alert.EntityID, alert.Kind, alert.Severity, sourceID, alert.Detail, alert.DetectedAt)
	if err != nil {
		return false, fmt.Errorf("record alert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// EngagementAverages returns the mean total engagement of an entity's
// posts in the recent window and in the longer baseline window before it.
func (s *Store) EngagementAverages(ctx context.Context, entityID string, recent, baseline time.Duration) (recentAvg, baselineAvg float64, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(AVG(likes + shares + comments) FILTER (
				WHERE published_at > NOW() - $2::interval), 0),
			COALESCE(AVG(likes + shares + comments) FILTER (
				WHERE published_at <= NOW() - $2::interval
				  AND published_at > NOW() - $3::interval), 0)
		FROM posts WHERE entity_id = $1
	`, entityID, recent.String(), baseline.String()).Scan(&recentAvg, &baselineAvg)
	if err != nil {
		return 0, 0, fmt.Errorf("engagement averages: %w", err)
	}
	return recentAvg, baselineAvg, nil
}

// PostCounts returns how many posts were published in the recent window
// and in the equally sized window before it, for frequency-change checks.
func (s *Store) PostCounts(ctx context.Context, entityID string, window time.Duration) (recent, prior int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE published_at > NOW() - $2::interval),
			COUNT(*) FILTER (WHERE published_at <= NOW() - $2::interval
			                   AND published_at > NOW() - ($2::interval * 2))
		FROM posts WHERE entity_id = $1
	`, entityID, window.String()).Scan(&recent, &prior)
	if err != nil {
		return 0, 0, fmt.Errorf("post counts: %w", err)
	}
	return recent, prior, nil
}

// RecordJobOutcome appends the terminal record of an extraction job.
func (s *Store) RecordJobOutcome(ctx context.Context, o models.JobOutcome) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_outcomes (job_id, entity_id, state, attempts, items_saved, last_error, finished_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (job_id) DO UPDATE
		SET state = EXCLUDED.state,
		    attempts = EXCLUDED.attempts,
		    items_saved = EXCLUDED.items_saved,
		    last_error = EXCLUDED.last_error,
		    finished_at = EXCLUDED.finished_at
	`, o.JobID, o.EntityID, o.State, o.Attempts, o.ItemsSaved, o.LastError, o.FinishedAt)
	if err != nil {
		return fmt.Errorf("record job outcome: %w", err)
	}
	return nil
}
