package models

import (
	"time"
)

// Provider identifies which external platform an entity lives on.
const (
	ProviderFacebook = "facebook"
	ProviderTwitter  = "twitter"
)

// EntityRef points at a monitored page or account.
type EntityRef struct {
	ID         string `json:"id"`
	Provider   string `json:"provider"`
	ConfigID   string `json:"config_id"`
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
}

// Engagement holds the raw interaction counts for a single post.
type Engagement struct {
	Likes    int `json:"likes"`
	Shares   int `json:"shares"`
	Comments int `json:"comments"`
}

// ContentItem is one extracted post, passed from extraction through
// scoring to alerting and persisted by the repository.
type ContentItem struct {
	SourceID    string     `json:"source_id"`
	EntityID    string     `json:"entity_id"`
	PublishedAt time.Time  `json:"published_at"`
	Text        string     `json:"text"`
	Engagement  Engagement `json:"engagement"`
}

// AlertThresholds is the immutable per-entity alerting configuration.
type AlertThresholds struct {
	ViralEngagementScore          int     `json:"viral_engagement_score" yaml:"viral_engagement_score"`
	EngagementDropPercentage      float64 `json:"engagement_drop_percentage" yaml:"engagement_drop_percentage"`
	PostFrequencyChangePercentage float64 `json:"post_frequency_change_percentage" yaml:"post_frequency_change_percentage"`
}

// AlertKind enumerates the conditions the monitor detects.
const (
	AlertViralContent    = "viral_content"
	AlertEngagementDrop  = "engagement_drop"
	AlertFrequencyChange = "frequency_change"
)

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is emitted when a threshold is crossed. The core emits it to the
// Notifier; it does not store alerts beyond dedupe bookkeeping.
type Alert struct {
	EntityID   string       `json:"entity_id"`
	Kind       string       `json:"kind"`
	Severity   string       `json:"severity"`
	Evidence   *ContentItem `json:"evidence,omitempty"`
	Detail     string       `json:"detail"`
	DetectedAt time.Time    `json:"detected_at"`
}

// QuotaLimits caps outbound calls per window for one provider config.
// A zero value means the window is unlimited.
type QuotaLimits struct {
	PerHour  int `json:"per_hour" yaml:"per_hour"`
	PerDay   int `json:"per_day" yaml:"per_day"`
	PerMonth int `json:"per_month" yaml:"per_month"`
}

// Quota health statuses exposed by the quota status endpoint.
const (
	QuotaHealthy  = "healthy"
	QuotaWarning  = "warning"
	QuotaCritical = "critical"
)

// QuotaStatus is the operator-facing view of one provider config's usage.
type QuotaStatus struct {
	ConfigID     string  `json:"config_id"`
	DailyUsed    int     `json:"daily_used"`
	DailyLimit   int     `json:"daily_limit"`
	MonthlyUsed  int     `json:"monthly_used"`
	MonthlyLimit int     `json:"monthly_limit"`
	DailyPct     float64 `json:"daily_pct"`
	MonthlyPct   float64 `json:"monthly_pct"`
	Status       string  `json:"status"`
}

// JobOutcome is the terminal record of one extraction job, persisted for
// the audit trail.
type JobOutcome struct {
	JobID      string    `json:"job_id"`
	EntityID   string    `json:"entity_id"`
	State      string    `json:"state"`
	Attempts   int       `json:"attempts"`
	ItemsSaved int       `json:"items_saved"`
	LastError  string    `json:"last_error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// CycleSummary reports what one monitoring cycle accomplished.
type CycleSummary struct {
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
	EntitiesDue       int           `json:"entities_due"`
	EntitiesSucceeded int           `json:"entities_succeeded"`
	EntitiesFailed    int           `json:"entities_failed"`
	AlertsRaised      int           `json:"alerts_raised"`
	TimedOut          bool          `json:"timed_out"`
}

// ClampEngagement zeroes negative counts so partially populated provider
// data never poisons scoring.
func ClampEngagement(e Engagement) Engagement {
	if e.Likes < 0 {
		e.Likes = 0
	}
	if e.Shares < 0 {
		e.Shares = 0
	}
	if e.Comments < 0 {
		e.Comments = 0
	}
	return e
}
