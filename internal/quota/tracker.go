package quota

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"socialwatch/internal/models"
)

// ErrUnknownConfig is returned when a config id was never registered.
var ErrUnknownConfig = errors.New("unknown provider config")

// Windows accepted by PercentageUsed.
const (
	WindowHour  = "hour"
	WindowDay   = "day"
	WindowMonth = "month"
)

// Denial reasons.
const (
	ReasonHourlyExhausted  = "hourly_quota_exhausted"
	ReasonDailyExhausted   = "daily_quota_exhausted"
	ReasonMonthlyExhausted = "monthly_quota_exhausted"
	ReasonProviderCooldown = "provider_cooldown"
)

// providerCooldownCap bounds how long a provider-reported cool-down can
// push callers out.
const providerCooldownCap = 5 * time.Minute

// Decision is the admission result. When Allowed is false, Reason and
// RetryAfter say why and when to try again. Over-quota is not an error.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// BackoffPolicy computes exponential retry delays.
type BackoffPolicy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
}

// Backoff returns Base * Multiplier^attempt capped at Cap. It is
// deterministic and non-decreasing in attempt.
func (p BackoffPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	capD := p.Cap
	if capD <= 0 {
		capD = 60 * time.Second
	}
	d := float64(base) * math.Pow(mult, float64(attempt))
	if d >= float64(capD) {
		return capD
	}
	return time.Duration(d)
}

// state holds the mutable counters for one provider config. All fields
// are guarded by the Tracker mutex.
type state struct {
	limits models.QuotaLimits

	callsThisHour  int
	callsToday     int
	callsThisMonth int

	reservedHour  int
	reservedDay   int
	reservedMonth int

	lastResetHour  time.Time
	lastResetDay   time.Time
	lastResetMonth time.Time

	cooldownUntil time.Time
}

// Tracker performs admission control for outbound provider calls. Local
// counters exist so a call can be admitted or refused before any provider
// signal exists for the current window; ApplyProviderSignal reconciles
// them with the provider's authoritative figures when headers arrive.
type Tracker struct {
	mu      sync.Mutex
	configs map[string]*state
	policy  BackoffPolicy
	now     func() time.Time
}

// NewTracker builds an empty tracker with the given backoff policy.
func NewTracker(policy BackoffPolicy) *Tracker {
	return &Tracker{
		configs: make(map[string]*state),
		policy:  policy,
		now:     time.Now,
	}
}

// Register creates quota state for a provider config. Re-registering
// replaces the limits but keeps the counters.
func (t *Tracker) Register(configID string, limits models.QuotaLimits) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.configs[configID]; ok {
		st.limits = limits
		return
	}
	now := t.now().UTC()
	t.configs[configID] = &state{
		limits:         limits,
		lastResetHour:  now.Truncate(time.Hour),
		lastResetDay:   dayOf(now),
		lastResetMonth: monthOf(now),
	}
}

// CheckAndReserve decides whether n calls may proceed and, if so,
// provisionally reserves them. Callers must follow up with Commit on
// success or Release when the call was never sent.
func (t *Tracker) CheckAndReserve(configID string, n int) (Decision, error) {
	if n <= 0 {
		n = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.configs[configID]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownConfig, configID)
	}
	now := t.now().UTC()
	t.rollover(st, now)

	if st.cooldownUntil.After(now) {
		return Decision{Reason: ReasonProviderCooldown, RetryAfter: st.cooldownUntil.Sub(now)}, nil
	}
	if st.limits.PerHour > 0 && st.callsThisHour+st.reservedHour+n > st.limits.PerHour {
		return Decision{Reason: ReasonHourlyExhausted, RetryAfter: st.lastResetHour.Add(time.Hour).Sub(now)}, nil
	}
	if st.limits.PerDay > 0 && st.callsToday+st.reservedDay+n > st.limits.PerDay {
		return Decision{Reason: ReasonDailyExhausted, RetryAfter: st.lastResetDay.AddDate(0, 0, 1).Sub(now)}, nil
	}
	if st.limits.PerMonth > 0 && st.callsThisMonth+st.reservedMonth+n > st.limits.PerMonth {
		return Decision{Reason: ReasonMonthlyExhausted, RetryAfter: st.lastResetMonth.AddDate(0, 1, 0).Sub(now)}, nil
	}

	st.reservedHour += n
	st.reservedDay += n
	st.reservedMonth += n
	return Decision{Allowed: true}, nil
}

// Commit converts a reservation into recorded usage after the call was
// actually attempted against the provider.
func (t *Tracker) Commit(configID string, n int) error {
	if n <= 0 {
		n = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.configs[configID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConfig, configID)
	}
	t.rollover(st, t.now().UTC())
	releaseReserved(st, n)
	st.callsThisHour += n
	st.callsToday += n
	st.callsThisMonth += n
	return nil
}

// Release drops a reservation for a call that was never sent, so local
// counters only reflect calls attempted against the provider.
func (t *Tracker) Release(configID string, n int) error {
	if n <= 0 {
		n = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.configs[configID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConfig, configID)
	}
	releaseReserved(st, n)
	return nil
}

// PercentageUsed reports committed usage in the window as a fraction of
// its limit, in percent. Unlimited windows always report 0.
func (t *Tracker) PercentageUsed(configID, window string) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.configs[configID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownConfig, configID)
	}
	t.rollover(st, t.now().UTC())

	switch window {
	case WindowHour:
		return pct(st.callsThisHour, st.limits.PerHour), nil
	case WindowDay:
		return pct(st.callsToday, st.limits.PerDay), nil
	case WindowMonth:
		return pct(st.callsThisMonth, st.limits.PerMonth), nil
	default:
		return 0, fmt.Errorf("unknown window %q", window)
	}
}

// ComputeBackoff returns the retry delay for the given attempt number.
func (t *Tracker) ComputeBackoff(attempt int) time.Duration {
	return t.policy.Backoff(attempt)
}

// ApplyProviderSignal reconciles local counters with usage the provider
// itself reported. The provider figure wins over the local estimate; a
// reported retry-after opens a cool-down (capped at 5 minutes) that
// CheckAndReserve honors.
func (t *Tracker) ApplyProviderSignal(configID string, observedUsagePct float64, retryAfter time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.configs[configID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConfig, configID)
	}
	now := t.now().UTC()
	t.rollover(st, now)

	if observedUsagePct >= 0 && st.limits.PerDay > 0 {
		st.callsToday = int(math.Ceil(observedUsagePct / 100 * float64(st.limits.PerDay)))
	}
	if observedUsagePct >= 0 && st.limits.PerMonth > 0 {
		st.callsThisMonth = int(math.Ceil(observedUsagePct / 100 * float64(st.limits.PerMonth)))
	}
	if retryAfter > 0 {
		if retryAfter > providerCooldownCap {
			retryAfter = providerCooldownCap
		}
		until := now.Add(retryAfter)
		if until.After(st.cooldownUntil) {
			st.cooldownUntil = until
		}
	}
	return nil
}

// Status builds the operator-facing quota view for one config.
func (t *Tracker) Status(configID string) (models.QuotaStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.configs[configID]
	if !ok {
		return models.QuotaStatus{}, fmt.Errorf("%w: %s", ErrUnknownConfig, configID)
	}
	t.rollover(st, t.now().UTC())

	dailyPct := pct(st.callsToday, st.limits.PerDay)
	monthlyPct := pct(st.callsThisMonth, st.limits.PerMonth)
	status := models.QuotaHealthy
	worst := math.Max(dailyPct, monthlyPct)
	switch {
	case worst >= 95:
		status = models.QuotaCritical
	case worst >= 80:
		status = models.QuotaWarning
	}
	return models.QuotaStatus{
		ConfigID:     configID,
		DailyUsed:    st.callsToday,
		DailyLimit:   st.limits.PerDay,
		MonthlyUsed:  st.callsThisMonth,
		MonthlyLimit: st.limits.PerMonth,
		DailyPct:     dailyPct,
		MonthlyPct:   monthlyPct,
		Status:       status,
	}, nil
}

// ConfigIDs lists registered configs, for status enumeration.
func (t *Tracker) ConfigIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.configs))
	for id := range t.configs {
		ids = append(ids, id)
	}
	return ids
}

// rollover zeroes counters whose wall-clock window has advanced since the
// last access. Called with the mutex held.
func (t *Tracker) rollover(st *state, now time.Time) {
	if hour := now.Truncate(time.Hour); hour.After(st.lastResetHour) {
		st.callsThisHour = 0
		st.reservedHour = 0
		st.lastResetHour = hour
	}
	if day := dayOf(now); day.After(st.lastResetDay) {
		st.callsToday = 0
		st.reservedDay = 0
		st.lastResetDay = day
	}
	if month := monthOf(now); month.After(st.lastResetMonth) {
		st.callsThisMonth = 0
		st.reservedMonth = 0
		st.lastResetMonth = month
	}
}

func releaseReserved(st *state, n int) {
	st.reservedHour = maxInt(0, st.reservedHour-n)
	st.reservedDay = maxInt(0, st.reservedDay-n)
	st.reservedMonth = maxInt(0, st.reservedMonth-n)
}

func pct(used, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func monthOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
