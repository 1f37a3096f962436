package quota

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"socialwatch/internal/models"
)

func newTestTracker() *Tracker {
	return NewTracker(BackoffPolicy{Base: time.Second, Multiplier: 2, Cap: 60 * time.Second})
}

func TestDailyLimitAdmission(t *testing.T) {
	tr := newTestTracker()
	tr.Register("cfg", models.QuotaLimits{PerDay: 10})

	for i := 0; i < 10; i++ {
		d, err := tr.CheckAndReserve("cfg", 1)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("call %d denied: %s", i, d.Reason)
		}
		if err := tr.Commit("cfg", 1); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	d, err := tr.CheckAndReserve("cfg", 1)
	if err != nil {
		t.Fatalf("11th reserve: %v", err)
	}
	if d.Allowed {
		t.Fatal("11th call admitted past the daily limit")
	}
	if d.Reason != ReasonDailyExhausted {
		t.Fatalf("expected daily denial got %s", d.Reason)
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after got %s", d.RetryAfter)
	}
}

func TestRandomBurstsNeverExceedLimit(t *testing.T) {
	const limit = 50
	tr := newTestTracker()
	tr.Register("cfg", models.QuotaLimits{PerDay: limit})
	rng := rand.New(rand.NewSource(7))

	committed := 0
	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(4)
		d, err := tr.CheckAndReserve("cfg", n)
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if !d.Allowed {
			continue
		}
		// Abandon some reservations before sending.
		if rng.Intn(5) == 0 {
			if err := tr.Release("cfg", n); err != nil {
				t.Fatalf("release: %v", err)
			}
			continue
		}
		if err := tr.Commit("cfg", n); err != nil {
			t.Fatalf("commit: %v", err)
		}
		committed += n
	}
	if committed > limit {
		t.Fatalf("committed %d calls past limit %d", committed, limit)
	}
}

func TestReleaseFreesReservation(t *testing.T) {
	tr := newTestTracker()
	tr.Register("cfg", models.QuotaLimits{PerDay: 1})

	if d, _ := tr.CheckAndReserve("cfg", 1); !d.Allowed {
		t.Fatal("first reserve denied")
	}
	if d, _ := tr.CheckAndReserve("cfg", 1); d.Allowed {
		t.Fatal("reserve admitted while capacity held by reservation")
	}
	if err := tr.Release("cfg", 1); err != nil {
		t.Fatalf("release: %v", err)
	}
	if d, _ := tr.CheckAndReserve("cfg", 1); !d.Allowed {
		t.Fatal("reserve denied after release")
	}
}

func TestUnknownConfigFailsFast(t *testing.T) {
	tr := newTestTracker()
	if _, err := tr.CheckAndReserve("nope", 1); !errors.Is(err, ErrUnknownConfig) {
		t.Fatalf("expected ErrUnknownConfig got %v", err)
	}
	if err := tr.Commit("nope", 1); !errors.Is(err, ErrUnknownConfig) {
		t.Fatalf("expected ErrUnknownConfig got %v", err)
	}
}

func TestDayRollover(t *testing.T) {
	tr := newTestTracker()
	current := time.Date(2026, 8, 28, 23, 50, 0, 0, time.UTC)
	tr.now = func() time.Time { return current }
	tr.Register("cfg", models.QuotaLimits{PerDay: 2})

	for i := 0; i < 2; i++ {
		d, _ := tr.CheckAndReserve("cfg", 1)
		if !d.Allowed {
			t.Fatalf("call %d denied", i)
		}
		_ = tr.Commit("cfg", 1)
	}
	if d, _ := tr.CheckAndReserve("cfg", 1); d.Allowed {
		t.Fatal("admitted past limit before rollover")
	}

	current = current.Add(time.Hour) // crosses midnight
	d, _ := tr.CheckAndReserve("cfg", 1)
	if !d.Allowed {
		t.Fatalf("denied after day rollover: %s", d.Reason)
	}
	used, err := tr.PercentageUsed("cfg", WindowDay)
	if err != nil {
		t.Fatalf("percentage: %v", err)
	}
	if used != 0 {
		t.Fatalf("expected zeroed daily usage after rollover got %v", used)
	}
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Multiplier: 2, Cap: 60 * time.Second}
	prev := time.Duration(0)
	for n := 0; n < 20; n++ {
		d := p.Backoff(n)
		if d < prev {
			t.Fatalf("backoff decreased at attempt %d: %s < %s", n, d, prev)
		}
		if d > 60*time.Second {
			t.Fatalf("backoff exceeded cap at attempt %d: %s", n, d)
		}
		prev = d
	}
	// 2^6 = 64s exceeds the cap, so every later attempt holds at the cap.
	for n := 6; n < 12; n++ {
		if d := p.Backoff(n); d != 60*time.Second {
			t.Fatalf("expected cap at attempt %d got %s", n, d)
		}
	}
}

func TestApplyProviderSignal(t *testing.T) {
	tr := newTestTracker()
	tr.Register("cfg", models.QuotaLimits{PerDay: 100})

	for i := 0; i < 5; i++ {
		_, _ = tr.CheckAndReserve("cfg", 1)
		_ = tr.Commit("cfg", 1)
	}
	// Provider reports far higher usage than our local estimate.
	if err := tr.ApplyProviderSignal("cfg", 90, 0); err != nil {
		t.Fatalf("apply signal: %v", err)
	}
	st, err := tr.Status("cfg")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.DailyUsed != 90 {
		t.Fatalf("expected provider figure 90 got %d", st.DailyUsed)
	}
	if st.Status != models.QuotaWarning {
		t.Fatalf("expected warning status got %s", st.Status)
	}
}

func TestProviderCooldownDeniesAdmission(t *testing.T) {
	tr := newTestTracker()
	tr.Register("cfg", models.QuotaLimits{PerDay: 100})

	if err := tr.ApplyProviderSignal("cfg", -1, 30*time.Second); err != nil {
		t.Fatalf("apply signal: %v", err)
	}
	d, err := tr.CheckAndReserve("cfg", 1)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if d.Allowed {
		t.Fatal("admitted during provider cooldown")
	}
	if d.Reason != ReasonProviderCooldown {
		t.Fatalf("expected cooldown denial got %s", d.Reason)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 30*time.Second {
		t.Fatalf("unexpected retry-after %s", d.RetryAfter)
	}
}

func TestProviderCooldownCappedAtFiveMinutes(t *testing.T) {
	tr := newTestTracker()
	tr.Register("cfg", models.QuotaLimits{PerDay: 100})
	if err := tr.ApplyProviderSignal("cfg", -1, time.Hour); err != nil {
		t.Fatalf("apply signal: %v", err)
	}
	d, _ := tr.CheckAndReserve("cfg", 1)
	if d.Allowed {
		t.Fatal("admitted during cooldown")
	}
	if d.RetryAfter > 5*time.Minute {
		t.Fatalf("cooldown exceeded cap: %s", d.RetryAfter)
	}
}

func TestQuotaStatusThresholds(t *testing.T) {
	tr := newTestTracker()
	tr.Register("cfg", models.QuotaLimits{PerDay: 100})

	for i := 0; i < 79; i++ {
		_, _ = tr.CheckAndReserve("cfg", 1)
		_ = tr.Commit("cfg", 1)
	}
	st, _ := tr.Status("cfg")
	if st.Status != models.QuotaHealthy {
		t.Fatalf("expected healthy at 79%% got %s", st.Status)
	}
	_, _ = tr.CheckAndReserve("cfg", 1)
	_ = tr.Commit("cfg", 1)
	st, _ = tr.Status("cfg")
	if st.Status != models.QuotaWarning {
		t.Fatalf("expected warning at 80%% got %s", st.Status)
	}
	for i := 0; i < 15; i++ {
		_, _ = tr.CheckAndReserve("cfg", 1)
		_ = tr.Commit("cfg", 1)
	}
	st, _ = tr.Status("cfg")
	if st.Status != models.QuotaCritical {
		t.Fatalf("expected critical at 95%% got %s", st.Status)
	}
}
