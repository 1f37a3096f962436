package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"socialwatch/internal/models"
)

// FetchError kinds, one per provider failure class the caller must
// distinguish.
const (
	KindRateLimited = "rate_limited"
	KindTimeout     = "timeout"
	KindNotFound    = "not_found"
	KindAuth        = "auth"
	KindOther       = "other"
)

// FetchError is the typed provider failure. Kind decides retry behavior:
// not_found and auth are permanent, rate_limited carries the provider's
// retry-after, the rest are transient.
type FetchError struct {
	Kind       string
	RetryAfter time.Duration
	Message    string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s", e.Kind, e.Message)
}

// Permanent reports whether retrying cannot help.
func (e *FetchError) Permanent() bool {
	return e.Kind == KindNotFound || e.Kind == KindAuth
}

// AsFetchError unwraps err into a *FetchError if it is one.
func AsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// UsageSignal is authoritative quota usage reported by the provider,
// parsed from response headers.
type UsageSignal struct {
	UsagePercentage float64
	RetryAfter      time.Duration
}

// FetchParams bounds one outbound call.
type FetchParams struct {
	Limit int
	Since time.Time
}

// FetchResult is one successful provider response: parsed items, the raw
// payload for archiving, and any usage signal found in headers.
type FetchResult struct {
	Items      []models.ContentItem
	RawPayload []byte
	Usage      *UsageSignal
}

// ContentFetcher makes exactly one outbound provider call per invocation.
type ContentFetcher interface {
	Fetch(ctx context.Context, entity models.EntityRef, params FetchParams) (FetchResult, error)
}
