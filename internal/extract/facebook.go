package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"socialwatch/internal/models"
)

const defaultGraphBaseURL = "https://graph.facebook.com/v19.0"

// FacebookFetcher pulls page posts from the Graph API.
type FacebookFetcher struct {
	baseURL     string
	accessToken string
	client      *http.Client
}

var _ ContentFetcher = (*FacebookFetcher)(nil)

// NewFacebookFetcher builds a Graph API client. baseURL may be empty.
func NewFacebookFetcher(baseURL, accessToken string, timeout time.Duration) *FacebookFetcher {
	if baseURL == "" {
		baseURL = defaultGraphBaseURL
	}
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &FacebookFetcher{
		baseURL:     baseURL,
		accessToken: accessToken,
		client:      &http.Client{Timeout: timeout},
	}
}

type graphPost struct {
	ID          string `json:"id"`
	Message     string `json:"message"`
	CreatedTime string `json:"created_time"`
	Likes       struct {
		Summary struct {
			TotalCount int `json:"total_count"`
		} `json:"summary"`
	} `json:"likes"`
	Shares struct {
		Count int `json:"count"`
	} `json:"shares"`
	Comments struct {
		Summary struct {
			TotalCount int `json:"total_count"`
		} `json:"summary"`
	} `json:"comments"`
}

type graphPostsResponse struct {
	Data  []graphPost `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// appUsage is the X-App-Usage header body.
type appUsage struct {
	CallCount float64 `json:"call_count"`
	TotalTime float64 `json:"total_time"`
	TotalCPU  float64 `json:"total_cputime"`
}

// Fetch makes one posts call for the page.
func (f *FacebookFetcher) Fetch(ctx context.Context, entity models.EntityRef, params FetchParams) (FetchResult, error) {
	q := url.Values{}
	q.Set("access_token", f.accessToken)
	q.Set("fields", "id,message,created_time,likes.summary(true),shares,comments.summary(true)")
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if !params.Since.IsZero() {
		q.Set("since", strconv.FormatInt(params.Since.Unix(), 10))
	}
	endpoint := fmt.Sprintf("%s/%s/posts?%s", f.baseURL, url.PathEscape(entity.ExternalID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return FetchResult{}, &FetchError{Kind: KindOther, Message: err.Error()}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return FetchResult{}, &FetchError{Kind: KindOther, Message: fmt.Sprintf("read body: %v", err)}
	}

	usage := parseAppUsage(resp.Header)
	if fe := classifyStatus(resp.StatusCode, resp.Header, body); fe != nil {
		return FetchResult{Usage: usage}, fe
	}

	var parsed graphPostsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return FetchResult{Usage: usage}, &FetchError{Kind: KindOther, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if parsed.Error != nil {
		return FetchResult{Usage: usage}, classifyGraphError(parsed.Error.Code, parsed.Error.Message)
	}

	items := make([]models.ContentItem, 0, len(parsed.Data))
	for _, p := range parsed.Data {
		published, _ := time.Parse("2006-01-02T15:04:05-0700", p.CreatedTime)
		items = append(items, models.ContentItem{
			SourceID:    p.ID,
			EntityID:    entity.ID,
			PublishedAt: published,
			Text:        p.Message,
			Engagement: models.Engagement{
				Likes:    p.Likes.Summary.TotalCount,
				Shares:   p.Shares.Count,
				Comments: p.Comments.Summary.TotalCount,
			},
		})
	}
	return FetchResult{Items: items, RawPayload: body, Usage: usage}, nil
}

// Graph error codes: 4/17/32 are throttling, 190 is an invalid token,
// 803/100 cover unknown objects.
func classifyGraphError(code int, message string) *FetchError {
	switch code {
	case 4, 17, 32, 613:
		return &FetchError{Kind: KindRateLimited, Message: message}
	case 190, 102:
		return &FetchError{Kind: KindAuth, Message: message}
	case 803, 100:
		return &FetchError{Kind: KindNotFound, Message: message}
	default:
		return &FetchError{Kind: KindOther, Message: message}
	}
}

func parseAppUsage(h http.Header) *UsageSignal {
	raw := h.Get("X-App-Usage")
	if raw == "" {
		return nil
	}
	var u appUsage
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil
	}
	pct := u.CallCount
	if u.TotalTime > pct {
		pct = u.TotalTime
	}
	if u.TotalCPU > pct {
		pct = u.TotalCPU
	}
	return &UsageSignal{UsagePercentage: pct, RetryAfter: retryAfterHeader(h)}
}

func retryAfterHeader(h http.Header) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func classifyStatus(status int, h http.Header, body []byte) *FetchError {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return &FetchError{Kind: KindRateLimited, RetryAfter: retryAfterHeader(h), Message: "provider throttled"}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &FetchError{Kind: KindAuth, Message: fmt.Sprintf("status %d", status)}
	case status == http.StatusNotFound:
		return &FetchError{Kind: KindNotFound, Message: "entity not found"}
	case status >= 500:
		return &FetchError{Kind: KindOther, Message: fmt.Sprintf("provider error %d", status)}
	default:
		return &FetchError{Kind: KindOther, Message: fmt.Sprintf("unexpected status %d: %s", status, truncate(body, 200))}
	}
}

func classifyTransport(err error) *FetchError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, Message: err.Error()}
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return &FetchError{Kind: KindTimeout, Message: err.Error()}
	}
	return &FetchError{Kind: KindOther, Message: err.Error()}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
