package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"socialwatch/internal/models"
)

const defaultTwitterBaseURL = "https://api.twitter.com"

// TwitterFetcher pulls a user's recent tweets from the v2 API.
type TwitterFetcher struct {
	baseURL     string
	bearerToken string
	client      *http.Client
}

var _ ContentFetcher = (*TwitterFetcher)(nil)

// NewTwitterFetcher builds a v2 API client. baseURL may be empty.
func NewTwitterFetcher(baseURL, bearerToken string, timeout time.Duration) *TwitterFetcher {
	if baseURL == "" {
		baseURL = defaultTwitterBaseURL
	}
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &TwitterFetcher{
		baseURL:     baseURL,
		bearerToken: bearerToken,
		client:      &http.Client{Timeout: timeout},
	}
}

type tweet struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	CreatedAt     string `json:"created_at"`
	PublicMetrics struct {
		LikeCount    int `json:"like_count"`
		RetweetCount int `json:"retweet_count"`
		ReplyCount   int `json:"reply_count"`
		QuoteCount   int `json:"quote_count"`
	} `json:"public_metrics"`
}

type tweetsResponse struct {
	Data   []tweet `json:"data"`
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Type   string `json:"type"`
	} `json:"errors"`
}

// Fetch makes one timeline call for the user.
func (f *TwitterFetcher) Fetch(ctx context.Context, entity models.EntityRef, params FetchParams) (FetchResult, error) {
	q := url.Values{}
	q.Set("tweet.fields", "created_at,public_metrics")
	if params.Limit > 0 {
		q.Set("max_results", strconv.Itoa(params.Limit))
	}
	if !params.Since.IsZero() {
		q.Set("start_time", params.Since.UTC().Format(time.RFC3339))
	}
	endpoint := fmt.Sprintf("%s/2/users/%s/tweets?%s", f.baseURL, url.PathEscape(entity.ExternalID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return FetchResult{}, &FetchError{Kind: KindOther, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+f.bearerToken)

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return FetchResult{}, &FetchError{Kind: KindOther, Message: fmt.Sprintf("read body: %v", err)}
	}

	usage := parseRateLimitHeaders(resp.Header)
	if fe := classifyStatus(resp.StatusCode, resp.Header, body); fe != nil {
		if fe.Kind == KindRateLimited && fe.RetryAfter == 0 && usage != nil {
			fe.RetryAfter = usage.RetryAfter
		}
		return FetchResult{Usage: usage}, fe
	}

	var parsed tweetsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return FetchResult{Usage: usage}, &FetchError{Kind: KindOther, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(parsed.Errors) > 0 && len(parsed.Data) == 0 {
		first := parsed.Errors[0]
		kind := KindOther
		if first.Title == "Not Found Error" {
			kind = KindNotFound
		}
		return FetchResult{Usage: usage}, &FetchError{Kind: kind, Message: first.Detail}
	}

	items := make([]models.ContentItem, 0, len(parsed.Data))
	for _, tw := range parsed.Data {
		published, _ := time.Parse(time.RFC3339, tw.CreatedAt)
		items = append(items, models.ContentItem{
			SourceID:    tw.ID,
			EntityID:    entity.ID,
			PublishedAt: published,
			Text:        tw.Text,
			Engagement: models.Engagement{
				Likes:    tw.PublicMetrics.LikeCount,
				Shares:   tw.PublicMetrics.RetweetCount + tw.PublicMetrics.QuoteCount,
				Comments: tw.PublicMetrics.ReplyCount,
			},
		})
	}
	return FetchResult{Items: items, RawPayload: body, Usage: usage}, nil
}

// parseRateLimitHeaders reads the x-rate-limit trio into a usage signal.
func parseRateLimitHeaders(h http.Header) *UsageSignal {
	limit, err := strconv.Atoi(h.Get("x-rate-limit-limit"))
	if err != nil || limit <= 0 {
		return nil
	}
	remaining, err := strconv.Atoi(h.Get("x-rate-limit-remaining"))
	if err != nil || remaining < 0 {
		remaining = 0
	}
	signal := &UsageSignal{
		UsagePercentage: float64(limit-remaining) / float64(limit) * 100,
	}
	if reset, err := strconv.ParseInt(h.Get("x-rate-limit-reset"), 10, 64); err == nil {
		if until := time.Until(time.Unix(reset, 0)); until > 0 {
			signal.RetryAfter = until
		}
	}
	return signal
}
