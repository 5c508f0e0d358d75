package adapter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/camberville/eventline/internal/model"
	"github.com/camberville/eventline/internal/resilience"
)

const feedUserAgent = "eventline-feed/1.0"

// feedItem is the wire shape of one listing in a JSON feed.
type feedItem struct {
	ExternalID      string     `json:"external_id"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	StartDate       *time.Time `json:"start_date"`
	EndDate         *time.Time `json:"end_date"`
	Address         string     `json:"address"`
	LocationName    string     `json:"location_name"`
	TypeLabels      []string   `json:"type_labels"`
	URL             string     `json:"url"`
	Price           *float64   `json:"price"`
	AgeRestrictions string     `json:"age_restrictions"`
}

// FeedAdapter pulls already-structured listings from an HTTP JSON feed.
type FeedAdapter struct {
	name       string
	url        string
	confidence float64
	http       *http.Client
	limiter    *rate.Limiter
	retry      resilience.RetryConfig
}

// FeedOption configures a FeedAdapter.
type FeedOption func(*FeedAdapter)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) FeedOption {
	return func(a *FeedAdapter) { a.http = hc }
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(rps float64) FeedOption {
	return func(a *FeedAdapter) { a.limiter = rate.NewLimiter(rate.Limit(rps), 1) }
}

// WithRetry overrides the retry settings for fetches.
func WithRetry(cfg resilience.RetryConfig) FeedOption {
	return func(a *FeedAdapter) { a.retry = cfg }
}

// WithConfidence sets the confidence stamped on this feed's candidates.
func WithConfidence(c float64) FeedOption {
	return func(a *FeedAdapter) { a.confidence = c }
}

// NewFeedAdapter creates an adapter for a registered source name and its
// feed URL.
func NewFeedAdapter(name, url string, opts ...FeedOption) *FeedAdapter {
	a := &FeedAdapter{
		name:       name,
		url:        url,
		confidence: 0.8,
		http:       &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(2), 1),
		retry:      resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *FeedAdapter) Name() string { return a.name }

// Fetch downloads the feed, retrying transient failures, and maps its items
// to candidates.
func (a *FeedAdapter) Fetch(ctx context.Context) ([]model.CandidateEvent, error) {
	items, err := resilience.DoVal(ctx, a.retry, "fetch feed "+a.name, a.fetchOnce)
	if err != nil {
		return nil, err
	}

	out := make([]model.CandidateEvent, 0, len(items))
	for _, item := range items {
		out = append(out, a.toCandidate(item))
	}
	return out, nil
}

func (a *FeedAdapter) fetchOnce(ctx context.Context) ([]feedItem, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "feed: rate limit wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "feed: create request")
	}
	req.Header.Set("User-Agent", feedUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "feed: send request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "feed: read response"), 0)
	}

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewTransientError(
			eris.Errorf("feed: status %d from %s", resp.StatusCode, a.url), resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("feed: unexpected status %d from %s", resp.StatusCode, a.url)
	}

	var items []feedItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, eris.Wrap(err, "feed: parse feed")
	}
	return items, nil
}

func (a *FeedAdapter) toCandidate(item feedItem) model.CandidateEvent {
	cand := model.CandidateEvent{
		Source:      a.name,
		Name:        item.Name,
		Description: item.Description,
		StartDate:   item.StartDate,
		EndDate:     item.EndDate,
		Confidence:  a.confidence,
		TypeLabels:  item.TypeLabels,
	}
	if item.ExternalID != "" {
		cand.ExternalID = &item.ExternalID
	}
	if item.Address != "" {
		cand.Address = &item.Address
	}
	if item.LocationName != "" {
		cand.LocationName = &item.LocationName
	}
	if item.URL != "" {
		cand.URL = &item.URL
	}
	if item.AgeRestrictions != "" {
		cand.AgeRestrictions = &item.AgeRestrictions
	}
	cand.Price = item.Price
	return cand
}
