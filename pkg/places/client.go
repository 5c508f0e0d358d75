// Package places wraps the Google Places Text Search API for resolving raw
// event addresses to stable place ids.
package places

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://places.googleapis.com/v1"

// Default location bias: a circle covering the Camberville area.
const (
	defaultBiasLat    = 42.383971
	defaultBiasLng    = -71.108600
	defaultBiasRadius = 16100.0
)

// ErrUnavailable reports a transient service failure (5xx, network error,
// rate limiting upstream). Callers treat it as "no answer right now", never
// as "no such place".
var ErrUnavailable = errors.New("places: service unavailable")

// Client performs Places API lookups.
type Client interface {
	TextSearch(ctx context.Context, query string) (*Place, error)
}

// Place is the subset of a Places result the engine keeps.
type Place struct {
	ID               string      `json:"id"`
	FormattedAddress string      `json:"formattedAddress"`
	DisplayName      DisplayName `json:"displayName"`
	Location         LatLng      `json:"location"`
}

// DisplayName holds the place's display name.
type DisplayName struct {
	Text string `json:"text"`
}

// LatLng is a coordinate pair.
type LatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithLocationBias overrides the default bias circle.
func WithLocationBias(lat, lng, radiusMeters float64) Option {
	return func(c *httpClient) {
		c.biasLat = lat
		c.biasLng = lng
		c.biasRadius = radiusMeters
	}
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

type httpClient struct {
	apiKey     string
	baseURL    string
	http       *http.Client
	limiter    *rate.Limiter
	biasLat    float64
	biasLng    float64
	biasRadius float64
}

// NewClient creates a Places API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter:    rate.NewLimiter(rate.Limit(10), 1),
		biasLat:    defaultBiasLat,
		biasLng:    defaultBiasLng,
		biasRadius: defaultBiasRadius,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type textSearchRequest struct {
	TextQuery    string        `json:"textQuery"`
	LocationBias *locationBias `json:"locationBias,omitempty"`
}

type locationBias struct {
	Circle circle `json:"circle"`
}

type circle struct {
	Center LatLng  `json:"center"`
	Radius float64 `json:"radius"`
}

type textSearchResponse struct {
	Places []Place `json:"places"`
}

// TextSearch resolves a free-text query to the best-matching place. Returns
// (nil, nil) when the API finds nothing.
func (c *httpClient) TextSearch(ctx context.Context, query string) (*Place, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "places: rate limit wait")
	}

	body, err := json.Marshal(textSearchRequest{
		TextQuery: query,
		LocationBias: &locationBias{
			Circle: circle{
				Center: LatLng{Latitude: c.biasLat, Longitude: c.biasLng},
				Radius: c.biasRadius,
			},
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "places: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/places:searchText", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "places: create request")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	req.Header.Set("X-Goog-FieldMask", "places.id,places.formattedAddress,places.displayName,places.location")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(ErrUnavailable, err.Error())
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "places: read response")
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, eris.Wrapf(ErrUnavailable, "status %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("places: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var result textSearchResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "places: unmarshal response")
	}
	if len(result.Places) == 0 {
		return nil, nil
	}
	return &result.Places[0], nil
}
