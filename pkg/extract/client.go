// Package extract turns event flyer photos into structured listings using an
// OpenAI-compatible vision model.
package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

// ErrUnavailable reports a transient model-service failure.
var ErrUnavailable = errors.New("extract: service unavailable")

// Client extracts event listings from images.
type Client interface {
	ExtractEvent(ctx context.Context, image []byte, mimeType string) (*Extraction, error)
}

// Extraction is the structured result of reading one flyer. A nil Extraction
// with a nil error means the model found no usable event in the image; that
// is an expected outcome, not a failure.
type Extraction struct {
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	StartDate       *time.Time `json:"start_date"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	Address         string     `json:"address,omitempty"`
	LocationName    string     `json:"location_name,omitempty"`
	TypeLabels      []string   `json:"type_labels,omitempty"`
	Price           *float64   `json:"price,omitempty"`
	AgeRestrictions string     `json:"age_restrictions,omitempty"`
	URL             string     `json:"url,omitempty"`
	Confidence      float64    `json:"confidence"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *httpClient) {
		c.model = model
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// NewClient creates an extraction client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

const extractionPrompt = `Read the attached event flyer. Respond with a single JSON object:
{
  "name": "event name",
  "description": "one-paragraph description",
  "start_date": "RFC 3339 timestamp or null",
  "end_date": "RFC 3339 timestamp or null",
  "address": "street address if shown",
  "location_name": "venue name if shown",
  "type_labels": ["category words"],
  "price": 0.0,
  "age_restrictions": "e.g. 21+",
  "url": "event URL if shown",
  "confidence": 0.0
}
Set confidence to your certainty in [0,1]. Use null for anything not on the
flyer. If the image is not an event announcement, set name to null.`

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// extractionPayload mirrors Extraction but tolerates nullable strings from
// the model.
type extractionPayload struct {
	Name            *string    `json:"name"`
	Description     *string    `json:"description"`
	StartDate       *time.Time `json:"start_date"`
	EndDate         *time.Time `json:"end_date"`
	Address         *string    `json:"address"`
	LocationName    *string    `json:"location_name"`
	TypeLabels      []string   `json:"type_labels"`
	Price           *float64   `json:"price"`
	AgeRestrictions *string    `json:"age_restrictions"`
	URL             *string    `json:"url"`
	Confidence      float64    `json:"confidence"`
}

func (c *httpClient) ExtractEvent(ctx context.Context, image []byte, mimeType string) (*Extraction, error) {
	if len(image) == 0 {
		return nil, eris.New("extract: empty image")
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{
				Role: "user",
				Content: []contentPart{
					{Type: "text", Text: extractionPrompt},
					{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
				},
			},
		},
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, eris.Wrap(err, "extract: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "extract: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(ErrUnavailable, err.Error())
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "extract: read response")
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, eris.Wrapf(ErrUnavailable, "status %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("extract: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, eris.Wrap(err, "extract: unmarshal response")
	}
	if len(chat.Choices) == 0 {
		return nil, eris.New("extract: no choices in response")
	}

	var payload extractionPayload
	if err := json.Unmarshal([]byte(chat.Choices[0].Message.Content), &payload); err != nil {
		return nil, eris.Wrap(err, "extract: parse model output")
	}

	// No name or no start date means the model could not read an event out
	// of the image.
	if payload.Name == nil || *payload.Name == "" || payload.StartDate == nil {
		return nil, nil
	}

	out := &Extraction{
		Name:       *payload.Name,
		StartDate:  payload.StartDate,
		EndDate:    payload.EndDate,
		TypeLabels: payload.TypeLabels,
		Price:      payload.Price,
		Confidence: payload.Confidence,
	}
	if payload.Description != nil {
		out.Description = *payload.Description
	}
	if payload.Address != nil {
		out.Address = *payload.Address
	}
	if payload.LocationName != nil {
		out.LocationName = *payload.LocationName
	}
	if payload.AgeRestrictions != nil {
		out.AgeRestrictions = *payload.AgeRestrictions
	}
	if payload.URL != nil {
		out.URL = *payload.URL
	}
	return out, nil
}
