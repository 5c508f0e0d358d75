package places

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextSearch_Found(t *testing.T) {
	var gotReq textSearchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/places:searchText", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Goog-Api-Key"))
		assert.NotEmpty(t, r.Header.Get("X-Goog-FieldMask"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"places": []map[string]any{
				{
					"id":               "place-123",
					"formattedAddress": "50 Main St, Somerville, MA 02143",
					"displayName":      map[string]string{"text": "The Armory"},
					"location":         map[string]float64{"latitude": 42.39, "longitude": -71.1},
				},
			},
		})
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	place, err := c.TextSearch(context.Background(), "The Armory Somerville")
	require.NoError(t, err)
	require.NotNil(t, place)
	assert.Equal(t, "place-123", place.ID)
	assert.Equal(t, "The Armory", place.DisplayName.Text)

	// The bias circle is always sent.
	require.NotNil(t, gotReq.LocationBias)
	assert.InDelta(t, defaultBiasLat, gotReq.LocationBias.Circle.Center.Latitude, 0.001)
	assert.Equal(t, defaultBiasRadius, gotReq.LocationBias.Circle.Radius)
}

func TestTextSearch_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	place, err := c.TextSearch(context.Background(), "nowhere at all")
	require.NoError(t, err)
	assert.Nil(t, place)
}

func TestTextSearch_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream sad", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := c.TextSearch(context.Background(), "anything")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestTextSearch_ClientErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad field mask", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := c.TextSearch(context.Background(), "anything")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))
}
