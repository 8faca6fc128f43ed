package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookEnvelope(t *testing.T) {
	var (
		auth string
		body webhookEnvelope
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "s3cret", "2gis_locations")
	require.NoError(t, wh.Send(context.Background(), samplePosition()))

	assert.Equal(t, "Bearer s3cret", auth)
	assert.Equal(t, "2gis_locations", body.Table)
	assert.NotEmpty(t, body.EventID)
	assert.False(t, body.CollectedAt.IsZero())
	require.NotNil(t, body.Data)
	assert.Equal(t, "2gis-abc", body.Data.DeviceID)
}

func TestWebhookStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "bad", "t")
	err := wh.Send(context.Background(), samplePosition())

	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, Status, derr.Kind)
	assert.Equal(t, http.StatusUnauthorized, derr.StatusCode)
}
