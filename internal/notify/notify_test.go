package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/toolforge/backend/internal/logging"
)

func TestWebhookNotifierRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n Notice
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		assert.Equal(t, "sub-1", n.SubscriptionID)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	n := NewWebhookNotifier(srv.URL, nil)
	err := n.Notify(context.Background(), Notice{Kind: "payment_failed", UserID: "u1", SubscriptionID: "sub-1", OccurredAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookNotifierReportsClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	err := NewWebhookNotifier(srv.URL, nil).Notify(context.Background(), Notice{Kind: "payment_failed"})
	require.Error(t, err)
}

func TestLogNotifier(t *testing.T) {
	require.NoError(t, LogNotifier{Logger: logging.Discard()}.Notify(context.Background(), Notice{Kind: "payment_failed"}))
}
