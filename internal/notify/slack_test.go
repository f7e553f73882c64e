package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPost(t *testing.T) {
	var received atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		received.Store(msg.Text)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL)
	require.NoError(t, n.post(context.Background(), "dependency update failed"))

	assert.Equal(t, "dependency update failed", received.Load())
}

func TestPostRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL)
	require.NoError(t, n.post(context.Background(), "hello"))

	assert.Equal(t, int32(2), calls.Load())
}

func TestPostDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL)
	require.Error(t, n.post(context.Background(), "hello"))

	assert.Equal(t, int32(1), calls.Load())
}

func TestSendDisabledWithoutURL(t *testing.T) {
	n := NewSlackNotifier("")
	assert.False(t, n.Enabled())

	// must not panic or block
	n.Send(context.Background(), "ignored")
}
