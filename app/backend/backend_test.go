package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func onceRepeater() Repeater {
	return repeater.New(&strategy.Once{})
}

func TestClient_DeleteFromQueue(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/queue", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, onceRepeater())
	err := c.DeleteFromQueue(context.Background(), "prompt-123")
	require.NoError(t, err)

	var payload map[string][]string
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, []string{"prompt-123"}, payload["delete"])
}

func TestClient_DeleteFromQueueNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest) // backend never heard of this prompt
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, onceRepeater())
	err := c.DeleteFromQueue(context.Background(), "ghost")
	require.Error(t, err, "caller folds this into an informational result")
}

func TestClient_Interrupt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/interrupt", r.URL.Path)
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, onceRepeater())
	require.NoError(t, c.Interrupt(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_RetriesTransientFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rptr := repeater.New(&strategy.Backoff{Repeats: 3, Duration: time.Millisecond, Factor: 1})
	c := New(srv.URL, time.Second, rptr)
	require.NoError(t, c.Interrupt(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_QueueStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/queue", r.URL.Path)
		_, _ = w.Write([]byte(`{"queue_running":[["a"]],"queue_pending":[["b"],["c"]]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, onceRepeater())
	running, queued, err := c.QueueStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, running)
	assert.Equal(t, 2, queued)
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, 50*time.Millisecond, onceRepeater())
	err := c.Interrupt(context.Background())
	require.Error(t, err)
}
