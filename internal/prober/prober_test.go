package prober

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOpts(timeout time.Duration) Options {
	return Options{
		Timeout:         timeout,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		RequestTimeout:  200 * time.Millisecond,
	}
}

func TestFindFreePort(t *testing.T) {
	port, err := FindFreePort("")
	require.NoError(t, err)
	assert.Greater(t, port, 0)

	// the port was released and can be bound again
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	_ = l.Close()
}

func TestAwaitReady_ImmediateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/matlab/default/get_status", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.True(t, AwaitReady(context.Background(), srv.URL+"/matlab/default/get_status", fastOpts(time.Second)))
}

func TestAwaitReady_BecomesReadyAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.True(t, AwaitReady(context.Background(), srv.URL, fastOpts(2*time.Second)))
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestAwaitReady_TimeoutReturnsFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	start := time.Now()
	assert.False(t, AwaitReady(context.Background(), srv.URL, fastOpts(150*time.Millisecond)))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAwaitReady_NothingListening(t *testing.T) {
	port, err := FindFreePort("")
	require.NoError(t, err)
	assert.False(t, AwaitReady(context.Background(), "http://127.0.0.1:"+strconv.Itoa(port), fastOpts(100*time.Millisecond)))
}

func TestAwaitReady_InvalidURL(t *testing.T) {
	assert.False(t, AwaitReady(context.Background(), "not a url", fastOpts(time.Second)))
}

func TestAwaitReady_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, AwaitReady(ctx, "http://127.0.0.1:1", fastOpts(time.Second)))
}

func TestProber_ForwardsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("MWI-AUTH-TOKEN") != "tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := Prober{Options: fastOpts(time.Second)}
	assert.True(t, p.Ready(context.Background(), srv.URL, map[string]string{"MWI-AUTH-TOKEN": "tok"}))
	assert.False(t, Prober{Options: fastOpts(100 * time.Millisecond)}.Ready(context.Background(), srv.URL, nil))
}
