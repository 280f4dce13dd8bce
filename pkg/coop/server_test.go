package coop

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// submit runs ServeHTTP on its own goroutine, the way net/http would, and
// returns the recorder once the handler returned.
func submit(s *Server, req *http.Request) <-chan *httptest.ResponseRecorder {
	out := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		out <- rec
	}()
	return out
}

func waitPending(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Pending() == n }, time.Second, time.Millisecond)
}

func TestRequestsRunOnlyFromService(t *testing.T) {
	s := New(testr.New(t), "127.0.0.1:0")
	calls := 0
	s.Router().HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = io.WriteString(w, "hi")
	})

	res := submit(s, httptest.NewRequest(http.MethodGet, "/hello", nil))
	waitPending(t, s, 1)
	assert.Equal(t, 0, calls, "handler ran before Service")

	assert.Equal(t, 1, s.Service())
	rec := <-res
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hi", rec.Body.String())
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, s.Service(), "nothing left to serve")
}

func TestExclusiveRoutesWaitForOutermostService(t *testing.T) {
	s := New(testr.New(t), "127.0.0.1:0")
	var order []string
	s.Router().HandleFunc("/read", func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "read")
	})
	s.Exclusive(s.Router().HandleFunc("/write", func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "write")
	}))

	write := submit(s, httptest.NewRequest(http.MethodPost, "/write", nil))
	waitPending(t, s, 1)
	read := submit(s, httptest.NewRequest(http.MethodGet, "/read", nil))
	waitPending(t, s, 2)

	// Pretend to be inside a running handler.
	s.depth = 1
	assert.Equal(t, 1, s.Service())
	<-read
	assert.Equal(t, []string{"read"}, order)
	assert.Equal(t, 1, s.Pending())

	s.depth = 0
	assert.Equal(t, 1, s.Service())
	<-write
	assert.Equal(t, []string{"read", "write"}, order)
}

func TestNestedServiceFromHandler(t *testing.T) {
	s := New(testr.New(t), "127.0.0.1:0")
	var order []string
	inner := make(chan *httptest.ResponseRecorder, 1)
	s.Router().HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "status")
	})
	s.Exclusive(s.Router().HandleFunc("/reconnect", func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "reconnect")
		// A long wait yielding to the server.
		inner <- nil
		deadline := time.Now().Add(time.Second)
		for len(order) < 2 && time.Now().Before(deadline) {
			s.Service()
			time.Sleep(time.Millisecond)
		}
	}))

	outer := submit(s, httptest.NewRequest(http.MethodPost, "/reconnect", nil))
	waitPending(t, s, 1)
	go func() {
		<-inner
		<-submit(s, httptest.NewRequest(http.MethodGet, "/status", nil))
	}()
	s.Service()
	<-outer
	assert.Equal(t, []string{"reconnect", "status"}, order)
}

func TestAbandonedRequestIsSkipped(t *testing.T) {
	s := New(testr.New(t), "127.0.0.1:0")
	calls := 0
	s.Router().HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) { calls++ })

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/slow", nil).WithContext(ctx)
	res := submit(s, req)
	waitPending(t, s, 1)
	cancel()
	<-res

	assert.Equal(t, 0, s.Service())
	assert.Equal(t, 0, calls)
}

func TestQueueBound(t *testing.T) {
	s := New(testr.New(t), "127.0.0.1:0")
	s.MaxPending = 1
	s.Router().HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {})

	first := submit(s, httptest.NewRequest(http.MethodGet, "/x", nil))
	waitPending(t, s, 1)
	rec := <-submit(s, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.Service()
	assert.Equal(t, http.StatusOK, (<-first).Code)
}

func TestHandlerPanicAnswers500(t *testing.T) {
	s := New(testr.New(t), "127.0.0.1:0")
	s.Router().HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) { panic("boom") })

	res := submit(s, httptest.NewRequest(http.MethodGet, "/boom", nil))
	waitPending(t, s, 1)
	s.Service()
	assert.Equal(t, http.StatusInternalServerError, (<-res).Code)
}

func TestCloseFailsQueuedRequests(t *testing.T) {
	s := New(testr.New(t), "127.0.0.1:0")
	s.Router().HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {})

	res := submit(s, httptest.NewRequest(http.MethodGet, "/x", nil))
	waitPending(t, s, 1)
	require.NoError(t, s.Close())
	assert.Equal(t, http.StatusServiceUnavailable, (<-res).Code)
	assert.Equal(t, 0, s.Service())

	assert.ErrorIs(t, s.Begin(), ErrClosed)
}

func TestBeginServesOverTCP(t *testing.T) {
	s := New(testr.New(t), "127.0.0.1:0")
	s.Router().HandleFunc("/wifiMgr/ping", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "pong")
	})
	require.NoError(t, s.Begin())
	t.Cleanup(func() { _ = s.Close() })
	assert.True(t, s.Serving())
	require.NoError(t, s.Begin(), "Begin while serving is a no-op")

	type result struct {
		body string
		err  error
	}
	out := make(chan result, 1)
	go func() {
		resp, err := http.Get("http://" + s.Addr() + "/wifiMgr/ping")
		if err != nil {
			out <- result{err: err}
			return
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		out <- result{string(b), err}
	}()

	deadline := time.After(5 * time.Second)
	for {
		s.Service()
		select {
		case r := <-out:
			require.NoError(t, r.err)
			assert.Equal(t, "pong", r.body)
			return
		case <-deadline:
			t.Fatal("no response")
		case <-time.After(time.Millisecond):
		}
	}
}
