// Package coop serves HTTP from a single control loop.
//
// The listener goroutines of net/http only queue requests. Handlers run when
// the owner calls Service, so every handler executes on the same goroutine as
// the rest of the device logic and shares its state without locks. Service
// may be called again from inside a handler (through a yield hook during a
// long wait); in that case only routes not marked Exclusive are run, the
// others stay queued until the outermost Service.
package coop

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
)

const DefaultMaxPending = 16

var ErrClosed = errors.New("server closed")

const (
	jobPending int32 = iota
	jobRunning
	jobDone
	jobAbandoned
)

type job struct {
	w         http.ResponseWriter
	r         *http.Request
	exclusive bool
	state     atomic.Int32
	done      chan struct{}
}

type Server struct {
	log    logr.Logger
	addr   string
	router *mux.Router

	// MaxPending bounds the queue; requests beyond it get 503.
	MaxPending int

	mu        sync.Mutex
	queue     []*job
	exclusive map[*mux.Route]bool

	srv       *http.Server
	listener  net.Listener
	serving   atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once

	depth int // Service nesting, control loop only
}

func New(log logr.Logger, addr string) *Server {
	return &Server{
		log:        log,
		addr:       addr,
		router:     mux.NewRouter(),
		MaxPending: DefaultMaxPending,
		exclusive:  make(map[*mux.Route]bool),
		closed:     make(chan struct{}),
	}
}

// Router is where handlers are registered. Routes must all be added before
// Begin.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Exclusive marks a route whose handler must not run nested inside another
// handler, typically because it drives the radio.
func (s *Server) Exclusive(route *mux.Route) *mux.Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exclusive[route] = true
	return route
}

func (s *Server) Serving() bool {
	return s.serving.Load()
}

// Addr is the bound listener address once serving, the configured one before.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Begin starts accepting connections. Calling it while serving is a no-op.
func (s *Server) Begin() error {
	if s.Serving() {
		return nil
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.serving.Store(true)
	s.log.Info("Serving HTTP", "addr", ln.Addr().String())

	go func(srv *http.Server, ln net.Listener) {
		defer s.serving.Store(false)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(err, "HTTP server stopped", "addr", ln.Addr().String())
		}
	}(s.srv, ln)
	return nil
}

// ServeHTTP queues the request and blocks until the control loop has run it
// or the client went away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	j := &job{w: w, r: r, done: make(chan struct{})}
	var match mux.RouteMatch
	if s.router.Match(r, &match) && match.Route != nil {
		s.mu.Lock()
		j.exclusive = s.exclusive[match.Route]
		s.mu.Unlock()
	}

	if err := s.enqueue(j); err != nil {
		s.log.V(1).Info("Rejecting request", "method", r.Method, "path", r.URL.Path, "reason", err.Error())
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	select {
	case <-j.done:
	case <-r.Context().Done():
		if j.state.CompareAndSwap(jobPending, jobAbandoned) {
			s.log.V(1).Info("Client gave up before service", "path", r.URL.Path)
			return
		}
		<-j.done
	case <-s.closed:
		if j.state.CompareAndSwap(jobPending, jobAbandoned) {
			http.Error(w, ErrClosed.Error(), http.StatusServiceUnavailable)
			return
		}
		<-j.done
	}
}

func (s *Server) enqueue(j *job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if s.MaxPending > 0 && len(s.queue) >= s.MaxPending {
		return fmt.Errorf("too many pending requests (%d)", len(s.queue))
	}
	s.queue = append(s.queue, j)
	return nil
}

// take removes the runnable jobs from the queue.
func (s *Server) take(nested bool) []*job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !nested {
		q := s.queue
		s.queue = nil
		return q
	}
	var run, keep []*job
	for _, j := range s.queue {
		if j.exclusive {
			keep = append(keep, j)
		} else {
			run = append(run, j)
		}
	}
	s.queue = keep
	return run
}

// Service runs the queued requests and returns how many were handled.
func (s *Server) Service() int {
	s.depth++
	defer func() { s.depth-- }()

	n := 0
	for _, j := range s.take(s.depth > 1) {
		if !j.state.CompareAndSwap(jobPending, jobRunning) {
			continue
		}
		s.run(j)
		n++
	}
	return n
}

func (s *Server) run(j *job) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error(fmt.Errorf("%v", p), "Handler panicked", "method", j.r.Method, "path", j.r.URL.Path)
			http.Error(j.w, "internal error", http.StatusInternalServerError)
		}
		j.state.Store(jobDone)
		close(j.done)
	}()
	s.router.ServeHTTP(j.w, j.r)
}

// Pending is the number of queued requests.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops the listener and fails the requests still queued. It does not
// wait for a running handler, so it is safe to call from one.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.srv != nil {
			err = s.srv.Close()
		}
		s.serving.Store(false)
		s.log.Info("HTTP server closed", "addr", s.Addr())
	})
	return err
}
