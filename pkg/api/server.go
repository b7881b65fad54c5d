package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/exaworker/pkg/log"
	"github.com/cuemby/exaworker/pkg/metrics"
	"github.com/cuemby/exaworker/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Controller is the daemon handle the control plane acts on
type Controller interface {
	// WorkerRecord returns the daemon's current record
	WorkerRecord() (*types.WorkerRecord, error)

	// RequestShutdown sets the daemon's exit flag
	RequestShutdown()
}

// RequestReader is the part of the datastore /status reads
type RequestReader interface {
	GetRequest(uuid string) (*types.JobRequest, error)
	ListRequests() ([]*types.JobRequest, error)
}

// Config configures a control-plane server
type Config struct {
	User     string
	Password string

	// TLS is nil only in tests
	TLS *tls.Config

	// AuthFailureRate paces replies to wrong credentials: beyond it the 401 is
	// held back, for at most AuthFailureMaxDelay. Zero disables the pacing.
	AuthFailureRate     rate.Limit
	AuthFailureBurst    int
	AuthFailureMaxDelay time.Duration
}

// DefaultAuthFailureMaxDelay caps how long a 401 is held back
const DefaultAuthFailureMaxDelay = 2 * time.Second

// Server is the per-worker HTTPS control plane
type Server struct {
	ctrl   Controller
	store  RequestReader
	config Config
	logger zerolog.Logger

	mux      *http.ServeMux
	srv      *http.Server
	listener net.Listener

	authLimiter *rate.Limiter
	cleared     atomic.Bool
	stopOnce    sync.Once
	done        chan struct{}
}

// NewServer creates a control plane for ctrl
func NewServer(ctrl Controller, store RequestReader, cfg Config) *Server {
	s := &Server{
		ctrl:   ctrl,
		store:  store,
		config: cfg,
		logger: log.WithComponent("control"),
		mux:    http.NewServeMux(),
		done:   make(chan struct{}),
	}
	if s.config.AuthFailureMaxDelay <= 0 {
		s.config.AuthFailureMaxDelay = DefaultAuthFailureMaxDelay
	}
	if cfg.AuthFailureRate > 0 {
		s.authLimiter = rate.NewLimiter(cfg.AuthFailureRate, cfg.AuthFailureBurst)
	}

	s.mux.HandleFunc("/status", s.statusHandler)
	s.mux.HandleFunc("/wctrl", s.wctrlHandler)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/", s.notFoundHandler)

	s.srv = &http.Server{
		Handler:      s.Handler(),
		TLSConfig:    cfg.TLS,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the full middleware chain; exposed for httptest
func (s *Server) Handler() http.Handler {
	return s.instrument(s.guard(s.mux))
}

// Listen binds addr. A bind failure is returned to the caller so the daemon
// can exit non-zero instead of running without a control plane.
func (s *Server) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind control plane on %s: %w", addr, err)
	}
	if s.config.TLS != nil {
		l = tls.NewListener(l, s.config.TLS)
	}
	s.listener = l
	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve blocks serving requests until Stop
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("control plane not bound")
	}
	defer close(s.done)
	err := s.srv.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Done is closed once Serve has returned
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		err = s.srv.Shutdown(ctx)
	})
	return err
}

// ClearHandle detaches the server from its daemon. Every later request is
// answered 503 and the first such request stops the server.
func (s *Server) ClearHandle() {
	s.cleared.Store(true)
}

// Cleared reports whether ClearHandle was called
func (s *Server) Cleared() bool {
	return s.cleared.Load()
}

func (s *Server) selfStop() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Stop(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Control plane self-stop failed")
		}
	}()
}
