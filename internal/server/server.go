// Package server implements the connection supervisor (§4.7): it accepts
// QUIC connections, spawns the three ingress pumps each one needs, and owns
// the shared, process-wide collaborators (user table, registry, fragment
// assembler) threaded into every connection at accept time.
package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/tuicd/internal/auth"
	"github.com/postalsys/tuicd/internal/fragment"
	"github.com/postalsys/tuicd/internal/logging"
	"github.com/postalsys/tuicd/internal/metrics"
	"github.com/postalsys/tuicd/internal/registry"
	"github.com/postalsys/tuicd/internal/relay"
	"github.com/postalsys/tuicd/internal/transport"
)

// Config carries the supervisor's tunables, sourced from configuration (§6).
type Config struct {
	AuthTimeout   time.Duration
	StreamTimeout time.Duration

	TCP relay.TCPConfig
	UDP relay.UDPConfig

	// AcceptRate and AcceptBurst bound how fast new, not-yet-authenticated
	// connections are admitted, so a flood of connections that never
	// authenticate cannot exhaust accept-side resources.
	AcceptRate  float64
	AcceptBurst int

	// MaxBacklogPerCarrier bounds how many non-Authenticate commands an
	// unauthenticated connection may have buffered per carrier type before
	// it is closed (§4.3: "a small constant per carrier type").
	MaxBacklogPerCarrier int
}

// DefaultConfig returns sensible supervisor defaults layered on top of the
// configuration defaults.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:          3 * time.Second,
		StreamTimeout:        10 * time.Second,
		AcceptRate:           200,
		AcceptBurst:          200,
		MaxBacklogPerCarrier: 32,
	}
}

// Server is the TUIC connection supervisor: one per listening socket.
type Server struct {
	cfg      Config
	listener *transport.Listener
	gate     *auth.Gate
	registry *registry.Registry
	assembler *fragment.Assembler
	metrics  *metrics.Metrics
	logger   *slog.Logger

	acceptLimiter *rate.Limiter

	nextConnID atomic.Uint64

	wg     sync.WaitGroup
	closed atomic.Bool
}

// New builds a Server over an already-listening transport.Listener and the
// shared collaborators threaded into every accepted connection (§9 "no
// ambient singletons").
func New(cfg Config, listener *transport.Listener, gate *auth.Gate, reg *registry.Registry, assembler *fragment.Assembler, m *metrics.Metrics, logger *slog.Logger) *Server {
	if m == nil {
		m = metrics.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:           cfg,
		listener:      listener,
		gate:          gate,
		registry:      reg,
		assembler:     assembler,
		metrics:       m,
		logger:        logger,
		acceptLimiter: rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst),
	}
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.closed.Load() {
				return nil
			}
			s.logger.Debug("accept error", logging.KeyError, err)
			continue
		}

		if !s.acceptLimiter.Allow() {
			conn.CloseWithError(uint64(codeRateLimited), "connection rate limit exceeded")
			continue
		}

		s.metrics.ConnectionsTotal.Inc()
		id := s.nextConnID.Add(1)
		c := s.newConnection(id, conn)

		s.wg.Add(4)
		go c.bidiPump(ctx)
		go c.uniPump(ctx)
		go c.datagramPump(ctx)
		go c.idleMonitor()
		c.armAuthTimer()
	}
}

// Close stops accepting new connections. In-flight connections are left to
// drain on their own close paths.
func (s *Server) Close() error {
	s.closed.Store(true)
	return s.listener.Close()
}

// Wait blocks until every spawned connection task has returned, for tests
// and graceful-shutdown sequencing.
func (s *Server) Wait() {
	s.wg.Wait()
}
