// Package server exposes the session interface over local stream sockets,
// TCP, or stdio. Concurrent queries across all sessions are capped by a
// bounded-capacity gate owned by the Server.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/calvinfo/livegrep/internal/analytics"
	"github.com/calvinfo/livegrep/internal/search"
	"github.com/calvinfo/livegrep/internal/search/cache"
	"github.com/calvinfo/livegrep/pkg/errors"
	"github.com/calvinfo/livegrep/pkg/metrics"
)

// Config wires a Server.
type Config struct {
	Engine      *search.Engine
	Cache       *cache.QueryCache    // optional
	Collector   *analytics.Collector // optional
	Name        string
	Concurrency int
	JSON        bool
	Quiet       bool
	Metrics     *metrics.Metrics // optional
}

// Server accepts connections and runs one Session per client. All
// sessions share the server's query gate; no process-wide state exists.
type Server struct {
	cfg      Config
	gate     *semaphore.Weighted
	logger   *slog.Logger
	listener net.Listener
	nextID   atomic.Int64
	wg       sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		gate:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:  slog.Default().With("component", "server"),
		baseCtx: ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// ParseListenSpec splits a listen spec into a network and address:
// "tcp://HOST:PORT" for TCP, anything else is a unix socket path.
func ParseListenSpec(spec string) (network, addr string, err error) {
	if rest, ok := strings.CutPrefix(spec, "tcp://"); ok {
		if !strings.Contains(rest, ":") {
			return "", "", fmt.Errorf("listen spec %q: TCP addresses must be HOST:PORT", spec)
		}
		return "tcp", rest, nil
	}
	if i := strings.Index(spec, "://"); i >= 0 {
		return "", "", fmt.Errorf("listen spec %q: unknown protocol %q", spec, spec[:i])
	}
	return "unix", spec, nil
}

// ListenAndServe binds the listen spec and serves until Stop.
func (s *Server) ListenAndServe(spec string) error {
	network, addr, err := ParseListenSpec(spec)
	if err != nil {
		return err
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("%w: listening on %s: %v", errors.ErrIO, spec, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	s.logger.Info("server listening", "addr", ln.Addr().String(), "concurrency", s.cfg.Concurrency)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				s.logger.Error("accept error", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.serveSession(conn, conn)
		}()
	}
}

// Interact runs a single session over the given reader/writer pair; used
// for stdin/stdout operation when no listen spec is configured.
func (s *Server) Interact(r io.Reader, w io.Writer) {
	s.serveSession(r, w)
}

func (s *Server) serveSession(r io.Reader, w io.Writer) {
	id := fmt.Sprintf("s%d", s.nextID.Add(1))
	var pres Presenter
	if s.cfg.JSON {
		pres = NewJSONPresenter(r, w)
	} else {
		pres = NewCLIPresenter(r, w)
	}
	sess := &Session{
		id:        id,
		engine:    s.cfg.Engine,
		cache:     s.cfg.Cache,
		collector: s.cfg.Collector,
		gate:      s.gate,
		pres:      pres,
		info:      s.cfg.Engine.Info(s.cfg.Name),
		quiet:     s.cfg.Quiet,
		logger:    s.logger.With("session", id),
		mets:      s.cfg.Metrics,
	}
	sess.Run(s.baseCtx)
}

// Stop closes the listener, cancels in-flight queries, and waits for all
// sessions to exit.
func (s *Server) Stop() {
	close(s.done)
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	s.logger.Info("server stopped")
}
