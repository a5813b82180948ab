package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/catatsuy/kura/internal/cache"
	"github.com/catatsuy/kura/internal/stats"
)

const (
	DefaultMaxItemSize = 1 << 20
	DefaultVersion     = "0.1.0"

	rejectWriteTimeout = time.Second
)

type Config struct {
	ListenAddr string

	// MaxConns caps concurrently open sessions. 0 means unlimited.
	MaxConns    int
	MaxItemSize int

	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	SweepInterval time.Duration

	Version string

	// Cache builds the store when Store is nil.
	Cache cache.Options
	Store cache.Store

	Verbose bool
	Logger  *slog.Logger
}

type Server struct {
	cfg   Config
	store cache.Store
	stats *stats.Stats

	mu        sync.RWMutex
	listener  net.Listener
	sessions  map[*session]struct{}
	readyCh   chan struct{}
	readyOnce sync.Once
	closed    bool

	wg      sync.WaitGroup
	verbose atomic.Bool
	logger  *slog.Logger
}

func NewServer(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxItemSize <= 0 {
		cfg.MaxItemSize = DefaultMaxItemSize
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}

	store := cfg.Store
	if store == nil {
		var err error
		store, err = cache.New(cfg.Cache)
		if err != nil {
			return nil, fmt.Errorf("build store: %w", err)
		}
	}
	// Values the engine would refuse anyway are rejected before they are read.
	if lim := store.MaxItemSize(); lim > 0 && cfg.MaxItemSize > lim {
		logger.Warn("max item size lowered to the engine limit",
			slog.Int("requested", cfg.MaxItemSize), slog.Int("limit", lim))
		cfg.MaxItemSize = lim
	}

	s := &Server{
		cfg:      cfg,
		store:    store,
		stats:    stats.New(time.Now()),
		sessions: make(map[*session]struct{}),
		readyCh:  make(chan struct{}),
		logger:   logger,
	}
	s.verbose.Store(cfg.Verbose)
	return s, nil
}

func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stats returns a point-in-time copy of the connection and command counters.
func (s *Server) Stats() stats.Snapshot {
	return s.stats.Snapshot(time.Now())
}

func (s *Server) Store() cache.Store {
	return s.store
}

// Serve accepts connections until ctx is canceled or Close is called. It
// returns only after every session it started has finished.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })

	s.logf("listening on %s (dialect %s)", ln.Addr().String(), s.store.Dialect().Name)

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		cache.RunJanitor(ctx, s.store, s.cfg.SweepInterval, s.logger)
	}()

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logf("temporary accept error: %v", err)
				continue
			}
			s.logf("accept error: %v", err)
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	if !s.stats.TryOpenConn(s.cfg.MaxConns) {
		s.logf("rejecting %s: too many open connections", conn.RemoteAddr())
		s.rejectConn(conn)
		return
	}

	sess := newSession(s, conn)
	if !s.addSession(sess) {
		_ = sess.close()
		return
	}
	sess.serve()
}

func (s *Server) rejectConn(conn net.Conn) {
	timeout := s.cfg.WriteTimeout
	if timeout <= 0 {
		timeout = rejectWriteTimeout
	}
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	_, _ = io.WriteString(conn, "SERVER_ERROR too many open connections\r\n")
	_ = conn.Close()
}

func (s *Server) addSession(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

// releaseSession is called once per session from session.close.
func (s *Server) releaseSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.stats.CloseConn()
}

// Close stops accepting and closes every open session.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	open := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, sess := range open {
		_ = sess.close()
	}
	return err
}

func (s *Server) maxItemSize() int {
	return s.cfg.MaxItemSize
}

func (s *Server) versionString() string {
	return s.store.Dialect().VersionString(s.cfg.Version)
}

func (s *Server) logf(format string, args ...any) {
	if !s.verbose.Load() {
		return
	}
	s.logger.Info(fmt.Sprintf(format, args...))
}
