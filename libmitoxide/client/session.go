package client

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/Sebx/mitoxide/internal/bootstrap"
	"github.com/Sebx/mitoxide/internal/cache"
	mux "github.com/Sebx/mitoxide/internal/multiplex"
	"github.com/Sebx/mitoxide/internal/proto"
	"github.com/Sebx/mitoxide/internal/router"
	log "github.com/sirupsen/logrus"
)

// Version is reported to agents in the handshake. Set at build time.
var Version = "dev"

type Status int

const (
	Disconnected Status = iota
	Connecting
	Bootstrapping
	Active
	Closed
	Failed
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Bootstrapping:
		return "bootstrapping"
	case Active:
		return "active"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

var ErrSessionClosed = errors.New("session closed")

// Session owns the connections, cache and agent builds of one client. It is
// safe for concurrent use.
type Session struct {
	cfg    Config
	store  cache.Store
	router *router.Router

	mu     sync.Mutex
	status Status
}

func NewSession(cfg Config) (*Session, error) {
	var store cache.Store = cache.NewMemory()
	if cfg.CachePath != "" {
		bolt, err := cache.OpenBolt(cfg.CachePath)
		if err != nil {
			return nil, fmt.Errorf("opening cache: %w", err)
		}
		store = bolt
	}
	var builds []proto.AgentBinary
	if cfg.AgentDir != "" {
		var err error
		builds, err = bootstrap.LoadDir(cfg.AgentDir)
		if err != nil {
			store.Close()
			return nil, err
		}
		log.Debugf("loaded %d agent builds from %v", len(builds), cfg.AgentDir)
	}

	s := &Session{cfg: cfg, store: store}
	spawner := cfg.Spawner
	if spawner == nil {
		spawner = &s.cfg.SSH
	}
	opts := router.Options{
		Spawner:          spawner,
		Agents:           bootstrap.NewAgents(store, builds...),
		Strategies:       cfg.Strategies,
		Session:          cfg.Session,
		Hello:            proto.Hello{AgentVersion: Version, OS: runtime.GOOS, Arch: runtime.GOARCH},
		HandshakeTimeout: cfg.HandshakeTimeout,
		RequestTimeout:   cfg.RequestTimeout,
		OnState:          s.onState,
	}
	if cfg.RxRate > 0 || cfg.TxRate > 0 {
		opts.NewValve = func() *mux.Valve { return mux.MakeValve(cfg.RxRate, cfg.TxRate) }
	}
	s.router = router.New(opts)
	return s, nil
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(to Status) {
	s.mu.Lock()
	if s.status == Closed || s.status == to {
		s.mu.Unlock()
		return
	}
	log.Debugf("session %v -> %v", s.status, to)
	s.status = to
	s.mu.Unlock()
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(to)
	}
}

func (s *Session) onState(hop int, st bootstrap.State) {
	switch st {
	case bootstrap.StateSpawned, bootstrap.StateReady, bootstrap.StateFailed:
	default:
		s.setStatus(Bootstrapping)
	}
}

type ConnectOptions struct {
	// Reconnect replaces the configured policy for this call
	Reconnect *ReconnectPolicy
}

func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, router.ErrRouterClosed)
}

// Connect returns a Context on the last hop of route, or on the configured
// route when route is empty. Connections already up are shared.
func (s *Session) Connect(ctx context.Context, route []proto.Hop, opts *ConnectOptions) (*router.Context, error) {
	if len(route) == 0 {
		route = s.cfg.Route
	}
	if len(route) == 0 {
		return nil, errors.New("route cannot be empty")
	}
	policy := s.cfg.Reconnect
	if opts != nil && opts.Reconnect != nil {
		policy = *opts.Reconnect
	}
	if s.Status() == Closed {
		return nil, ErrSessionClosed
	}

	s.setStatus(Connecting)
	var err error
	for attempt := 0; ; attempt++ {
		var c *router.Context
		c, err = s.router.Connect(ctx, route)
		if err == nil {
			s.setStatus(Active)
			return c, nil
		}
		if attempt >= policy.MaxAttempts || !retryable(err) {
			break
		}
		wait := policy.Backoff * time.Duration(attempt+1)
		log.Warnf("connecting to %v failed, retrying in %v: %v", route[len(route)-1], wait, err)
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			err = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
		s.setStatus(Connecting)
	}
	if s.router.NumConnections() > 0 {
		s.setStatus(Active)
	} else {
		s.setStatus(Failed)
	}
	return nil, err
}

// Close ends every connection and every Context handed out.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.status == Closed {
		s.mu.Unlock()
		return nil
	}
	s.status = Closed
	s.mu.Unlock()
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(Closed)
	}
	err := s.router.Close()
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	log.Info("session closed")
	return err
}
