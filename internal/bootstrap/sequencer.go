package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Sebx/mitoxide/internal/fault"
	"github.com/Sebx/mitoxide/internal/multiplex"
	"github.com/Sebx/mitoxide/internal/proto"
	"github.com/Sebx/mitoxide/internal/transport"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

type State int

const (
	StateSpawned State = iota
	StateProbePlatform
	StateSelectStrategy
	StateTransferPayload
	StateLaunch
	StateHandshakeWait
	StateReady
	StateFailed
)

var stateNames = [...]string{"spawned", "probe_platform", "select_strategy", "transfer_payload", "launch", "handshake_wait", "ready", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const DefaultHandshakeTimeout = 10 * time.Second

// Sequencer turns a freshly spawned shell into a multiplexed session with a
// running agent. A Sequencer runs one bootstrap at a time.
type Sequencer struct {
	Agents     AgentSource
	Strategies []Strategy
	// Probe defaults to the package's Probe
	Probe func(ctx context.Context, sh *transport.Shell) (*Platform, error)

	Session          multiplex.SessionConfig
	Hello            proto.Hello
	HandshakeTimeout time.Duration

	// OnState sees every transition, in order
	OnState func(State)

	state State
}

// Launched is a shell handed over to an agent that has not been spoken to yet.
type Launched struct {
	Conn     io.ReadWriteCloser
	Platform *Platform
	Strategy string
}

type Result struct {
	Launched
	Session *multiplex.Session
	Peer    *proto.Hello
}

func (sq *Sequencer) State() State { return sq.state }

func (sq *Sequencer) enter(s State) {
	log.Tracef("bootstrap: %v -> %v", sq.state, s)
	sq.state = s
	if sq.OnState != nil {
		sq.OnState(s)
	}
}

func (sq *Sequencer) failed(phase fault.Phase, strategy string, err error) error {
	sq.enter(StateFailed)
	return &fault.BootstrapError{Phase: phase, Strategy: strategy, Err: err}
}

// Launch probes the remote host, places an agent and starts it, stopping short
// of the handshake. The caller owns the returned conn.
func (sq *Sequencer) Launch(ctx context.Context, proc io.ReadWriteCloser) (*Launched, error) {
	sq.enter(StateSpawned)
	sh := transport.NewShell(proc)

	sq.enter(StateProbePlatform)
	probe := sq.Probe
	if probe == nil {
		probe = Probe
	}
	plat, err := probe(ctx, sh)
	if err != nil {
		if !errors.Is(err, fault.ErrProbeFailed) {
			err = fmt.Errorf("%w: %v", fault.ErrProbeFailed, err)
		}
		return nil, sq.failed(fault.PhaseProbe, "", err)
	}
	log.Debugf("bootstrap: remote platform is %v", plat)

	sq.enter(StateSelectStrategy)
	agent, err := sq.Agents.Agent(plat.OS, plat.Arch)
	if err != nil {
		return nil, sq.failed(fault.PhaseSelect, "", err)
	}
	strategies := sq.Strategies
	if strategies == nil {
		strategies = DefaultStrategies()
	}

	var tried *multierror.Error
	for _, st := range strategies {
		if !st.Usable(plat) {
			continue
		}
		p := &Payload{
			Agent:    agent,
			Platform: plat,
			Banner:   "MX_AGENT_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		}
		sq.enter(StateTransferPayload)
		err := st.Place(ctx, sh, p)
		if err == nil {
			sq.enter(StateLaunch)
			var conn io.ReadWriteCloser
			conn, err = st.Launch(ctx, sh, p)
			if err == nil {
				log.Debugf("bootstrap: agent started with %v", st.Name())
				return &Launched{Conn: conn, Platform: plat, Strategy: st.Name()}, nil
			}
			if !errors.Is(err, ErrStrategyFailed) {
				return nil, sq.failed(fault.PhaseLaunch, st.Name(), err)
			}
		} else if !errors.Is(err, ErrStrategyFailed) {
			return nil, sq.failed(fault.PhaseTransfer, st.Name(), err)
		}
		log.Debugf("bootstrap: %v: %v, falling back", st.Name(), err)
		tried = multierror.Append(tried, fmt.Errorf("%v: %w", st.Name(), err))
		sq.enter(StateSelectStrategy)
	}
	if tried == nil {
		return nil, sq.failed(fault.PhaseSelect, "", fmt.Errorf("%w: none usable on %v", fault.ErrNoStrategyAvailable, plat))
	}
	return nil, sq.failed(fault.PhaseSelect, "", fmt.Errorf("%w: %v", fault.ErrNoStrategyAvailable, tried.ErrorOrNil()))
}

// Run is Launch followed by the handshake over a new multiplexed session.
func (sq *Sequencer) Run(ctx context.Context, proc io.ReadWriteCloser) (*Result, error) {
	l, err := sq.Launch(ctx, proc)
	if err != nil {
		return nil, err
	}
	sq.enter(StateHandshakeWait)
	cfg := sq.Session
	cfg.Initiator = true
	sesh := multiplex.MakeSession(l.Conn, cfg)
	peer, err := Handshake(ctx, sesh, sq.Hello, sq.HandshakeTimeout)
	if err != nil {
		sesh.Close()
		return nil, sq.failed(fault.PhaseHandshake, l.Strategy, err)
	}
	sq.enter(StateReady)
	return &Result{Launched: *l, Session: sesh, Peer: peer}, nil
}
