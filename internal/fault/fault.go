// Package fault holds the error layers every public operation reports through.
// Each layer wraps its cause, so errors.Is finds the leaf sentinel and
// errors.As finds the layer.
package fault

import (
	"errors"
	"fmt"
)

// TransportError is an I/O failure of the byte pipe under a connection. It is
// fatal to that connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the peer broke the wire protocol. The connection is torn down.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol violation: %v", e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

type Phase string

const (
	PhaseSpawn     Phase = "spawn"
	PhaseProbe     Phase = "probe"
	PhaseSelect    Phase = "select"
	PhaseTransfer  Phase = "transfer"
	PhaseLaunch    Phase = "launch"
	PhaseHandshake Phase = "handshake"
)

var (
	ErrProbeFailed         = errors.New("platform probe failed")
	ErrPayloadCorrupt      = errors.New("agent payload corrupt after transfer")
	ErrNoStrategyAvailable = errors.New("no placement strategy available")
	ErrHandshakeTimeout    = errors.New("handshake timed out")
	ErrIncompatibleAgent   = errors.New("incompatible agent")
)

// BootstrapError is scoped to one bootstrap attempt.
type BootstrapError struct {
	Phase    Phase
	Strategy string
	Err      error
}

func (e *BootstrapError) Error() string {
	if e.Strategy != "" {
		return fmt.Sprintf("bootstrap %s (%s): %v", e.Phase, e.Strategy, e.Err)
	}
	return fmt.Sprintf("bootstrap %s: %v", e.Phase, e.Err)
}
func (e *BootstrapError) Unwrap() error { return e.Err }

// RouteError reports the hop of a multi-hop route that failed. Hops count from 0.
type RouteError struct {
	Hop    int
	Target string
	Err    error
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("route hop %d (%s) failed: %v", e.Hop, e.Target, e.Err)
}
func (e *RouteError) Unwrap() error { return e.Err }

var (
	ErrCancelled = errors.New("request cancelled")
	ErrTimeout   = errors.New("request timed out")
)

// RequestError is a single call that failed. The connection stays usable.
type RequestError struct {
	ID   string
	Code string
	Err  error
}

func (e *RequestError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("request %s: %s: %v", e.ID, e.Code, e.Err)
	}
	return fmt.Sprintf("request %s: %v", e.ID, e.Err)
}
func (e *RequestError) Unwrap() error { return e.Err }

// HopOf reports the failing hop index carried by err, if any.
func HopOf(err error) (int, bool) {
	var r *RouteError
	if errors.As(err, &r) {
		return r.Hop, true
	}
	return 0, false
}
