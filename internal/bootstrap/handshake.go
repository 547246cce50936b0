package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sebx/mitoxide/internal/fault"
	"github.com/Sebx/mitoxide/internal/multiplex"
	"github.com/Sebx/mitoxide/internal/proto"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var errAttemptTimedOut = errors.New("handshake attempt timed out")

// Handshake exchanges Hello messages on the control channel. An unanswered
// hello is sent once more before giving up.
func Handshake(ctx context.Context, sesh *multiplex.Session, local proto.Hello, timeout time.Duration) (*proto.Hello, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	if local.Version == 0 {
		local.Version = proto.Version
	}
	for attempt := 1; attempt <= 2; attempt++ {
		msg, err := proto.NewControl(proto.KindHello, &local)
		if err != nil {
			return nil, err
		}
		b, err := proto.Marshal(msg)
		if err != nil {
			return nil, err
		}
		if err := sesh.SendControl(b); err != nil {
			return nil, err
		}
		peer, err := awaitHello(ctx, sesh, msg.ID, timeout)
		if err == errAttemptTimedOut {
			log.Warnf("handshake: no answer within %v (attempt %d)", timeout, attempt)
			continue
		}
		if err != nil {
			return nil, err
		}
		if peer.Version != local.Version {
			return nil, fmt.Errorf("%w: agent speaks version %d, we speak %d", fault.ErrIncompatibleAgent, peer.Version, local.Version)
		}
		return peer, nil
	}
	return nil, fault.ErrHandshakeTimeout
}

func awaitHello(ctx context.Context, sesh *multiplex.Session, id uuid.UUID, timeout time.Duration) (*proto.Hello, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		b, err := sesh.ReadControl(actx)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return nil, errAttemptTimedOut
			}
			return nil, err
		}
		msg, err := proto.Unmarshal(b)
		if err != nil {
			return nil, &fault.ProtocolError{Err: err}
		}
		if msg.Type != proto.TypeResponse || msg.ID != id {
			// the answer to an earlier attempt, or unrelated
			log.Debugf("handshake: ignoring %v %v", msg.Type, msg.ID)
			continue
		}
		if err := msg.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", fault.ErrIncompatibleAgent, err)
		}
		var peer proto.Hello
		if err := msg.Decode(&peer); err != nil {
			return nil, &fault.ProtocolError{Err: err}
		}
		return &peer, nil
	}
}

// AnswerHello serves the agent's side of the handshake until the session ends.
// Any other control message is passed to other.
func AnswerHello(ctx context.Context, sesh *multiplex.Session, local proto.Hello, other func(*proto.Message)) error {
	if local.Version == 0 {
		local.Version = proto.Version
	}
	for {
		b, err := sesh.ReadControl(ctx)
		if err != nil {
			return err
		}
		msg, err := proto.Unmarshal(b)
		if err != nil {
			log.Warnf("control: %v", err)
			continue
		}
		if msg.Type != proto.TypeControl || msg.Kind != proto.KindHello {
			if other != nil {
				other(msg)
			}
			continue
		}
		var peer proto.Hello
		if err := msg.Decode(&peer); err != nil {
			log.Warnf("control: bad hello: %v", err)
			continue
		}
		var resp *proto.Message
		if peer.Version != local.Version {
			resp = proto.NewErrorResponse(msg.ID, proto.KindHello, proto.CodeUnsupported,
				fmt.Sprintf("version %d not supported, this agent speaks %d", peer.Version, local.Version))
		} else if resp, err = proto.NewResponse(msg, &local); err != nil {
			return err
		}
		out, err := proto.Marshal(resp)
		if err != nil {
			return err
		}
		if err := sesh.SendControl(out); err != nil {
			return err
		}
	}
}
