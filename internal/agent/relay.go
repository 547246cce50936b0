package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Sebx/mitoxide/internal/bootstrap"
	"github.com/Sebx/mitoxide/internal/fault"
	"github.com/Sebx/mitoxide/internal/multiplex"
	"github.com/Sebx/mitoxide/internal/proto"
	"github.com/Sebx/mitoxide/internal/transport"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const DefaultRelayTimeout = 60 * time.Second

// Relay brings up an agent on the next hop of a route and then splices the
// requesting stream onto its pipe. Whatever speaks over the stream afterwards
// is the next agent's business; nested sessions pass through untouched.
type Relay struct {
	Spawner transport.Spawner
	// builds shipped with relay requests accumulate here
	Agents     *bootstrap.Agents
	Strategies []bootstrap.Strategy
	// Probe defaults to bootstrap.Probe
	Probe func(ctx context.Context, sh *transport.Shell) (*bootstrap.Platform, error)
	// Timeout bounds bringing up the next hop, not the relay's lifetime
	Timeout time.Duration
}

func (rl *Relay) Handle(ctx context.Context, req *proto.Message, out *Output) (*proto.Message, error) {
	var p proto.Relay
	if err := req.Decode(&p); err != nil {
		return nil, invalid(err)
	}
	for _, b := range p.Agents {
		rl.Agents.Add(b)
	}
	l := log.WithField("next", p.Next.String())

	timeout := rl.Timeout
	if timeout <= 0 {
		timeout = DefaultRelayTimeout
	}
	bctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	proc, err := rl.Spawner.Spawn(bctx, p.Next)
	if err != nil {
		return nil, Fail(proto.CodeProcessFailed, "spawning %v: %v", p.Next, err)
	}
	sq := &bootstrap.Sequencer{Agents: rl.Agents, Strategies: rl.Strategies, Probe: rl.Probe}
	launched, err := sq.Launch(bctx, proc)
	if err != nil {
		_ = proc.Close()
		return nil, bootstrapFailure(err)
	}
	l.Infof("relaying to agent started with %v", launched.Strategy)

	resp, err := proto.NewResponse(req, &proto.RelayResult{
		OS:       launched.Platform.OS,
		Arch:     launched.Platform.Arch,
		Strategy: launched.Strategy,
	})
	if err != nil {
		_ = proc.Close()
		return nil, err
	}
	if err := out.write(resp); err != nil {
		_ = proc.Close()
		return nil, err
	}
	stream := out.Hijack()
	if err := splice(stream, launched.Conn); err != nil {
		l.Debugf("relay ended: %v", err)
	} else {
		l.Debug("relay ended")
	}
	_ = proc.Close()
	return nil, nil
}

func bootstrapFailure(err error) error {
	details := &proto.ErrorDetails{Code: proto.CodeInternalError, Message: err.Error()}
	var be *fault.BootstrapError
	if errors.As(err, &be) {
		details.Context = map[string]string{"phase": string(be.Phase)}
		if be.Strategy != "" {
			details.Context["strategy"] = be.Strategy
		}
	}
	return details
}

func closeWrite(c io.ReadWriteCloser) error {
	if hc, ok := c.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return c.Close()
}

// splice copies both ways between the stream and the next hop's pipe. Each
// direction is half-closed only once it has drained, and neither side is
// closed outright until both have.
func splice(stream *multiplex.Stream, conn io.ReadWriteCloser) error {
	var g errgroup.Group
	g.Go(func() error {
		if _, err := io.Copy(conn, stream); err != nil {
			_ = conn.Close()
			return fmt.Errorf("upstream: %w", err)
		}
		return closeWrite(conn)
	})
	g.Go(func() error {
		if _, err := io.Copy(stream, conn); err != nil {
			_ = stream.Reset(multiplex.ResetInternal)
			return fmt.Errorf("downstream: %w", err)
		}
		return stream.CloseWrite()
	})
	err := g.Wait()
	_ = conn.Close()
	return err
}
