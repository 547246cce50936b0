package router

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/Sebx/mitoxide/internal/agent"
	"github.com/Sebx/mitoxide/internal/bootstrap"
	"github.com/Sebx/mitoxide/internal/multiplex"
	"github.com/Sebx/mitoxide/internal/proto"
	"github.com/Sebx/mitoxide/internal/transport"
	"github.com/cbeuw/connutil"
)

type pipeProcess struct{ net.Conn }

func (p pipeProcess) CloseWrite() error { return p.Conn.Close() }
func (p pipeProcess) Wait() error       { return nil }

// direct treats the spawned pipe as already speaking the protocol.
type direct struct{}

func (direct) Name() string                    { return "direct" }
func (direct) Usable(*bootstrap.Platform) bool { return true }
func (direct) Place(context.Context, *transport.Shell, *bootstrap.Payload) error {
	return nil
}
func (direct) Launch(ctx context.Context, sh *transport.Shell, p *bootstrap.Payload) (io.ReadWriteCloser, error) {
	return sh.Conn(), nil
}

func linuxProbe(context.Context, *transport.Shell) (*bootstrap.Platform, error) {
	return &bootstrap.Platform{OS: "linux", Arch: "amd64"}, nil
}

var testBuild = proto.AgentBinary{OS: "linux", Arch: "amd64", Data: []byte("agent")}

// fakeNet is a set of hosts, each running an agent on whatever pipe is
// spawned to it. Agents relay into the same net.
type fakeNet struct {
	hosts map[string]bool

	mu      sync.Mutex
	spawns  map[string]int
	conns   map[string][]net.Conn
	shipped []int
}

func newFakeNet(hosts ...string) *fakeNet {
	n := &fakeNet{hosts: map[string]bool{}, spawns: map[string]int{}, conns: map[string][]net.Conn{}}
	for _, h := range hosts {
		n.hosts[h] = true
	}
	return n
}

func (n *fakeNet) Spawn(ctx context.Context, hop proto.Hop) (transport.Process, error) {
	if !n.hosts[hop.Host] {
		return nil, fmt.Errorf("ssh: could not resolve hostname %v", hop.Host)
	}
	local, remote := connutil.AsyncPipe()
	n.mu.Lock()
	n.spawns[hop.Host]++
	n.conns[hop.Host] = append(n.conns[hop.Host], remote)
	n.mu.Unlock()

	r := agent.NewRouter(proto.Hello{AgentVersion: hop.Host})
	rl := &agent.Relay{
		Spawner:    n,
		Agents:     bootstrap.NewAgents(nil),
		Strategies: []bootstrap.Strategy{direct{}},
		Probe:      linuxProbe,
	}
	r.Handle(proto.KindRelay, func(ctx context.Context, req *proto.Message, out *agent.Output) (*proto.Message, error) {
		var p proto.Relay
		if err := req.Decode(&p); err == nil {
			n.mu.Lock()
			n.shipped = append(n.shipped, len(p.Agents))
			n.mu.Unlock()
		}
		return rl.Handle(ctx, req, out)
	})
	go func() { _ = r.Serve(context.Background(), multiplex.MakeSession(remote, multiplex.SessionConfig{})) }()
	return pipeProcess{local}, nil
}

func (n *fakeNet) spawnCount(host string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.spawns[host]
}

// cut drops every connection into host.
func (n *fakeNet) cut(host string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.conns[host] {
		_ = c.Close()
	}
}

func newRouter(t *testing.T, n *fakeNet, tweak ...func(*Options)) *Router {
	opts := Options{
		Spawner:    n,
		Agents:     bootstrap.NewAgents(nil, testBuild),
		Strategies: []bootstrap.Strategy{direct{}},
		Probe:      linuxProbe,
	}
	for _, f := range tweak {
		f(&opts)
	}
	r := New(opts)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func hops(names ...string) []proto.Hop {
	route := make([]proto.Hop, len(names))
	for i, n := range names {
		route[i] = proto.Hop{Host: n}
	}
	return route
}
