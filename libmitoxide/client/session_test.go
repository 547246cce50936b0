package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/Sebx/mitoxide/internal/agent"
	"github.com/Sebx/mitoxide/internal/bootstrap"
	"github.com/Sebx/mitoxide/internal/fault"
	mux "github.com/Sebx/mitoxide/internal/multiplex"
	"github.com/Sebx/mitoxide/internal/proto"
	"github.com/Sebx/mitoxide/internal/transport"
	"github.com/cbeuw/connutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeProcess struct{ net.Conn }

func (p pipeProcess) CloseWrite() error { return p.Conn.Close() }
func (p pipeProcess) Wait() error       { return nil }

// direct takes the shell's pipe as the agent's, as if it had exec'd one.
type direct struct{}

func (direct) Name() string                    { return "direct" }
func (direct) Usable(*bootstrap.Platform) bool { return true }
func (direct) Place(context.Context, *transport.Shell, *bootstrap.Payload) error {
	return nil
}
func (direct) Launch(ctx context.Context, sh *transport.Shell, p *bootstrap.Payload) (io.ReadWriteCloser, error) {
	return sh.Conn(), nil
}

var doneMarker = regexp.MustCompile(`__MX_DONE_[0-9a-f]+__`)

type remoteConn struct {
	*bufio.Reader
	net.Conn
}

func (c remoteConn) Read(p []byte) (int, error) { return c.Reader.Read(p) }

// fakeHost answers the platform probe like a linux shell would, then serves
// an agent on the rest of the pipe.
func fakeHost(remote net.Conn) {
	br := bufio.NewReader(remote)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		if marker := doneMarker.FindString(line); marker != "" {
			fmt.Fprintf(remote, "os=Linux\narch=x86_64\n\n%s 0\n", marker)
			break
		}
	}
	sesh := mux.MakeSession(remoteConn{br, remote}, mux.SessionConfig{})
	_ = agent.NewRouter(proto.Hello{AgentVersion: "fake"}).Serve(context.Background(), sesh)
}

// flakySpawner fails the first failures spawns.
type flakySpawner struct {
	mu       sync.Mutex
	failures int
	spawns   int
}

func (f *flakySpawner) Spawn(ctx context.Context, hop proto.Hop) (transport.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawns++
	if f.spawns <= f.failures {
		return nil, fmt.Errorf("ssh: connect to host %v: connection refused", hop.Host)
	}
	local, remote := connutil.AsyncPipe()
	go fakeHost(remote)
	return pipeProcess{local}, nil
}

func (f *flakySpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns
}

func makeSession(t *testing.T, sp transport.Spawner, tweak func(*RawConfig), adjust ...func(*Config)) *Session {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mx-agent-linux-amd64"), []byte("agent"), 0755))
	raw := RawConfig{
		Route:            "web",
		AgentDir:         dir,
		CachePath:        filepath.Join(t.TempDir(), "cache.db"),
		ReconnectBackoff: "1ms",
	}
	if tweak != nil {
		tweak(&raw)
	}
	cfg, err := raw.Process()
	require.NoError(t, err)
	cfg.Spawner = sp
	cfg.Strategies = []bootstrap.Strategy{direct{}}
	for _, f := range adjust {
		f(&cfg)
	}

	s, err := NewSession(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionConnect(t *testing.T) {
	s := makeSession(t, &flakySpawner{}, func(raw *RawConfig) { raw.TxRate = 1 << 30 })
	assert.Equal(t, Disconnected, s.Status())

	c, err := s.Connect(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Active, s.Status())
	assert.Equal(t, "fake", c.Peer().AgentVersion)

	rtt, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, rtt >= 0)

	require.NoError(t, s.Close())
	assert.Equal(t, Closed, s.Status())
	_, err = c.Ping(context.Background())
	assert.Error(t, err)
	_, err = s.Connect(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionStatusWalk(t *testing.T) {
	var mu sync.Mutex
	var seen []Status
	s := makeSession(t, &flakySpawner{failures: 1}, func(raw *RawConfig) { raw.ReconnectAttempts = 1 }, func(cfg *Config) {
		cfg.OnStatus = func(st Status) {
			mu.Lock()
			seen = append(seen, st)
			mu.Unlock()
		}
	})
	_, err := s.Connect(context.Background(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	mu.Lock()
	defer mu.Unlock()
	// the failed first spawn never gets to bootstrapping
	assert.Equal(t, []Status{Connecting, Bootstrapping, Active, Closed}, seen)
}

func TestSessionReconnect(t *testing.T) {
	sp := &flakySpawner{failures: 2}
	s := makeSession(t, sp, func(raw *RawConfig) { raw.ReconnectAttempts = 2 })
	_, err := s.Connect(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, sp.count())
	assert.Equal(t, Active, s.Status())
}

func TestSessionGivesUp(t *testing.T) {
	sp := &flakySpawner{failures: 5}
	s := makeSession(t, sp, nil)
	_, err := s.Connect(context.Background(), nil, &ConnectOptions{Reconnect: &ReconnectPolicy{MaxAttempts: 1, Backoff: time.Millisecond}})
	var be *fault.BootstrapError
	require.True(t, errors.As(err, &be), "%v", err)
	assert.Equal(t, fault.PhaseSpawn, be.Phase)
	assert.Equal(t, 2, sp.count())
	assert.Equal(t, Failed, s.Status())
}

func TestSessionStopsRetryingOnCancel(t *testing.T) {
	sp := &flakySpawner{failures: 100}
	s := makeSession(t, sp, func(raw *RawConfig) {
		raw.ReconnectAttempts = 100
		raw.ReconnectBackoff = "1h"
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Connect(ctx, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, sp.count())
}

func TestSessionSharesConnections(t *testing.T) {
	sp := &flakySpawner{}
	s := makeSession(t, sp, nil)
	a, err := s.Connect(context.Background(), nil, nil)
	require.NoError(t, err)
	b, err := s.Connect(context.Background(), []proto.Hop{{Host: "web"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sp.count())
	require.NoError(t, a.Close())
	_, err = b.Ping(context.Background())
	assert.NoError(t, err)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "bootstrapping", Bootstrapping.String())
	assert.Equal(t, "status(42)", Status(42).String())
}
