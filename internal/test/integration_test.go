// Package test runs the real mx-agent, built from this module, behind local
// shells standing in for remote hosts.
package test

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/Sebx/mitoxide/internal/fault"
	"github.com/Sebx/mitoxide/internal/proto"
	"github.com/Sebx/mitoxide/internal/transport"
	"github.com/Sebx/mitoxide/libmitoxide/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	log "github.com/sirupsen/logrus"
)

var agentDir string

func TestMain(m *testing.M) {
	flag.Parse()
	os.Exit(func() int {
		if testing.Short() || runtime.GOOS == "windows" {
			return m.Run()
		}
		dir, err := os.MkdirTemp("", "mx-agents")
		if err != nil {
			log.Error(err)
			return 1
		}
		defer os.RemoveAll(dir)
		out := filepath.Join(dir, fmt.Sprintf("mx-agent-%v-%v", runtime.GOOS, runtime.GOARCH))
		build := exec.Command("go", "build", "-o", out, "github.com/Sebx/mitoxide/cmd/mx-agent")
		build.Dir = filepath.Join("..", "..")
		build.Env = append(os.Environ(), "CGO_ENABLED=0")
		if msg, err := build.CombinedOutput(); err != nil {
			log.Errorf("building mx-agent: %v: %s", err, msg)
		} else {
			agentDir = dir
		}
		return m.Run()
	}())
}

func needAgent(t *testing.T) {
	if agentDir == "" {
		t.Skip("no mx-agent build")
	}
}

// localSession connects through local shells whose temporary directory is tmp.
func localSession(t *testing.T, tmp string, strategies ...string) *client.Session {
	raw := client.RawConfig{
		Route:      "localhost",
		AgentDir:   agentDir,
		Strategies: strategies,
	}
	cfg, err := raw.Process()
	require.NoError(t, err)
	cfg.Spawner = &transport.Local{Env: append(os.Environ(), "TMPDIR="+tmp)}
	s, err := client.NewSession(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStrategies(t *testing.T) {
	needAgent(t)
	for _, name := range []string{"memfd", "devshm", "tmp"} {
		t.Run(name, func(t *testing.T) {
			tmp := t.TempDir()
			s := localSession(t, tmp, name)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			c, err := s.Connect(ctx, nil, nil)
			if errors.Is(err, fault.ErrNoStrategyAvailable) {
				t.Skipf("%v not usable here: %v", name, err)
			}
			require.NoError(t, err)
			assert.Equal(t, client.Active, s.Status())
			assert.Equal(t, runtime.GOOS, c.Peer().OS)

			res, err := c.Exec(ctx, &proto.ProcessExec{Command: []string{"echo", name}})
			require.NoError(t, err)
			assert.Equal(t, name+"\n", string(res.Stdout))

			// the agent removes itself once running
			left, _ := filepath.Glob(filepath.Join(tmp, ".mx-agent-*"))
			assert.Empty(t, left)
		})
	}
}

func TestFilesEndToEnd(t *testing.T) {
	needAgent(t)
	s := localSession(t, t.TempDir(), "tmp")
	ctx := context.Background()
	c, err := s.Connect(ctx, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	dir := t.TempDir()
	payload := bytes.Repeat([]byte("mitoxide "), 300000)
	path := filepath.Join(dir, "nested", "blob")
	require.NoError(t, c.WriteFile(ctx, path, payload, 0600))
	got, err := c.ReadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	entries, err := c.ListDir(ctx, &proto.DirList{Path: dir, Recursive: true})
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Contains(t, strings.Join(names, " "), "blob")

	_, err = c.ReadFile(ctx, filepath.Join(dir, "missing"))
	var re *fault.RequestError
	require.True(t, errors.As(err, &re), "%v", err)
	assert.Equal(t, string(proto.CodeFileNotFound), re.Code)
}

func TestConcurrentRequests(t *testing.T) {
	needAgent(t)
	s := localSession(t, t.TempDir(), "tmp")
	ctx := context.Background()
	c, err := s.Connect(ctx, nil, nil)
	require.NoError(t, err)

	const n = 32
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			res, err := c.Exec(ctx, &proto.ProcessExec{Command: []string{"sh", "-c", fmt.Sprintf("echo %d", i)}})
			if err == nil && string(res.Stdout) != fmt.Sprintf("%d\n", i) {
				err = fmt.Errorf("request %d got %q", i, res.Stdout)
			}
			errs <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		assert.NoError(t, <-errs)
	}
}

func BenchmarkPing(b *testing.B) {
	if agentDir == "" {
		b.Skip("no mx-agent build")
	}
	raw := client.RawConfig{Route: "localhost", AgentDir: agentDir, Strategies: []string{"tmp"}}
	cfg, err := raw.Process()
	if err != nil {
		b.Fatal(err)
	}
	cfg.Spawner = &transport.Local{}
	s, err := client.NewSession(cfg)
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	c, err := s.Connect(context.Background(), nil, nil)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Ping(context.Background()); err != nil {
			b.Fatal(err)
		}
	}
}
