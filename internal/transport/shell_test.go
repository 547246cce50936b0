package transport

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/Sebx/mitoxide/internal/fault"
	"github.com/Sebx/mitoxide/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localShell(t *testing.T) (*Shell, Process) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no sh on this machine")
	}
	proc, err := (&Local{}).Spawn(context.Background(), proto.Hop{Host: "localhost"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = proc.Close() })
	return NewShell(proc), proc
}

func TestShellRun(t *testing.T) {
	sh, _ := localShell(t)
	ctx := context.Background()

	out, status, err := sh.Run(ctx, "echo hi")
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, "hi\n", out)

	out, status, err = sh.Run(ctx, "printf 'no newline'")
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, "no newline", out)

	out, status, err = sh.Run(ctx, "echo oops >&2; sh -c 'exit 3'")
	require.NoError(t, err)
	assert.Equal(t, 3, status)
	assert.Equal(t, "oops\n", out)
}

func TestShellRunWithInput(t *testing.T) {
	sh, _ := localShell(t)
	ctx := context.Background()
	path := t.TempDir() + "/payload"

	payload := []byte("binary\x00data\xff")
	_, status, err := sh.RunWithInput(ctx, "head -c 12 > "+ShellQuote(path), payload)
	require.NoError(t, err)
	require.Equal(t, 0, status)

	out, _, err := sh.Run(ctx, "wc -c < "+ShellQuote(path))
	require.NoError(t, err)
	assert.Contains(t, out, "12")
}

func TestShellExpectAndHandover(t *testing.T) {
	sh, _ := localShell(t)
	ctx := context.Background()

	require.NoError(t, sh.Send(ctx, "echo before; echo BANNER; exec cat", false))
	before, err := sh.Expect(ctx, "BANNER")
	require.NoError(t, err)
	assert.Equal(t, "before\n", before)

	conn := sh.Conn()
	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping\n", string(buf))
}

func TestShellExpectCommandExits(t *testing.T) {
	sh, _ := localShell(t)
	ctx := context.Background()

	require.NoError(t, sh.Send(ctx, "echo nope; false", true))
	_, err := sh.Expect(ctx, "BANNER")
	var ee *ExitError
	require.True(t, errors.As(err, &ee), "got %v", err)
	assert.Equal(t, 1, ee.Status)
	// output is kept as the command printed it, as with Wait
	assert.Equal(t, "nope\n", ee.Output)

	// the shell is still usable afterwards
	out, _, err := sh.Run(ctx, "echo again")
	require.NoError(t, err)
	assert.Equal(t, "again\n", out)
}

func TestShellContextCancel(t *testing.T) {
	sh, _ := localShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := sh.Run(ctx, "sleep 5")
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestShellDeadPipe(t *testing.T) {
	sh, proc := localShell(t)
	_ = proc.Close()
	_, _, err := sh.Run(context.Background(), "echo hi")
	var te *fault.TransportError
	assert.True(t, errors.As(err, &te), "got %v", err)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, ShellQuote("it's"))
}

func TestSSHArgs(t *testing.T) {
	s := &SSH{ConnectTimeout: 5 * time.Second, Options: map[string]string{"ServerAliveInterval": "15"}}
	args := s.Args(proto.Hop{Host: "db", User: "deploy", Port: 2200, IdentityFile: "/k", Options: map[string]string{"Compression": "yes"}})
	assert.Equal(t, []string{
		"-T",
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=5",
		"-p", "2200",
		"-i", "/k",
		"-o", "ServerAliveInterval=15",
		"-o", "Compression=yes",
		"deploy@db", "exec /bin/sh",
	}, args)
}
