// Package transport spawns the byte pipes the rest of the stack runs over and
// drives a raw remote shell on them before any multiplexing exists.
package transport

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/Sebx/mitoxide/internal/proto"
	log "github.com/sirupsen/logrus"
)

// Process is a spawned child whose stdin and stdout form a duplex pipe.
type Process interface {
	io.ReadWriteCloser
	// CloseWrite closes the child's stdin only.
	CloseWrite() error
	// Wait blocks until the child has exited.
	Wait() error
}

// Spawner starts a shell on the host a hop names.
type Spawner interface {
	Spawn(ctx context.Context, hop proto.Hop) (Process, error)
}

const stderrTailSize = 4 << 10

// tailBuffer keeps the last bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - stderrTailSize; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

type cmdProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *tailBuffer
	logw   *io.PipeWriter

	waitOnce sync.Once
	waitErr  error
	closeM   sync.Mutex
	closed   bool
}

func startProcess(cmd *exec.Cmd, name string) (*cmdProcess, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	p := &cmdProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: &tailBuffer{},
		logw:   log.WithField("process", name).WriterLevel(log.DebugLevel),
	}
	cmd.Stderr = io.MultiWriter(p.stderr, p.logw)
	if err := cmd.Start(); err != nil {
		p.logw.Close()
		return nil, fmt.Errorf("starting %v: %w", name, err)
	}
	log.Debugf("started %v (pid %v)", name, cmd.Process.Pid)
	return p, nil
}

func (p *cmdProcess) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *cmdProcess) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p *cmdProcess) CloseWrite() error           { return p.stdin.Close() }

func (p *cmdProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		p.logw.Close()
		if p.waitErr != nil {
			if tail := p.stderr.String(); tail != "" {
				p.waitErr = fmt.Errorf("%w: %s", p.waitErr, tail)
			}
		}
	})
	return p.waitErr
}

// Close closes stdin and kills the child if it has not gone by itself.
func (p *cmdProcess) Close() error {
	p.closeM.Lock()
	if p.closed {
		p.closeM.Unlock()
		return nil
	}
	p.closed = true
	p.closeM.Unlock()

	_ = p.stdin.Close()
	// fails harmlessly if the child already exited
	_ = p.cmd.Process.Kill()
	_ = p.Wait()
	return nil
}

// Stderr returns the tail of what the child wrote to stderr.
func (p *cmdProcess) Stderr() string { return p.stderr.String() }
