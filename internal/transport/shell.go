package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Sebx/mitoxide/internal/fault"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ExitError is returned when a shell command finished before printing what we
// were waiting for.
type ExitError struct {
	Status int
	// what the command printed, trailing newline included, as Wait returns it
	Output string
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 200 {
		out = out[len(out)-200:]
	}
	return fmt.Sprintf("remote command exited with status %d: %s", e.Status, out)
}

// Shell drives a POSIX shell over a raw pipe, one command at a time. Each
// command is followed by a marker carrying its exit status so that output
// boundaries are known without a pty.
//
// Nothing is written to the pipe while a command runs unless the command
// asked for it, so the shell can never have buffered bytes meant for a
// process it starts later.
type Shell struct {
	rwc    io.ReadWriteCloser
	r      *bufio.Reader
	marker string
	// Ready is the line commands print before they start reading input
	Ready string
}

func NewShell(rwc io.ReadWriteCloser) *Shell {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	return &Shell{
		rwc:    rwc,
		r:      bufio.NewReaderSize(rwc, 64<<10),
		marker: "__MX_DONE_" + nonce + "__",
		Ready:  "__MX_READY_" + nonce + "__",
	}
}

// guard closes the pipe when ctx ends, which unblocks any read or write on it.
func (s *Shell) guard(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() { _ = s.rwc.Close() })
}

func (s *Shell) ioErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &fault.TransportError{Op: op, Err: err}
}

// Send starts script. With merge, its stderr is folded into the output.
func (s *Shell) Send(ctx context.Context, script string, merge bool) error {
	var b strings.Builder
	b.WriteString("{\n")
	b.WriteString(script)
	b.WriteString("\n}")
	if merge {
		b.WriteString(" 2>&1")
	}
	// the marker sits on the closing line so the shell has parsed it before
	// the command starts reading stdin
	fmt.Fprintf(&b, "; printf '\\n%%s %%d\\n' %s $?\n", s.marker)
	log.Tracef("shell: %s", script)
	return s.Write(ctx, []byte(b.String()))
}

// Write puts raw bytes on the shell's stdin, for a command that is reading them.
func (s *Shell) Write(ctx context.Context, data []byte) error {
	defer s.guard(ctx)()
	if _, err := s.rwc.Write(data); err != nil {
		return s.ioErr(ctx, "shell write", err)
	}
	return nil
}

// ReadLine returns the next output line without its newline. When the running
// command finishes instead, an *ExitError is returned.
func (s *Shell) ReadLine(ctx context.Context) (string, error) {
	defer s.guard(ctx)()
	line, err := s.r.ReadString('\n')
	if err != nil {
		return "", s.ioErr(ctx, "shell read", err)
	}
	line = strings.TrimSuffix(line, "\n")
	if status, ok := s.parseMarker(line); ok {
		return "", &ExitError{Status: status}
	}
	return line, nil
}

func (s *Shell) parseMarker(line string) (int, bool) {
	if !strings.HasPrefix(line, s.marker+" ") {
		return 0, false
	}
	status, err := strconv.Atoi(strings.TrimPrefix(line, s.marker+" "))
	if err != nil {
		return 0, false
	}
	return status, true
}

// Wait collects output until the running command finishes.
func (s *Shell) Wait(ctx context.Context) (output string, status int, err error) {
	defer s.guard(ctx)()
	var out bytes.Buffer
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return out.String(), 0, s.ioErr(ctx, "shell read", err)
		}
		if status, ok := s.parseMarker(strings.TrimSuffix(line, "\n")); ok {
			// drop the newline the marker's printf put in front of itself
			return strings.TrimSuffix(out.String(), "\n"), status, nil
		}
		out.WriteString(line)
	}
}

// Expect reads lines until want turns up, returning what came before it. If the
// command ends first, an *ExitError with its output is returned.
func (s *Shell) Expect(ctx context.Context, want string) (string, error) {
	defer s.guard(ctx)()
	var out bytes.Buffer
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return out.String(), s.ioErr(ctx, "shell read", err)
		}
		trimmed := strings.TrimSuffix(line, "\n")
		if trimmed == want {
			return out.String(), nil
		}
		if status, ok := s.parseMarker(trimmed); ok {
			return "", &ExitError{Status: status, Output: strings.TrimSuffix(out.String(), "\n")}
		}
		out.WriteString(line)
	}
}

// Run executes script and returns its combined output.
func (s *Shell) Run(ctx context.Context, script string) (string, int, error) {
	if err := s.Send(ctx, script, true); err != nil {
		return "", 0, err
	}
	return s.Wait(ctx)
}

// RunWithInput executes script with input on its stdin. The script must read
// exactly len(input) bytes.
func (s *Shell) RunWithInput(ctx context.Context, script string, input []byte) (string, int, error) {
	if err := s.Send(ctx, fmt.Sprintf("printf '%%s\\n' %s\n%s", s.Ready, script), true); err != nil {
		return "", 0, err
	}
	if _, err := s.Expect(ctx, s.Ready); err != nil {
		if ee, ok := err.(*ExitError); ok {
			return ee.Output, ee.Status, nil
		}
		return "", 0, err
	}
	if err := s.Write(ctx, input); err != nil {
		return "", 0, err
	}
	return s.Wait(ctx)
}

// Conn hands over the pipe once a process speaking something else has taken
// over the shell's stdio. Output already buffered is read first.
func (s *Shell) Conn() io.ReadWriteCloser {
	return &shellConn{Reader: s.r, rwc: s.rwc}
}

func (s *Shell) Close() error { return s.rwc.Close() }

type shellConn struct {
	io.Reader
	rwc io.ReadWriteCloser
}

func (c *shellConn) Write(p []byte) (int, error) { return c.rwc.Write(p) }
func (c *shellConn) Close() error                { return c.rwc.Close() }

// CloseWrite closes our side of the pipe if it supports half-closing.
func (c *shellConn) CloseWrite() error {
	if hc, ok := c.rwc.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return c.rwc.Close()
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
