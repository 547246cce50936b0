package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Sebx/mitoxide/internal/fault"
	"github.com/Sebx/mitoxide/internal/transport"
	log "github.com/sirupsen/logrus"
)

// ErrStrategyFailed marks a failure that leaves the shell usable, so the next
// strategy can be tried.
var ErrStrategyFailed = errors.New("strategy failed")

// Payload is one agent placement attempt.
type Payload struct {
	*Agent
	Platform *Platform
	// Banner is the line the agent prints once it serves the protocol
	Banner string
}

// Strategy places an agent on the remote host and starts it. Place leaves the
// shell idle on success; Launch hands the pipe over to the running agent.
type Strategy interface {
	Name() string
	Usable(p *Platform) bool
	Place(ctx context.Context, sh *transport.Shell, p *Payload) error
	Launch(ctx context.Context, sh *transport.Shell, p *Payload) (io.ReadWriteCloser, error)
}

// DefaultStrategies is the fallback order: memory only, then tmpfs, then disk.
func DefaultStrategies() []Strategy {
	return []Strategy{
		Memfd{},
		&Disk{Label: "devshm", Dir: func(p *Platform) string {
			if p.DevShm {
				return "/dev/shm"
			}
			return ""
		}},
		&Disk{Label: "tmp", Dir: func(p *Platform) string { return p.TmpDir }},
	}
}

func strategyErr(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrStrategyFailed, fmt.Sprintf(format, a...))
}

// fallible turns a command that exited early into a strategy failure. Anything
// else means the shell can no longer be trusted.
func fallible(err error) error {
	var ee *transport.ExitError
	if errors.As(err, &ee) {
		return fmt.Errorf("%w: %v", ErrStrategyFailed, ee)
	}
	return err
}

const transferChunk = 256 << 10

// Memfd streams the agent into an anonymous memory file and executes it from
// there, so nothing touches a filesystem. It needs python3 on Linux.
type Memfd struct{}

const memfdLoader = `import os,sys,hashlib
n=int(sys.argv[1])
try:
    fd=os.memfd_create("mx-agent",0)
except AttributeError:
    import ctypes
    fd=ctypes.CDLL(None,use_errno=True).memfd_create(b"mx-agent",0)
if fd<0:
    sys.exit(5)
sys.stdout.write(os.environ.pop("MX_READY")+"\n")
sys.stdout.flush()
h=hashlib.sha256()
r=0
while r<n:
    c=os.read(0,min(65536,n-r))
    if not c:
        sys.exit(3)
    os.write(fd,c)
    h.update(c)
    r+=len(c)
sys.stdout.write(h.hexdigest()+"\n")
sys.stdout.flush()
l=b""
while not l.endswith(b"\n"):
    c=os.read(0,1)
    if not c:
        sys.exit(3)
    l+=c
if l!=b"exec\n":
    sys.exit(4)
os.execve(fd,["mx-agent"],os.environ)`

func (Memfd) Name() string { return "memfd" }

func (Memfd) Usable(p *Platform) bool { return p.OS == "linux" && p.Python != "" }

func (Memfd) Place(ctx context.Context, sh *transport.Shell, p *Payload) error {
	// the loader is a child of the shell, so if it dies the shell carries on
	script := fmt.Sprintf("MX_READY=%s MX_BANNER=%s python3 -c %s %d",
		transport.ShellQuote(sh.Ready), transport.ShellQuote(p.Banner), transport.ShellQuote(memfdLoader), len(p.Data))
	if err := sh.Send(ctx, script, false); err != nil {
		return err
	}
	if _, err := sh.Expect(ctx, sh.Ready); err != nil {
		return fallible(err)
	}
	for off := 0; off < len(p.Data); off += transferChunk {
		end := off + transferChunk
		if end > len(p.Data) {
			end = len(p.Data)
		}
		if err := sh.Write(ctx, p.Data[off:end]); err != nil {
			return err
		}
	}
	got, err := sh.ReadLine(ctx)
	if err != nil {
		return fallible(err)
	}
	if strings.TrimSpace(got) != p.Digest {
		if err := sh.Write(ctx, []byte("abort\n")); err != nil {
			return err
		}
		if _, _, err := sh.Wait(ctx); err != nil {
			return err
		}
		return fmt.Errorf("%w: memory file holds %v, expected %v", fault.ErrPayloadCorrupt, got, p.Digest)
	}
	return nil
}

func (Memfd) Launch(ctx context.Context, sh *transport.Shell, p *Payload) (io.ReadWriteCloser, error) {
	if err := sh.Write(ctx, []byte("exec\n")); err != nil {
		return nil, err
	}
	if _, err := sh.Expect(ctx, p.Banner); err != nil {
		return nil, fallible(err)
	}
	return sh.Conn(), nil
}

// Disk writes the agent to a file under a directory chosen from the platform.
// A partial file from an earlier attempt is resumed rather than resent. The
// agent deletes the file itself once it is running.
type Disk struct {
	Label string
	Dir   func(p *Platform) string

	// upload chunk, defaults to 256KiB
	Chunk int
}

func (d *Disk) Name() string { return d.Label }

func (d *Disk) Usable(p *Platform) bool { return d.Dir(p) != "" && p.SHA256 != "" }

func (d *Disk) path(p *Payload) string {
	prefix := p.Digest
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	return strings.TrimSuffix(d.Dir(p.Platform), "/") + "/.mx-agent-" + prefix
}

// run executes script and turns a non-zero status into a strategy failure.
func run(ctx context.Context, sh *transport.Shell, script string) (string, error) {
	out, status, err := sh.Run(ctx, script)
	if err != nil {
		return "", err
	}
	if status != 0 {
		return "", strategyErr("%q exited with status %d: %s", script, status, strings.TrimSpace(out))
	}
	return out, nil
}

func (d *Disk) Place(ctx context.Context, sh *transport.Shell, p *Payload) error {
	path := d.path(p)
	qpath := transport.ShellQuote(path)
	dir := transport.ShellQuote(d.Dir(p.Platform))
	if _, err := run(ctx, sh, fmt.Sprintf("[ -d %s ] && [ -w %s ] && : >> %s", dir, dir, qpath)); err != nil {
		return err
	}

	have := 0
	if out, status, err := sh.Run(ctx, fmt.Sprintf("wc -c < %s", qpath)); err != nil {
		return err
	} else if status == 0 {
		have, _ = strconv.Atoi(strings.TrimSpace(out))
	}
	if have > len(p.Data) {
		if _, err := run(ctx, sh, fmt.Sprintf(": > %s", qpath)); err != nil {
			return err
		}
		have = 0
	}
	if have > 0 {
		log.Debugf("%v: resuming %v at %d of %d bytes", d.Label, path, have, len(p.Data))
	}

	chunk := d.Chunk
	if chunk <= 0 {
		chunk = transferChunk
	}
	for off := have; off < len(p.Data); off += chunk {
		end := off + chunk
		if end > len(p.Data) {
			end = len(p.Data)
		}
		// head always takes the whole chunk off stdin, even when the write
		// fails, so no payload bytes are left for the shell to interpret
		script := fmt.Sprintf("head -c %d | { cat >> %s || { cat > /dev/null; exit 1; }; }", end-off, qpath)
		out, status, err := sh.RunWithInput(ctx, script, p.Data[off:end])
		if err != nil {
			return err
		}
		if status != 0 {
			return strategyErr("%v: writing %v failed: %s", d.Label, path, strings.TrimSpace(out))
		}
	}

	out, err := run(ctx, sh, fmt.Sprintf("%s %s", p.Platform.SHA256, qpath))
	if err != nil {
		return err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 || strings.ToLower(fields[0]) != p.Digest {
		if _, _, err := sh.Run(ctx, "rm -f "+qpath); err != nil {
			return err
		}
		return fmt.Errorf("%w: %v hashes to %v, expected %v", fault.ErrPayloadCorrupt, path, strings.TrimSpace(out), p.Digest)
	}
	_, err = run(ctx, sh, "chmod 700 "+qpath)
	return err
}

func (d *Disk) Launch(ctx context.Context, sh *transport.Shell, p *Payload) (io.ReadWriteCloser, error) {
	qpath := transport.ShellQuote(d.path(p))
	script := fmt.Sprintf("MX_BANNER=%s MX_SELF_DELETE=%s %s", transport.ShellQuote(p.Banner), qpath, qpath)
	if err := sh.Send(ctx, script, false); err != nil {
		return nil, err
	}
	if _, err := sh.Expect(ctx, p.Banner); err != nil {
		err = fallible(err)
		if errors.Is(err, ErrStrategyFailed) {
			// a noexec mount, most likely; don't leave the file behind
			if _, _, rmErr := sh.Run(ctx, "rm -f "+qpath); rmErr != nil {
				return nil, rmErr
			}
		}
		return nil, err
	}
	return sh.Conn(), nil
}
