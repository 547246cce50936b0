package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/Sebx/mitoxide/internal/fault"
	"github.com/Sebx/mitoxide/internal/transport"
)

// Platform is what the probe learned about the remote host.
type Platform struct {
	OS   string
	Arch string
	// interpreter able to run the in-memory loader, empty if none
	Python string
	DevShm bool
	// writable temporary directory, empty if none
	TmpDir string
	// command printing a sha256 of its file argument, empty if none
	SHA256 string
}

func (p *Platform) String() string { return p.OS + "/" + p.Arch }

const probeScript = `printf 'os=%s\n' "$(uname -s 2>/dev/null)"
printf 'arch=%s\n' "$(uname -m 2>/dev/null)"
command -v python3 >/dev/null 2>&1 && echo python=python3
[ -d /dev/shm ] && [ -w /dev/shm ] && echo devshm=1
d=${TMPDIR:-/tmp}; [ -d "$d" ] && [ -w "$d" ] && printf 'tmp=%s\n' "$d"
if command -v sha256sum >/dev/null 2>&1; then echo sha256=sha256sum
elif command -v shasum >/dev/null 2>&1; then echo 'sha256=shasum -a 256'; fi
true`

var archNames = map[string]string{
	"x86_64":  "amd64",
	"amd64":   "amd64",
	"aarch64": "arm64",
	"arm64":   "arm64",
	"armv7l":  "arm",
	"armv6l":  "arm",
	"i386":    "386",
	"i686":    "386",
	"ppc64le": "ppc64le",
	"s390x":   "s390x",
	"riscv64": "riscv64",
}

// Probe runs a few read-only commands on the raw shell to learn the platform.
func Probe(ctx context.Context, sh *transport.Shell) (*Platform, error) {
	out, status, err := sh.Run(ctx, probeScript)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, fmt.Errorf("%w: probe exited with status %d", fault.ErrProbeFailed, status)
	}
	return parseProbe(out)
}

func parseProbe(out string) (*Platform, error) {
	p := &Platform{}
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch k {
		case "os":
			p.OS = strings.ToLower(v)
		case "arch":
			if a, known := archNames[v]; known {
				p.Arch = a
			} else {
				p.Arch = v
			}
		case "python":
			p.Python = v
		case "devshm":
			p.DevShm = v == "1"
		case "tmp":
			p.TmpDir = v
		case "sha256":
			p.SHA256 = v
		}
	}
	if p.OS == "" || p.Arch == "" {
		return nil, fmt.Errorf("%w: could not determine os and architecture from %q", fault.ErrProbeFailed, out)
	}
	return p, nil
}
