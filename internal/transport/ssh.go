package transport

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"time"

	"github.com/Sebx/mitoxide/internal/proto"
)

const defaultConnectTimeout = 10 * time.Second

// SSH spawns the system ssh client. The connection's security is entirely its business.
type SSH struct {
	// Binary defaults to "ssh" on PATH
	Binary         string
	ConnectTimeout time.Duration
	// StrictHostKeyChecking is passed through when set, e.g. "accept-new"
	StrictHostKeyChecking string
	// extra -o options applied to every hop
	Options  map[string]string
	Resolver *Resolver
}

// Args builds the ssh command line for hop, running a POSIX shell remotely.
func (s *SSH) Args(hop proto.Hop) []string {
	if s.Resolver != nil {
		hop = s.Resolver.Resolve(hop)
	}
	timeout := s.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	args := []string{
		"-T",
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=" + strconv.Itoa(int(timeout.Seconds())),
	}
	if s.StrictHostKeyChecking != "" {
		args = append(args, "-o", "StrictHostKeyChecking="+s.StrictHostKeyChecking)
	}
	if hop.Port != 0 {
		args = append(args, "-p", strconv.Itoa(hop.Port))
	}
	if hop.IdentityFile != "" {
		args = append(args, "-i", hop.IdentityFile)
	}
	args = append(args, options(s.Options)...)
	args = append(args, options(hop.Options)...)
	dest := hop.Host
	if hop.User != "" {
		dest = hop.User + "@" + hop.Host
	}
	return append(args, dest, "exec /bin/sh")
}

// sorted so the command line is stable
func options(opts map[string]string) []string {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var args []string
	for _, k := range keys {
		args = append(args, "-o", k+"="+opts[k])
	}
	return args
}

func (s *SSH) Spawn(ctx context.Context, hop proto.Hop) (Process, error) {
	bin := s.Binary
	if bin == "" {
		bin = "ssh"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("ssh client not found: %w", err)
	}
	// not CommandContext: the process must outlive the context it was spawned under
	cmd := exec.Command(path, s.Args(hop)...)
	return startProcess(cmd, "ssh "+hop.String())
}

// Local spawns a shell on this machine, standing in for a remote host.
type Local struct {
	// Shell defaults to /bin/sh
	Shell string
	Env   []string
}

func (l *Local) Spawn(ctx context.Context, hop proto.Hop) (Process, error) {
	sh := l.Shell
	if sh == "" {
		sh = "/bin/sh"
	}
	cmd := exec.Command(sh)
	if l.Env != nil {
		cmd.Env = l.Env
	}
	return startProcess(cmd, "local shell")
}
