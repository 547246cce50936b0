package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Sebx/mitoxide/internal/proto"
	config "github.com/kevinburke/ssh_config"
)

const (
	DefaultUser = "root"
	DefaultPort = 22
)

// ParseTarget reads a [user@]host[:port] target. Unset parts are left zero so
// that ssh config, and then the defaults, can fill them in.
func ParseTarget(s string) (proto.Hop, error) {
	var hop proto.Hop
	if s == "" {
		return hop, fmt.Errorf("target cannot be empty")
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		hop.User = s[:i]
		s = s[i+1:]
		if hop.User == "" {
			return hop, fmt.Errorf("empty user in target")
		}
	}
	if i := strings.LastIndex(s, ":"); i >= 0 && !strings.Contains(s[i+1:], "]") {
		port, err := strconv.Atoi(s[i+1:])
		if err != nil || port <= 0 || port > 65535 {
			return hop, fmt.Errorf("bad port %q in target", s[i+1:])
		}
		hop.Port = port
		s = s[:i]
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if s == "" {
		return hop, fmt.Errorf("empty host in target")
	}
	hop.Host = s
	return hop, nil
}

// ParseRoute reads a comma separated list of targets, first hop first.
func ParseRoute(s string) ([]proto.Hop, error) {
	var route []proto.Hop
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		hop, err := ParseTarget(part)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", part, err)
		}
		route = append(route, hop)
	}
	if len(route) == 0 {
		return nil, fmt.Errorf("route cannot be empty")
	}
	return route, nil
}

// Resolver fills in what a hop leaves out from an ssh config file.
type Resolver struct {
	// nil means the user's ~/.ssh/config and the system config
	cfg *config.Config
}

func NewResolver(path string) (*Resolver, error) {
	if path == "" {
		return &Resolver{}, nil
	}
	f, err := os.Open(expandHome(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, err := config.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh config %v: %w", path, err)
	}
	return &Resolver{cfg: cfg}, nil
}

func (r *Resolver) get(alias, key string) string {
	if r == nil {
		return ""
	}
	if r.cfg == nil {
		return config.Get(alias, key)
	}
	v, err := r.cfg.Get(alias, key)
	if err != nil {
		return ""
	}
	return v
}

// Resolve returns hop with HostName, Port, User and IdentityFile taken from
// ssh config where hop does not set them, and the defaults after that.
func (r *Resolver) Resolve(hop proto.Hop) proto.Hop {
	alias := hop.Host
	if h := r.get(alias, "HostName"); h != "" {
		hop.Host = h
	}
	if hop.Port == 0 {
		// the library answers "22" when nothing is configured
		if p, err := strconv.Atoi(r.get(alias, "Port")); err == nil && p > 0 {
			hop.Port = p
		} else {
			hop.Port = DefaultPort
		}
	}
	if hop.User == "" {
		if u := r.get(alias, "User"); u != "" {
			hop.User = u
		} else {
			hop.User = DefaultUser
		}
	}
	if hop.IdentityFile == "" {
		if kf := r.get(alias, "IdentityFile"); kf != "" && !isDefaultIdentity(kf) {
			hop.IdentityFile = expandHome(kf)
		}
	} else {
		hop.IdentityFile = expandHome(hop.IdentityFile)
	}
	return hop
}

// ssh_config reports its built in default when nothing matched; leave that to ssh itself
func isDefaultIdentity(kf string) bool { return kf == "~/.ssh/identity" }

// the config package doesn't handle ~
func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		return filepath.Join(os.Getenv("HOME"), p[1:])
	}
	return p
}
