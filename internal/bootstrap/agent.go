package bootstrap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Sebx/mitoxide/internal/cache"
	"github.com/Sebx/mitoxide/internal/fault"
	"github.com/Sebx/mitoxide/internal/proto"
)

// Agent is the build to place on one platform. Digest is the hex sha256 the
// remote side verifies the transfer against.
type Agent struct {
	OS     string
	Arch   string
	Data   []byte
	Digest string
}

type AgentSource interface {
	Agent(os, arch string) (*Agent, error)
}

// Agents holds agent builds by platform. Digests are remembered in the store
// by content hash, so repeated bootstraps don't rehash megabytes each time.
type Agents struct {
	store cache.Store

	mu     sync.RWMutex
	builds map[string][]byte
}

func NewAgents(store cache.Store, builds ...proto.AgentBinary) *Agents {
	if store == nil {
		store = cache.NewMemory()
	}
	a := &Agents{store: store, builds: map[string][]byte{}}
	for _, b := range builds {
		a.Add(b)
	}
	return a
}

func platformKey(os, arch string) string { return os + "/" + arch }

func (a *Agents) Add(b proto.AgentBinary) {
	a.mu.Lock()
	a.builds[platformKey(b.OS, b.Arch)] = b.Data
	a.mu.Unlock()
}

func (a *Agents) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.builds)
}

// Binaries lists every build held, for shipping to a next hop.
func (a *Agents) Binaries() []proto.AgentBinary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []proto.AgentBinary
	for k, data := range a.builds {
		os, arch, _ := strings.Cut(k, "/")
		out = append(out, proto.AgentBinary{OS: os, Arch: arch, Data: data})
	}
	return out
}

func (a *Agents) Agent(os, arch string) (*Agent, error) {
	a.mu.RLock()
	data, ok := a.builds[platformKey(os, arch)]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no agent build for %s/%s", fault.ErrNoStrategyAvailable, os, arch)
	}
	digest, err := a.digest(data)
	if err != nil {
		return nil, err
	}
	return &Agent{OS: os, Arch: arch, Data: data, Digest: digest}, nil
}

func (a *Agents) digest(data []byte) (string, error) {
	k := cache.KeyOf(data)
	if v, ok, err := a.store.Get(cache.BucketDigests, k); err == nil && ok {
		return string(v), nil
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if err := a.store.Put(cache.BucketDigests, k, []byte(digest)); err != nil {
		return "", fmt.Errorf("caching agent digest: %w", err)
	}
	return digest, nil
}

const agentFilePrefix = "mx-agent-"

// LoadDir reads agent builds named mx-agent-<os>-<arch> from dir.
func LoadDir(dir string) ([]proto.AgentBinary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var builds []proto.AgentBinary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, agentFilePrefix) {
			continue
		}
		goos, goarch, ok := strings.Cut(strings.TrimPrefix(name, agentFilePrefix), "-")
		if !ok || goos == "" || goarch == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		builds = append(builds, proto.AgentBinary{OS: goos, Arch: goarch, Data: data})
	}
	if len(builds) == 0 {
		return nil, fmt.Errorf("no agent builds in %v", dir)
	}
	return builds, nil
}
