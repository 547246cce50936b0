package bootstrap

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Sebx/mitoxide/internal/cache"
	"github.com/Sebx/mitoxide/internal/fault"
	"github.com/Sebx/mitoxide/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentsDigestIsCached(t *testing.T) {
	store := cache.NewMemory()
	data := []byte("agent build")
	agents := NewAgents(store, proto.AgentBinary{OS: "linux", Arch: "arm64", Data: data})

	a, err := agents.Agent("linux", "arm64")
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), a.Digest)

	v, ok, err := store.Get(cache.BucketDigests, cache.KeyOf(data))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.Digest, string(v))

	// a cached value is trusted as is
	require.NoError(t, store.Put(cache.BucketDigests, cache.KeyOf(data), []byte("cached")))
	a, err = agents.Agent("linux", "arm64")
	require.NoError(t, err)
	assert.Equal(t, "cached", a.Digest)

	_, err = agents.Agent("linux", "amd64")
	assert.True(t, errors.Is(err, fault.ErrNoStrategyAvailable))
}

func TestAgentsBinaries(t *testing.T) {
	agents := NewAgents(nil)
	agents.Add(proto.AgentBinary{OS: "linux", Arch: "amd64", Data: []byte{1}})
	agents.Add(proto.AgentBinary{OS: "linux", Arch: "amd64", Data: []byte{2}})
	agents.Add(proto.AgentBinary{OS: "darwin", Arch: "arm64", Data: []byte{3}})
	assert.Equal(t, 2, agents.Len())
	assert.ElementsMatch(t, []proto.AgentBinary{
		{OS: "linux", Arch: "amd64", Data: []byte{2}},
		{OS: "darwin", Arch: "arm64", Data: []byte{3}},
	}, agents.Binaries())
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mx-agent-linux-amd64"), []byte("x86"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mx-agent-linux-arm64"), []byte("arm"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("ignored"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mx-agent-broken"), []byte("ignored"), 0644))

	builds, err := LoadDir(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []proto.AgentBinary{
		{OS: "linux", Arch: "amd64", Data: []byte("x86")},
		{OS: "linux", Arch: "arm64", Data: []byte("arm")},
	}, builds)

	_, err = LoadDir(t.TempDir())
	assert.Error(t, err)
}
