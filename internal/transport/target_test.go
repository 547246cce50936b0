package transport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Sebx/mitoxide/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	for _, test := range []struct {
		in   string
		want proto.Hop
	}{
		{"host", proto.Hop{Host: "host"}},
		{"alice@host", proto.Hop{Host: "host", User: "alice"}},
		{"alice@host:2222", proto.Hop{Host: "host", User: "alice", Port: 2222}},
		{"10.0.0.1:22", proto.Hop{Host: "10.0.0.1", Port: 22}},
		{"[::1]:2200", proto.Hop{Host: "::1", Port: 2200}},
	} {
		got, err := ParseTarget(test.in)
		require.NoError(t, err, test.in)
		assert.Equal(t, test.want, got, test.in)
	}

	for _, bad := range []string{"", "@host", "host:0", "host:http", "user@"} {
		_, err := ParseTarget(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseRoute(t *testing.T) {
	route, err := ParseRoute("bastion, bob@db:2200")
	require.NoError(t, err)
	require.Len(t, route, 2)
	assert.Equal(t, "bastion", route[0].Host)
	assert.Equal(t, 2200, route[1].Port)

	_, err = ParseRoute(" , ")
	assert.Error(t, err)
}

const testSSHConfig = `
Host db
	HostName db.internal
	Port 2222
	User deploy
	IdentityFile ~/.ssh/db_ed25519
`

func TestResolver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(testSSHConfig), 0600))
	r, err := NewResolver(path)
	require.NoError(t, err)

	got := r.Resolve(proto.Hop{Host: "db"})
	assert.Equal(t, "db.internal", got.Host)
	assert.Equal(t, 2222, got.Port)
	assert.Equal(t, "deploy", got.User)
	assert.Equal(t, filepath.Join(os.Getenv("HOME"), ".ssh/db_ed25519"), got.IdentityFile)

	explicit := r.Resolve(proto.Hop{Host: "db", User: "root", Port: 22})
	assert.Equal(t, "root", explicit.User)
	assert.Equal(t, 22, explicit.Port)

	other := r.Resolve(proto.Hop{Host: "web"})
	assert.Equal(t, "web", other.Host)
	assert.Equal(t, DefaultPort, other.Port)
	assert.Equal(t, DefaultUser, other.User)
}
