package policy

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/codefionn/relaygate/relaygate-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFromDefaults(t *testing.T) {
	snap, err := Build(config.DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, Allow, snap.ACL.Evaluate(netip.MustParseAddr("127.0.0.1")))
	assert.Equal(t, Allow, snap.ACL.Evaluate(netip.MustParseAddr("::1")))
	assert.Equal(t, Deny, snap.ACL.Evaluate(netip.MustParseAddr("10.0.0.1")))
	assert.False(t, snap.Auth.Enabled())
	assert.False(t, snap.Filter.Enabled())
	assert.Equal(t, int64(100), snap.Limits.MaxClients)
	assert.True(t, snap.ConnectAllowed(443))
	assert.False(t, snap.ConnectAllowed(22))
	assert.Nil(t, snap.UpstreamFor("example.com"))
	assert.Equal(t, 0, snap.PerClient[config.DefaultListenAddress])
}

func TestBuildFilterAndUpstreams(t *testing.T) {
	dir := t.TempDir()
	blockFile := filepath.Join(dir, "block.txt")
	require.NoError(t, os.WriteFile(blockFile, []byte(".blocked.test\n"), 0644))
	errorFile := filepath.Join(dir, "403.html")
	require.NoError(t, os.WriteFile(errorFile, []byte("<h1>nope</h1>"), 0644))

	user := "up"
	cfg := config.DefaultConfig()
	cfg.Filter.Enabled = true
	cfg.Filter.Rules = []config.FilterRuleConfig{
		{Type: config.FilterExact, Pattern: "allowed.blocked.test", Action: config.ActionAllow},
	}
	cfg.Filter.Files = []config.FilterFileConfig{{Path: blockFile, Action: config.ActionDeny}}
	cfg.Upstreams = []config.UpstreamConfig{
		{Type: config.UpstreamHTTP, Address: "catchall:3128"},
		{Type: config.UpstreamSocks5, Address: "corp:1080", Username: &user, Domains: []string{".Corp.Test"}},
	}
	cfg.ConnectPorts = []int{}
	cfg.ErrorFiles = map[int]string{403: errorFile}
	cfg.StatHost = "Stats.Local"

	snap, err := Build(cfg)
	require.NoError(t, err)

	assert.Equal(t, Allow, snap.Filter.Evaluate("allowed.blocked.test", ""), "inline rules come before file rules")
	assert.Equal(t, Deny, snap.Filter.Evaluate("x.blocked.test", ""))
	assert.Equal(t, Allow, snap.Filter.Evaluate("fine.test", ""))

	up := snap.UpstreamFor("git.corp.test")
	require.NotNil(t, up)
	assert.Equal(t, "corp:1080", up.Address)
	assert.True(t, up.HasAuth)
	assert.Equal(t, "up", up.Username)

	up = snap.UpstreamFor("example.com")
	require.NotNil(t, up)
	assert.Equal(t, "catchall:3128", up.Address)

	assert.True(t, snap.ConnectAllowed(22), "empty connect ports allow all")

	body, ok := snap.ErrorPages.Body(403)
	assert.True(t, ok)
	assert.Equal(t, "<h1>nope</h1>", string(body))
	_, ok = snap.ErrorPages.Body(502)
	assert.False(t, ok)

	assert.True(t, snap.IsStatHost("stats.local"))
	assert.False(t, snap.IsStatHost("example.com"))
}

func TestBuildFailsOnMissingFiles(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Filter.Enabled = true
	cfg.Filter.Files = []config.FilterFileConfig{{Path: filepath.Join(t.TempDir(), "missing"), Action: config.ActionDeny}}
	_, err := Build(cfg)
	assert.Error(t, err)

	cfg = config.DefaultConfig()
	cfg.DefaultErrorFile = filepath.Join(t.TempDir(), "missing.html")
	_, err = Build(cfg)
	assert.Error(t, err)
}

func TestUpstreamMatches(t *testing.T) {
	u := Upstream{Domains: []string{"corp.test"}}
	assert.True(t, u.Matches("corp.test"))
	assert.True(t, u.Matches("a.CORP.test."))
	assert.False(t, u.Matches("notcorp.test"))

	catchAll := Upstream{}
	assert.True(t, catchAll.Matches("anything"))
}
