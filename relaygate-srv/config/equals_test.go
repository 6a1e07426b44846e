package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHasChanged(t *testing.T) {
	t.Run("nil handling", func(t *testing.T) {
		if HasChanged(nil, nil) {
			t.Error("two nil configs are equal")
		}
		if !HasChanged(DefaultConfig(), nil) {
			t.Error("nil and non-nil configs differ")
		}
	})

	t.Run("defaults are equal", func(t *testing.T) {
		if HasChanged(DefaultConfig(), DefaultConfig()) {
			t.Error("HasChanged should be false for two default configs")
		}
	})

	t.Run("policy change keeps listeners", func(t *testing.T) {
		a, b := DefaultConfig(), DefaultConfig()
		b.ACL = append(b.ACL, ACLRuleConfig{Action: ActionDeny, Network: "10.0.0.0/8"})
		if !HasChanged(a, b) {
			t.Error("ACL change not detected")
		}
		if ListenersChanged(a, b) {
			t.Error("ACL change must not count as a listener change")
		}
	})

	t.Run("listener change", func(t *testing.T) {
		a, b := DefaultConfig(), DefaultConfig()
		b.Servers[0].ListenAddress = "127.0.0.1:9999"
		if !ListenersChanged(a, b) || !HasChanged(a, b) {
			t.Error("listener change not detected")
		}
	})

	t.Run("upstream credentials", func(t *testing.T) {
		user1, user2 := "a", "b"
		a, b := DefaultConfig(), DefaultConfig()
		a.Upstreams = []UpstreamConfig{{Type: UpstreamHTTP, Address: "p:1", Username: &user1}}
		b.Upstreams = []UpstreamConfig{{Type: UpstreamHTTP, Address: "p:1", Username: &user1}}
		if HasChanged(a, b) {
			t.Error("equal upstreams reported as changed")
		}
		b.Upstreams[0].Username = &user2
		if !HasChanged(a, b) {
			t.Error("upstream username change not detected")
		}
	})

	t.Run("filter file: same content, different files", func(t *testing.T) {
		dir := t.TempDir()
		f1 := filepath.Join(dir, "one.txt")
		f2 := filepath.Join(dir, "two.txt")
		if err := os.WriteFile(f1, []byte("example.com\n.ads.test\n"), 0644); err != nil {
			t.Fatalf("failed to write f1: %v", err)
		}
		if err := os.WriteFile(f2, []byte("example.com\n.ads.test\n"), 0644); err != nil {
			t.Fatalf("failed to write f2: %v", err)
		}
		a, b := DefaultConfig(), DefaultConfig()
		a.Filter.Files = []FilterFileConfig{{Path: f1, Action: ActionDeny}}
		b.Filter.Files = []FilterFileConfig{{Path: f2, Action: ActionDeny}}
		if HasChanged(a, b) {
			t.Error("HasChanged should be false for filter files with same content")
		}

		if err := os.WriteFile(f2, []byte("example.com\n"), 0644); err != nil {
			t.Fatalf("failed to rewrite f2: %v", err)
		}
		if !HasChanged(a, b) {
			t.Error("HasChanged should be true after the filter file content changed")
		}
	})

	t.Run("filter file missing", func(t *testing.T) {
		a, b := DefaultConfig(), DefaultConfig()
		missing := filepath.Join(t.TempDir(), "missing.txt")
		a.Filter.Files = []FilterFileConfig{{Path: missing, Action: ActionDeny}}
		b.Filter.Files = []FilterFileConfig{{Path: missing, Action: ActionDeny}}
		if !HasChanged(a, b) {
			t.Error("an unreadable filter file must count as a change")
		}
	})
}
