package config

import (
	"bytes"
	"maps"
	"os"
	"slices"

	"github.com/codefionn/relaygate/relaygate-srv/logger"
)

// ListenersChanged reports whether the set of bound sockets differs.
func ListenersChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	return !slices.Equal(a.Servers, b.Servers)
}

// HasChanged returns true if the configuration has changed compared to another config.
// Filter files are compared by content, so an edited file counts as a change
// even when its path is the same.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if ListenersChanged(a, b) {
		return true
	}
	if a.TimeoutSeconds != b.TimeoutSeconds ||
		a.ConnectTimeoutSeconds != b.ConnectTimeoutSeconds ||
		a.MaxConcurrentConnections != b.MaxConcurrentConnections ||
		a.Admission != b.Admission ||
		a.AdmissionQueueSeconds != b.AdmissionQueueSeconds ||
		a.ShutdownGraceSeconds != b.ShutdownGraceSeconds ||
		a.MaxHeaderBytes != b.MaxHeaderBytes ||
		a.MaxHeaderCount != b.MaxHeaderCount ||
		a.BufferSize != b.BufferSize ||
		a.Workers != b.Workers {
		return true
	}
	if !slices.Equal(a.ACL, b.ACL) {
		return true
	}
	if a.Auth.Realm != b.Auth.Realm || !slices.Equal(a.Auth.Users, b.Auth.Users) {
		return true
	}
	if !filterEqual(&a.Filter, &b.Filter) {
		return true
	}
	if a.Anonymous.Enabled != b.Anonymous.Enabled || !slices.Equal(a.Anonymous.Headers, b.Anonymous.Headers) {
		return true
	}
	if a.Via != b.Via || !slices.Equal(a.AddHeaders, b.AddHeaders) {
		return true
	}
	if !slices.EqualFunc(a.Upstreams, b.Upstreams, upstreamEqual) {
		return true
	}
	if !slices.Equal(a.ConnectPorts, b.ConnectPorts) {
		return true
	}
	if a.StatHost != b.StatHost || a.DefaultErrorFile != b.DefaultErrorFile || !maps.Equal(a.ErrorFiles, b.ErrorFiles) {
		return true
	}
	if a.Statistics != b.Statistics || a.Dashboard != b.Dashboard {
		return true
	}
	if a.DNS.Enabled != b.DNS.Enabled || !slices.Equal(a.DNS.Servers, b.DNS.Servers) {
		return true
	}
	return a.LogLevel != b.LogLevel
}

func filterEqual(a, b *FilterConfig) bool {
	if a.Enabled != b.Enabled ||
		a.DefaultAction != b.DefaultAction ||
		a.CaseSensitive != b.CaseSensitive ||
		a.Extended != b.Extended {
		return false
	}
	if !slices.Equal(a.Rules, b.Rules) {
		return false
	}
	return slices.EqualFunc(a.Files, b.Files, filterFileEqual)
}

// filterFileEqual compares two filter files by action and content.
func filterFileEqual(a, b FilterFileConfig) bool {
	if a.Action != b.Action {
		return false
	}
	aContent, err := os.ReadFile(a.Path)
	if err != nil {
		logger.Error("Failed to read filter file: %v (file: %s)", err, a.Path)
		return false
	}
	bContent, err := os.ReadFile(b.Path)
	if err != nil {
		logger.Error("Failed to read filter file: %v (file: %s)", err, b.Path)
		return false
	}
	return bytes.Equal(aContent, bContent)
}

func upstreamEqual(a, b UpstreamConfig) bool {
	return a.Type == b.Type &&
		a.Address == b.Address &&
		stringPtrEqual(a.Username, b.Username) &&
		stringPtrEqual(a.Password, b.Password) &&
		slices.Equal(a.Domains, b.Domains)
}

// stringPtrEqual compares two *string values for equality.
func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
