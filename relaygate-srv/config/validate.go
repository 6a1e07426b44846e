package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

// ParseNetwork accepts a CIDR or a bare address, which is treated as a
// single-host prefix.
func ParseNetwork(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func validateHostPort(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

func validAction(a Action) bool {
	return a == ActionAllow || a == ActionDeny
}

// Validate checks the configuration for values the proxy cannot run with.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	enabled := 0
	for i, server := range c.Servers {
		if !server.Enabled {
			continue
		}
		enabled++
		if err := validateHostPort(server.ListenAddress); err != nil {
			errs = append(errs, fmt.Errorf("server at index %d has invalid listen-address %q: %w", i, server.ListenAddress, err))
		}
		if server.ConnectionsPerClient < 0 {
			errs = append(errs, fmt.Errorf("server at index %d: connections-per-client must not be negative", i))
		}
	}
	if enabled == 0 {
		errs = append(errs, errors.New("at least one enabled server is required"))
	}

	nonNegative := []struct {
		name  string
		value int
	}{
		{"timeout-seconds", c.TimeoutSeconds},
		{"connect-timeout-seconds", c.ConnectTimeoutSeconds},
		{"max-concurrent-connections", c.MaxConcurrentConnections},
		{"admission-queue-seconds", c.AdmissionQueueSeconds},
		{"shutdown-grace-seconds", c.ShutdownGraceSeconds},
		{"workers", c.Workers},
	}
	for _, v := range nonNegative {
		if v.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", v.name))
		}
	}

	if c.MaxHeaderBytes < 256 {
		errs = append(errs, fmt.Errorf("max-header-bytes must be at least 256"))
	}
	if c.MaxHeaderCount < 1 {
		errs = append(errs, fmt.Errorf("max-header-count must be at least 1"))
	}
	if c.BufferSize < 512 {
		errs = append(errs, fmt.Errorf("buffer-size must be at least 512"))
	}

	switch c.Admission {
	case AdmissionReject, AdmissionQueue:
	default:
		errs = append(errs, fmt.Errorf("invalid admission mode: %s", c.Admission))
	}

	for i, rule := range c.ACL {
		if !validAction(rule.Action) {
			errs = append(errs, fmt.Errorf("acl rule at index %d has invalid action: %s", i, rule.Action))
		}
		if _, err := ParseNetwork(rule.Network); err != nil {
			errs = append(errs, fmt.Errorf("acl rule at index %d has invalid network %q: %w", i, rule.Network, err))
		}
	}

	seen := make(map[string]bool, len(c.Auth.Users))
	for i, user := range c.Auth.Users {
		if user.Username == "" {
			errs = append(errs, fmt.Errorf("auth user at index %d requires a username", i))
		}
		if strings.Contains(user.Username, ":") {
			errs = append(errs, fmt.Errorf("auth user at index %d: username must not contain ':'", i))
		}
		if seen[user.Username] {
			errs = append(errs, fmt.Errorf("auth user %q is defined twice", user.Username))
		}
		seen[user.Username] = true
	}

	if !validAction(c.Filter.DefaultAction) {
		errs = append(errs, fmt.Errorf("invalid filter default-action: %s", c.Filter.DefaultAction))
	}
	for i, file := range c.Filter.Files {
		if !validAction(file.Action) {
			errs = append(errs, fmt.Errorf("filter file at index %d has invalid action: %s", i, file.Action))
		}
	}
	for i, rule := range c.Filter.Rules {
		if !validAction(rule.Action) {
			errs = append(errs, fmt.Errorf("filter rule at index %d has invalid action: %s", i, rule.Action))
		}
		if rule.Pattern == "" {
			errs = append(errs, fmt.Errorf("filter rule at index %d requires a pattern", i))
		}
		switch rule.Type {
		case FilterExact, FilterDomain:
		case FilterRegex:
			if _, err := regexp.Compile(rule.Pattern); err != nil {
				errs = append(errs, fmt.Errorf("filter rule at index %d has invalid regex: %w", i, err))
			}
		default:
			errs = append(errs, fmt.Errorf("filter rule at index %d has invalid type: %s", i, rule.Type))
		}
	}

	for i, up := range c.Upstreams {
		switch up.Type {
		case UpstreamHTTP, UpstreamSocks5:
		default:
			errs = append(errs, fmt.Errorf("unsupported upstream type at index %d: %s", i, up.Type))
		}
		if err := validateHostPort(up.Address); err != nil {
			errs = append(errs, fmt.Errorf("upstream at index %d has invalid address %q: %w", i, up.Address, err))
		}
	}

	for _, port := range c.ConnectPorts {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("invalid connect port: %d", port))
		}
	}

	for code := range c.ErrorFiles {
		if code < 400 || code > 599 {
			errs = append(errs, fmt.Errorf("error-files key %d is not an error status", code))
		}
	}

	if c.Statistics.Enabled {
		switch c.Statistics.Backend {
		case "", "sqlite", "dummy":
		case "postgres":
			if c.Statistics.PostgresDSN == "" {
				errs = append(errs, errors.New("statistics postgres-dsn is required for postgres backend"))
			}
		default:
			errs = append(errs, fmt.Errorf("unsupported statistics backend: %s", c.Statistics.Backend))
		}
	}

	if c.Dashboard.Enabled {
		if err := validateHostPort(c.Dashboard.ListenAddress); err != nil {
			errs = append(errs, fmt.Errorf("dashboard has invalid listen-address %q: %w", c.Dashboard.ListenAddress, err))
		}
	}

	for i, server := range c.DNS.Servers {
		switch server.Type {
		case DNSTypeUDP, DNSTypeTCP, DNSTypeDoT:
		default:
			errs = append(errs, fmt.Errorf("dns server at index %d has invalid type: %s", i, server.Type))
		}
		if err := validateHostPort(server.Address); err != nil {
			errs = append(errs, fmt.Errorf("dns server at index %d has invalid address %q: %w", i, server.Address, err))
		}
	}

	switch strings.ToUpper(c.LogLevel) {
	case "", "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "FATAL":
	default:
		errs = append(errs, fmt.Errorf("invalid log-level: %s", c.LogLevel))
	}

	return errors.Join(errs...)
}
