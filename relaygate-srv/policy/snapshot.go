package policy

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/codefionn/relaygate/relaygate-srv/config"
)

// Limits are the resource limits in effect for a snapshot.
type Limits struct {
	MaxClients     int64 // 0 = unlimited
	Admission      config.AdmissionMode
	QueueWait      time.Duration
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	MaxHeaderBytes int
	MaxHeaderCount int
	BufferSize     int
}

// Upstream is a chained proxy.
type Upstream struct {
	Type     config.UpstreamType
	Address  string
	Username string
	Password string
	HasAuth  bool
	Domains  []string // empty = every host
}

// Matches reports whether the upstream serves host: the host equals one of
// the domains or is a subdomain of it.
func (u *Upstream) Matches(host string) bool {
	if len(u.Domains) == 0 {
		return true
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, d := range u.Domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Snapshot is an immutable view of everything a connection needs to decide
// and route its requests. A new snapshot replaces the old one wholesale on
// reload; connections keep the snapshot they started with.
type Snapshot struct {
	ACL      *ACL
	Auth     *Authenticator
	Filter   *Filter
	Rewriter *Rewriter

	Upstreams []Upstream
	Limits    Limits

	// PerClient maps a listen address to its per-client connection limit.
	PerClient map[string]int
	// ConnectPorts lists the ports CONNECT may reach; nil allows all.
	ConnectPorts map[int]bool

	StatHost   string
	ErrorPages *ErrorPages
	DNS        config.DNSConfig

	BuiltAt time.Time
}

// ConnectAllowed reports whether CONNECT may target port.
func (s *Snapshot) ConnectAllowed(port int) bool {
	if s.ConnectPorts == nil {
		return true
	}
	return s.ConnectPorts[port]
}

// UpstreamFor returns the upstream for host, or nil for a direct connection.
// Upstreams with a matching domain list win over catch-all upstreams; within
// each group the first configured upstream wins.
func (s *Snapshot) UpstreamFor(host string) *Upstream {
	for i := range s.Upstreams {
		if len(s.Upstreams[i].Domains) > 0 && s.Upstreams[i].Matches(host) {
			return &s.Upstreams[i]
		}
	}
	for i := range s.Upstreams {
		if len(s.Upstreams[i].Domains) == 0 {
			return &s.Upstreams[i]
		}
	}
	return nil
}

// IsStatHost reports whether host addresses the built-in stats page.
func (s *Snapshot) IsStatHost(host string) bool {
	if s.StatHost == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSuffix(host, "."), s.StatHost)
}

// ErrorPages holds configured error bodies, read when the snapshot is built.
type ErrorPages struct {
	pages    map[int][]byte
	fallback []byte
}

// Body returns the configured body for a status code, then the default
// error file; ok is false when neither is configured.
func (e *ErrorPages) Body(code int) ([]byte, bool) {
	if e == nil {
		return nil, false
	}
	if body, ok := e.pages[code]; ok {
		return body, true
	}
	if e.fallback != nil {
		return e.fallback, true
	}
	return nil, false
}

func loadErrorPages(files map[int]string, defaultFile string) (*ErrorPages, error) {
	pages := &ErrorPages{pages: make(map[int][]byte, len(files))}
	for code, path := range files {
		body, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read error file for %d: %w", code, err)
		}
		pages.pages[code] = body
	}
	if defaultFile != "" {
		body, err := os.ReadFile(defaultFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read default error file: %w", err)
		}
		pages.fallback = body
	}
	return pages, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Build compiles a validated configuration into a snapshot. Filter files and
// error pages are read here, so a snapshot never touches the filesystem.
func Build(cfg *config.Config) (*Snapshot, error) {
	snap := &Snapshot{
		Limits: Limits{
			MaxClients:     int64(cfg.MaxConcurrentConnections),
			Admission:      cfg.Admission,
			QueueWait:      seconds(cfg.AdmissionQueueSeconds),
			IdleTimeout:    seconds(cfg.TimeoutSeconds),
			ConnectTimeout: seconds(cfg.ConnectTimeoutSeconds),
			MaxHeaderBytes: cfg.MaxHeaderBytes,
			MaxHeaderCount: cfg.MaxHeaderCount,
			BufferSize:     cfg.BufferSize,
		},
		PerClient: make(map[string]int, len(cfg.Servers)),
		StatHost:  strings.ToLower(strings.TrimSuffix(cfg.StatHost, ".")),
		DNS:       cfg.DNS,
		BuiltAt:   time.Now(),
	}

	for _, server := range cfg.Servers {
		if server.Enabled {
			snap.PerClient[server.ListenAddress] = server.ConnectionsPerClient
		}
	}

	aclRules := make([]ACLRule, 0, len(cfg.ACL))
	for i, rule := range cfg.ACL {
		prefix, err := config.ParseNetwork(rule.Network)
		if err != nil {
			return nil, fmt.Errorf("acl rule %d: %w", i, err)
		}
		aclRules = append(aclRules, ACLRule{Network: prefix, Action: actionFromConfig(rule.Action)})
	}
	snap.ACL = NewACL(aclRules)

	creds := make([]Credential, 0, len(cfg.Auth.Users))
	for _, user := range cfg.Auth.Users {
		creds = append(creds, Credential{Username: user.Username, Secret: user.Password})
	}
	realm := cfg.Auth.Realm
	if realm == "" {
		realm = config.DefaultRealm
	}
	snap.Auth = NewAuthenticator(realm, creds)

	var filterRules []FilterRule
	for _, rule := range cfg.Filter.Rules {
		kind := PatternExact
		switch rule.Type {
		case config.FilterDomain:
			kind = PatternDomainSuffix
		case config.FilterRegex:
			kind = PatternRegex
		}
		filterRules = append(filterRules, FilterRule{Kind: kind, Pattern: rule.Pattern, Action: actionFromConfig(rule.Action)})
	}
	if cfg.Filter.Enabled {
		for _, file := range cfg.Filter.Files {
			rules, err := LoadFilterFile(file.Path, actionFromConfig(file.Action), cfg.Filter.Extended)
			if err != nil {
				return nil, err
			}
			filterRules = append(filterRules, rules...)
		}
	}
	filter, err := NewFilter(FilterOptions{
		Enabled:       cfg.Filter.Enabled,
		DefaultAction: actionFromConfig(cfg.Filter.DefaultAction),
		CaseSensitive: cfg.Filter.CaseSensitive,
	}, filterRules)
	if err != nil {
		return nil, err
	}
	snap.Filter = filter

	custom := make([]Header, 0, len(cfg.AddHeaders))
	for _, h := range cfg.AddHeaders {
		custom = append(custom, Header{Name: h.Name, Value: h.Value})
	}
	strip := cfg.Anonymous.Headers
	if len(strip) == 0 {
		strip = config.DefaultAnonymousHeaders
	}
	snap.Rewriter = NewRewriter(RewriterOptions{
		Anonymous:   cfg.Anonymous.Enabled,
		Strip:       strip,
		ViaName:     cfg.Via.Name,
		ViaDisabled: cfg.Via.Disabled,
		Custom:      custom,
	})

	for _, up := range cfg.Upstreams {
		u := Upstream{Type: up.Type, Address: up.Address}
		if up.Username != nil {
			u.Username = *up.Username
			u.HasAuth = true
		}
		if up.Password != nil {
			u.Password = *up.Password
			u.HasAuth = true
		}
		for _, d := range up.Domains {
			if d = strings.ToLower(strings.Trim(strings.TrimSpace(d), ".")); d != "" {
				u.Domains = append(u.Domains, d)
			}
		}
		snap.Upstreams = append(snap.Upstreams, u)
	}

	if len(cfg.ConnectPorts) > 0 {
		snap.ConnectPorts = make(map[int]bool, len(cfg.ConnectPorts))
		for _, port := range cfg.ConnectPorts {
			snap.ConnectPorts[port] = true
		}
	}

	pages, err := loadErrorPages(cfg.ErrorFiles, cfg.DefaultErrorFile)
	if err != nil {
		return nil, err
	}
	snap.ErrorPages = pages

	return snap, nil
}
