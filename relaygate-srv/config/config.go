package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/codefionn/relaygate/relaygate-srv/logger"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Default values applied before the environment and the config file.
const (
	DefaultListenAddress         = "127.0.0.1:8888"
	DefaultTimeoutSeconds        = 600
	DefaultConnectTimeoutSeconds = 30
	DefaultMaxClients            = 100
	DefaultAdmissionQueueSeconds = 5
	DefaultShutdownGraceSeconds  = 10
	DefaultMaxHeaderBytes        = 16384
	DefaultMaxHeaderCount        = 100
	DefaultBufferSize            = 8192
	DefaultViaName               = "relaygate"
	DefaultRealm                 = "relaygate"
	DefaultSQLitePath            = "relaygate_stats.db"
	DefaultDashboardAddress      = "127.0.0.1:8889"
)

// DefaultAnonymousHeaders are stripped in anonymous mode when no explicit
// list is configured.
var DefaultAnonymousHeaders = []string{
	"Via", "X-Forwarded-For", "Forwarded", "Referer", "Cookie", "From", "User-Agent",
}

// AdmissionMode decides what happens to a connection arriving at the
// MaxClients ceiling.
type AdmissionMode string

const (
	AdmissionReject AdmissionMode = "reject" // close the new connection at once
	AdmissionQueue  AdmissionMode = "queue"  // wait for a free slot, then reject
)

// Action is the outcome of an ACL or filter rule.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// FilterRuleType selects how a filter pattern is matched.
type FilterRuleType string

const (
	FilterExact  FilterRuleType = "exact"  // normalized host equality
	FilterDomain FilterRuleType = "domain" // host equals or is a subdomain of the pattern
	FilterRegex  FilterRuleType = "regex"  // regular expression over the request target
)

// UpstreamType is the protocol spoken to a chained upstream proxy.
type UpstreamType string

const (
	UpstreamHTTP   UpstreamType = "http"
	UpstreamSocks5 UpstreamType = "socks5"
)

// ServerConfig defines a single listening socket.
type ServerConfig struct {
	ListenAddress        string // Address to listen on (e.g., 127.0.0.1:8888)
	Enabled              bool   // Whether this listener is bound
	ConnectionsPerClient int    // Maximum connections per client IP, 0 = unlimited
}

// ACLRuleConfig is one ordered access-control entry.
type ACLRuleConfig struct {
	Action  Action
	Network string // CIDR or single address
}

// UserConfig is one Basic auth credential.
type UserConfig struct {
	Username string
	Password string
}

// AuthConfig enables proxy authentication when Users is not empty.
type AuthConfig struct {
	Realm string
	Users []UserConfig
}

// FilterRuleConfig is one inline filter rule.
type FilterRuleConfig struct {
	Type    FilterRuleType
	Pattern string
	Action  Action
}

// FilterFileConfig names a file with one pattern per line.
type FilterFileConfig struct {
	Path   string
	Action Action
}

// FilterConfig holds the content filter.
type FilterConfig struct {
	Enabled       bool
	DefaultAction Action
	CaseSensitive bool
	Extended      bool // file patterns are regular expressions
	Files         []FilterFileConfig
	Rules         []FilterRuleConfig
}

// AnonymousConfig strips identifying request headers.
type AnonymousConfig struct {
	Enabled bool
	Headers []string
}

// ViaConfig controls the Via header appended to forwarded requests.
type ViaConfig struct {
	Name     string
	Disabled bool
}

// HeaderConfig is a custom header added to every forwarded request.
type HeaderConfig struct {
	Name  string
	Value string
}

// UpstreamConfig is a chained upstream proxy. An upstream without domains
// catches every host not claimed by an earlier upstream.
type UpstreamConfig struct {
	Type     UpstreamType
	Address  string
	Username *string
	Password *string
	Domains  []string
}

// StatisticsConfig selects the persistent event sink.
type StatisticsConfig struct {
	Enabled              bool
	Backend              string // sqlite, postgres or dummy
	SQLitePath           string
	PostgresDSN          string
	FlushIntervalSeconds int
}

// DashboardConfig controls the separate stats and metrics HTTP server.
type DashboardConfig struct {
	Enabled       bool
	ListenAddress string
	TokenSecret   string // enables JWT bearer auth when set
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	Servers                  []ServerConfig
	TimeoutSeconds           int // idle timeout for reads and relays
	ConnectTimeoutSeconds    int
	MaxConcurrentConnections int // 0 = unlimited
	Admission                AdmissionMode
	AdmissionQueueSeconds    int
	ShutdownGraceSeconds     int
	MaxHeaderBytes           int
	MaxHeaderCount           int
	BufferSize               int
	Workers                  int

	ACL          []ACLRuleConfig
	Auth         AuthConfig
	Filter       FilterConfig
	Anonymous    AnonymousConfig
	Via          ViaConfig
	AddHeaders   []HeaderConfig
	Upstreams    []UpstreamConfig
	ConnectPorts []int // empty = every port

	StatHost         string
	ErrorFiles       map[int]string
	DefaultErrorFile string

	Statistics StatisticsConfig
	Dashboard  DashboardConfig
	DNS        DNSConfig
	LogLevel   string
}

// DefaultConfig returns the configuration used when nothing is configured.
func DefaultConfig() *Config {
	return &Config{
		Servers: []ServerConfig{
			{
				ListenAddress: DefaultListenAddress,
				Enabled:       true,
			},
		},
		TimeoutSeconds:           DefaultTimeoutSeconds,
		ConnectTimeoutSeconds:    DefaultConnectTimeoutSeconds,
		MaxConcurrentConnections: DefaultMaxClients,
		Admission:                AdmissionReject,
		AdmissionQueueSeconds:    DefaultAdmissionQueueSeconds,
		ShutdownGraceSeconds:     DefaultShutdownGraceSeconds,
		MaxHeaderBytes:           DefaultMaxHeaderBytes,
		MaxHeaderCount:           DefaultMaxHeaderCount,
		BufferSize:               DefaultBufferSize,
		ACL: []ACLRuleConfig{
			{Action: ActionAllow, Network: "127.0.0.0/8"},
			{Action: ActionAllow, Network: "::1/128"},
		},
		Auth: AuthConfig{Realm: DefaultRealm},
		Filter: FilterConfig{
			DefaultAction: ActionAllow,
		},
		Anonymous: AnonymousConfig{
			Headers: append([]string(nil), DefaultAnonymousHeaders...),
		},
		Via:          ViaConfig{Name: DefaultViaName},
		ConnectPorts: []int{443, 563},
		ErrorFiles:   map[int]string{},
		Statistics: StatisticsConfig{
			Backend:              "sqlite",
			SQLitePath:           DefaultSQLitePath,
			FlushIntervalSeconds: 5,
		},
		Dashboard: DashboardConfig{ListenAddress: DefaultDashboardAddress},
		DNS:       DefaultDNSConfig(),
		LogLevel:  "INFO",
	}
}

// LoadConfig loads configuration from the specified file path. An empty path
// yields the defaults with environment overrides applied.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Apply environment variables
	loadConfigFromEnv(cfg)

	if configPath != "" {
		var data map[string]any
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			data, err = readJSONConfig(configPath)
		case ".hcl":
			data, err = readHCLConfig(configPath)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}
		if err != nil {
			return nil, err
		}

		if err := decodeConfig(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(configPath string) ([]byte, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	src, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return src, nil
}

func readJSONConfig(configPath string) (map[string]any, error) {
	src, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	var data map[string]any
	if err := json.Unmarshal(src, &data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return data, nil
}

// readHCLConfig evaluates every top-level attribute without variables and
// converts the result to the generic shape produced by the JSON decoder.
func readHCLConfig(configPath string) (map[string]any, error) {
	src, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	file, diags := hclsyntax.ParseConfig(src, configPath, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to read HCL attributes: %s", diags.Error())
	}

	data := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to evaluate %s: %s", name, diags.Error())
		}

		raw, err := ctyjson.SimpleJSONValue{Value: val}.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", name, err)
		}

		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", name, err)
		}
		data[name] = v
	}
	return data, nil
}
