package config

import "time"

// DNSType defines the transport used to reach a DNS server
type DNSType string

const (
	DNSTypeUDP DNSType = "udp" // plain DNS over UDP
	DNSTypeTCP DNSType = "tcp" // plain DNS over TCP
	DNSTypeDoT DNSType = "dot" // DNS over TLS
)

// DNSServerConfig is one upstream DNS server. Address is host:port, with
// IPv6 literals in brackets.
type DNSServerConfig struct {
	Address        string
	Type           DNSType
	TimeoutSeconds int
	TLSHost        string // SNI name, DoT only
}

// GetTimeoutDuration returns the query timeout as a time.Duration
func (d DNSServerConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// DNSConfig configures the resolver used for upstream dials. When disabled
// the system resolver is used.
type DNSConfig struct {
	Enabled bool
	Servers []DNSServerConfig
}

// DefaultDNSConfig returns the DNS configuration used when none is given.
func DefaultDNSConfig() DNSConfig {
	return DNSConfig{
		Enabled: false,
		Servers: []DNSServerConfig{
			{Address: "8.8.8.8:53", Type: DNSTypeUDP, TimeoutSeconds: 10},
			{Address: "1.1.1.1:53", Type: DNSTypeUDP, TimeoutSeconds: 10},
		},
	}
}
