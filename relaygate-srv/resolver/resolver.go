package resolver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/codefionn/relaygate/relaygate-srv/config"
	"github.com/codefionn/relaygate/relaygate-srv/logger"
)

const defaultTimeout = 10 * time.Second

// Resolver sends DNS queries to the configured servers in round-robin
// order over UDP, TCP or TLS (DoT).
type Resolver struct {
	servers   []config.DNSServerConfig
	next      atomic.Uint64
	tlsConfig *tls.Config
}

// NewResolver creates a Resolver for the given servers. It returns nil when
// no servers are configured.
func NewResolver(cfg config.DNSConfig) *Resolver {
	if len(cfg.Servers) == 0 {
		return nil
	}
	servers := make([]config.DNSServerConfig, len(cfg.Servers))
	copy(servers, cfg.Servers)
	return &Resolver{
		servers: servers,
		tlsConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			NextProtos: []string{"dot"},
		},
	}
}

// New returns the net.Resolver used for upstream dials. A disabled or empty
// DNS configuration yields the system resolver.
func New(cfg config.DNSConfig) *net.Resolver {
	if !cfg.Enabled {
		return net.DefaultResolver
	}
	r := NewResolver(cfg)
	if r == nil {
		logger.Warn("Custom DNS enabled without servers, using the system resolver")
		return net.DefaultResolver
	}
	logger.Info("Using custom DNS resolver with %d server(s)", len(r.servers))
	for i, s := range r.servers {
		logger.Debug("  DNS server %d: %s (%s)", i, s.Address, s.Type)
	}
	return &net.Resolver{
		PreferGo: true,
		Dial:     r.Dial,
	}
}

// pick returns the next server in round-robin order.
func (r *Resolver) pick() config.DNSServerConfig {
	idx := r.next.Add(1) - 1
	return r.servers[idx%uint64(len(r.servers))]
}

func timeoutOf(s config.DNSServerConfig) time.Duration {
	if d := s.GetTimeoutDuration(); d > 0 {
		return d
	}
	return defaultTimeout
}

// Dial is the net.Resolver dial hook. The network and address chosen by the
// Go resolver are ignored in favour of the next configured server.
func (r *Resolver) Dial(ctx context.Context, _, _ string) (net.Conn, error) {
	server := r.pick()
	timeout := timeoutOf(server)
	dialer := &net.Dialer{Timeout: timeout}

	switch server.Type {
	case config.DNSTypeUDP, config.DNSTypeTCP, "":
		network := string(server.Type)
		if network == "" {
			network = string(config.DNSTypeUDP)
		}
		return dialer.DialContext(ctx, network, server.Address)

	case config.DNSTypeDoT:
		tcpConn, err := dialer.DialContext(ctx, "tcp", server.Address)
		if err != nil {
			return nil, fmt.Errorf("DoT connection to %s failed: %w", server.Address, err)
		}

		tlsConfig := r.tlsConfig.Clone()
		if server.TLSHost != "" {
			tlsConfig.ServerName = server.TLSHost
		} else if host, _, err := net.SplitHostPort(server.Address); err == nil {
			tlsConfig.ServerName = host
		}

		tlsConn := tls.Client(tcpConn, tlsConfig)
		hsCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(hsCtx); err != nil {
			_ = tcpConn.Close()
			return nil, fmt.Errorf("DoT handshake with %s failed: %w", server.Address, err)
		}
		return tlsConn, nil

	default:
		return nil, fmt.Errorf("unsupported DNS server type: %s", server.Type)
	}
}
