package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/codefionn/relaygate/relaygate-srv/config"
	"github.com/codefionn/relaygate/relaygate-srv/logger"
	"github.com/codefionn/relaygate/relaygate-srv/policy"
	"golang.org/x/net/proxy"
)

// RouteKind selects how a request reaches its destination.
type RouteKind int

const (
	RouteDirect      RouteKind = iota // plain HTTP straight to the origin
	RouteTunnel                       // CONNECT straight to the origin
	RouteViaUpstream                  // through a chained proxy
)

func (k RouteKind) String() string {
	switch k {
	case RouteDirect:
		return "direct"
	case RouteTunnel:
		return "tunnel"
	case RouteViaUpstream:
		return "upstream"
	default:
		return fmt.Sprintf("route(%d)", int(k))
	}
}

// Route is the routing decision for one request. Upstream is set only for
// RouteViaUpstream; Connect records whether the client asked for a tunnel.
type Route struct {
	Kind     RouteKind
	Target   string // host:port of the destination
	Upstream *policy.Upstream
	Connect  bool
}

// ForwardsAbsolute reports whether the request line must carry the
// absolute URI, which is the case for plain HTTP through an HTTP upstream.
func (r Route) ForwardsAbsolute() bool {
	return r.Kind == RouteViaUpstream && !r.Connect && r.Upstream.Type == config.UpstreamHTTP
}

func (r Route) String() string {
	if r.Upstream != nil {
		return fmt.Sprintf("%s(%s %s)", r.Kind, r.Upstream.Type, r.Upstream.Address)
	}
	return r.Kind.String()
}

// RouteFor picks the route for req under snap.
func RouteFor(req *Request, snap *policy.Snapshot) Route {
	route := Route{Target: req.Authority(), Connect: req.IsConnect()}
	if up := snap.UpstreamFor(req.Host); up != nil {
		route.Kind = RouteViaUpstream
		route.Upstream = up
		return route
	}
	if route.Connect {
		route.Kind = RouteTunnel
	} else {
		route.Kind = RouteDirect
	}
	return route
}

// Connector opens upstream connections for routes.
type Connector struct {
	dialer  *net.Dialer
	timeout time.Duration
}

// NewConnector creates a connector with the given connect timeout and
// resolver; a nil resolver uses the system one.
func NewConnector(timeout time.Duration, resolver *net.Resolver) *Connector {
	return &Connector{
		dialer: &net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
			Resolver:  resolver,
		},
		timeout: timeout,
	}
}

// Dial connects to the destination of route. Failures are *Error values of
// kind UpstreamTimeout or UpstreamUnreachable. There are no retries.
func (c *Connector) Dial(ctx context.Context, route Route) (net.Conn, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	switch route.Kind {
	case RouteDirect, RouteTunnel:
		conn, err := c.dialer.DialContext(ctx, "tcp", route.Target)
		if err != nil {
			return nil, dialError(ErrCodeUpstreamDialFailed, fmt.Errorf("direct dial to %s: %w", route.Target, err))
		}
		return conn, nil

	case RouteViaUpstream:
		switch route.Upstream.Type {
		case config.UpstreamSocks5:
			return c.dialSocks5(ctx, route.Upstream, route.Target)
		case config.UpstreamHTTP:
			conn, err := c.dialer.DialContext(ctx, "tcp", route.Upstream.Address)
			if err != nil {
				return nil, dialError(ErrCodeUpstreamDialFailed, fmt.Errorf("upstream proxy %s: %w", route.Upstream.Address, err))
			}
			if !route.Connect {
				return conn, nil
			}
			tunnel, err := c.connectHandshake(ctx, conn, route.Upstream, route.Target)
			if err != nil {
				_ = conn.Close()
				return nil, err
			}
			return tunnel, nil
		default:
			return nil, NewProxyError(ErrCodeUnknownUpstreamType, KindUpstreamUnreachable, fmt.Errorf("upstream type %q", route.Upstream.Type))
		}
	}
	return nil, NewProxyError(ErrCodeInternalError, KindUpstreamUnreachable, fmt.Errorf("unknown route %d", route.Kind))
}

// isTimeout reports whether err is a dial or handshake timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func dialError(code string, err error) *Error {
	if isTimeout(err) {
		return NewProxyError(ErrCodeUpstreamTimeout, KindUpstreamTimeout, err)
	}
	return NewProxyError(code, KindUpstreamUnreachable, err)
}

// proxyAuthorization returns the Basic credentials for an upstream.
func proxyAuthorization(up *policy.Upstream) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(up.Username+":"+up.Password))
}

// dialSocks5 establishes a connection to the target via a SOCKS5 proxy
func (c *Connector) dialSocks5(ctx context.Context, up *policy.Upstream, target string) (net.Conn, error) {
	var auth *proxy.Auth
	if up.HasAuth {
		auth = &proxy.Auth{User: up.Username, Password: up.Password}
	}

	socksDialer, err := proxy.SOCKS5("tcp", up.Address, auth, c.dialer)
	if err != nil {
		return nil, NewProxyError(ErrCodeSOCKS5Failed, KindUpstreamUnreachable, fmt.Errorf("proxy %s: %w", up.Address, err))
	}

	ctxDialer, ok := socksDialer.(proxy.ContextDialer)
	if !ok {
		return nil, NewProxyError(ErrCodeSOCKS5Failed, KindUpstreamUnreachable, errors.New("socks5 dialer does not support contexts"))
	}
	conn, err := ctxDialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, dialError(ErrCodeSOCKS5Failed, fmt.Errorf("target %s via SOCKS5 proxy %s: %w", target, up.Address, err))
	}
	return conn, nil
}

// connectHandshake asks an HTTP upstream to open a tunnel to target. Bytes
// the upstream sends right after its response stay readable on the
// returned connection.
func (c *Connector) connectHandshake(ctx context.Context, conn net.Conn, up *policy.Upstream, target string) (net.Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	head := "CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n"
	if up.HasAuth {
		head += "Proxy-Authorization: " + proxyAuthorization(up) + "\r\n"
	}
	head += "\r\n"
	if _, err := conn.Write([]byte(head)); err != nil {
		return nil, dialError(ErrCodeUpstreamDialFailed, fmt.Errorf("sending CONNECT to %s: %w", up.Address, err))
	}

	reader := bufio.NewReader(conn)
	resp, err := ReadResponse(reader, ParseLimits{MaxHeaderBytes: 16384, MaxHeaderCount: 100}, "CONNECT")
	if err != nil {
		if isTimeout(err) {
			return nil, NewProxyError(ErrCodeUpstreamTimeout, KindUpstreamTimeout, err)
		}
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		logger.Debug("Upstream proxy %s refused CONNECT to %s: %s", up.Address, target, resp.StatusLine)
		return nil, NewProxyError(ErrCodeUpstreamProxyRefused, KindUpstreamUnreachable,
			fmt.Errorf("proxy %s answered %q for %s", up.Address, resp.StatusLine, target))
	}
	return withBuffered(conn, reader), nil
}
