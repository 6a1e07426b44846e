package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codefionn/relaygate/relaygate-srv/dashboard"
	"github.com/codefionn/relaygate/relaygate-srv/logger"
	"github.com/codefionn/relaygate/relaygate-srv/policy"
	"github.com/codefionn/relaygate/relaygate-srv/stats"
)

// ConnState is the position of a connection in its lifecycle.
type ConnState int32

const (
	StateAccepted ConnState = iota
	StateParsingRequest
	StateCheckingACL
	StateCheckingAuth
	StateCheckingFilter
	StateRouting
	StateTunneling
	StateForwarding
	StateRespondingError
	StateClosed
)

var stateNames = [...]string{
	StateAccepted:        "accepted",
	StateParsingRequest:  "parsing_request",
	StateCheckingACL:     "checking_acl",
	StateCheckingAuth:    "checking_auth",
	StateCheckingFilter:  "checking_filter",
	StateRouting:         "routing",
	StateTunneling:       "tunneling",
	StateForwarding:      "forwarding",
	StateRespondingError: "responding_error",
	StateClosed:          "closed",
}

func (s ConnState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// lingerTimeout bounds how long unread client bytes are drained after an
// error response so the close does not reset the connection.
const lingerTimeout = 500 * time.Millisecond

var allowedMethods = map[string]bool{
	"GET":     true,
	"POST":    true,
	"PUT":     true,
	"DELETE":  true,
	"HEAD":    true,
	"OPTIONS": true,
	"PATCH":   true,
	"TRACE":   true,
	"CONNECT": true,
}

// ConnContext is the per-connection state. The generation captured at accept
// time is used for the whole connection, even across a reload.
type ConnContext struct {
	ID         string
	ClientAddr netip.AddrPort
	Listener   string
	AcceptedAt time.Time
	User       string

	state    atomic.Int32
	requests atomic.Int64

	conn   *trackedConn
	reader *bufio.Reader
	gen    *generation
	ctx    context.Context
	cancel context.CancelFunc

	// per request
	route  string
	status int
	reason string
}

// State returns the current state.
func (cc *ConnContext) State() ConnState {
	return ConnState(cc.state.Load())
}

func (cc *ConnContext) setState(s ConnState) {
	cc.state.Store(int32(s))
}

// Requests returns how many requests were read on this connection.
func (cc *ConnContext) Requests() int64 {
	return cc.requests.Load()
}

func (cc *ConnContext) limits() ParseLimits {
	l := cc.gen.snap.Limits
	return ParseLimits{MaxHeaderBytes: l.MaxHeaderBytes, MaxHeaderCount: l.MaxHeaderCount}
}

// handle serves requests on one client connection until it closes.
func (p *Proxy) handle(cc *ConnContext) {
	cc.reason = "client_closed"
	defer p.closeConn(cc)

	logger.Event(logger.DEBUG, "connection_open",
		logger.F("conn", cc.ID),
		logger.F("client", cc.ClientAddr),
		logger.F("listener", cc.Listener))

	for {
		if p.draining.Load() && cc.Requests() > 0 {
			cc.reason = "shutdown"
			return
		}

		cc.setState(StateParsingRequest)
		req, err := ReadRequest(cc.reader, cc.limits())
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case cc.Requests() > 0 && isTimeout(err):
				cc.reason = "idle_timeout"
				if p.draining.Load() {
					cc.reason = "shutdown"
				}
			case isTimeout(err):
				cc.reason = "error"
				p.fail(cc, NewProxyError(ErrCodeClientTimeout, KindIOError, err))
			default:
				cc.reason = "error"
				p.fail(cc, err)
			}
			return
		}

		cc.requests.Add(1)
		cc.route, cc.status = "", 0
		p.counters.TotalRequests.Inc()
		logger.Event(logger.INFO, "request",
			logger.F("conn", cc.ID),
			logger.F("method", req.Method),
			logger.F("target", req.Target),
			logger.F("version", req.Version))

		keepAlive, err := p.serveRequest(cc, req)
		if err != nil {
			cc.reason = "error"
			p.fail(cc, err)
		}
		p.recordRequest(cc, req)
		if err != nil || !keepAlive {
			return
		}
	}
}

// closeConn releases everything a connection holds and flushes its byte
// totals into the counters.
func (p *Proxy) closeConn(cc *ConnContext) {
	if cc.State() == StateRespondingError {
		lingerClose(cc)
	}
	_ = cc.conn.Close()
	cc.setState(StateClosed)
	cc.cancel()

	in, out := cc.conn.Totals()
	duration := time.Since(cc.AcceptedAt)
	p.counters.AddTransfer(in, out)
	if err := p.collector.EndConnection(context.Background(), cc.ID, in, out, duration, cc.reason); err != nil {
		logger.Debug("%s", logger.WithRequestID(cc.ID, "failed to record connection end: %v", err))
	}
	logger.Event(logger.INFO, "connection_close",
		logger.F("conn", cc.ID),
		logger.F("client", cc.ClientAddr),
		logger.F("reason", cc.reason),
		logger.F("requests", cc.Requests()),
		logger.F("bytes_in", in),
		logger.F("bytes_out", out),
		logger.F("duration", duration.Round(time.Millisecond)))
}

// lingerClose half-closes the client and discards what it is still sending,
// so the error response is not lost to a reset.
func lingerClose(cc *ConnContext) {
	_ = cc.conn.CloseWrite()
	_ = cc.conn.Conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(cc.conn.Conn, 256*1024))
}

// serveRequest runs one request through the policy checks and routes it.
// keepAlive reports whether the connection may carry another request.
func (p *Proxy) serveRequest(cc *ConnContext, req *Request) (keepAlive bool, err error) {
	snap := cc.gen.snap

	if cc.Requests() == 1 {
		cc.setState(StateCheckingACL)
		action := snap.ACL.Evaluate(cc.ClientAddr.Addr())
		p.recordDecision(cc, "acl", action, req.URL(), "")
		if action != policy.Allow {
			return false, NewProxyError(ErrCodeACLDenied, KindACLDenied, fmt.Errorf("client %s", cc.ClientAddr.Addr()))
		}
	}

	if !allowedMethods[req.Method] {
		return false, NewProxyError(ErrCodeMethodNotAllowed, KindMethodNotAllowed, fmt.Errorf("method %q", truncate(req.Method)))
	}

	if snap.Auth.Enabled() {
		cc.setState(StateCheckingAuth)
		p.counters.AuthAttempts.Inc()
		res := snap.Auth.Evaluate(req.Headers.Get("Proxy-Authorization"))
		if res.Outcome != policy.Authenticated {
			p.recordDecision(cc, "auth", policy.Deny, req.URL(), res.Outcome.String())
			code := ErrCodeAuthInvalid
			if res.Outcome == policy.Unauthenticated {
				code = ErrCodeAuthMissing
			}
			return false, NewProxyError(code, KindAuthRequired, nil)
		}
		cc.User = res.User
		p.recordDecision(cc, "auth", policy.Allow, req.URL(), res.User)
	}

	if !req.IsConnect() && snap.IsStatHost(req.Host) {
		cc.route = "stat_host"
		return p.serveStatHost(cc, req)
	}

	if req.IsConnect() && !snap.ConnectAllowed(req.Port) {
		p.recordDecision(cc, "port", policy.Deny, req.URL(), strconv.Itoa(req.Port))
		return false, NewProxyError(ErrCodePortDenied, KindPortDenied, fmt.Errorf("port %d", req.Port))
	}

	if snap.Filter.Enabled() {
		cc.setState(StateCheckingFilter)
		action, rule := snap.Filter.Match(req.Host, req.URL())
		p.recordDecision(cc, "filter", action, req.URL(), filterReason(rule))
		if action != policy.Allow {
			return false, NewProxyError(ErrCodeFilterDenied, KindFilterDenied, fmt.Errorf("host %s", req.Host))
		}
	}

	cc.setState(StateRouting)
	route := RouteFor(req, snap)
	cc.route = route.String()
	if req.IsConnect() {
		return false, p.tunnel(cc, route)
	}
	return p.forward(cc, req, route)
}

func filterReason(rule int) string {
	if rule < 0 {
		return "default"
	}
	return "rule " + strconv.Itoa(rule)
}

// tunnel connects to the route target, confirms the CONNECT and relays raw
// bytes until either side is done.
func (p *Proxy) tunnel(cc *ConnContext, route Route) error {
	up, err := cc.gen.connector.Dial(cc.ctx, route)
	if err != nil {
		return err
	}

	cc.setState(StateTunneling)
	if _, err := cc.conn.Write([]byte(connectEstablished)); err != nil {
		_ = up.Close()
		return NewProxyError(ErrCodeClientWrite, KindIOError, err)
	}
	cc.status = 200

	res := relay(cc.ctx, withBuffered(cc.conn, cc.reader), up, cc.gen.snap.Limits.IdleTimeout, cc.gen.pool)
	return relayOutcome(cc, res, "tunnel_closed")
}

func relayOutcome(cc *ConnContext, res RelayResult, closed string) error {
	switch {
	case res.Err == nil:
		cc.reason = closed
	case errors.Is(res.Err, ErrIdleTimeout):
		cc.reason = "idle_timeout"
	case errors.Is(res.Err, context.Canceled):
		cc.reason = "shutdown"
	default:
		return NewProxyError(ErrCodeRelayFailed, KindIOError, res.Err)
	}
	logger.Debug("%s", logger.WithRequestID(cc.ID, "relay finished: %d bytes up, %d bytes down", res.BytesUp, res.BytesDown))
	return nil
}

// recordingWriter remembers the first write error so body copy failures can
// be blamed on the right side.
type recordingWriter struct {
	w   io.Writer
	err error
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	n, err := rw.w.Write(b)
	if err != nil && rw.err == nil {
		rw.err = err
	}
	return n, err
}

// forward sends one plain HTTP request upstream and relays the response.
func (p *Proxy) forward(cc *ConnContext, req *Request, route Route) (bool, error) {
	snap := cc.gen.snap
	upgrade := policy.IsUpgrade(req.Headers)

	conn, err := cc.gen.connector.Dial(cc.ctx, route)
	if err != nil {
		return false, err
	}
	upstream := newTrackedConn(conn, snap.Limits.IdleTimeout)
	defer upstream.Close()
	stop := context.AfterFunc(cc.ctx, func() { _ = upstream.Close() })
	defer stop()

	cc.setState(StateForwarding)

	headers := snap.Rewriter.Rewrite(req.Headers, req.Version)
	if req.Absolute || !headers.Has("Host") {
		headers = setHeader(headers, "Host", req.HostHeader())
	}
	if !upgrade {
		headers = append(headers, policy.Header{Name: "Connection", Value: "close"})
	}
	target := req.Path
	if route.ForwardsAbsolute() {
		target = req.URL()
		if route.Upstream.HasAuth {
			headers = append(headers, policy.Header{Name: "Proxy-Authorization", Value: proxyAuthorization(route.Upstream)})
		}
	}

	bufp := cc.gen.pool.get()
	defer cc.gen.pool.put(bufp)
	buf := *bufp

	uw := &recordingWriter{w: upstream}
	w := bufio.NewWriter(uw)
	writeHead(w, req.Method+" "+target+" HTTP/1.1", headers)
	if _, err := copyBody(w, cc.reader, req.Framing, buf); err != nil {
		switch {
		case uw.err != nil:
			return false, NewProxyError(ErrCodeUpstreamRequestWrite, KindUpstreamUnreachable, uw.err)
		case errors.Is(err, errBadChunk):
			return false, NewProxyError(ErrCodeBadChunk, KindBadRequest, err)
		default:
			return false, NewProxyError(ErrCodeClientRead, KindIOError, err)
		}
	}
	if err := w.Flush(); err != nil {
		return false, NewProxyError(ErrCodeUpstreamRequestWrite, KindUpstreamUnreachable, err)
	}

	ur := bufio.NewReaderSize(upstream, len(buf))
	cw := bufio.NewWriterSize(cc.conn, len(buf))
	var resp *Response
	for {
		resp, err = ReadResponse(ur, cc.limits(), req.Method)
		if err != nil {
			if isTimeout(err) {
				return false, NewProxyError(ErrCodeUpstreamTimeout, KindUpstreamTimeout, err)
			}
			return false, err
		}
		if resp.StatusCode/100 != 1 || resp.StatusCode == 101 {
			break
		}
		writeHead(cw, resp.StatusLine, resp.Headers)
		if err := cw.Flush(); err != nil {
			return false, NewProxyError(ErrCodeClientWrite, KindIOError, err)
		}
	}
	cc.status = resp.StatusCode

	if resp.StatusCode == 101 {
		if !upgrade {
			return false, NewProxyError(ErrCodeUpstreamBadResponse, KindUpstreamUnreachable, errors.New("unsolicited 101"))
		}
		writeHead(cw, resp.StatusLine, resp.Headers)
		if err := cw.Flush(); err != nil {
			return false, NewProxyError(ErrCodeClientWrite, KindIOError, err)
		}
		cc.setState(StateTunneling)
		res := relay(cc.ctx, withBuffered(cc.conn, cc.reader), withBuffered(upstream, ur), snap.Limits.IdleTimeout, cc.gen.pool)
		return false, relayOutcome(cc, res, "upgrade_closed")
	}

	keepAlive := req.WantsKeepAlive() && resp.Framing.Kind != FramingUntilClose && !p.draining.Load()
	writeHead(cw, resp.StatusLine, responseHeaders(resp.Headers, keepAlive))

	rw := &recordingWriter{w: cw}
	if _, err := copyBody(rw, ur, resp.Framing, buf); err != nil {
		if rw.err != nil {
			return false, NewProxyError(ErrCodeClientWrite, KindIOError, rw.err)
		}
		return false, NewProxyError(ErrCodeRelayFailed, KindIOError, err)
	}
	if err := cw.Flush(); err != nil {
		return false, NewProxyError(ErrCodeClientWrite, KindIOError, err)
	}
	if !keepAlive {
		cc.reason = "response_complete"
	}
	return keepAlive, nil
}

// serveStatHost answers a request for the built-in stats page.
func (p *Proxy) serveStatHost(cc *ConnContext, req *Request) (bool, error) {
	bufp := cc.gen.pool.get()
	defer cc.gen.pool.put(bufp)
	if _, err := copyBody(io.Discard, cc.reader, req.Framing, *bufp); err != nil {
		if errors.Is(err, errBadChunk) {
			return false, NewProxyError(ErrCodeBadChunk, KindBadRequest, err)
		}
		return false, NewProxyError(ErrCodeClientRead, KindIOError, err)
	}

	snapshot := p.counters.Snapshot()
	var body bytes.Buffer
	contentType := "text/html; charset=utf-8"
	path, _, _ := strings.Cut(req.Path, "?")
	if strings.HasSuffix(path, ".json") {
		contentType = "application/json"
		if err := dashboard.WriteStatsJSON(&body, snapshot); err != nil {
			return false, NewProxyError(ErrCodeInternalError, KindIOError, err)
		}
	} else if err := dashboard.StatsPage(cc.gen.snap.StatHost, snapshot).Render(cc.ctx, &body); err != nil {
		return false, NewProxyError(ErrCodeInternalError, KindIOError, err)
	}

	keepAlive := req.WantsKeepAlive() && !p.draining.Load()
	headers := policy.Headers{
		{Name: "Content-Type", Value: contentType},
		{Name: "Content-Length", Value: strconv.Itoa(body.Len())},
		{Name: "Cache-Control", Value: "no-store"},
		{Name: "Connection", Value: connectionValue(keepAlive)},
	}

	w := bufio.NewWriter(cc.conn)
	writeHead(w, "HTTP/1.1 200 OK", headers)
	if req.Method != "HEAD" {
		_, _ = w.Write(body.Bytes())
	}
	if err := w.Flush(); err != nil {
		return false, NewProxyError(ErrCodeClientWrite, KindIOError, err)
	}
	cc.status = 200
	return keepAlive, nil
}

func connectionValue(keepAlive bool) string {
	if keepAlive {
		return "keep-alive"
	}
	return "close"
}

// writeHead writes a start line and headers followed by the empty line.
// Errors surface on Flush.
func writeHead(w *bufio.Writer, startLine string, headers policy.Headers) {
	_, _ = w.WriteString(startLine)
	_, _ = w.WriteString("\r\n")
	for _, h := range headers {
		_, _ = w.WriteString(h.Name)
		_, _ = w.WriteString(": ")
		_, _ = w.WriteString(h.Value)
		_, _ = w.WriteString("\r\n")
	}
	_, _ = w.WriteString("\r\n")
}

// setHeader replaces the first header called name and drops the rest, or
// appends it.
func setHeader(h policy.Headers, name, value string) policy.Headers {
	out := make(policy.Headers, 0, len(h)+1)
	found := false
	for _, hdr := range h {
		if !strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr)
			continue
		}
		if !found {
			out = append(out, policy.Header{Name: hdr.Name, Value: value})
			found = true
		}
	}
	if !found {
		out = append(out, policy.Header{Name: name, Value: value})
	}
	return out
}

// responseHeaders returns the upstream response headers with the
// connection-scoped ones replaced by this hop's own Connection header.
func responseHeaders(h policy.Headers, keepAlive bool) policy.Headers {
	drop := map[string]bool{"connection": true, "proxy-connection": true, "keep-alive": true}
	for _, tok := range h.Tokens("Connection") {
		drop[tok] = true
	}
	out := make(policy.Headers, 0, len(h)+1)
	for _, hdr := range h {
		if !drop[strings.ToLower(hdr.Name)] {
			out = append(out, hdr)
		}
	}
	return append(out, policy.Header{Name: "Connection", Value: connectionValue(keepAlive)})
}

// fail accounts for a terminal error and sends the matching response when
// the kind has one.
func (p *Proxy) fail(cc *ConnContext, err error) {
	kind, ok := KindOf(err)
	if !ok {
		kind = KindIOError
		err = NewProxyError(ErrCodeInternalError, KindIOError, err)
	}

	switch kind {
	case KindMalformedRequestLine, KindConflictingFraming, KindMissingHost, KindRequestTooLarge, KindBadRequest, KindMethodNotAllowed:
		p.counters.BadRequests.Inc()
	case KindACLDenied:
		p.counters.ACLDenials.Inc()
	case KindAuthRequired:
		p.counters.AuthFailures.Inc()
	case KindFilterDenied:
		p.counters.FilterDenials.Inc()
	case KindPortDenied:
		p.counters.PortDenials.Inc()
	case KindUpstreamUnreachable, KindUpstreamTimeout:
		p.counters.UpstreamErrors.Inc()
	default:
		p.counters.IOErrors.Inc()
	}

	logger.Event(logger.WARN, "error",
		logger.F("conn", cc.ID),
		logger.F("client", cc.ClientAddr),
		logger.F("kind", kind),
		logger.F("code", CodeOf(err)),
		logger.F("state", cc.State()),
		logger.F("error", err))
	if rerr := p.collector.RecordError(context.Background(), cc.ID, kind.String(), err.Error()); rerr != nil {
		logger.Debug("%s", logger.WithRequestID(cc.ID, "failed to record error: %v", rerr))
	}

	status := kind.Status()
	if status == 0 {
		return
	}
	cc.status = status
	cc.setState(StateRespondingError)

	snap := cc.gen.snap
	var extra []policy.Header
	if kind == KindAuthRequired {
		extra = append(extra, policy.Header{Name: "Proxy-Authenticate", Value: snap.Auth.Challenge()})
	}
	body, _ := snap.ErrorPages.Body(status)
	if _, werr := cc.conn.Write(buildErrorResponse(status, body, extra...)); werr != nil {
		logger.Debug("%s", logger.WithRequestID(cc.ID, "failed to write %d response: %v", status, werr))
	}
}

func (p *Proxy) recordDecision(cc *ConnContext, stage string, action policy.Action, target, reason string) {
	level := logger.DEBUG
	if action != policy.Allow {
		level = logger.INFO
	}
	logger.Event(level, "decision",
		logger.F("conn", cc.ID),
		logger.F("stage", stage),
		logger.F("action", action),
		logger.F("target", target),
		logger.F("reason", reason))

	err := p.collector.RecordDecision(context.Background(), stats.DecisionInfo{
		ConnectionID: cc.ID,
		ClientIP:     cc.ClientAddr.Addr().String(),
		Stage:        stage,
		Action:       action.String(),
		Target:       target,
		Reason:       reason,
		Timestamp:    time.Now(),
	})
	if err != nil {
		logger.Debug("%s", logger.WithRequestID(cc.ID, "failed to record %s decision: %v", stage, err))
	}
}

func (p *Proxy) recordRequest(cc *ConnContext, req *Request) {
	err := p.collector.RecordRequest(context.Background(), stats.RequestInfo{
		ConnectionID: cc.ID,
		Method:       req.Method,
		Target:       req.URL(),
		Host:         req.Host,
		User:         cc.User,
		Route:        cc.route,
		StatusCode:   cc.status,
		Timestamp:    time.Now(),
	})
	if err != nil {
		logger.Debug("%s", logger.WithRequestID(cc.ID, "failed to record request: %v", err))
	}
}
