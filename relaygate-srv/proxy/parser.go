package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/codefionn/relaygate/relaygate-srv/policy"
)

// FramingKind describes how a message body is delimited.
type FramingKind int

const (
	FramingNone FramingKind = iota
	FramingContentLength
	FramingChunked
	FramingUntilClose // responses only
)

func (k FramingKind) String() string {
	switch k {
	case FramingContentLength:
		return "content-length"
	case FramingChunked:
		return "chunked"
	case FramingUntilClose:
		return "until-close"
	default:
		return "none"
	}
}

// Framing is the body framing of a request or response.
type Framing struct {
	Kind   FramingKind
	Length int64 // FramingContentLength only
}

// ParseLimits bound the size of a message head.
type ParseLimits struct {
	MaxHeaderBytes int
	MaxHeaderCount int
}

// maxChunkLine bounds a chunk-size or trailer line.
const maxChunkLine = 4096

// Request is a parsed request head.
type Request struct {
	Method  string
	Target  string
	Version string
	Headers policy.Headers
	Framing Framing

	Host     string
	Port     int
	Path     string // origin-form target to send upstream
	Absolute bool   // target was in absolute form
}

// Authority returns host:port as used for dialing.
func (r *Request) Authority() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// HostHeader returns the Host header value for the request, omitting the
// default port.
func (r *Request) HostHeader() string {
	host := r.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if r.Port == 80 {
		return host
	}
	return host + ":" + strconv.Itoa(r.Port)
}

// URL returns the request as an absolute URL for filtering and for
// forwarding through an HTTP upstream. CONNECT requests yield host:port.
func (r *Request) URL() string {
	if r.Method == "CONNECT" {
		return r.Authority()
	}
	return "http://" + r.HostHeader() + r.Path
}

// IsConnect reports whether the request asks for a tunnel.
func (r *Request) IsConnect() bool {
	return r.Method == "CONNECT"
}

// WantsKeepAlive reports whether the client allows the connection to be
// reused after this request.
func (r *Request) WantsKeepAlive() bool {
	if r.Headers.HasToken("Connection", "close") || r.Headers.HasToken("Proxy-Connection", "close") {
		return false
	}
	if r.Version == "HTTP/1.0" {
		return r.Headers.HasToken("Connection", "keep-alive") || r.Headers.HasToken("Proxy-Connection", "keep-alive")
	}
	return true
}

// Response is a parsed response head.
type Response struct {
	Version    string
	StatusCode int
	StatusLine string
	Headers    policy.Headers
	Framing    Framing
}

var errHeadTooLarge = errors.New("head exceeds size limit")

// headReader reads CRLF or LF terminated lines while enforcing a byte budget
// for the whole head.
type headReader struct {
	r        *bufio.Reader
	maxBytes int
	read     int
}

func (h *headReader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := h.r.ReadSlice('\n')
		h.read += len(chunk)
		if h.maxBytes > 0 && h.read > h.maxBytes {
			return nil, errHeadTooLarge
		}
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, err
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, nil
}

func clientError(code string, kind ErrorKind, format string, args ...any) *Error {
	return NewProxyError(code, kind, fmt.Errorf(format, args...))
}

// readHeaders reads header lines up to the empty line.
func readHeaders(h *headReader, maxCount int, tooLarge func(string) error, malformed func(string, ...any) error) (policy.Headers, error) {
	var headers policy.Headers
	for {
		line, err := h.readLine()
		if err != nil {
			if errors.Is(err, errHeadTooLarge) {
				return nil, tooLarge(ErrCodeHeaderTooLarge)
			}
			return nil, err
		}
		if len(line) == 0 {
			return headers, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, malformed("folded header line")
		}
		name, value, ok := strings.Cut(string(line), ":")
		if !ok {
			return nil, malformed("header line without colon")
		}
		if name == "" || strings.ContainsAny(name, " \t") {
			return nil, malformed("invalid header name %q", name)
		}
		if maxCount > 0 && len(headers) >= maxCount {
			return nil, tooLarge(ErrCodeTooManyHeaders)
		}
		headers = append(headers, policy.Header{Name: name, Value: strings.TrimSpace(value)})
	}
}

// ReadRequest reads one request head from r. A clean end of stream before
// the first byte returns io.EOF.
func ReadRequest(r *bufio.Reader, limits ParseLimits) (*Request, error) {
	h := &headReader{r: r, maxBytes: limits.MaxHeaderBytes}

	var line []byte
	for {
		var err error
		line, err = h.readLine()
		if err != nil {
			if errors.Is(err, errHeadTooLarge) {
				return nil, NewProxyError(ErrCodeHeaderTooLarge, KindRequestTooLarge, nil)
			}
			if errors.Is(err, io.EOF) && h.read == 0 {
				return nil, io.EOF
			}
			return nil, NewProxyError(ErrCodeClientRead, KindIOError, err)
		}
		// Stray empty lines between pipelined requests are ignored.
		if len(line) > 0 {
			break
		}
	}

	parts := strings.Split(string(line), " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, clientError(ErrCodeMalformedRequestLine, KindMalformedRequestLine, "request line %q", truncate(string(line)))
	}
	req := &Request{Method: parts[0], Target: parts[1], Version: parts[2]}
	if !strings.HasPrefix(req.Version, "HTTP/") {
		return nil, clientError(ErrCodeMalformedRequestLine, KindMalformedRequestLine, "version %q", truncate(req.Version))
	}

	headers, err := readHeaders(h, limits.MaxHeaderCount,
		func(code string) error { return NewProxyError(code, KindRequestTooLarge, nil) },
		func(format string, args ...any) error {
			return clientError(ErrCodeBadHeaderLine, KindBadRequest, format, args...)
		})
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, NewProxyError(ErrCodeClientRead, KindIOError, err)
	}
	req.Headers = headers

	framing, err := requestFraming(headers)
	if err != nil {
		return nil, err
	}
	req.Framing = framing

	if err := req.resolveTarget(); err != nil {
		return nil, err
	}
	return req, nil
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}

// finalCoding returns the last transfer coding listed across all
// Transfer-Encoding headers.
func finalCoding(values []string) string {
	last := ""
	for _, v := range values {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				last = strings.ToLower(c)
			}
		}
	}
	return last
}

// parseContentLength accepts a single digits-only value.
func parseContentLength(values []string) (int64, bool) {
	if len(values) != 1 {
		return 0, false
	}
	v := values[0]
	if v == "" {
		return 0, false
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func requestFraming(headers policy.Headers) (Framing, error) {
	te := headers.Values("Transfer-Encoding")
	cl := headers.Values("Content-Length")

	if len(te) > 0 && len(cl) > 0 {
		return Framing{}, NewProxyError(ErrCodeConflictingFraming, KindConflictingFraming, nil)
	}
	if len(te) > 0 {
		if finalCoding(te) != "chunked" {
			return Framing{}, clientError(ErrCodeBadTransferEncoding, KindBadRequest, "transfer-encoding %q", strings.Join(te, ", "))
		}
		return Framing{Kind: FramingChunked}, nil
	}
	if len(cl) > 0 {
		n, ok := parseContentLength(cl)
		if !ok {
			return Framing{}, clientError(ErrCodeBadContentLength, KindBadRequest, "content-length %q", strings.Join(cl, ", "))
		}
		return Framing{Kind: FramingContentLength, Length: n}, nil
	}
	return Framing{}, nil
}

// parsePort accepts a decimal port in 1..65535.
func parsePort(s string) (int, bool) {
	if s == "" || len(s) > 5 {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	port, _ := strconv.Atoi(s)
	return port, port >= 1 && port <= 65535
}

// splitHostPort splits an authority, using defaultPort when none is given.
func splitHostPort(authority string, defaultPort int) (string, int, bool) {
	if authority == "" {
		return "", 0, false
	}
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		// No port: a bare name or a bracketed IPv6 literal.
		host = strings.TrimSuffix(strings.TrimPrefix(authority, "["), "]")
		if host == "" || (strings.Contains(host, ":") && !strings.HasPrefix(authority, "[")) {
			return "", 0, false
		}
		return host, defaultPort, true
	}
	if host == "" {
		return "", 0, false
	}
	port, ok := parsePort(portStr)
	if !ok {
		return "", 0, false
	}
	return host, port, true
}

func (r *Request) resolveTarget() error {
	if len(r.Headers.Values("Host")) > 1 {
		return clientError(ErrCodeDuplicateHost, KindBadRequest, "%d host headers", len(r.Headers.Values("Host")))
	}
	if r.Method == "CONNECT" {
		host, portStr, err := net.SplitHostPort(r.Target)
		if err != nil || host == "" {
			return clientError(ErrCodeBadConnectTarget, KindMalformedRequestLine, "connect target %q", truncate(r.Target))
		}
		port, ok := parsePort(portStr)
		if !ok {
			return clientError(ErrCodeBadConnectTarget, KindMalformedRequestLine, "connect port %q", truncate(portStr))
		}
		r.Host, r.Port = strings.ToLower(host), port
		return nil
	}

	switch {
	case len(r.Target) > 7 && strings.EqualFold(r.Target[:7], "http://"):
		u, err := url.Parse("http://" + r.Target[7:])
		if err != nil {
			return clientError(ErrCodeMalformedRequestLine, KindMalformedRequestLine, "target %q", truncate(r.Target))
		}
		host, port, ok := splitHostPort(u.Host, 80)
		if !ok {
			return NewProxyError(ErrCodeMissingHost, KindMissingHost, nil)
		}
		r.Host, r.Port = strings.ToLower(host), port
		r.Path = u.RequestURI()
		r.Absolute = true
		return nil

	case strings.HasPrefix(r.Target, "/") || r.Target == "*":
		hostHeader := r.Headers.Get("Host")
		if hostHeader == "" {
			return NewProxyError(ErrCodeMissingHost, KindMissingHost, nil)
		}
		host, port, ok := splitHostPort(hostHeader, 80)
		if !ok {
			return clientError(ErrCodeMissingHost, KindMissingHost, "host header %q", truncate(hostHeader))
		}
		r.Host, r.Port = strings.ToLower(host), port
		r.Path = r.Target
		return nil

	case strings.EqualFold(r.Target, "http://"):
		return NewProxyError(ErrCodeMissingHost, KindMissingHost, nil)

	default:
		return clientError(ErrCodeMalformedRequestLine, KindMalformedRequestLine, "target %q", truncate(r.Target))
	}
}

// ReadResponse reads a response head from r. method is the request method,
// which decides whether a body follows.
func ReadResponse(r *bufio.Reader, limits ParseLimits, method string) (*Response, error) {
	h := &headReader{r: r, maxBytes: limits.MaxHeaderBytes}
	badResponse := func(format string, args ...any) error {
		return clientError(ErrCodeUpstreamBadResponse, KindUpstreamUnreachable, format, args...)
	}

	line, err := h.readLine()
	if err != nil {
		if errors.Is(err, errHeadTooLarge) {
			return nil, badResponse("status line too large")
		}
		return nil, NewProxyError(ErrCodeUpstreamResponseRead, KindUpstreamUnreachable, err)
	}

	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") || len(parts[1]) != 3 {
		return nil, badResponse("status line %q", truncate(string(line)))
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 {
		return nil, badResponse("status code %q", parts[1])
	}

	resp := &Response{Version: parts[0], StatusCode: code, StatusLine: string(line)}
	resp.Headers, err = readHeaders(h, limits.MaxHeaderCount,
		func(string) error { return badResponse("response head too large") },
		badResponse)
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, NewProxyError(ErrCodeUpstreamResponseRead, KindUpstreamUnreachable, err)
	}

	resp.Framing, err = responseFraming(resp, method)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func responseFraming(resp *Response, method string) (Framing, error) {
	if method == "HEAD" || resp.StatusCode/100 == 1 || resp.StatusCode == 204 || resp.StatusCode == 304 {
		return Framing{}, nil
	}
	if method == "CONNECT" && resp.StatusCode/100 == 2 {
		return Framing{}, nil
	}
	if te := resp.Headers.Values("Transfer-Encoding"); len(te) > 0 {
		if finalCoding(te) == "chunked" {
			return Framing{Kind: FramingChunked}, nil
		}
		return Framing{Kind: FramingUntilClose}, nil
	}
	if cl := resp.Headers.Values("Content-Length"); len(cl) > 0 {
		// Repeated identical values are tolerated from servers.
		first := cl[0]
		for _, v := range cl[1:] {
			if v != first {
				return Framing{}, clientError(ErrCodeUpstreamBadResponse, KindUpstreamUnreachable, "conflicting content-length")
			}
		}
		n, ok := parseContentLength(cl[:1])
		if !ok {
			return Framing{}, clientError(ErrCodeUpstreamBadResponse, KindUpstreamUnreachable, "content-length %q", first)
		}
		return Framing{Kind: FramingContentLength, Length: n}, nil
	}
	return Framing{Kind: FramingUntilClose}, nil
}

var errBadChunk = errors.New("malformed chunk")

// copyBody copies one message body from src to dst according to framing.
// Chunked bodies are copied verbatim including chunk extensions and
// trailers.
func copyBody(dst io.Writer, src *bufio.Reader, f Framing, buf []byte) (int64, error) {
	switch f.Kind {
	case FramingContentLength:
		n, err := io.CopyBuffer(dst, io.LimitReader(src, f.Length), buf)
		if err == nil && n < f.Length {
			err = io.ErrUnexpectedEOF
		}
		return n, err
	case FramingChunked:
		return copyChunked(dst, src, buf)
	case FramingUntilClose:
		return io.CopyBuffer(dst, src, buf)
	default:
		return 0, nil
	}
}

func readChunkLine(h *headReader) ([]byte, error) {
	h.read = 0
	line, err := h.readLine()
	if errors.Is(err, errHeadTooLarge) {
		return nil, errBadChunk
	}
	if errors.Is(err, io.EOF) {
		return nil, io.ErrUnexpectedEOF
	}
	return line, err
}

// maxChunkSizeDigits keeps a chunk size within int64.
const maxChunkSizeDigits = 15

func isHexDigit(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

// parseChunkSize reads the 1*HEXDIG size at the start of a chunk line. Only
// an extension (";...") may follow, optionally after spaces or tabs; signs,
// leading whitespace and other trailing bytes are rejected.
func parseChunkSize(line []byte) (int64, bool) {
	i := 0
	for i < len(line) && isHexDigit(line[i]) {
		i++
	}
	if i == 0 || i > maxChunkSizeDigits {
		return 0, false
	}
	if rest := line[i:]; len(rest) > 0 {
		rest = bytes.TrimLeft(rest, " \t")
		if len(rest) == 0 || rest[0] != ';' {
			return 0, false
		}
	}
	size, err := strconv.ParseInt(string(line[:i]), 16, 64)
	if err != nil {
		return 0, false
	}
	return size, true
}

func copyChunked(dst io.Writer, src *bufio.Reader, buf []byte) (int64, error) {
	h := &headReader{r: src, maxBytes: maxChunkLine}
	var written int64
	writeLine := func(line []byte) error {
		n, err := dst.Write(append(line, '\r', '\n'))
		written += int64(n)
		return err
	}

	for {
		line, err := readChunkLine(h)
		if err != nil {
			return written, err
		}
		size, ok := parseChunkSize(line)
		if !ok {
			return written, errBadChunk
		}
		if err := writeLine(line); err != nil {
			return written, err
		}

		if size == 0 {
			for {
				trailer, err := readChunkLine(h)
				if err != nil {
					return written, err
				}
				if err := writeLine(trailer); err != nil {
					return written, err
				}
				if len(trailer) == 0 {
					return written, nil
				}
			}
		}

		n, err := io.CopyBuffer(dst, io.LimitReader(src, size), buf)
		written += n
		if err != nil {
			return written, err
		}
		if n < size {
			return written, io.ErrUnexpectedEOF
		}

		end, err := readChunkLine(h)
		if err != nil {
			return written, err
		}
		if len(end) != 0 {
			return written, errBadChunk
		}
		if err := writeLine(end); err != nil {
			return written, err
		}
	}
}
