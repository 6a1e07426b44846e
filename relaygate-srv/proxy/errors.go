package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/codefionn/relaygate/relaygate-srv/policy"
)

// ErrorKind is the closed set of reasons a connection can end in an error.
type ErrorKind int

const (
	KindMalformedRequestLine ErrorKind = iota + 1
	KindConflictingFraming
	KindMissingHost
	KindRequestTooLarge
	KindBadRequest
	KindMethodNotAllowed
	KindACLDenied
	KindAuthRequired
	KindFilterDenied
	KindPortDenied
	KindUpstreamUnreachable
	KindUpstreamTimeout
	KindIOError
)

var kindNames = map[ErrorKind]string{
	KindMalformedRequestLine: "malformed_request_line",
	KindConflictingFraming:   "conflicting_framing",
	KindMissingHost:          "missing_host",
	KindRequestTooLarge:      "request_too_large",
	KindBadRequest:           "bad_request",
	KindMethodNotAllowed:     "method_not_allowed",
	KindACLDenied:            "acl_denied",
	KindAuthRequired:         "auth_required",
	KindFilterDenied:         "filter_denied",
	KindPortDenied:           "port_denied",
	KindUpstreamUnreachable:  "upstream_unreachable",
	KindUpstreamTimeout:      "upstream_timeout",
	KindIOError:              "io_error",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Status returns the HTTP status sent to the client for this kind, or 0 when
// no response is written.
func (k ErrorKind) Status() int {
	switch k {
	case KindMalformedRequestLine, KindConflictingFraming, KindMissingHost, KindBadRequest:
		return http.StatusBadRequest
	case KindRequestTooLarge:
		return http.StatusRequestHeaderFieldsTooLarge
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindACLDenied, KindFilterDenied, KindPortDenied:
		return http.StatusForbidden
	case KindAuthRequired:
		return http.StatusProxyAuthRequired
	case KindUpstreamUnreachable:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return 0
	}
}

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Kind        ErrorKind
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates an Error whose description comes from the code table.
func NewProxyError(code string, kind ErrorKind, cause error) *Error {
	return &Error{
		Code:        code,
		Kind:        kind,
		Description: GetErrorDescription(code),
		Cause:       cause,
	}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// Proxy Error Codes
const (
	// Connection and upstream errors (E1000-E1999)
	ErrCodeUpstreamDialFailed   = "E1001"
	ErrCodeUpstreamTimeout      = "E1002"
	ErrCodeUpstreamProxyRefused = "E1003"
	ErrCodeSOCKS5Failed         = "E1004"
	ErrCodeUpstreamBadResponse  = "E1005"
	ErrCodeNoEnabledServers     = "E1006"
	ErrCodeListenerCreateFailed = "E1007"
	ErrCodeUnknownUpstreamType  = "E1008"
	ErrCodeUpstreamResponseRead = "E1009"
	ErrCodeUpstreamRequestWrite = "E1010"

	// Client input errors (E2000-E2999)
	ErrCodeMalformedRequestLine = "E2001"
	ErrCodeConflictingFraming   = "E2002"
	ErrCodeMissingHost          = "E2003"
	ErrCodeHeaderTooLarge       = "E2004"
	ErrCodeTooManyHeaders       = "E2005"
	ErrCodeBadHeaderLine        = "E2006"
	ErrCodeBadContentLength     = "E2007"
	ErrCodeBadTransferEncoding  = "E2008"
	ErrCodeBadChunk             = "E2009"
	ErrCodeMethodNotAllowed     = "E2010"
	ErrCodeBadConnectTarget     = "E2011"
	ErrCodeDuplicateHost        = "E2012"

	// Policy errors (E3000-E3999)
	ErrCodeACLDenied    = "E3001"
	ErrCodeAuthMissing  = "E3002"
	ErrCodeAuthInvalid  = "E3003"
	ErrCodeFilterDenied = "E3004"
	ErrCodePortDenied   = "E3005"

	// I/O errors (E5000-E5999)
	ErrCodeClientRead    = "E5001"
	ErrCodeClientWrite   = "E5002"
	ErrCodeRelayFailed   = "E5003"
	ErrCodeClientTimeout = "E5004"

	// Internal errors (E9000-E9999)
	ErrCodePanicRecovered  = "E9001"
	ErrCodeShutdownTimeout = "E9002"
	ErrCodeInternalError   = "E9003"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeUpstreamDialFailed:   "Failed to connect to the destination",
	ErrCodeUpstreamTimeout:      "Timed out connecting to the destination",
	ErrCodeUpstreamProxyRefused: "Upstream proxy refused the tunnel",
	ErrCodeSOCKS5Failed:         "SOCKS5 upstream connection failed",
	ErrCodeUpstreamBadResponse:  "Invalid response from the destination",
	ErrCodeNoEnabledServers:     "No enabled listen addresses configured",
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeUnknownUpstreamType:  "Unknown upstream type",
	ErrCodeUpstreamResponseRead: "Failed to read the response from the destination",
	ErrCodeUpstreamRequestWrite: "Failed to send the request to the destination",

	ErrCodeMalformedRequestLine: "Malformed request line",
	ErrCodeConflictingFraming:   "Both Content-Length and Transfer-Encoding present",
	ErrCodeMissingHost:          "Request target has no host",
	ErrCodeHeaderTooLarge:       "Request header block too large",
	ErrCodeTooManyHeaders:       "Too many request headers",
	ErrCodeBadHeaderLine:        "Malformed header line",
	ErrCodeBadContentLength:     "Invalid Content-Length",
	ErrCodeBadTransferEncoding:  "Unsupported Transfer-Encoding",
	ErrCodeBadChunk:             "Malformed chunked body",
	ErrCodeMethodNotAllowed:     "Method not allowed",
	ErrCodeBadConnectTarget:     "Invalid CONNECT target",
	ErrCodeDuplicateHost:        "More than one Host header",

	ErrCodeACLDenied:    "Client address denied",
	ErrCodeAuthMissing:  "Proxy authentication required",
	ErrCodeAuthInvalid:  "Invalid proxy credentials",
	ErrCodeFilterDenied: "Destination blocked by filter",
	ErrCodePortDenied:   "CONNECT port not allowed",

	ErrCodeClientRead:    "Failed to read from client",
	ErrCodeClientWrite:   "Failed to write to client",
	ErrCodeRelayFailed:   "Relay failed",
	ErrCodeClientTimeout: "Client timed out",

	ErrCodePanicRecovered:  "Recovered from panic condition",
	ErrCodeShutdownTimeout: "Shutdown grace period exceeded",
	ErrCodeInternalError:   "Internal proxy error",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// IsUpstreamError checks if the error is connection/upstream related
func IsUpstreamError(err error) bool {
	code := CodeOf(err)
	return code >= "E1000" && code < "E2000"
}

// IsClientError checks if the error was caused by client input
func IsClientError(err error) bool {
	code := CodeOf(err)
	return code >= "E2000" && code < "E3000"
}

// IsPolicyError checks if the error is a policy denial
func IsPolicyError(err error) bool {
	code := CodeOf(err)
	return code >= "E3000" && code < "E4000"
}

// ErrShutdownTimeout is returned by Shutdown when connections had to be
// force-closed after the grace period.
var ErrShutdownTimeout = NewProxyError(ErrCodeShutdownTimeout, KindIOError, nil)

// errorBody returns the default HTML body for a status code.
func errorBody(status int) []byte {
	text := http.StatusText(status)
	return []byte(fmt.Sprintf("<!DOCTYPE html>\n<html><head><title>%d %s</title></head>"+
		"<body><h1>%d %s</h1></body></html>\n", status, text, status, text))
}

// buildErrorResponse renders a complete error response. The connection is
// always closed afterwards, so Connection: close is always set.
func buildErrorResponse(status int, body []byte, extra ...policy.Header) []byte {
	if body == nil {
		body = errorBody(status)
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Connection: close\r\n")
	for _, h := range extra {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("\r\n")
	b.Write(body)
	return b.Bytes()
}
