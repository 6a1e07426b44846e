package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"testing"

	"github.com/codefionn/relaygate/relaygate-srv/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindStatus(t *testing.T) {
	tests := []struct {
		kind   ErrorKind
		status int
	}{
		{KindMalformedRequestLine, http.StatusBadRequest},
		{KindConflictingFraming, http.StatusBadRequest},
		{KindMissingHost, http.StatusBadRequest},
		{KindBadRequest, http.StatusBadRequest},
		{KindRequestTooLarge, http.StatusRequestHeaderFieldsTooLarge},
		{KindMethodNotAllowed, http.StatusMethodNotAllowed},
		{KindACLDenied, http.StatusForbidden},
		{KindFilterDenied, http.StatusForbidden},
		{KindPortDenied, http.StatusForbidden},
		{KindAuthRequired, http.StatusProxyAuthRequired},
		{KindUpstreamUnreachable, http.StatusBadGateway},
		{KindUpstreamTimeout, http.StatusGatewayTimeout},
		{KindIOError, 0},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.status, tt.kind.Status())
		})
	}
	assert.Equal(t, "kind(99)", ErrorKind(99).String())
}

func TestKindAndCodeThroughWrapping(t *testing.T) {
	base := NewProxyError(ErrCodeFilterDenied, KindFilterDenied, errors.New("rule 2"))
	wrapped := fmt.Errorf("handling request: %w", base)

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindFilterDenied, kind)
	assert.Equal(t, ErrCodeFilterDenied, CodeOf(wrapped))
	assert.Equal(t, "[E3004] Destination blocked by filter: rule 2", base.Error())

	_, ok = KindOf(io.EOF)
	assert.False(t, ok)
	assert.Empty(t, CodeOf(io.EOF))
	assert.ErrorIs(t, NewProxyError(ErrCodeClientRead, KindIOError, io.ErrUnexpectedEOF), io.ErrUnexpectedEOF)
}

func TestErrorCategories(t *testing.T) {
	upstream := NewProxyError(ErrCodeUpstreamDialFailed, KindUpstreamUnreachable, nil)
	client := NewProxyError(ErrCodeBadChunk, KindBadRequest, nil)
	policyErr := NewProxyError(ErrCodeACLDenied, KindACLDenied, nil)

	assert.True(t, IsUpstreamError(upstream))
	assert.False(t, IsUpstreamError(client))
	assert.True(t, IsClientError(client))
	assert.False(t, IsClientError(policyErr))
	assert.True(t, IsPolicyError(policyErr))
	assert.False(t, IsPolicyError(errors.New("plain")))

	assert.Equal(t, "Unknown error code", GetErrorDescription("E0000"))
	for code := range ErrorDescriptions {
		assert.Len(t, code, 5, code)
	}
}

func TestBuildErrorResponse(t *testing.T) {
	t.Run("default body", func(t *testing.T) {
		raw := buildErrorResponse(http.StatusForbidden, nil)
		resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, strconv.Itoa(len(body)), resp.Header.Get("Content-Length"))
		assert.Equal(t, "close", resp.Header.Get("Connection"))
		assert.Contains(t, string(body), "403 Forbidden")
	})

	t.Run("custom body and challenge", func(t *testing.T) {
		raw := buildErrorResponse(http.StatusProxyAuthRequired, []byte("who are you"),
			policy.Header{Name: "Proxy-Authenticate", Value: `Basic realm="relaygate"`})
		resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "who are you", string(body))
		assert.EqualValues(t, len("who are you"), resp.ContentLength)
		assert.Equal(t, `Basic realm="relaygate"`, resp.Header.Get("Proxy-Authenticate"))
	})
}
