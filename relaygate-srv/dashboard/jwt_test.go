package dashboard

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret-key")

	token, err := IssueToken(string(secret), "ops", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := parseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, "relaygate", claims.Issuer)
	require.NotNil(t, claims.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 5*time.Second)

	// Test expired token
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
	}).SignedString(secret)
	require.NoError(t, err)
	_, err = parseToken(secret, expired)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token is expired")

	// Test invalid token
	_, err = parseToken(secret, "invalid.token.here")
	assert.Error(t, err)

	// Test token with wrong signature
	wrong, err := IssueToken("wrong-secret", "ops", time.Hour)
	require.NoError(t, err)
	_, err = parseToken(secret, wrong)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature is invalid")
}

func TestTokenWithoutExpiryRejected(t *testing.T) {
	secret := []byte("s")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "ops"}).SignedString(secret)
	require.NoError(t, err)

	_, err = parseToken(secret, token)
	assert.Error(t, err)
}

func TestTokenNoneAlgorithmRejected(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = parseToken([]byte("s"), token)
	assert.Error(t, err)
}

func TestIssueTokenEmptySecret(t *testing.T) {
	_, err := IssueToken("", "ops", time.Hour)
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, err := bearerToken(r)
		if tt.ok {
			require.NoError(t, err, tt.header)
			assert.Equal(t, tt.want, got)
		} else {
			assert.Error(t, err, tt.header)
		}
	}
}
