package policy

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"
)

// AuthOutcome classifies a Proxy-Authorization header.
type AuthOutcome int

const (
	// Unauthenticated means no credentials were sent.
	Unauthenticated AuthOutcome = iota
	// Authenticated means the credentials matched a configured user.
	Authenticated
	// Invalid covers unsupported schemes, undecodable credentials and
	// wrong username or password alike.
	Invalid
)

func (o AuthOutcome) String() string {
	switch o {
	case Authenticated:
		return "authenticated"
	case Invalid:
		return "invalid"
	default:
		return "unauthenticated"
	}
}

// AuthResult is the outcome of one authentication check.
type AuthResult struct {
	Outcome AuthOutcome
	User    string
}

// Credential is a configured username and secret.
type Credential struct {
	Username string
	Secret   string
}

type credentialDigest struct {
	name   string
	user   [sha256.Size]byte
	secret [sha256.Size]byte
}

// Authenticator checks Basic proxy credentials.
type Authenticator struct {
	realm string
	creds []credentialDigest
}

// NewAuthenticator creates an authenticator. With no credentials every
// request passes without a check.
func NewAuthenticator(realm string, creds []Credential) *Authenticator {
	a := &Authenticator{realm: realm}
	for _, c := range creds {
		a.creds = append(a.creds, credentialDigest{
			name:   c.Username,
			user:   sha256.Sum256([]byte(c.Username)),
			secret: sha256.Sum256([]byte(c.Secret)),
		})
	}
	return a
}

// Enabled reports whether credentials are required.
func (a *Authenticator) Enabled() bool {
	return len(a.creds) > 0
}

// Realm returns the realm sent in the challenge.
func (a *Authenticator) Realm() string {
	return a.realm
}

// Challenge returns the Proxy-Authenticate header value.
func (a *Authenticator) Challenge() string {
	return `Basic realm="` + strings.ReplaceAll(a.realm, `"`, `'`) + `"`
}

// Evaluate checks a Proxy-Authorization header value. Every configured
// credential is compared in full, so the time taken does not depend on
// whether the username exists.
func (a *Authenticator) Evaluate(headerValue string) AuthResult {
	headerValue = strings.TrimSpace(headerValue)
	if headerValue == "" {
		return AuthResult{Outcome: Unauthenticated}
	}

	scheme, encoded, ok := strings.Cut(headerValue, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return AuthResult{Outcome: Invalid}
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return AuthResult{Outcome: Invalid}
	}

	username, secret, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return AuthResult{Outcome: Invalid}
	}

	userDigest := sha256.Sum256([]byte(username))
	secretDigest := sha256.Sum256([]byte(secret))

	found := -1
	for i := range a.creds {
		userMatch := subtle.ConstantTimeCompare(userDigest[:], a.creds[i].user[:])
		secretMatch := subtle.ConstantTimeCompare(secretDigest[:], a.creds[i].secret[:])
		found = subtle.ConstantTimeSelect(userMatch&secretMatch, i, found)
	}

	if found < 0 {
		return AuthResult{Outcome: Invalid}
	}
	return AuthResult{Outcome: Authenticated, User: a.creds[found].name}
}
