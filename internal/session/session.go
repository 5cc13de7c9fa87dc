// Package session models the client session as an immutable value carried in
// an opaque cookie. The gateway never stores sessions server-side: the token
// lives only for the duration of the request that decoded it, and successful
// authentication derives a new value rather than mutating the old one.
package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Cookie names consumed and issued by the gateway.
const (
	CookieSessionToken    = "session-token"
	CookieOriginalRequest = "original-request"
)

// Token is the session state round-tripped through the session-token cookie.
type Token struct {
	SID         string    `json:"sid"`
	AuthToken   string    `json:"authToken,omitempty"`
	SessionDate time.Time `json:"sessionDate,omitempty"`
}

// New mints a pre-authentication token with a fresh session id.
func New() Token {
	return Token{SID: uuid.NewString()}
}

// WithAuth derives a new token carrying the authentication result. The
// receiver is unchanged.
func (t Token) WithAuth(authToken string, sessionDate time.Time) Token {
	t.AuthToken = authToken
	t.SessionDate = sessionDate
	return t
}

// Authenticated reports whether the token has passed the handshake.
func (t Token) Authenticated() bool {
	return t.AuthToken != ""
}

// Encode serializes the token to its opaque cookie form. The auth token must
// never appear in a URL or body; the cookie is its only legal transport.
func (t Token) Encode() string {
	b, _ := json.Marshal(t)
	return base64.StdEncoding.EncodeToString(b)
}

// Decode parses an opaque cookie value back into a Token.
func Decode(value string) (Token, error) {
	b, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return Token{}, fmt.Errorf("invalid session cookie: %w", err)
	}
	var t Token
	if err := json.Unmarshal(b, &t); err != nil {
		return Token{}, fmt.Errorf("invalid session cookie: %w", err)
	}
	return t, nil
}

// EncodeOriginalURI encodes the pre-auth URI (path plus query) for the
// original-request cookie.
func EncodeOriginalURI(uri string) string {
	return base64.StdEncoding.EncodeToString([]byte(uri))
}

// DecodeOriginalURI decodes an original-request cookie value.
func DecodeOriginalURI(value string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
