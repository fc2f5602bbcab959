package credentials

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Request headers carrying the remote application's login.
const (
	HeaderLoginKey      = "X-Login-Key"
	HeaderLoginPassword = "X-Login-Password"
	HeaderTestMode      = "X-Test-Mode"
)

var ErrMissing = errors.New("login key and password are required")

// Credentials log into the remote scheduling application. They live in
// process memory only.
type Credentials struct {
	LoginKey      string
	LoginPassword string
}

func (c Credentials) Empty() bool {
	return c.LoginKey == "" || c.LoginPassword == ""
}

// Fingerprint identifies a credential pair without exposing it. Safe to log.
func (c Credentials) Fingerprint() string {
	sum := blake2b.Sum256([]byte(c.LoginKey + "\x00" + c.LoginPassword))
	return hex.EncodeToString(sum[:8])
}

// Equal compares in constant time.
func (c Credentials) Equal(o Credentials) bool {
	a := blake2b.Sum256([]byte(c.LoginKey + "\x00" + c.LoginPassword))
	b := blake2b.Sum256([]byte(o.LoginKey + "\x00" + o.LoginPassword))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// FromHeader extracts credentials from request headers.
func FromHeader(h http.Header) (Credentials, error) {
	c := Credentials{
		LoginKey:      strings.TrimSpace(h.Get(HeaderLoginKey)),
		LoginPassword: h.Get(HeaderLoginPassword),
	}
	if c.Empty() {
		return Credentials{}, ErrMissing
	}
	return c, nil
}

// TestMode reports whether the caller asked for diagnostic artifacts.
func TestMode(h http.Header) bool {
	switch strings.ToLower(strings.TrimSpace(h.Get(HeaderTestMode))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
