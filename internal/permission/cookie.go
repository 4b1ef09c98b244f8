package permission

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

// CookieKeyringService is the OS keyring service name under which
// PersistSecret and LoadSecret keep a server secret.
const CookieKeyringService = "gatewayd"

// CookieChecker authorizes clients that present a server-issued opaque
// session cookie. Cookies are minted by Issue from crypto/rand and
// checked for simple membership in an in-memory map, so they do not
// survive a restart. A cookie carries no claims of its own: every holder
// of a live cookie is allowed every operation.
type CookieChecker struct {
	mu      sync.RWMutex
	cookies map[string]UserContext
}

// NewCookieChecker creates an empty CookieChecker.
func NewCookieChecker() *CookieChecker {
	return &CookieChecker{cookies: make(map[string]UserContext)}
}

// Issue mints a new opaque cookie bound to user and returns it. The
// stored UserContext carries the cookie as its Token, so the user that
// Authenticate returns passes Check.
func (c *CookieChecker) Issue(user UserContext) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("permission: generate cookie: %w", err)
	}
	cookie := base64.RawURLEncoding.EncodeToString(raw)
	user.Token = cookie

	c.mu.Lock()
	c.cookies[cookie] = user
	c.mu.Unlock()

	return cookie, nil
}

// Revoke invalidates a previously issued cookie.
func (c *CookieChecker) Revoke(cookie string) {
	c.mu.Lock()
	delete(c.cookies, cookie)
	c.mu.Unlock()
}

// Authenticate looks up the UserContext bound to cookie, for use
// during the connection's auth handshake.
func (c *CookieChecker) Authenticate(cookie string) (UserContext, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for stored, user := range c.cookies {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(cookie)) == 1 {
			return user, true
		}
	}
	return UserContext{}, false
}

// Check allows the operation if user.Token names a live cookie.
func (c *CookieChecker) Check(_ context.Context, user UserContext, _ Operation, _ string) (bool, error) {
	_, ok := c.Authenticate(user.Token)
	return ok, nil
}

// PersistSecret stores secret in the OS keyring under account, where
// LoadSecret can read it back after a restart. CookieChecker does not
// use it; gatewayd loads the token provider's secret with LoadSecret.
func PersistSecret(account string, secret []byte) error {
	encoded := base64.StdEncoding.EncodeToString(secret)
	if err := keyring.Set(CookieKeyringService, account, encoded); err != nil {
		return fmt.Errorf("permission: store secret in keyring: %w", err)
	}
	return nil
}

// LoadSecret reads a previously persisted secret from the OS keyring.
func LoadSecret(account string) ([]byte, error) {
	encoded, err := keyring.Get(CookieKeyringService, account)
	if err != nil {
		return nil, fmt.Errorf("permission: load secret from keyring: %w", err)
	}
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("permission: decode secret: %w", err)
	}
	return secret, nil
}
