package permission

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims are the JWT claims a TokenChecker expects in an auth
// token: who the client is, and which operations their grant covers.
type TokenClaims struct {
	jwt.RegisteredClaims
	Username string   `json:"name,omitempty"`
	Role     string   `json:"role,omitempty"`
	Ops      []string `json:"ops,omitempty"`
}

// TokenChecker validates HS256-signed bearer tokens and authorizes
// operations against the claims embedded in them. UserContext.Token
// must carry the token previously validated during the auth handshake
// (see Authenticate), which populates the user's grants for later
// checks.
type TokenChecker struct {
	Secret []byte
}

// NewTokenChecker creates a TokenChecker that verifies tokens signed
// with secret.
func NewTokenChecker(secret []byte) *TokenChecker {
	return &TokenChecker{Secret: secret}
}

// Authenticate verifies tokenString and returns the UserContext it
// grants, for use during the connection's auth handshake.
func (c *TokenChecker) Authenticate(clientID, tokenString string) (UserContext, error) {
	claims, err := c.parse(tokenString)
	if err != nil {
		return UserContext{}, err
	}
	return UserContext{
		ClientID:    clientID,
		UserID:      claims.Subject,
		Username:    claims.Username,
		Role:        claims.Role,
		Token:       tokenString,
		Permissions: claims.Ops,
	}, nil
}

func (c *TokenChecker) parse(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("permission: parse token: %w", err)
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("permission: invalid token claims")
	}
	return claims, nil
}

// Check reports whether the token presented by the user grants op.
// Re-parses the token on every check so revocation via expiry is
// immediate; callers needing lower latency should cache at a higher
// layer.
func (c *TokenChecker) Check(_ context.Context, user UserContext, op Operation, _ string) (bool, error) {
	claims, err := c.parse(user.Token)
	if err != nil {
		return false, err
	}
	for _, allowed := range claims.Ops {
		if Operation(allowed) == op || Operation(allowed) == OpAdmin {
			return true, nil
		}
	}
	return false, nil
}
