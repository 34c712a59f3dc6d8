// Package auth issues and validates the pre-shared node tokens carried on
// a node.register frame. Unlike the user-login JWTs this gateway has no
// analogue for (no interactive login flow — identity resolution is an
// external collaborator here), node tokens are symmetric: the
// same shared secret both signs and verifies, since there is no separate
// party that must only be able to verify.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenDuration bounds how long an issued node token remains valid.
// Generous relative to a user session since re-issuing a node's token
// means restarting that node's process.
const tokenDuration = 24 * time.Hour

// ErrTokenExpired is returned by Validate for a token past its expiry.
var ErrTokenExpired = errors.New("auth: token expired")

// ErrTokenInvalid is returned by Validate for any other verification
// failure (bad signature, wrong issuer, malformed token).
var ErrTokenInvalid = errors.New("auth: token invalid")

// Claims holds the node identity embedded in a node token.
type Claims struct {
	jwt.RegisteredClaims
	NodeID string `json:"nid"`
}

// Manager issues and validates HS256 node tokens under a single shared
// secret. The zero value is not usable — construct with New.
type Manager struct {
	secret []byte
	issuer string
}

// New creates a Manager. secret must be non-empty; it is the gateway
// operator's pre-shared key, distributed to nodes out of band.
func New(secret []byte, issuer string) (*Manager, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("auth: secret must not be empty")
	}
	return &Manager{secret: secret, issuer: issuer}, nil
}

// IssueToken creates a signed HS256 token binding nodeID.
func (m *Manager) IssueToken(nodeID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   nodeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenDuration)),
		},
		NodeID: nodeID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies tokenString, returning the embedded
// node identity on success.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.NodeID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
