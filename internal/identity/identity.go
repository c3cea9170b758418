// ABOUTME: JWT-based participant identity for chat sessions
// ABOUTME: HS256 tokens carrying subject and role claims, role-gated operations

package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrUnknownRole  = errors.New("unknown role")
	// ErrForbidden is returned when an operation requires a role the
	// caller does not hold.
	ErrForbidden = errors.New("operation not permitted for role")
)

// Role distinguishes the two sides of a support conversation.
type Role string

const (
	RoleClient Role = "client"
	RoleAgent  Role = "agent"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleAgent
}

// Identity is a verified participant.
type Identity struct {
	UserID string
	Role   Role
}

// IsAgent reports whether the identity belongs to a support agent.
func (id Identity) IsAgent() bool {
	return id.Role == RoleAgent
}

// Verifier validates bearer tokens into identities.
type Verifier interface {
	Verify(tokenString string) (Identity, error)
}

// JWTVerifier implements Verifier using HS256 signed JWTs. The subject claim
// carries the user ID and a custom "role" claim carries the participant role.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier with the given secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the identity from the "sub" and
// "role" claims.
func (v *JWTVerifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Identity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	roleClaim, ok := claims["role"].(string)
	if !ok || roleClaim == "" {
		return Identity{}, fmt.Errorf("%w: role", ErrMissingClaim)
	}
	role := Role(roleClaim)
	if !role.Valid() {
		return Identity{}, fmt.Errorf("%w: %q", ErrUnknownRole, roleClaim)
	}

	return Identity{UserID: sub, Role: role}, nil
}

// Generate creates a signed token for the given identity with expiration.
func (v *JWTVerifier) Generate(id Identity, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  id.UserID,
		"role": string(id.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// RequireAgent returns ErrForbidden unless the identity is an agent. Status
// overrides and conversation closure are agent-only operations.
func RequireAgent(id Identity) error {
	if !id.IsAgent() {
		return fmt.Errorf("%w: %s", ErrForbidden, id.Role)
	}
	return nil
}
