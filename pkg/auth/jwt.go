// Package auth issues and checks the HS256 bearer tokens that guard the
// coordinator's admin row and tick endpoints.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrInvalidClaims = errors.New("invalid token claims")
	ErrEmptySubject  = errors.New("subject cannot be empty")
	ErrInvalidRole   = errors.New("invalid role")
	ErrShortSecret   = errors.New("secret must be at least 32 characters")
	ErrForbidden     = errors.New("role not allowed")
)

// Roles. An operator may do everything a viewer may.
const (
	RoleOperator = "operator" // writes, deletes, manual ticks
	RoleViewer   = "viewer"   // reads
)

var roleRank = map[string]int{
	RoleViewer:   1,
	RoleOperator: 2,
}

// Claims are the validated contents of a token
type Claims struct {
	Subject   string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Allows reports whether the claims grant at least role
func (c *Claims) Allows(role string) bool {
	return roleRank[c.Role] >= roleRank[role] && roleRank[role] > 0
}

// TokenManager issues and validates tokens signed with a shared secret.
// Every coordinator in the fleet uses the same secret, so a token works on any node.
type TokenManager struct {
	secretKey     []byte
	tokenDuration time.Duration
}

// NewTokenManager creates a token manager.
// Returns an error if the secret is shorter than 32 characters.
func NewTokenManager(secret string, tokenDuration time.Duration) (*TokenManager, error) {
	if len(secret) < 32 {
		return nil, ErrShortSecret
	}
	if tokenDuration <= 0 {
		tokenDuration = 24 * time.Hour
	}
	return &TokenManager{
		secretKey:     []byte(secret),
		tokenDuration: tokenDuration,
	}, nil
}

// Issue signs a token for subject with the given role
func (m *TokenManager) Issue(subject, role string) (string, error) {
	if subject == "" {
		return "", ErrEmptySubject
	}
	if _, ok := roleRank[role]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(m.tokenDuration).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate checks the signature and expiry of tokenString and returns its claims
func (m *TokenManager) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secretKey, nil
	}, jwt.WithExpirationRequired())
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claimsMap, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidClaims
	}

	subject, err := claimsMap.GetSubject()
	if err != nil || subject == "" {
		return nil, fmt.Errorf("%w: missing or invalid sub", ErrInvalidClaims)
	}
	role, ok := claimsMap["role"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing or invalid role", ErrInvalidClaims)
	}
	if _, known := roleRank[role]; !known {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	claims := &Claims{Subject: subject, Role: role}
	if iat, err := claimsMap.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	if exp, err := claimsMap.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	return claims, nil
}
