package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"opinions.market/internal/ids"
)

const (
	issuer = "opinions.market"
	// SecretEnv names the variable FromEnv reads the signing secret from.
	SecretEnv = "MARKET_AUTH_SECRET"

	// allowed issued-at clock skew
	issuedAtSkew = 5 * time.Second
	minSecretLen = 16
)

// Roles carried by operator tokens.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// Claims represents JWT claims of an operator token. The subject is the
// operator's market identity in base58.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Identity returns the market key named by the subject.
func (c *Claims) Identity() (ids.Pubkey, error) {
	return ids.Parse(c.Subject)
}

// HasRole reports whether the claims carry role.
func (c *Claims) HasRole(role string) bool {
	role = normalizeRole(role)
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Tokens issues and verifies HS256 operator tokens.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

// NewTokens creates a token service signing with secret.
func NewTokens(secret []byte) (*Tokens, error) {
	if len(secret) < minSecretLen {
		return nil, ErrWeakSecret
	}
	return &Tokens{secret: append([]byte(nil), secret...), now: time.Now}, nil
}

// FromEnv reads the signing secret from MARKET_AUTH_SECRET.
func FromEnv() (*Tokens, error) {
	raw := strings.TrimSpace(os.Getenv(SecretEnv))
	if raw == "" {
		return nil, ErrMissingSecret
	}
	return NewTokens([]byte(raw))
}

// Issue signs a token for subject carrying roles.
func (t *Tokens) Issue(subject ids.Pubkey, roles []string, ttl time.Duration) (string, time.Time, error) {
	if subject.IsZero() {
		return "", time.Time{}, errors.New("auth: subject is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("auth: ttl must be greater than zero")
	}

	now := t.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Roles: dedupeRoles(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies the token signature and required claims.
func (t *Tokens) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := t.validate(claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims.Roles = dedupeRoles(claims.Roles)
	return claims, nil
}

func (t *Tokens) validate(claims *Claims) error {
	if _, err := claims.Identity(); err != nil {
		return errors.New("subject is not a market identity")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := t.now().UTC()
	if claims.IssuedAt.Time.After(now.Add(issuedAtSkew)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

func normalizeRole(role string) string { return strings.TrimSpace(strings.ToLower(role)) }

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = normalizeRole(role)
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}
