package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"opinions.market/internal/ids"
)

var testSecret = []byte("0123456789abcdef-test")

func TestIssueAndParse(t *testing.T) {
	tokens, err := NewTokens(testSecret)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	admin := ids.Hash([]byte("admin"))

	token, exp, err := tokens.Issue(admin, []string{"Admin", "operator", "admin"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expected future expiration, got %v", exp)
	}

	claims, err := tokens.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != admin.String() {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if len(claims.Roles) != 2 || !slices.Contains(claims.Roles, RoleAdmin) || !claims.HasRole("OPERATOR") {
		t.Fatalf("roles were not normalized: %v", claims.Roles)
	}
	id, err := claims.Identity()
	if err != nil || id != admin {
		t.Fatalf("Identity = %v, %v", id, err)
	}
	if claims.ID == "" {
		t.Fatal("expected jti")
	}
}

func TestParseRejects(t *testing.T) {
	tokens, err := NewTokens(testSecret)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	other, err := NewTokens([]byte("another-secret-of-length"))
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	admin := ids.Hash([]byte("admin"))

	foreign, _, err := other.Issue(admin, []string{RoleAdmin}, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	past := time.Now().Add(-2 * time.Hour)
	tokens.now = func() time.Time { return past }
	expired, _, err := tokens.Issue(admin, nil, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	tokens.now = time.Now

	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "not-base58-0OIl",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	for name, tok := range map[string]string{
		"empty":       "",
		"garbage":     "abc.def.ghi",
		"foreign":     foreign,
		"expired":     expired,
		"bad subject": badSubject,
	} {
		if _, err := tokens.Parse(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestNewTokensValidation(t *testing.T) {
	if _, err := NewTokens([]byte("short")); !errors.Is(err, ErrWeakSecret) {
		t.Fatalf("expected ErrWeakSecret, got %v", err)
	}
	t.Setenv(SecretEnv, "")
	if _, err := FromEnv(); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
	t.Setenv(SecretEnv, string(testSecret))
	if _, err := FromEnv(); err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	tokens, _ := NewTokens(testSecret)
	if _, _, err := tokens.Issue(ids.Zero, nil, time.Minute); err == nil {
		t.Fatal("expected error for zero subject")
	}
}

func TestClaimsContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := ClaimsFromContext(ctx); ok {
		t.Fatal("unexpected claims")
	}
	c := &Claims{Roles: []string{RoleAdmin}}
	c.Subject = "subject"
	ctx = ContextWithClaims(ctx, c)
	got, ok := SubjectFromContext(ctx)
	if !ok || got != "subject" {
		t.Fatalf("SubjectFromContext = %q, %v", got, ok)
	}
}
