package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewAdminTokens_ShortSecret(t *testing.T) {
	if _, err := NewAdminTokens("short"); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestAdminTokens_IssueVerify(t *testing.T) {
	tokens, err := NewAdminTokens(testSecret)
	if err != nil {
		t.Fatalf("NewAdminTokens: %v", err)
	}

	token, err := tokens.Issue("ops@example.com", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := tokens.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	p := claims.Principal()
	if p.ID != "ops@example.com" || p.Source != SourceAdminToken || !p.HasPermission("admin") {
		t.Errorf("principal = %+v", p)
	}
}

func TestAdminTokens_Rejects(t *testing.T) {
	tokens, _ := NewAdminTokens(testSecret)
	other, _ := NewAdminTokens(strings.Repeat("z", 32))

	expired := *tokens
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredToken, _ := expired.Issue("ops", time.Hour)

	foreignToken, _ := other.Issue("ops", time.Hour)

	wrongRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		Role: "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))

	noneAlg, _ := jwt.NewWithClaims(jwt.SigningMethodNone, AdminClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"expired":        expiredToken,
		"foreign secret": foreignToken,
		"wrong role":     wrongRole,
		"none algorithm": noneAlg,
		"garbage":        "not-a-jwt",
	}

	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := tokens.Verify(token); !errors.Is(err, ErrInvalidCredential) {
				t.Fatalf("Verify error = %v, want ErrInvalidCredential", err)
			}
		})
	}
}

func TestAdminTokens_IssueRequiresSubject(t *testing.T) {
	tokens, _ := NewAdminTokens(testSecret)
	if _, err := tokens.Issue("", time.Hour); err == nil {
		t.Fatal("expected error for empty subject")
	}
}
