package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/johnrirwin/keygate/internal/models"
)

const (
	adminRole   = "admin"
	tokenIssuer = "keygate"
	// MinSecretLength is the shortest accepted ADMIN_JWT_SECRET.
	MinSecretLength = 32
)

// AdminClaims are carried by operator tokens.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminTokens issues and verifies HS256 operator tokens for the admin API.
type AdminTokens struct {
	secret []byte
	now    func() time.Time
}

func NewAdminTokens(secret string) (*AdminTokens, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("admin token secret must be at least %d characters", MinSecretLength)
	}
	return &AdminTokens{secret: []byte(secret), now: time.Now}, nil
}

// Issue signs an admin token for subject valid for ttl.
func (t *AdminTokens) Issue(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	now := t.now()
	claims := AdminClaims{
		Role: adminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign admin token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer, expiry and role. Any failure is reported
// as ErrInvalidCredential.
func (t *AdminTokens) Verify(token string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if claims.Role != adminRole {
		return nil, fmt.Errorf("%w: role %q is not admin", ErrInvalidCredential, claims.Role)
	}
	return claims, nil
}

// Principal converts verified claims into an operator principal.
func (c *AdminClaims) Principal() *Principal {
	return &Principal{
		ID:          c.Subject,
		Permissions: []string{models.PermissionAdmin},
		Source:      SourceAdminToken,
	}
}
