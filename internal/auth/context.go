package auth

import (
	"context"

	"github.com/johnrirwin/keygate/internal/models"
)

type contextKey string

// UserIDKey holds the principal id on the request context.
const UserIDKey contextKey = "userID"

const principalKey contextKey = "principal"

// Source tells how a principal authenticated.
type Source string

const (
	SourceAPIKey     Source = "api_key"
	SourceAdminToken Source = "admin_token"
)

// Principal is the authenticated caller attached to a request.
type Principal struct {
	ID          string
	KeyID       string
	Permissions []string
	// Quota is the key's per-window ceiling; 0 means use the configured default.
	Quota  int64
	Source Source
}

func (p *Principal) HasPermission(perm string) bool {
	if p == nil {
		return false
	}
	return models.HasPermission(p.Permissions, perm)
}

func principalFromKey(key *models.APIKey) *Principal {
	return &Principal{
		ID:          key.PrincipalID,
		KeyID:       key.ID,
		Permissions: key.Permissions,
		Quota:       key.QuotaPerWindow,
		Source:      SourceAPIKey,
	}
}

// WithPrincipal returns ctx carrying p and its id.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	ctx = context.WithValue(ctx, principalKey, p)
	return context.WithValue(ctx, UserIDKey, p.ID)
}

// GetPrincipal returns the authenticated principal, or nil.
func GetPrincipal(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

// GetUserID returns the authenticated principal id, or "".
func GetUserID(ctx context.Context) string {
	id, _ := ctx.Value(UserIDKey).(string)
	return id
}
