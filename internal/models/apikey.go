package models

import (
	"regexp"
	"strings"
	"time"

	goaway "github.com/TwiN/go-away"
)

// PermissionAdmin grants access to the key management API.
const PermissionAdmin = "admin"

// Default permissions granted to keys created without an explicit set.
var DefaultPermissions = []string{"chat", "usage"}

// APIKey is the durable credential record. Only the SHA-256 digest of the
// secret is stored.
type APIKey struct {
	ID             string     `json:"id"`
	PrincipalID    string     `json:"principal_id"`
	Name           string     `json:"name"`
	KeyHash        string     `json:"-"`
	Permissions    []string   `json:"permissions"`
	QuotaPerWindow int64      `json:"quota_per_window"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
}

// HasPermission reports whether the key grants perm.
func (k *APIKey) HasPermission(perm string) bool {
	return HasPermission(k.Permissions, perm)
}

// CreateAPIKeyParams is the admin request to mint a new key.
type CreateAPIKeyParams struct {
	PrincipalID    string   `json:"principal_id"`
	Name           string   `json:"name"`
	Permissions    []string `json:"permissions"`
	QuotaPerWindow int64    `json:"quota_per_window"`
}

// CreatedAPIKey is returned exactly once, when the raw key is still known.
type CreatedAPIKey struct {
	APIKey
	Key string `json:"key"`
}

// APIKeysResponse lists keys for a principal.
type APIKeysResponse struct {
	Keys       []APIKey `json:"keys"`
	TotalCount int      `json:"total_count"`
}

var (
	principalIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:@-]{1,128}$`)
	keyNamePattern     = regexp.MustCompile(`^[A-Za-z0-9 _.-]{0,64}$`)
	permissionPattern  = regexp.MustCompile(`^[a-z][a-z0-9_.:-]{0,63}$`)
)

// Validate normalizes and checks the params in place.
func (p *CreateAPIKeyParams) Validate() error {
	p.PrincipalID = strings.TrimSpace(p.PrincipalID)
	p.Name = strings.TrimSpace(p.Name)

	if p.PrincipalID == "" {
		return &ValidationError{Field: "principal_id", Message: "principal_id is required"}
	}
	if !principalIDPattern.MatchString(p.PrincipalID) {
		return &ValidationError{Field: "principal_id", Message: "principal_id contains invalid characters"}
	}
	if err := ValidateKeyName(p.Name); err != nil {
		return err
	}
	if p.QuotaPerWindow < 0 {
		return &ValidationError{Field: "quota_per_window", Message: "quota_per_window cannot be negative"}
	}

	if len(p.Permissions) == 0 {
		p.Permissions = append([]string(nil), DefaultPermissions...)
	}
	p.Permissions = NormalizePermissions(p.Permissions)
	for _, perm := range p.Permissions {
		if !permissionPattern.MatchString(perm) {
			return &ValidationError{Field: "permissions", Message: "invalid permission: " + perm}
		}
	}

	return nil
}

// ValidateKeyName checks an optional human-readable label for a key.
func ValidateKeyName(name string) error {
	return validateKeyNameWithChecker(name, goaway.NewProfanityDetector())
}

func validateKeyNameWithChecker(name string, detector *goaway.ProfanityDetector) error {
	if !keyNamePattern.MatchString(name) {
		return &ValidationError{Field: "name", Message: "name can only contain letters, numbers, spaces, dots, underscores, and hyphens"}
	}
	if name != "" && detector.IsProfane(name) {
		return &ValidationError{Field: "name", Message: "name contains inappropriate language"}
	}
	return nil
}

// NormalizePermissions lowercases, trims, and de-duplicates, keeping order.
func NormalizePermissions(perms []string) []string {
	seen := make(map[string]bool, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// ParsePermissions splits the stored comma-separated permission column.
func ParsePermissions(s string) []string {
	if strings.TrimSpace(s) == "" {
		return []string{}
	}
	return NormalizePermissions(strings.Split(s, ","))
}

// JoinPermissions is the inverse of ParsePermissions.
func JoinPermissions(perms []string) string {
	return strings.Join(NormalizePermissions(perms), ",")
}

// HasPermission reports whether perms contains perm. The admin permission
// implies every other permission.
func HasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm || p == PermissionAdmin {
			return true
		}
	}
	return false
}
