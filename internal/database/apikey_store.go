package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/johnrirwin/keygate/internal/models"
)

var (
	// ErrNotFound is returned by mutations that match no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned when a key digest is already stored.
	ErrDuplicateKey = errors.New("api key already exists")
)

const apiKeyColumns = `id, principal_id, name, key_hash, permissions, quota_per_window, active, created_at, last_used_at`

// APIKeyStore handles credential record operations
type APIKeyStore struct {
	db  *DB
	now func() time.Time
}

// NewAPIKeyStore creates a new API key store
func NewAPIKeyStore(db *DB) *APIKeyStore {
	return &APIKeyStore{db: db, now: time.Now}
}

// Create stores a new credential record for an already digested key.
func (s *APIKeyStore) Create(ctx context.Context, params models.CreateAPIKeyParams, keyHash string) (*models.APIKey, error) {
	key := &models.APIKey{
		ID:             uuid.NewString(),
		PrincipalID:    params.PrincipalID,
		Name:           params.Name,
		KeyHash:        keyHash,
		Permissions:    models.NormalizePermissions(params.Permissions),
		QuotaPerWindow: params.QuotaPerWindow,
		Active:         true,
		CreatedAt:      s.now().UTC().Truncate(time.Microsecond),
	}

	query := `
		INSERT INTO api_keys (` + apiKeyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		key.ID, key.PrincipalID, key.Name, key.KeyHash, models.JoinPermissions(key.Permissions),
		key.QuotaPerWindow, key.Active, key.CreatedAt, nullTime(key.LastUsedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("failed to create api key: %w", err)
	}

	return key, nil
}

// GetByHash looks up a record by digest equality. Returns nil, nil when no
// record matches; inactive records are returned so callers can reject them.
func (s *APIKeyStore) GetByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key_hash = ?`
	return s.scanAPIKey(s.db.QueryRowContext(ctx, query, keyHash))
}

// GetByID retrieves a record by ID
func (s *APIKeyStore) GetByID(ctx context.Context, id string) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = ?`
	return s.scanAPIKey(s.db.QueryRowContext(ctx, query, id))
}

// List returns a principal's keys, newest first. An empty principalID lists
// every key.
func (s *APIKeyStore) List(ctx context.Context, principalID string) ([]models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []interface{}
	if principalID != "" {
		query += ` WHERE principal_id = ?`
		args = append(args, principalID)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	keys := []models.APIKey{}
	for rows.Next() {
		key, err := scanAPIKeyRow(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *key)
	}
	return keys, rows.Err()
}

// TouchLastUsed records a successful validation.
func (s *APIKeyStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE api_keys SET last_used_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, at.UTC(), id)
	return err
}

// SetActive activates or revokes a key.
func (s *APIKeyStore) SetActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE api_keys SET active = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, active, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *APIKeyStore) scanAPIKey(row *sql.Row) (*models.APIKey, error) {
	key, err := scanAPIKeyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

func scanAPIKeyRow(row rowScanner) (*models.APIKey, error) {
	key := &models.APIKey{}
	var permissions string
	var lastUsedAt sql.NullTime

	err := row.Scan(
		&key.ID, &key.PrincipalID, &key.Name, &key.KeyHash, &permissions,
		&key.QuotaPerWindow, &key.Active, &key.CreatedAt, &lastUsedAt,
	)
	if err != nil {
		return nil, err
	}

	key.Permissions = models.ParsePermissions(permissions)
	key.CreatedAt = key.CreatedAt.UTC()
	if lastUsedAt.Valid {
		t := lastUsedAt.Time.UTC()
		key.LastUsedAt = &t
	}

	return key, nil
}
