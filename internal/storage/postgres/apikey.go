package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/oolio-pos/internal/domain/auth"
)

const (
	findAPIKeySQL = `SELECT id, key_hash, operator_id, name, scopes
		FROM api_keys WHERE key_hash = $1 AND active`

	upsertAPIKeySQL = `INSERT INTO api_keys (id, key_hash, operator_id, name, scopes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			key_hash = EXCLUDED.key_hash,
			operator_id = EXCLUDED.operator_id,
			name = EXCLUDED.name,
			scopes = EXCLUDED.scopes,
			active = TRUE`
)

var _ auth.Repository = (*APIKeyRepository)(nil)

// APIKeyRepository provides API key lookups backed by PostgreSQL.
type APIKeyRepository struct {
	pool *pgxpool.Pool
}

// NewAPIKeyRepository returns an APIKeyRepository that uses the given pool.
func NewAPIKeyRepository(pool *pgxpool.Pool) *APIKeyRepository {
	return &APIKeyRepository{pool: pool}
}

// FindByHash looks up an active API key by its HMAC-SHA256 hash.
// Returns auth.ErrUnauthorized when no matching key exists.
func (r *APIKeyRepository) FindByHash(ctx context.Context, hash string) (*auth.APIKeyInfo, error) {
	var info auth.APIKeyInfo
	err := r.pool.QueryRow(ctx, findAPIKeySQL, hash).
		Scan(&info.ID, &info.KeyHash, &info.OperatorID, &info.Name, &info.Scopes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrUnauthorized
		}
		return nil, fmt.Errorf("finding api key by hash: %w", err)
	}
	return &info, nil
}

// Upsert stores an API key, reactivating it if it was revoked.
func (r *APIKeyRepository) Upsert(ctx context.Context, info auth.APIKeyInfo) error {
	scopes := info.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	if _, err := r.pool.Exec(ctx, upsertAPIKeySQL, info.ID, info.KeyHash, info.OperatorID, info.Name, scopes); err != nil {
		return fmt.Errorf("upserting api key %q: %w", info.ID, err)
	}
	return nil
}
