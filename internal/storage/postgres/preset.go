package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/oolio-pos/internal/domain/discount"
)

const (
	findPresetSQL = `SELECT code, kind, value, description, valid_from, valid_until, max_uses, uses
		FROM discount_presets WHERE code = UPPER($1) AND active`

	upsertPresetSQL = `INSERT INTO discount_presets (code, kind, value, description, valid_from, valid_until, max_uses)
		VALUES (UPPER($1), $2, $3, $4, $5, $6, $7)
		ON CONFLICT (code) DO UPDATE SET
			kind = EXCLUDED.kind,
			value = EXCLUDED.value,
			description = EXCLUDED.description,
			valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until,
			max_uses = EXCLUDED.max_uses,
			active = TRUE`
)

var _ discount.PresetRepository = (*PresetRepository)(nil)

// PresetRepository implements discount.PresetRepository backed by PostgreSQL.
type PresetRepository struct {
	pool *pgxpool.Pool
}

// NewPresetRepository returns a PresetRepository that uses the given pool.
func NewPresetRepository(pool *pgxpool.Pool) *PresetRepository {
	return &PresetRepository{pool: pool}
}

// FindByCode looks up an active preset. Codes are case-insensitive.
// Returns discount.ErrUnknownCode when no active preset matches.
func (r *PresetRepository) FindByCode(ctx context.Context, code string) (*discount.Preset, error) {
	var (
		p    discount.Preset
		kind string
	)
	err := r.pool.QueryRow(ctx, findPresetSQL, code).Scan(
		&p.Code, &kind, &p.Value, &p.Description,
		&p.ValidFrom, &p.ValidUntil, &p.MaxUses, &p.Uses,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrUnknownCode
		}
		return nil, fmt.Errorf("finding preset %q: %w", code, err)
	}
	p.Kind = discount.Kind(kind)
	return &p, nil
}

// Upsert stores a preset. The usage counter is left untouched.
func (r *PresetRepository) Upsert(ctx context.Context, p discount.Preset) error {
	_, err := r.pool.Exec(ctx, upsertPresetSQL,
		p.Code, string(p.Kind), p.Value, p.Description, p.ValidFrom, p.ValidUntil, p.MaxUses)
	if err != nil {
		return fmt.Errorf("upserting preset %q: %w", p.Code, err)
	}
	return nil
}
