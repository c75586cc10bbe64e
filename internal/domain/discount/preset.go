package discount

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownCode is returned when no active preset matches a code.
	ErrUnknownCode = errors.New("unknown discount code")
	// ErrExpired is returned when a preset is outside its valid time window.
	ErrExpired = errors.New("discount code expired")
	// ErrUsageLimitReached is returned when a preset has exhausted its allowed uses.
	ErrUsageLimitReached = errors.New("discount code usage limit reached")
)

// Preset is a named discount an operator can apply by code, e.g. happy hour.
type Preset struct {
	Code        string
	Kind        Kind
	Value       decimal.Decimal
	Description string
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	MaxUses     int
	Uses        int
}

// PresetRepository provides lookup of presets by code.
type PresetRepository interface {
	FindByCode(ctx context.Context, code string) (*Preset, error)
}

// Resolver turns preset codes into discount specs.
type Resolver struct {
	repo PresetRepository
	now  func() time.Time
}

// NewResolver creates a Resolver backed by the given repository.
func NewResolver(repo PresetRepository) *Resolver {
	return &Resolver{repo: repo, now: time.Now}
}

// Resolve looks up the preset for code and checks its validity window and
// usage limit. Uses are counted when the order is finalized, not here.
func (r *Resolver) Resolve(ctx context.Context, code string) (Spec, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Spec{}, ErrUnknownCode
	}

	p, err := r.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrUnknownCode) {
			return Spec{}, ErrUnknownCode
		}
		return Spec{}, errors.Wrap(err, "lookup preset")
	}

	now := r.now()
	if p.ValidFrom != nil && now.Before(*p.ValidFrom) {
		return Spec{}, ErrExpired
	}
	if p.ValidUntil != nil && now.After(*p.ValidUntil) {
		return Spec{}, ErrExpired
	}
	if p.MaxUses > 0 && p.Uses >= p.MaxUses {
		return Spec{}, ErrUsageLimitReached
	}

	spec := Spec{
		Kind:   p.Kind,
		Value:  p.Value,
		Reason: p.Description,
		Code:   p.Code,
	}
	if err := Validate(spec); err != nil {
		return Spec{}, errors.Wrapf(err, "preset %s", p.Code)
	}
	return spec, nil
}
