package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/example/ride-bidding/internal/models"
)

type SettingsStore interface {
	LoadPricingSettings(ctx context.Context) (Settings, error)
	SavePricingSettings(ctx context.Context, s Settings) error
}

// Registry holds the current settings. Readers get a copy per call; updates
// swap the whole value.
type Registry struct {
	store   SettingsStore
	log     *slog.Logger
	current atomic.Pointer[Settings]
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.log = l } }

func NewRegistry(store SettingsStore, opts ...Option) *Registry {
	r := &Registry{store: store, log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	d := DefaultSettings()
	r.current.Store(&d)
	return r
}

// Load reads persisted settings, seeding the store with defaults on first run.
// A stored row that fails validation is left in place and defaults are used
// until an operator replaces it.
func (r *Registry) Load(ctx context.Context) error {
	s, err := r.store.LoadPricingSettings(ctx)
	if errors.Is(err, models.ErrNotFound) {
		s = DefaultSettings()
		s.UpdatedAt = time.Now().UTC()
		if err := r.store.SavePricingSettings(ctx, s); err != nil {
			return fmt.Errorf("seed pricing settings: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("load pricing settings: %w", err)
	} else if verr := s.Validate(); verr != nil {
		r.log.Error("stored pricing settings invalid, using defaults", "error", verr)
		s = DefaultSettings()
	}
	r.current.Store(&s)
	return nil
}

func (r *Registry) Current() Settings {
	return *r.current.Load()
}

func (r *Registry) Update(ctx context.Context, s Settings) (Settings, error) {
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	s.UpdatedAt = time.Now().UTC()
	if err := r.store.SavePricingSettings(ctx, s); err != nil {
		return Settings{}, fmt.Errorf("save pricing settings: %w", err)
	}
	r.current.Store(&s)
	return s, nil
}
