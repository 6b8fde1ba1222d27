package keys

import (
	"context"
	"errors"
	"fmt"
)

// Store persists sealed key material by name.
type Store interface {
	LoadKey(ctx context.Context, name string) (Sealed, error)
	SaveKey(ctx context.Context, name string, key Sealed) error
}

// LoadOrGenerate opens the named key, generating and persisting it when absent.
// The boolean reports whether a new key was created.
func LoadOrGenerate(ctx context.Context, store Store, name, password string) (*Manager, bool, error) {
	sealed, err := store.LoadKey(ctx, name)
	switch {
	case err == nil:
		m, err := Open(sealed, password)
		if err != nil {
			return nil, false, fmt.Errorf("keys: open %s: %w", name, err)
		}
		return m, false, nil
	case errors.Is(err, ErrNotFound):
		m, err := Regenerate(ctx, store, name, password)
		if err != nil {
			return nil, false, err
		}
		return m, true, nil
	default:
		return nil, false, fmt.Errorf("keys: load %s: %w", name, err)
	}
}

// Regenerate replaces the named key. Every token signed by the old key stops verifying.
func Regenerate(ctx context.Context, store Store, name, password string) (*Manager, error) {
	m, err := Generate()
	if err != nil {
		return nil, err
	}
	sealed, err := m.Seal(password)
	if err != nil {
		return nil, err
	}
	if err := store.SaveKey(ctx, name, sealed); err != nil {
		return nil, fmt.Errorf("keys: save %s: %w", name, err)
	}
	return m, nil
}
