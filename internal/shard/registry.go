package shard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/shard-ledger/internal/ledger"
	"github.com/example/shard-ledger/internal/resilience"
)

var ErrUnknownShard = errors.New("unknown shard")

// GuardName is the resilience resource name of a shard.
func GuardName(id int) string { return fmt.Sprintf("shard-%d", id) }

// Registry owns the store and guard of every shard. Build it once at
// startup and pass it to whatever needs shard access.
type Registry struct {
	stores []ledger.Store
	guards []*resilience.Guard
}

// NewRegistry registers one guard per store; store i is shard i.
func NewRegistry(stores []ledger.Store, res *resilience.Registry, profile resilience.Profile) (*Registry, error) {
	if len(stores) == 0 {
		return nil, errors.New("at least one shard store is required")
	}
	if profile.Retryable == nil {
		profile.Retryable = ledger.IsTransient
	}
	if profile.Failure == nil {
		// A held prepare lock says nothing about the shard's health.
		profile.Failure = func(err error) bool {
			return ledger.IsTransient(err) && !errors.Is(err, ledger.ErrAccountBusy)
		}
	}
	r := &Registry{stores: stores, guards: make([]*resilience.Guard, len(stores))}
	for i := range stores {
		r.guards[i] = res.Register(GuardName(i), profile)
	}
	return r, nil
}

// Open connects one store per DSN. postgres:// DSNs use pgx, anything else
// is a SQLite path.
func Open(ctx context.Context, dsns []string) ([]ledger.Store, error) {
	stores := make([]ledger.Store, 0, len(dsns))
	for i, dsn := range dsns {
		s, err := openStore(ctx, dsn)
		if err != nil {
			for _, opened := range stores {
				opened.Close()
			}
			return nil, fmt.Errorf("shard %d: %w", i, err)
		}
		stores = append(stores, s)
	}
	return stores, nil
}

func openStore(ctx context.Context, dsn string) (ledger.Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return ledger.OpenPostgres(ctx, dsn)
	}
	return ledger.OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"))
}

func (r *Registry) Count() int { return len(r.stores) }

func (r *Registry) IDs() []int {
	ids := make([]int, len(r.stores))
	for i := range ids {
		ids[i] = i
	}
	return ids
}

func (r *Registry) Store(id int) (ledger.Store, error) {
	if id < 0 || id >= len(r.stores) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownShard, id)
	}
	return r.stores[id], nil
}

// Do runs fn against shard id through that shard's guard.
func (r *Registry) Do(ctx context.Context, id int, fn func(context.Context, ledger.Store) error) error {
	s, err := r.Store(id)
	if err != nil {
		return err
	}
	return r.guards[id].Do(ctx, func(ctx context.Context) error {
		return fn(ctx, s)
	})
}

func (r *Registry) Close() error {
	var errs []error
	for i, s := range r.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
