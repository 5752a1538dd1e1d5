package store

import (
	"context"
	"errors"
	"time"

	"github.com/vaheed/novaspace/internal/security"
	"github.com/vaheed/novaspace/pkg/types"
)

// Store is the account registry holding the identities bound to namespaces.
// (namespace, userID) is unique and a namespace has at most one
// NAMESPACE_ADMIN identity.
type Store interface {
	Close(ctx context.Context) error
	Health(ctx context.Context) error

	// CreateIdentity assigns the ID and timestamps on success.
	CreateIdentity(ctx context.Context, id *types.Identity) error
	UpdateIdentity(ctx context.Context, id types.Identity) error
	DeleteIdentity(ctx context.Context, id types.ID) error
	GetIdentity(ctx context.Context, namespace, userID string) (types.Identity, error)
	ListByNamespace(ctx context.Context, namespace string) ([]types.Identity, error)
	ListByUser(ctx context.Context, userID string) ([]types.Identity, error)
	GetNamespaceAdmin(ctx context.Context, namespace string) (types.Identity, error)
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Open returns a Postgres store when dsn is set and an in-memory store
// otherwise. The sealer may be nil.
func Open(ctx context.Context, dsn string, sealer *security.Sealer) (Store, error) {
	if dsn == "" {
		return NewMemory(), nil
	}
	return NewPostgres(ctx, dsn, sealer)
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
