package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vaheed/novaspace/pkg/types"
)

// Memory is an in-process Store for single-replica deployments and tests.
type Memory struct {
	mu         sync.RWMutex
	identities map[types.ID]types.Identity
}

func NewMemory() *Memory {
	return &Memory{identities: map[types.ID]types.Identity{}}
}

func (m *Memory) Close(ctx context.Context) error  { return nil }
func (m *Memory) Health(ctx context.Context) error { return nil }

func (m *Memory) CreateIdentity(ctx context.Context, id *types.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUnique(*id, types.ID{}); err != nil {
		return err
	}
	if types.IsZeroID(id.ID) {
		id.ID = types.NewID()
	} else if _, ok := m.identities[id.ID]; ok {
		return ErrConflict
	}
	id.CreatedAt = stamp(id.CreatedAt)
	id.UpdatedAt = id.CreatedAt
	m.identities[id.ID] = *id
	return nil
}

func (m *Memory) UpdateIdentity(ctx context.Context, id types.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.identities[id.ID]
	if !ok {
		return ErrNotFound
	}
	if err := m.checkUnique(id, id.ID); err != nil {
		return err
	}
	id.CreatedAt = cur.CreatedAt
	id.UpdatedAt = time.Now().UTC()
	m.identities[id.ID] = id
	return nil
}

func (m *Memory) DeleteIdentity(ctx context.Context, id types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[id]; !ok {
		return ErrNotFound
	}
	delete(m.identities, id)
	return nil
}

func (m *Memory) GetIdentity(ctx context.Context, namespace, userID string) (types.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.identities {
		if id.Namespace == namespace && id.UserID == userID {
			return id, nil
		}
	}
	return types.Identity{}, ErrNotFound
}

func (m *Memory) ListByNamespace(ctx context.Context, namespace string) ([]types.Identity, error) {
	return m.filter(func(id types.Identity) bool { return id.Namespace == namespace }), nil
}

func (m *Memory) ListByUser(ctx context.Context, userID string) ([]types.Identity, error) {
	return m.filter(func(id types.Identity) bool { return id.UserID == userID }), nil
}

func (m *Memory) GetNamespaceAdmin(ctx context.Context, namespace string) (types.Identity, error) {
	admins := m.filter(func(id types.Identity) bool {
		return id.Namespace == namespace && id.IsNamespaceAdmin()
	})
	if len(admins) == 0 {
		return types.Identity{}, ErrNotFound
	}
	return admins[0], nil
}

func (m *Memory) filter(keep func(types.Identity) bool) []types.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []types.Identity{}
	for _, id := range m.identities {
		if keep(id) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// checkUnique must be called with the write lock held. self is skipped so an
// update does not collide with its own row.
func (m *Memory) checkUnique(id types.Identity, self types.ID) error {
	for key, cur := range m.identities {
		if key == self || cur.Namespace != id.Namespace {
			continue
		}
		if cur.UserID == id.UserID {
			return ErrConflict
		}
		if id.IsNamespaceAdmin() && cur.IsNamespaceAdmin() {
			return ErrConflict
		}
	}
	return nil
}
