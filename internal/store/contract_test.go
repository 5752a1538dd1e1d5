package store

import (
	"context"
	"errors"
	"testing"

	"github.com/vaheed/novaspace/pkg/types"
)

// exerciseStore runs the behaviour every Store implementation must share.
func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	admin := &types.Identity{
		UserID:         "alice",
		Namespace:      "team-a",
		RoleCode:       "novaspace-admin-role",
		ServiceAccount: "alice",
		SecretName:     "alice-token",
		Token:          "token-a",
		UserType:       types.UserTypeNamespaceAdmin,
		Active:         true,
	}
	if err := st.CreateIdentity(ctx, admin); err != nil {
		t.Fatalf("create admin: %v", err)
	}
	if types.IsZeroID(admin.ID) || admin.CreatedAt.IsZero() {
		t.Fatalf("create must assign id and timestamps: %+v", admin)
	}

	dup := &types.Identity{UserID: "alice", Namespace: "team-a", UserType: types.UserTypeUser}
	if err := st.CreateIdentity(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for duplicate (namespace,user), got %v", err)
	}
	second := &types.Identity{UserID: "bob", Namespace: "team-a", UserType: types.UserTypeNamespaceAdmin}
	if err := st.CreateIdentity(ctx, second); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for second namespace admin, got %v", err)
	}

	member := &types.Identity{UserID: "bob", Namespace: "team-a", RoleCode: "novaspace-member-role", ServiceAccount: "bob", UserType: types.UserTypeUser}
	if err := st.CreateIdentity(ctx, member); err != nil {
		t.Fatalf("create member: %v", err)
	}
	other := &types.Identity{UserID: "alice", Namespace: "staging", UserType: types.UserTypeUser, Email: "alice@example.com"}
	if err := st.CreateIdentity(ctx, other); err != nil {
		t.Fatalf("create staging identity: %v", err)
	}

	got, err := st.GetIdentity(ctx, "team-a", "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Token != "token-a" || got.ID != admin.ID {
		t.Fatalf("unexpected identity: %+v", got)
	}
	if _, err := st.GetIdentity(ctx, "team-a", "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	list, err := st.ListByNamespace(ctx, "team-a")
	if err != nil || len(list) != 2 || list[0].UserID != "alice" || list[1].UserID != "bob" {
		t.Fatalf("list by namespace: %+v %v", list, err)
	}
	byUser, err := st.ListByUser(ctx, "alice")
	if err != nil || len(byUser) != 2 {
		t.Fatalf("list by user: %+v %v", byUser, err)
	}
	if a, err := st.GetNamespaceAdmin(ctx, "team-a"); err != nil || a.UserID != "alice" {
		t.Fatalf("namespace admin: %+v %v", a, err)
	}
	if _, err := st.GetNamespaceAdmin(ctx, "staging"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no admin in staging, got %v", err)
	}

	// Demote then promote: uniqueness must hold across updates.
	demoted := got
	demoted.UserType = types.UserTypeUser
	demoted.RoleCode = "novaspace-member-role"
	if err := st.UpdateIdentity(ctx, demoted); err != nil {
		t.Fatalf("demote: %v", err)
	}
	promoted, _ := st.GetIdentity(ctx, "team-a", "bob")
	promoted.UserType = types.UserTypeNamespaceAdmin
	if err := st.UpdateIdentity(ctx, promoted); err != nil {
		t.Fatalf("promote: %v", err)
	}
	again, _ := st.GetIdentity(ctx, "team-a", "alice")
	again.UserType = types.UserTypeNamespaceAdmin
	if err := st.UpdateIdentity(ctx, again); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict promoting a second admin, got %v", err)
	}

	if err := st.DeleteIdentity(ctx, member.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.DeleteIdentity(ctx, member.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
	if err := st.UpdateIdentity(ctx, types.Identity{ID: types.NewID(), Namespace: "x", UserID: "y"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating unknown id, got %v", err)
	}
	if err := st.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
}
