package provision

import (
	"context"
	"fmt"
	"strings"

	"github.com/vaheed/novaspace/internal/cluster"
	"github.com/vaheed/novaspace/internal/logging"
	"github.com/vaheed/novaspace/internal/reconcile"
	"github.com/vaheed/novaspace/pkg/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SyncMembers converges the namespace's non-administrator identities on
// desired. Role changes are applied first, then removals, then additions.
// Per-member failures do not stop the remaining members.
func (o *Orchestrator) SyncMembers(ctx context.Context, namespace string, desired []types.MembershipEntry) types.Result {
	return o.run(ctx, opSyncMembers, namespace, func(ctx context.Context) types.Result {
		want, err := o.validateMembers(namespace, desired)
		if err != nil {
			return fail("sync members rejected", err)
		}
		if _, err := o.cluster.Get(ctx, cluster.KindNamespace, "", namespace); err != nil {
			return fail("namespace lookup failed", err)
		}
		ids, err := o.store.ListByNamespace(ctx, namespace)
		if err != nil {
			return fail("list members failed", err)
		}
		have := make(map[string]types.Identity, len(ids))
		for _, id := range ids {
			if id.IsNamespaceAdmin() {
				if _, ok := want[id.ServiceAccount]; ok {
					return fail("sync members rejected", fmt.Errorf("%w: %s is the namespace administrator", ErrInvalidMembership, id.UserID))
				}
				continue
			}
			have[id.ServiceAccount] = id
		}

		wantNames := make([]string, 0, len(want))
		for name := range want {
			wantNames = append(wantNames, name)
		}
		haveNames := make([]string, 0, len(have))
		for name := range have {
			haveNames = append(haveNames, name)
		}

		var errs error
		for _, name := range reconcile.Intersect(wantNames, haveNames) {
			if role := want[name].Role; role != have[name].RoleCode {
				errs = multierr.Append(errs, o.changeRole(ctx, have[name], role))
			}
		}
		toAdd, toRemove := reconcile.Diff(wantNames, haveNames)
		for _, name := range toRemove {
			errs = multierr.Append(errs, o.removeIdentity(ctx, have[name]))
		}
		for _, name := range toAdd {
			errs = multierr.Append(errs, o.addMember(ctx, namespace, want[name]))
		}
		if errs != nil {
			return fail("sync members incomplete", errs)
		}
		logging.FromContext(ctx).Info("members.synced",
			zap.Int("added", len(toAdd)),
			zap.Int("removed", len(toRemove)),
		)
		return types.Success(membersURL(namespace))
	})
}

// RemoveMember deletes a single non-administrator identity.
func (o *Orchestrator) RemoveMember(ctx context.Context, namespace, userID string) types.Result {
	return o.run(ctx, opRemoveMember, namespace, func(ctx context.Context) types.Result {
		id, err := o.store.GetIdentity(ctx, namespace, userID)
		if err != nil {
			return fail("member lookup failed", err)
		}
		if id.IsNamespaceAdmin() {
			return fail("remove member rejected", ErrAdminNotRemovable)
		}
		if err := o.removeIdentity(ctx, id); err != nil {
			return fail("remove member failed", err)
		}
		return types.Success(membersURL(namespace))
	})
}

// validateMembers returns the desired entries keyed by service account name.
func (o *Orchestrator) validateMembers(namespace string, desired []types.MembershipEntry) (map[string]types.MembershipEntry, error) {
	want := make(map[string]types.MembershipEntry, len(desired))
	for _, e := range desired {
		e.UserID = strings.TrimSpace(e.UserID)
		if e.UserID == "" {
			return nil, fmt.Errorf("%w: member without user id", ErrInvalidMembership)
		}
		if e.Namespace != "" && e.Namespace != namespace {
			return nil, fmt.Errorf("%w: member %s targets namespace %q", ErrNamespaceMismatch, e.UserID, e.Namespace)
		}
		if e.Role == "" {
			e.Role = o.opts.MemberRole
		}
		switch e.Role {
		case o.opts.MemberRole, types.NotAssignedRole:
		case o.opts.AdminRole:
			return nil, fmt.Errorf("%w: %s cannot be granted the administrator role here", ErrInvalidMembership, e.UserID)
		default:
			return nil, fmt.Errorf("%w: unknown role %q for %s", ErrInvalidMembership, e.Role, e.UserID)
		}
		name := cluster.ServiceAccountName(e.UserID)
		if _, dup := want[name]; dup {
			return nil, fmt.Errorf("%w: %s listed twice", ErrInvalidMembership, e.UserID)
		}
		e.Namespace = namespace
		want[name] = e
	}
	return want, nil
}

func (o *Orchestrator) changeRole(ctx context.Context, id types.Identity, role string) error {
	if hasBinding(id.RoleCode) {
		if err := o.deleteBinding(id.Namespace, id.ServiceAccount, id.RoleCode)(ctx); err != nil && !isGone(err) {
			return err
		}
	}
	if hasBinding(role) {
		if err := o.bind(ctx, id.Namespace, id.ServiceAccount, role); err != nil {
			return err
		}
	}
	id.RoleCode = role
	if err := o.store.UpdateIdentity(ctx, id); err != nil {
		return err
	}
	logging.FromContext(ctx).Info("member.role_changed", zap.String("user", id.UserID), zap.String("role", role))
	return nil
}

func (o *Orchestrator) addMember(ctx context.Context, namespace string, e types.MembershipEntry) error {
	tmpl, err := o.template(ctx, e.UserID)
	if err != nil {
		return err
	}
	undo := &rollback{}
	sa, created, err := o.ensureServiceAccount(ctx, namespace, tmpl.UserID)
	if err != nil {
		return err
	}
	if created {
		undo.push("service-account", o.deleteServiceAccount(namespace, sa))
	}
	if hasBinding(e.Role) {
		if err := o.bind(ctx, namespace, sa, e.Role); err != nil {
			undo.run(ctx)
			return err
		}
		undo.push("role-binding", o.deleteBinding(namespace, sa, e.Role))
	}
	secret, token, err := o.fetchToken(ctx, namespace, sa)
	if err != nil {
		undo.run(ctx)
		return err
	}
	member := o.newIdentity(tmpl, namespace, sa, secret, token, e.Role, types.UserTypeUser)
	if err := o.store.CreateIdentity(ctx, &member); err != nil {
		undo.run(ctx)
		return err
	}
	return nil
}
