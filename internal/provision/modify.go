package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vaheed/novaspace/internal/cluster"
	"github.com/vaheed/novaspace/internal/logging"
	"github.com/vaheed/novaspace/internal/manifest"
	"github.com/vaheed/novaspace/internal/reconcile"
	"github.com/vaheed/novaspace/internal/store"
	"github.com/vaheed/novaspace/pkg/types"
	"go.uber.org/zap"
)

// ModifyNamespace converges the namespace's governance profiles on the
// request and hands administration to req.AdminUserID. The namespace and the
// candidate are checked before anything changes. A previous administrator is
// demoted to member and restored if installing the new one fails, as is a
// member record the candidate held.
func (o *Orchestrator) ModifyNamespace(ctx context.Context, namespace string, req types.NamespaceRequest) types.Result {
	return o.run(ctx, opModify, namespace, func(ctx context.Context) types.Result {
		if req.Name != "" && req.Name != namespace {
			return fail("modify namespace rejected", fmt.Errorf("%w: path %q, body %q", ErrNamespaceMismatch, namespace, req.Name))
		}
		candidate := strings.TrimSpace(req.AdminUserID)
		if candidate == "" {
			return fail("modify namespace rejected", ErrAdministratorRequired)
		}
		if _, err := o.cluster.Get(ctx, cluster.KindNamespace, "", namespace); err != nil {
			return fail("namespace lookup failed", err)
		}
		if err := o.checkCandidate(ctx, namespace, candidate); err != nil {
			return fail("modify namespace rejected", err)
		}
		tmpl, err := o.template(ctx, candidate)
		if err != nil {
			return fail("look up administrator identity failed", err)
		}

		if err := o.syncProfiles(ctx, namespace, cluster.KindResourceQuota, o.quotas.Has, manifest.QuotaTemplate, req.ResourceQuotas); err != nil {
			return fail("sync resource quotas failed", err)
		}
		if err := o.syncProfiles(ctx, namespace, cluster.KindLimitRange, o.limitRanges.Has, manifest.LimitRangeTemplate, req.LimitRanges); err != nil {
			return fail("sync limit ranges failed", err)
		}

		current, err := o.store.GetNamespaceAdmin(ctx, namespace)
		hasCurrent := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fail("look up namespace administrator failed", err)
		}
		if hasCurrent && current.UserID == tmpl.UserID {
			return types.Success(namespaceURL(namespace))
		}

		undo := &rollback{}
		if hasCurrent {
			if err := o.demote(ctx, current); err != nil {
				return fail("demote namespace administrator failed", err)
			}
			previous := current
			undo.push("demotion", func(ctx context.Context) error { return o.restore(ctx, previous) })
		}
		if err := o.installAdmin(ctx, namespace, tmpl, undo); err != nil {
			undo.run(ctx)
			return fail("install namespace administrator failed", err)
		}
		return types.Success(namespaceURL(namespace))
	})
}

// checkCandidate rejects users who administer the cluster or another
// namespace.
func (o *Orchestrator) checkCandidate(ctx context.Context, namespace, userID string) error {
	ids, err := o.store.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		switch {
		case id.UserType == types.UserTypeClusterAdmin:
			return fmt.Errorf("%w: %s is a cluster administrator", ErrUnapproachableIdentity, userID)
		case id.IsNamespaceAdmin() && id.Namespace != namespace:
			return fmt.Errorf("%w: %s already administers namespace %s", ErrUnapproachableIdentity, userID, id.Namespace)
		}
	}
	return nil
}

// syncProfiles makes the namespace's objects of kind match the recognized
// entries of desired. Unrecognized names are ignored.
func (o *Orchestrator) syncProfiles(ctx context.Context, namespace string, kind cluster.Kind, known func(string) bool, tmpl func(string) string, desired []string) error {
	log := logging.FromContext(ctx)
	want := make([]string, 0, len(desired))
	for _, name := range desired {
		if !known(name) {
			log.Debug("profile.skipped", zap.String("kind", string(kind)), zap.String("profile", name))
			continue
		}
		want = append(want, name)
	}
	have, err := o.objectNames(ctx, kind, namespace)
	if err != nil {
		return err
	}
	toAdd, toRemove := reconcile.Diff(want, have)
	for _, name := range toRemove {
		if err := o.cluster.Delete(ctx, kind, namespace, name); err != nil && !isGone(err) {
			return err
		}
	}
	for _, name := range toAdd {
		if err := o.apply(ctx, kind, namespace, tmpl(name), o.params(namespace)); err != nil {
			return err
		}
	}
	if len(toAdd) > 0 || len(toRemove) > 0 {
		log.Info("profiles.synced", zap.String("kind", string(kind)), zap.Strings("added", toAdd), zap.Strings("removed", toRemove))
	}
	return nil
}

// demote turns the administrator's record into a member record. The cluster
// side is best-effort: the record is authoritative.
func (o *Orchestrator) demote(ctx context.Context, admin types.Identity) error {
	log := logging.FromContext(ctx)
	member := admin
	member.UserType = types.UserTypeUser
	member.RoleCode = o.opts.MemberRole
	if err := o.store.UpdateIdentity(ctx, member); err != nil {
		return err
	}
	sa := admin.ServiceAccount
	if err := o.bind(ctx, admin.Namespace, sa, o.opts.MemberRole); err != nil {
		log.Warn("demotion.bind_member_failed", zap.String("user", admin.UserID), zap.Error(err))
	}
	if err := o.deleteBinding(admin.Namespace, sa, o.opts.AdminRole)(ctx); err != nil && !isGone(err) {
		log.Warn("demotion.unbind_admin_failed", zap.String("user", admin.UserID), zap.Error(err))
	}
	log.Info("administrator.demoted", zap.String("user", admin.UserID))
	return nil
}

// restore reverses demote.
func (o *Orchestrator) restore(ctx context.Context, admin types.Identity) error {
	if err := o.store.UpdateIdentity(ctx, admin); err != nil {
		return err
	}
	if err := o.bind(ctx, admin.Namespace, admin.ServiceAccount, o.opts.AdminRole); err != nil {
		return err
	}
	return o.deleteBinding(admin.Namespace, admin.ServiceAccount, o.opts.MemberRole)(ctx)
}

// installAdmin creates the administrator's service account, binding, token
// and record, pushing compensations onto undo. An existing member record of
// the same user is retired and its service account reused.
func (o *Orchestrator) installAdmin(ctx context.Context, namespace string, tmpl types.Identity, undo *rollback) error {
	existing, err := o.store.GetIdentity(ctx, namespace, tmpl.UserID)
	switch {
	case err == nil:
		if err := o.retireMember(ctx, existing, undo); err != nil {
			return err
		}
		logging.FromContext(ctx).Info("member.promoted", zap.String("user", tmpl.UserID))
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	if err := o.ensureRoles(ctx, namespace); err != nil {
		return err
	}
	sa, created, err := o.ensureServiceAccount(ctx, namespace, tmpl.UserID)
	if err != nil {
		return err
	}
	if created {
		undo.push("service-account", o.deleteServiceAccount(namespace, sa))
	}
	if err := o.bind(ctx, namespace, sa, o.opts.AdminRole); err != nil {
		return err
	}
	undo.push("role-binding", o.deleteBinding(namespace, sa, o.opts.AdminRole))
	secret, token, err := o.fetchToken(ctx, namespace, sa)
	if err != nil {
		return err
	}
	admin := o.newIdentity(tmpl, namespace, sa, secret, token, o.opts.AdminRole, types.UserTypeNamespaceAdmin)
	return o.store.CreateIdentity(ctx, &admin)
}

// retireMember removes a member's binding and record ahead of a promotion.
// The record is recreated under its original id on rollback.
func (o *Orchestrator) retireMember(ctx context.Context, member types.Identity, undo *rollback) error {
	if hasBinding(member.RoleCode) {
		if err := o.deleteBinding(member.Namespace, member.ServiceAccount, member.RoleCode)(ctx); err != nil && !isGone(err) {
			return err
		}
		undo.push("member-binding", func(ctx context.Context) error {
			return o.bind(ctx, member.Namespace, member.ServiceAccount, member.RoleCode)
		})
	}
	if err := o.store.DeleteIdentity(ctx, member.ID); err != nil {
		return err
	}
	undo.push("member-record", func(ctx context.Context) error {
		restored := member
		return o.store.CreateIdentity(ctx, &restored)
	})
	return nil
}
