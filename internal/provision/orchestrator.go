// Package provision creates, modifies and deletes tenant namespaces across the
// cluster and the account store, compensating partial failures.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vaheed/novaspace/internal/cluster"
	"github.com/vaheed/novaspace/internal/lock"
	"github.com/vaheed/novaspace/internal/logging"
	"github.com/vaheed/novaspace/internal/manifest"
	"github.com/vaheed/novaspace/internal/metrics"
	"github.com/vaheed/novaspace/internal/observability"
	"github.com/vaheed/novaspace/internal/store"
	"github.com/vaheed/novaspace/pkg/types"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	opCreate       = "create_namespace"
	opModify       = "modify_namespace"
	opDelete       = "delete_namespace"
	opSyncMembers  = "sync_members"
	opRemoveMember = "remove_member"

	defaultTokenTimeout = 30 * time.Second
	defaultLockTimeout  = 30 * time.Second
	tokenPollInterval   = 200 * time.Millisecond

	namespacesURL = "/api/v1/namespaces"
)

func namespaceURL(namespace string) string { return namespacesURL + "/" + namespace }

func membersURL(namespace string) string { return namespaceURL(namespace) + "/members" }

// Options configure an Orchestrator.
type Options struct {
	ClusterName string
	// StagingNamespace holds the registered identities used as templates for
	// new namespace records.
	StagingNamespace   string
	MemberRole         string
	AdminRole          string
	QuotaProfiles      []string
	LimitRangeProfiles []string
	TokenTimeout       time.Duration
	LockTimeout        time.Duration
}

// Orchestrator runs provisioning operations. Operations on the same namespace
// are serialized through the Locker.
type Orchestrator struct {
	cluster     cluster.Client
	renderer    manifest.Renderer
	store       store.Store
	locker      lock.Locker
	opts        Options
	quotas      sets.Set[string]
	limitRanges sets.Set[string]
}

func New(c cluster.Client, r manifest.Renderer, st store.Store, l lock.Locker, opts Options) *Orchestrator {
	if opts.TokenTimeout <= 0 {
		opts.TokenTimeout = defaultTokenTimeout
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	return &Orchestrator{
		cluster:     c,
		renderer:    r,
		store:       st,
		locker:      l,
		opts:        opts,
		quotas:      sets.New[string](opts.QuotaProfiles...),
		limitRanges: sets.New[string](opts.LimitRangeProfiles...),
	}
}

// run validates the namespace name, takes the namespace lock and records
// logs, traces and metrics around fn.
func (o *Orchestrator) run(ctx context.Context, op, namespace string, fn func(context.Context) types.Result) types.Result {
	start := time.Now()
	ctx, span := observability.Tracer().Start(ctx, "provision."+op, trace.WithAttributes(
		observability.OperationKey.String(op),
		observability.NamespaceKey.String(namespace),
		observability.ClusterKey.String(o.opts.ClusterName),
	))
	defer span.End()
	log := logging.FromContext(ctx).With(zap.String("operation", op), zap.String("namespace", namespace))
	ctx = logging.WithContext(ctx, log)

	res := o.locked(ctx, namespace, fn)

	outcome := "success"
	if !res.Succeeded() {
		outcome = "failure"
		span.RecordError(res.Err())
		span.SetStatus(codes.Error, res.ResultMessage)
		log.Warn("operation.failed",
			zap.Int("status", res.HTTPStatusCode),
			zap.String("message", res.ResultMessage),
			zap.Error(res.Err()),
		)
	} else {
		log.Info("operation.completed", zap.Duration("duration", time.Since(start)))
	}
	metrics.OperationsTotal.WithLabelValues(op, outcome).Inc()
	metrics.OperationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return res
}

func (o *Orchestrator) locked(ctx context.Context, namespace string, fn func(context.Context) types.Result) types.Result {
	if err := validateNamespace(namespace); err != nil {
		return fail("request rejected", err)
	}
	lockCtx, cancel := context.WithTimeout(ctx, o.opts.LockTimeout)
	unlock, err := o.locker.Lock(lockCtx, "namespace/"+namespace)
	cancel()
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			err = fmt.Errorf("%w: %v", ErrNamespaceBusy, err)
		}
		return fail("namespace is busy", err)
	}
	defer unlock()
	return fn(ctx)
}

func validateNamespace(name string) error {
	if errs := validation.IsDNS1123Label(name); len(errs) > 0 {
		return fmt.Errorf("%w %q: %s", ErrInvalidNamespace, name, strings.Join(errs, "; "))
	}
	return nil
}

// CreateNamespace provisions a namespace with its roles, an administrator
// service account and binding, the recognized governance profiles, and the
// administrator's account record. The administrator must be registered before
// anything is created. Failures before the binding exists leave earlier
// objects in place; later failures remove the binding and, when this call
// created it, the namespace. A namespace that existed beforehand is never
// deleted.
func (o *Orchestrator) CreateNamespace(ctx context.Context, req types.NamespaceRequest) types.Result {
	return o.run(ctx, opCreate, req.Name, func(ctx context.Context) types.Result {
		ns := req.Name
		adminID := strings.TrimSpace(req.AdminUserID)
		if adminID == "" {
			return fail("create namespace rejected", ErrAdministratorRequired)
		}
		switch admin, err := o.store.GetNamespaceAdmin(ctx, ns); {
		case err == nil:
			return fail("create namespace rejected", fmt.Errorf("%w: %s is administered by %s", ErrNamespaceExists, ns, admin.UserID))
		case !errors.Is(err, store.ErrNotFound):
			return fail("look up namespace administrator failed", err)
		}
		tmpl, err := o.template(ctx, adminID)
		if err != nil {
			return fail("look up administrator identity failed", err)
		}

		_, err = o.cluster.Get(ctx, cluster.KindNamespace, "", ns)
		preexisting := err == nil
		if err != nil && !errors.Is(err, cluster.ErrNotFound) {
			return fail("look up namespace failed", err)
		}
		if preexisting {
			logging.FromContext(ctx).Info("namespace.adopted")
		}

		if err := o.apply(ctx, cluster.KindNamespace, ns, manifest.Namespace, o.params(ns)); err != nil {
			return fail("create namespace failed", err)
		}
		if err := o.ensureRoles(ctx, ns); err != nil {
			return fail("create namespace roles failed", err)
		}
		sa, createdSA, err := o.ensureServiceAccount(ctx, ns, adminID)
		if err != nil {
			return fail("create service account failed", err)
		}
		if err := o.bind(ctx, ns, sa, o.opts.AdminRole); err != nil {
			if createdSA {
				undo := &rollback{}
				undo.push("service-account", o.deleteServiceAccount(ns, sa))
				undo.run(ctx)
			}
			return fail("bind namespace administrator failed", err)
		}

		undo := &rollback{}
		if preexisting {
			if createdSA {
				undo.push("service-account", o.deleteServiceAccount(ns, sa))
				undo.push("token-secret", func(ctx context.Context) error {
					return o.cluster.Delete(ctx, cluster.KindSecret, ns, cluster.TokenSecretName(sa))
				})
			}
		} else {
			undo.push("namespace", func(ctx context.Context) error {
				return o.cluster.Delete(ctx, cluster.KindNamespace, "", ns)
			})
		}
		undo.push("role-binding", o.deleteBinding(ns, sa, o.opts.AdminRole))

		if err := o.applyProfiles(ctx, ns, req.ResourceQuotas, req.LimitRanges); err != nil {
			undo.run(ctx)
			return fail("apply governance profiles failed", err)
		}
		secret, token, err := o.fetchToken(ctx, ns, sa)
		if err != nil {
			undo.run(ctx)
			return fail("fetch service account token failed", err)
		}
		admin := o.newIdentity(tmpl, ns, sa, secret, token, o.opts.AdminRole, types.UserTypeNamespaceAdmin)
		if err := o.store.CreateIdentity(ctx, &admin); err != nil {
			undo.run(ctx)
			return fail("persist namespace administrator failed", err)
		}
		return types.Success(namespacesURL)
	})
}

// DeleteNamespace removes the namespace, then every identity recorded for
// it. Identity cleanup is best-effort: failures are logged and reported in
// the detail message without failing the operation.
func (o *Orchestrator) DeleteNamespace(ctx context.Context, namespace string) types.Result {
	return o.run(ctx, opDelete, namespace, func(ctx context.Context) types.Result {
		log := logging.FromContext(ctx)
		if err := o.cluster.Delete(ctx, cluster.KindNamespace, "", namespace); err != nil {
			return fail("delete namespace failed", err)
		}
		res := types.Success(namespacesURL)
		ids, err := o.store.ListByNamespace(ctx, namespace)
		if err != nil {
			metrics.CleanupFailuresTotal.Inc()
			log.Error("namespace.delete.list_identities_failed", zap.Error(err))
			return res.WithDetail("namespace deleted; identity cleanup skipped: " + err.Error())
		}
		var errs error
		for _, id := range ids {
			errs = multierr.Append(errs, o.removeIdentity(ctx, id))
		}
		if errs != nil {
			failures := multierr.Errors(errs)
			metrics.CleanupFailuresTotal.Add(float64(len(failures)))
			log.Warn("namespace.delete.cleanup_incomplete", zap.Int("failures", len(failures)), zap.Error(errs))
			return res.WithDetail(fmt.Sprintf("namespace deleted; %d cleanup step(s) failed: %v", len(failures), errs))
		}
		return res
	})
}

// GetNamespace reports the namespace's profiles and identities.
func (o *Orchestrator) GetNamespace(ctx context.Context, namespace string) (types.NamespaceDetail, error) {
	if err := validateNamespace(namespace); err != nil {
		return types.NamespaceDetail{}, err
	}
	if _, err := o.cluster.Get(ctx, cluster.KindNamespace, "", namespace); err != nil {
		return types.NamespaceDetail{}, err
	}
	quotas, err := o.objectNames(ctx, cluster.KindResourceQuota, namespace)
	if err != nil {
		return types.NamespaceDetail{}, err
	}
	limits, err := o.objectNames(ctx, cluster.KindLimitRange, namespace)
	if err != nil {
		return types.NamespaceDetail{}, err
	}
	ids, err := o.store.ListByNamespace(ctx, namespace)
	if err != nil {
		return types.NamespaceDetail{}, err
	}
	detail := types.NamespaceDetail{
		Name:           namespace,
		ClusterName:    o.opts.ClusterName,
		ResourceQuotas: quotas,
		LimitRanges:    limits,
		Members:        []types.Identity{},
	}
	for _, id := range ids {
		id = id.Redacted()
		if id.IsNamespaceAdmin() {
			admin := id
			detail.Admin = &admin
			continue
		}
		detail.Members = append(detail.Members, id)
	}
	return detail, nil
}

// Credentials returns the identity of userID in namespace including its
// service account token.
func (o *Orchestrator) Credentials(ctx context.Context, namespace, userID string) (types.Identity, error) {
	if err := validateNamespace(namespace); err != nil {
		return types.Identity{}, err
	}
	return o.store.GetIdentity(ctx, namespace, userID)
}

// HTTPStatus maps an error returned by GetNamespace or Credentials to a
// status code.
func HTTPStatus(err error) int { return statusFor(err) }

func (o *Orchestrator) params(namespace string, kv ...string) map[string]string {
	p := map[string]string{
		"namespace":   namespace,
		"clusterName": o.opts.ClusterName,
	}
	for i := 0; i+1 < len(kv); i += 2 {
		p[kv[i]] = kv[i+1]
	}
	return p
}

func (o *Orchestrator) apply(ctx context.Context, kind cluster.Kind, namespace, template string, params map[string]string) error {
	payload, err := o.renderer.Render(template, params)
	if err != nil {
		return err
	}
	return o.cluster.Create(ctx, kind, namespace, payload)
}

func (o *Orchestrator) ensureRoles(ctx context.Context, namespace string) error {
	if err := o.apply(ctx, cluster.KindRole, namespace, manifest.MemberRole, o.params(namespace, "role", o.opts.MemberRole)); err != nil {
		return err
	}
	return o.apply(ctx, cluster.KindRole, namespace, manifest.AdminRole, o.params(namespace, "role", o.opts.AdminRole))
}

// ensureServiceAccount creates the user's service account unless it already
// exists; created reports whether this call made it. An existing account
// annotated with a different user id is refused.
func (o *Orchestrator) ensureServiceAccount(ctx context.Context, namespace, userID string) (sa string, created bool, err error) {
	sa = cluster.ServiceAccountName(userID)
	obj, err := o.cluster.Get(ctx, cluster.KindServiceAccount, namespace, sa)
	switch {
	case err == nil:
		if owner, ok := obj.Annotations[cluster.AnnotationUserID]; ok && owner != userID {
			return sa, false, fmt.Errorf("%w: %s/%s belongs to %q", ErrServiceAccountTaken, namespace, sa, owner)
		}
		return sa, false, nil
	case !errors.Is(err, cluster.ErrNotFound):
		return sa, false, err
	}
	if err := o.apply(ctx, cluster.KindServiceAccount, namespace, manifest.ServiceAccount,
		o.params(namespace, "serviceAccount", sa, "userId", userID)); err != nil {
		return sa, false, err
	}
	return sa, true, nil
}

func (o *Orchestrator) bind(ctx context.Context, namespace, sa, role string) error {
	return o.apply(ctx, cluster.KindRoleBinding, namespace, manifest.RoleBinding,
		o.params(namespace, "name", cluster.RoleBindingName(sa, role), "serviceAccount", sa, "role", role))
}

func (o *Orchestrator) deleteServiceAccount(namespace, sa string) func(context.Context) error {
	return func(ctx context.Context) error {
		return o.cluster.Delete(ctx, cluster.KindServiceAccount, namespace, sa)
	}
}

func (o *Orchestrator) deleteBinding(namespace, sa, role string) func(context.Context) error {
	return func(ctx context.Context) error {
		return o.cluster.Delete(ctx, cluster.KindRoleBinding, namespace, cluster.RoleBindingName(sa, role))
	}
}

func (o *Orchestrator) applyProfiles(ctx context.Context, namespace string, quotas, limitRanges []string) error {
	log := logging.FromContext(ctx)
	for _, name := range quotas {
		if !o.quotas.Has(name) {
			log.Debug("profile.skipped", zap.String("kind", string(cluster.KindResourceQuota)), zap.String("profile", name))
			continue
		}
		if err := o.apply(ctx, cluster.KindResourceQuota, namespace, manifest.QuotaTemplate(name), o.params(namespace)); err != nil {
			return err
		}
	}
	for _, name := range limitRanges {
		if !o.limitRanges.Has(name) {
			log.Debug("profile.skipped", zap.String("kind", string(cluster.KindLimitRange)), zap.String("profile", name))
			continue
		}
		if err := o.apply(ctx, cluster.KindLimitRange, namespace, manifest.LimitRangeTemplate(name), o.params(namespace)); err != nil {
			return err
		}
	}
	return nil
}

// fetchToken creates the service-account-token secret and waits for the
// token controller to populate it.
func (o *Orchestrator) fetchToken(ctx context.Context, namespace, sa string) (string, string, error) {
	secret := cluster.TokenSecretName(sa)
	if err := o.apply(ctx, cluster.KindSecret, namespace, manifest.ServiceAccountToken,
		o.params(namespace, "serviceAccount", sa, "secretName", secret)); err != nil {
		return "", "", err
	}
	var (
		token   string
		lastErr error
	)
	err := wait.PollUntilContextTimeout(ctx, tokenPollInterval, o.opts.TokenTimeout, true, func(ctx context.Context) (bool, error) {
		obj, err := o.cluster.Get(ctx, cluster.KindSecret, namespace, secret)
		switch {
		case errors.Is(err, cluster.ErrNotFound):
			lastErr = err
			return false, nil
		case err != nil:
			return false, err
		}
		raw := obj.Data[cluster.SecretTokenKey]
		if len(raw) == 0 {
			lastErr = ErrTokenPending
			return false, nil
		}
		token = string(raw)
		return true, nil
	})
	if wait.Interrupted(err) {
		err = fmt.Errorf("%w after %s: %v", ErrTokenPending, o.opts.TokenTimeout, lastErr)
	}
	if err != nil {
		return "", "", fmt.Errorf("token for %s/%s: %w", namespace, sa, err)
	}
	return secret, token, nil
}

// template returns the registered identity of userID from the staging
// namespace.
func (o *Orchestrator) template(ctx context.Context, userID string) (types.Identity, error) {
	id, err := o.store.GetIdentity(ctx, o.opts.StagingNamespace, userID)
	if errors.Is(err, store.ErrNotFound) {
		return types.Identity{}, fmt.Errorf("%w: %s is not a registered identity", ErrUnapproachableIdentity, userID)
	}
	return id, err
}

func (o *Orchestrator) newIdentity(tmpl types.Identity, namespace, sa, secret, token, role string, userType types.UserType) types.Identity {
	return types.Identity{
		UserID:         tmpl.UserID,
		ClusterName:    o.opts.ClusterName,
		Namespace:      namespace,
		RoleCode:       role,
		ServiceAccount: sa,
		SecretName:     secret,
		Token:          token,
		UserType:       userType,
		Email:          tmpl.Email,
		Description:    tmpl.Description,
		Active:         true,
	}
}

// removeIdentity deletes the identity's service account, role binding and
// record, continuing past failures. Objects already gone are not errors.
func (o *Orchestrator) removeIdentity(ctx context.Context, id types.Identity) error {
	sa := id.ServiceAccount
	if sa == "" {
		sa = cluster.ServiceAccountName(id.UserID)
	}
	var errs error
	if err := o.deleteServiceAccount(id.Namespace, sa)(ctx); err != nil && !isGone(err) {
		errs = multierr.Append(errs, err)
	}
	if hasBinding(id.RoleCode) {
		if err := o.deleteBinding(id.Namespace, sa, id.RoleCode)(ctx); err != nil && !isGone(err) {
			errs = multierr.Append(errs, err)
		}
	}
	if err := o.store.DeleteIdentity(ctx, id.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		errs = multierr.Append(errs, fmt.Errorf("delete identity %s/%s: %w", id.Namespace, id.UserID, err))
	}
	return errs
}

func hasBinding(role string) bool {
	return role != "" && role != types.NotAssignedRole
}

func (o *Orchestrator) objectNames(ctx context.Context, kind cluster.Kind, namespace string) ([]string, error) {
	objs, err := o.cluster.List(ctx, kind, namespace)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(objs))
	for _, obj := range objs {
		names = append(names, obj.Name)
	}
	return names, nil
}
