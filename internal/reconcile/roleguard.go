package reconcile

import (
	"context"
	"time"

	"github.com/vaheed/novaspace/internal/cluster"
	"github.com/vaheed/novaspace/internal/logging"
	"github.com/vaheed/novaspace/internal/manifest"
	"github.com/vaheed/novaspace/internal/metrics"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
)

// RoleGuard recreates the member and admin roles of managed namespaces after
// they are deleted out of band. Bindings and service accounts are left to the
// provisioning API, which owns the account records they belong to.
type RoleGuard struct {
	client.Client
	Cluster     cluster.Client
	Renderer    manifest.Renderer
	ClusterName string
	MemberRole  string
	AdminRole   string
}

func (r *RoleGuard) Reconcile(ctx context.Context, req ctrl.Request) (reconcile.Result, error) {
	log := logging.FromContext(ctx).With(zap.String("namespace", req.Name))
	ns := &corev1.Namespace{}
	if err := r.Get(ctx, req.NamespacedName, ns); err != nil {
		return reconcile.Result{}, client.IgnoreNotFound(err)
	}
	if !managed(ns) || !ns.DeletionTimestamp.IsZero() {
		return reconcile.Result{}, nil
	}

	roles, err := r.Cluster.List(ctx, cluster.KindRole, ns.Name)
	if err != nil {
		return reconcile.Result{}, err
	}
	have := make([]string, 0, len(roles))
	for _, role := range roles {
		have = append(have, role.Name)
	}
	missing, _ := Diff([]string{r.MemberRole, r.AdminRole}, have)
	for _, role := range missing {
		tmpl := manifest.MemberRole
		if role == r.AdminRole {
			tmpl = manifest.AdminRole
		}
		payload, err := r.Renderer.Render(tmpl, map[string]string{
			"namespace":   ns.Name,
			"clusterName": r.ClusterName,
			"role":        role,
		})
		if err != nil {
			return reconcile.Result{}, err
		}
		if err := r.Cluster.Create(ctx, cluster.KindRole, ns.Name, payload); err != nil {
			log.Error("role.restore_failed", zap.String("role", role), zap.Error(err))
			return reconcile.Result{RequeueAfter: 10 * time.Second}, nil
		}
		metrics.RolesRestoredTotal.WithLabelValues(role).Inc()
		log.Info("role.restored", zap.String("role", role))
	}
	return reconcile.Result{}, nil
}

func (r *RoleGuard) SetupWithManager(mgr ctrl.Manager) error {
	onlyManaged := predicate.NewPredicateFuncs(managed)
	return ctrl.NewControllerManagedBy(mgr).
		Named("roleguard").
		For(&corev1.Namespace{}, builder.WithPredicates(onlyManaged)).
		Watches(&rbacv1.Role{}, handler.EnqueueRequestsFromMapFunc(namespaceOf), builder.WithPredicates(onlyManaged)).
		Complete(r)
}

func managed(o client.Object) bool {
	return o.GetLabels()[cluster.LabelManagedBy] == cluster.ManagedBy
}

func namespaceOf(_ context.Context, o client.Object) []reconcile.Request {
	return []reconcile.Request{{NamespacedName: types.NamespacedName{Name: o.GetNamespace()}}}
}
