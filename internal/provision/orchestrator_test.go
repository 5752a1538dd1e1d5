package provision

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/vaheed/novaspace/internal/cluster"
	"github.com/vaheed/novaspace/internal/cluster/clustertest"
	"github.com/vaheed/novaspace/internal/lock"
	"github.com/vaheed/novaspace/internal/manifest"
	"github.com/vaheed/novaspace/internal/store"
	"github.com/vaheed/novaspace/pkg/types"
)

const (
	staging    = "novaspace-staging"
	memberRole = "novaspace-member-role"
	adminRole  = "novaspace-admin-role"
)

var errBoom = errors.New("boom")

type harness struct {
	cluster *clustertest.Fake
	store   *store.Memory
	locker  *lock.Memory
	orch    *Orchestrator
}

func newHarness(t *testing.T, users ...string) *harness {
	t.Helper()
	h := &harness{cluster: clustertest.New(), store: store.NewMemory(), locker: lock.NewMemory()}
	for _, u := range users {
		h.register(t, u, types.UserTypeUser)
	}
	h.orch = h.build(t, h.store)
	return h
}

func (h *harness) build(t *testing.T, st store.Store) *Orchestrator {
	t.Helper()
	return h.buildWith(t, h.cluster, st)
}

func (h *harness) buildWith(t *testing.T, c cluster.Client, st store.Store) *Orchestrator {
	t.Helper()
	r, err := manifest.New("")
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}
	return New(c, r, st, h.locker, Options{
		ClusterName:        "dev",
		StagingNamespace:   staging,
		MemberRole:         memberRole,
		AdminRole:          adminRole,
		QuotaProfiles:      r.QuotaProfiles(),
		LimitRangeProfiles: r.LimitRangeProfiles(),
		TokenTimeout:       time.Second,
		LockTimeout:        time.Second,
	})
}

func (h *harness) register(t *testing.T, userID string, userType types.UserType) {
	t.Helper()
	err := h.store.CreateIdentity(context.Background(), &types.Identity{
		UserID:    userID,
		Namespace: staging,
		RoleCode:  types.NotAssignedRole,
		UserType:  userType,
		Email:     userID + "@example.com",
		Active:    true,
	})
	if err != nil {
		t.Fatalf("register %s: %v", userID, err)
	}
}

func (h *harness) identity(t *testing.T, namespace, userID string) types.Identity {
	t.Helper()
	id, err := h.store.GetIdentity(context.Background(), namespace, userID)
	if err != nil {
		t.Fatalf("identity %s/%s: %v", namespace, userID, err)
	}
	return id
}

func (h *harness) create(t *testing.T, ns, admin string) {
	t.Helper()
	res := h.orch.CreateNamespace(context.Background(), types.NamespaceRequest{Name: ns, AdminUserID: admin})
	if !res.Succeeded() {
		t.Fatalf("create %s: %+v", ns, res)
	}
}

// failingStore rejects identity creation inside one namespace.
type failingStore struct {
	store.Store
	namespace string
}

func (f failingStore) CreateIdentity(ctx context.Context, id *types.Identity) error {
	if id.Namespace == f.namespace {
		return errBoom
	}
	return f.Store.CreateIdentity(ctx, id)
}

func TestCreateNamespaceEndToEnd(t *testing.T) {
	h := newHarness(t, "alice")
	res := h.orch.CreateNamespace(context.Background(), types.NamespaceRequest{
		Name:           "team-a",
		AdminUserID:    "alice",
		ResourceQuotas: []string{"small", "unknown"},
		LimitRanges:    []string{"default-limits"},
	})
	if !res.Succeeded() || res.HTTPStatusCode != http.StatusOK || res.NextActionURL != "/api/v1/namespaces" {
		t.Fatalf("unexpected result: %+v", res)
	}
	c := h.cluster
	if !c.Has(cluster.KindNamespace, "", "team-a") {
		t.Fatalf("namespace missing")
	}
	if got := c.Names(cluster.KindRole, "team-a"); len(got) != 2 {
		t.Fatalf("roles = %v", got)
	}
	if !c.Has(cluster.KindServiceAccount, "team-a", "alice") {
		t.Fatalf("service account missing")
	}
	if !c.Has(cluster.KindRoleBinding, "team-a", cluster.RoleBindingName("alice", adminRole)) {
		t.Fatalf("admin binding missing: %v", c.Names(cluster.KindRoleBinding, "team-a"))
	}
	if got := c.Names(cluster.KindResourceQuota, "team-a"); len(got) != 1 || got[0] != "small" {
		t.Fatalf("quotas = %v", got)
	}
	if got := c.Names(cluster.KindLimitRange, "team-a"); len(got) != 1 || got[0] != "default-limits" {
		t.Fatalf("limit ranges = %v", got)
	}

	ids, err := h.store.ListByNamespace(context.Background(), "team-a")
	if err != nil || len(ids) != 1 {
		t.Fatalf("identities = %v, %v", ids, err)
	}
	admin := ids[0]
	if admin.UserID != "alice" || admin.RoleCode != adminRole || !admin.IsNamespaceAdmin() || !admin.Active {
		t.Fatalf("unexpected admin record: %+v", admin)
	}
	if admin.Token != "token-team-a-alice-token" || admin.Email != "alice@example.com" || admin.ClusterName != "dev" {
		t.Fatalf("record not built from template: %+v", admin)
	}
	if admin.ID == h.identity(t, staging, "alice").ID {
		t.Fatalf("record reused the template id")
	}
}

func TestCreateNamespaceValidation(t *testing.T) {
	h := newHarness(t, "alice")
	cases := []struct {
		name string
		req  types.NamespaceRequest
		want error
	}{
		{"no admin", types.NamespaceRequest{Name: "team-a", AdminUserID: "  "}, ErrAdministratorRequired},
		{"bad name", types.NamespaceRequest{Name: "Team_A", AdminUserID: "alice"}, ErrInvalidNamespace},
		{"empty name", types.NamespaceRequest{AdminUserID: "alice"}, ErrInvalidNamespace},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := h.orch.CreateNamespace(context.Background(), tc.req)
			if res.Succeeded() || res.HTTPStatusCode != http.StatusBadRequest || !errors.Is(res.Err(), tc.want) {
				t.Fatalf("unexpected result: %+v", res)
			}
		})
	}
	if calls := h.cluster.Calls(); len(calls) != 0 {
		t.Fatalf("validation failures reached the cluster: %v", calls)
	}
}

func TestCreateNamespaceServiceAccountFailureIsTerminal(t *testing.T) {
	h := newHarness(t, "alice")
	h.cluster.Fail("create", cluster.KindServiceAccount, errBoom)

	res := h.orch.CreateNamespace(context.Background(), types.NamespaceRequest{Name: "team-a", AdminUserID: "alice"})
	if res.Succeeded() || !errors.Is(res.Err(), errBoom) {
		t.Fatalf("expected failure, got %+v", res)
	}
	for _, c := range h.cluster.Calls() {
		if c.Op == "delete" {
			t.Fatalf("unexpected compensation: %+v", c)
		}
	}
	if !h.cluster.Has(cluster.KindNamespace, "", "team-a") || len(h.cluster.Names(cluster.KindRole, "team-a")) != 2 {
		t.Fatalf("namespace and roles should remain")
	}
	if ids, _ := h.store.ListByNamespace(context.Background(), "team-a"); len(ids) != 0 {
		t.Fatalf("no record expected, got %v", ids)
	}
}

func TestCreateNamespaceBindingFailureDeletesServiceAccount(t *testing.T) {
	h := newHarness(t, "alice")
	h.cluster.Fail("create", cluster.KindRoleBinding, errBoom)

	res := h.orch.CreateNamespace(context.Background(), types.NamespaceRequest{Name: "team-a", AdminUserID: "alice"})
	if res.Succeeded() || !errors.Is(res.Err(), errBoom) {
		t.Fatalf("expected failure, got %+v", res)
	}
	if h.cluster.Has(cluster.KindServiceAccount, "team-a", "alice") {
		t.Fatalf("service account should be compensated")
	}
	if len(h.cluster.CallsFor("delete", cluster.KindServiceAccount)) != 1 {
		t.Fatalf("expected exactly one service account delete")
	}
	if !h.cluster.Has(cluster.KindNamespace, "", "team-a") || len(h.cluster.Names(cluster.KindRole, "team-a")) != 2 {
		t.Fatalf("namespace and roles should remain")
	}
}

func TestCreateNamespacePersistFailureRollsBackCluster(t *testing.T) {
	h := newHarness(t, "alice")
	orch := h.build(t, failingStore{Store: h.store, namespace: "team-a"})

	res := orch.CreateNamespace(context.Background(), types.NamespaceRequest{Name: "team-a", AdminUserID: "alice", ResourceQuotas: []string{"small"}})
	if res.Succeeded() || !errors.Is(res.Err(), errBoom) || res.HTTPStatusCode != http.StatusInternalServerError {
		t.Fatalf("expected persist failure, got %+v", res)
	}
	if len(h.cluster.CallsFor("delete", cluster.KindRoleBinding)) != 1 || len(h.cluster.CallsFor("delete", cluster.KindNamespace)) != 1 {
		t.Fatalf("expected binding and namespace deletes, calls: %v", h.cluster.Calls())
	}
	deletes := []cluster.Kind{}
	for _, c := range h.cluster.Calls() {
		if c.Op == "delete" {
			deletes = append(deletes, c.Kind)
		}
	}
	if len(deletes) != 2 || deletes[0] != cluster.KindRoleBinding || deletes[1] != cluster.KindNamespace {
		t.Fatalf("compensation order = %v", deletes)
	}
	if _, err := h.cluster.Get(context.Background(), cluster.KindNamespace, "", "team-a"); !errors.Is(err, cluster.ErrNotFound) {
		t.Fatalf("namespace should be gone, got %v", err)
	}
}

func TestCreateNamespaceUnregisteredAdminTouchesNothing(t *testing.T) {
	h := newHarness(t)
	res := h.orch.CreateNamespace(context.Background(), types.NamespaceRequest{Name: "team-a", AdminUserID: "mallory"})
	if res.Succeeded() || !errors.Is(res.Err(), ErrUnapproachableIdentity) || res.HTTPStatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected result: %+v", res)
	}
	if calls := h.cluster.Calls(); len(calls) != 0 {
		t.Fatalf("unregistered administrator reached the cluster: %v", calls)
	}
}

// seedProd adds a namespace created outside the provisioner, holding an
// application secret.
func seedProd(h *harness) {
	h.cluster.Seed(
		cluster.Object{Kind: cluster.KindNamespace, Name: "prod"},
		cluster.Object{Kind: cluster.KindSecret, Namespace: "prod", Name: "db-creds", Data: map[string][]byte{"password": []byte("s3cret")}},
	)
}

func mutations(calls []clustertest.Call) []clustertest.Call {
	var out []clustertest.Call
	for _, c := range calls {
		if c.Op == "create" || c.Op == "delete" {
			out = append(out, c)
		}
	}
	return out
}

func TestCreateNamespaceUnregisteredAdminKeepsExistingNamespace(t *testing.T) {
	h := newHarness(t)
	seedProd(h)

	res := h.orch.CreateNamespace(context.Background(), types.NamespaceRequest{Name: "prod", AdminUserID: "ghost"})
	if res.Succeeded() || res.HTTPStatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected result: %+v", res)
	}
	if m := mutations(h.cluster.Calls()); len(m) != 0 {
		t.Fatalf("rejected create mutated the cluster: %v", m)
	}
	if !h.cluster.Has(cluster.KindNamespace, "", "prod") || !h.cluster.Has(cluster.KindSecret, "prod", "db-creds") {
		t.Fatalf("existing namespace or its secret was removed")
	}
}

func TestCreateNamespaceRollbackKeepsExistingNamespace(t *testing.T) {
	h := newHarness(t, "alice")
	seedProd(h)
	orch := h.build(t, failingStore{Store: h.store, namespace: "prod"})

	res := orch.CreateNamespace(context.Background(), types.NamespaceRequest{Name: "prod", AdminUserID: "alice"})
	if res.Succeeded() || !errors.Is(res.Err(), errBoom) {
		t.Fatalf("expected persist failure, got %+v", res)
	}
	if n := len(h.cluster.CallsFor("delete", cluster.KindNamespace)); n != 0 {
		t.Fatalf("existing namespace deleted %d times", n)
	}
	c := h.cluster
	if !c.Has(cluster.KindNamespace, "", "prod") || !c.Has(cluster.KindSecret, "prod", "db-creds") {
		t.Fatalf("existing namespace or its secret was removed")
	}
	if c.Has(cluster.KindServiceAccount, "prod", "alice") ||
		c.Has(cluster.KindSecret, "prod", cluster.TokenSecretName("alice")) ||
		c.Has(cluster.KindRoleBinding, "prod", cluster.RoleBindingName("alice", adminRole)) {
		t.Fatalf("objects created by the failed call remain")
	}

	h.create(t, "prod", "alice")
	if !c.Has(cluster.KindSecret, "prod", "db-creds") {
		t.Fatalf("adopting the namespace removed its secret")
	}
}

func TestCreateNamespaceRefusesForeignServiceAccount(t *testing.T) {
	h := newHarness(t, "alice")
	seedProd(h)
	h.cluster.Seed(cluster.Object{
		Kind:        cluster.KindServiceAccount,
		Namespace:   "prod",
		Name:        "alice",
		Annotations: map[string]string{cluster.AnnotationUserID: "someone-else"},
	})

	res := h.orch.CreateNamespace(context.Background(), types.NamespaceRequest{Name: "prod", AdminUserID: "alice"})
	if res.Succeeded() || !errors.Is(res.Err(), ErrServiceAccountTaken) || res.HTTPStatusCode != http.StatusConflict {
		t.Fatalf("unexpected result: %+v", res)
	}
	if n := len(h.cluster.CallsFor("create", cluster.KindRoleBinding)); n != 0 {
		t.Fatalf("foreign service account was bound")
	}
	if !h.cluster.Has(cluster.KindServiceAccount, "prod", "alice") {
		t.Fatalf("foreign service account was removed")
	}
}

// pendingTokens never lets the token controller's data show up.
type pendingTokens struct {
	*clustertest.Fake
}

func (p pendingTokens) Get(ctx context.Context, kind cluster.Kind, namespace, name string) (cluster.Object, error) {
	obj, err := p.Fake.Get(ctx, kind, namespace, name)
	if kind == cluster.KindSecret {
		obj.Data = nil
	}
	return obj, err
}

func TestCreateNamespaceTokenTimeoutRollsBack(t *testing.T) {
	h := newHarness(t, "alice")
	orch := h.buildWith(t, pendingTokens{h.cluster}, h.store)
	orch.opts.TokenTimeout = 50 * time.Millisecond

	res := orch.CreateNamespace(context.Background(), types.NamespaceRequest{Name: "team-a", AdminUserID: "alice"})
	if res.Succeeded() || !errors.Is(res.Err(), ErrTokenPending) || res.HTTPStatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected result: %+v", res)
	}
	if h.cluster.Has(cluster.KindNamespace, "", "team-a") {
		t.Fatalf("namespace should be rolled back")
	}
	if ids, _ := h.store.ListByNamespace(context.Background(), "team-a"); len(ids) != 0 {
		t.Fatalf("no record expected, got %v", ids)
	}
}

func TestCreateNamespaceRejectsProvisionedNamespace(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	h.create(t, "team-a", "alice")
	before := len(h.cluster.Calls())

	res := h.orch.CreateNamespace(context.Background(), types.NamespaceRequest{Name: "team-a", AdminUserID: "bob"})
	if res.Succeeded() || !errors.Is(res.Err(), ErrNamespaceExists) || res.HTTPStatusCode != http.StatusConflict {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(h.cluster.Calls()) != before {
		t.Fatalf("rejected create touched the cluster")
	}
	if !h.cluster.Has(cluster.KindNamespace, "", "team-a") {
		t.Fatalf("existing namespace was removed")
	}
}

func TestConcurrentCreatesAreSerialized(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	results := make([]types.Result, 2)
	var wg sync.WaitGroup
	for i, admin := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, admin string) {
			defer wg.Done()
			results[i] = h.orch.CreateNamespace(context.Background(), types.NamespaceRequest{Name: "team-a", AdminUserID: admin})
		}(i, admin)
	}
	wg.Wait()

	ok := 0
	for _, r := range results {
		if r.Succeeded() {
			ok++
		} else if r.HTTPStatusCode != http.StatusConflict {
			t.Fatalf("loser should see a conflict: %+v", r)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one winner: %+v", results)
	}
	if !h.cluster.Has(cluster.KindNamespace, "", "team-a") {
		t.Fatalf("namespace missing after race")
	}
}

func TestBusyNamespace(t *testing.T) {
	h := newHarness(t, "alice")
	h.orch.opts.LockTimeout = 20 * time.Millisecond
	unlock, err := h.locker.Lock(context.Background(), "namespace/team-a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	res := h.orch.DeleteNamespace(context.Background(), "team-a")
	if res.Succeeded() || !errors.Is(res.Err(), ErrNamespaceBusy) || res.HTTPStatusCode != http.StatusConflict {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDeleteNamespaceCleansUpIdentities(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	h.create(t, "team-a", "alice")
	res := h.orch.SyncMembers(context.Background(), "team-a", []types.MembershipEntry{
		{UserID: "bob", Role: memberRole},
		{UserID: "carol", Role: memberRole},
	})
	if !res.Succeeded() {
		t.Fatalf("sync: %+v", res)
	}
	before := len(h.cluster.Calls())

	res = h.orch.DeleteNamespace(context.Background(), "team-a")
	if !res.Succeeded() || res.NextActionURL != "/api/v1/namespaces" {
		t.Fatalf("delete: %+v", res)
	}
	counts := map[cluster.Kind]int{}
	for _, c := range h.cluster.Calls()[before:] {
		if c.Op == "delete" {
			counts[c.Kind]++
		}
	}
	if counts[cluster.KindNamespace] != 1 || counts[cluster.KindServiceAccount] != 3 || counts[cluster.KindRoleBinding] != 3 {
		t.Fatalf("delete counts = %v", counts)
	}
	if ids, _ := h.store.ListByNamespace(context.Background(), "team-a"); len(ids) != 0 {
		t.Fatalf("records left behind: %v", ids)
	}
	if _, err := h.store.GetIdentity(context.Background(), staging, "bob"); err != nil {
		t.Fatalf("staging template must survive: %v", err)
	}
}

func TestDeleteNamespaceToleratesCleanupFailures(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	h.create(t, "team-a", "alice")
	if res := h.orch.SyncMembers(context.Background(), "team-a", []types.MembershipEntry{{UserID: "bob"}, {UserID: "carol"}}); !res.Succeeded() {
		t.Fatalf("sync: %+v", res)
	}
	h.cluster.Fail("delete", cluster.KindServiceAccount, errBoom, "alice")
	h.cluster.Fail("delete", cluster.KindRoleBinding, errBoom, cluster.RoleBindingName("bob", memberRole))

	res := h.orch.DeleteNamespace(context.Background(), "team-a")
	if !res.Succeeded() {
		t.Fatalf("delete should succeed despite cleanup failures: %+v", res)
	}
	if res.DetailMessage == "" {
		t.Fatalf("expected cleanup failures in detail")
	}
	if ids, _ := h.store.ListByNamespace(context.Background(), "team-a"); len(ids) != 0 {
		t.Fatalf("records left behind: %v", ids)
	}
}

func TestDeleteNamespaceFailureIsTerminal(t *testing.T) {
	h := newHarness(t, "alice")
	h.create(t, "team-a", "alice")
	h.cluster.Fail("delete", cluster.KindNamespace, errBoom)

	res := h.orch.DeleteNamespace(context.Background(), "team-a")
	if res.Succeeded() || !errors.Is(res.Err(), errBoom) {
		t.Fatalf("expected failure: %+v", res)
	}
	if _, err := h.store.GetIdentity(context.Background(), "team-a", "alice"); err != nil {
		t.Fatalf("records must be untouched: %v", err)
	}

	h.cluster.Heal()
	res = h.orch.DeleteNamespace(context.Background(), "team-b")
	if res.Succeeded() || res.HTTPStatusCode != http.StatusNotFound {
		t.Fatalf("missing namespace should be 404: %+v", res)
	}
}

func TestGetNamespace(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	res := h.orch.CreateNamespace(context.Background(), types.NamespaceRequest{
		Name: "team-a", AdminUserID: "alice", ResourceQuotas: []string{"small"}, LimitRanges: []string{"default-limits"},
	})
	if !res.Succeeded() {
		t.Fatalf("create: %+v", res)
	}
	if res := h.orch.SyncMembers(context.Background(), "team-a", []types.MembershipEntry{{UserID: "bob"}}); !res.Succeeded() {
		t.Fatalf("sync: %+v", res)
	}

	detail, err := h.orch.GetNamespace(context.Background(), "team-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.Admin == nil || detail.Admin.UserID != "alice" || detail.Admin.Token != "" {
		t.Fatalf("unexpected admin: %+v", detail.Admin)
	}
	if len(detail.Members) != 1 || detail.Members[0].UserID != "bob" || detail.Members[0].Token != "" {
		t.Fatalf("unexpected members: %+v", detail.Members)
	}
	if len(detail.ResourceQuotas) != 1 || detail.ResourceQuotas[0] != "small" || len(detail.LimitRanges) != 1 {
		t.Fatalf("unexpected profiles: %+v", detail)
	}

	if _, err := h.orch.GetNamespace(context.Background(), "team-z"); HTTPStatus(err) != http.StatusNotFound {
		t.Fatalf("expected 404 for missing namespace, got %v", err)
	}
}
