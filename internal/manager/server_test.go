package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vaheed/novaspace/internal/cluster"
	"github.com/vaheed/novaspace/internal/cluster/clustertest"
	"github.com/vaheed/novaspace/internal/lib/httperr"
	"github.com/vaheed/novaspace/internal/lock"
	"github.com/vaheed/novaspace/internal/manifest"
	"github.com/vaheed/novaspace/internal/provision"
	"github.com/vaheed/novaspace/internal/store"
	"github.com/vaheed/novaspace/pkg/types"
	"k8s.io/client-go/tools/clientcmd"
)

var signingKey = []byte("test-signing-key")

func newTestServer(t *testing.T, opts Options) (*Server, *clustertest.Fake) {
	t.Helper()
	st := store.NewMemory()
	for _, u := range []string{"alice", "bob"} {
		if err := st.CreateIdentity(context.Background(), &types.Identity{UserID: u, Namespace: "novaspace-staging", UserType: types.UserTypeUser}); err != nil {
			t.Fatal(err)
		}
	}
	r, err := manifest.New("")
	if err != nil {
		t.Fatal(err)
	}
	c := clustertest.New()
	orch := provision.New(c, r, st, lock.NewMemory(), provision.Options{
		ClusterName:        "dev",
		StagingNamespace:   "novaspace-staging",
		MemberRole:         "novaspace-member-role",
		AdminRole:          "novaspace-admin-role",
		QuotaProfiles:      r.QuotaProfiles(),
		LimitRangeProfiles: r.LimitRangeProfiles(),
	})
	return NewServer(orch, st, opts), c
}

func do(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) types.Result {
	t.Helper()
	var res types.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v: %s", err, w.Body.String())
	}
	return res
}

func TestSystemEndpoints(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	h := s.Router()
	for _, p := range []string{"/api/v1/healthz", "/api/v1/readyz", "/api/v1/version", "/metrics"} {
		if w := do(t, h, http.MethodGet, p, nil); w.Code != http.StatusOK {
			t.Fatalf("%s failed: %d", p, w.Code)
		}
	}
}

func TestReadyzAggregatesChecks(t *testing.T) {
	c := clustertest.New()
	health := HealthChecks{store.NewMemory(), cluster.Readiness{Client: c, StagingNamespace: "novaspace-staging"}}
	h := NewServer(nil, health, Options{}).Router()
	if w := do(t, h, http.MethodGet, "/api/v1/readyz", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without staging namespace, got %d", w.Code)
	}
	c.Seed(cluster.Object{Kind: cluster.KindNamespace, Name: "novaspace-staging"})
	if w := do(t, h, http.MethodGet, "/api/v1/readyz", nil); w.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d %s", w.Code, w.Body.String())
	}
}

func TestNamespaceLifecycle(t *testing.T) {
	s, c := newTestServer(t, Options{})
	h := s.Router()

	w := do(t, h, http.MethodPost, "/api/v1/namespaces", types.NamespaceRequest{
		Name: "team-a", AdminUserID: "alice", ResourceQuotas: []string{"small"},
	})
	res := decodeResult(t, w)
	if w.Code != http.StatusOK || res.ResultCode != types.ResultSuccess || res.NextActionURL != "/api/v1/namespaces" {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodPut, "/api/v1/namespaces/team-a/members", types.MembersRequest{
		Members: []types.MembershipEntry{{UserID: "bob", Role: "novaspace-member-role"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("sync members: %d %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/api/v1/namespaces/team-a", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d %s", w.Code, w.Body.String())
	}
	var detail types.NamespaceDetail
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatal(err)
	}
	if detail.Admin == nil || detail.Admin.UserID != "alice" || len(detail.Members) != 1 || detail.ResourceQuotas[0] != "small" {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	w = do(t, h, http.MethodPut, "/api/v1/namespaces/team-a", types.NamespaceRequest{Name: "team-b", AdminUserID: "bob"})
	res = decodeResult(t, w)
	if w.Code != http.StatusBadRequest || res.ResultCode != types.ResultFail {
		t.Fatalf("mismatch should be 400: %d %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodPut, "/api/v1/namespaces/team-a", types.NamespaceRequest{AdminUserID: "bob"})
	if w.Code != http.StatusOK {
		t.Fatalf("modify: %d %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodDelete, "/api/v1/namespaces/team-a/members/bob", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("removing the admin should be 400: %d %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodDelete, "/api/v1/namespaces/team-a/members/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove member: %d %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodDelete, "/api/v1/namespaces/team-a", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}
	if len(c.Names(cluster.KindNamespace, "")) != 0 {
		t.Fatalf("namespace left behind")
	}

	w = do(t, h, http.MethodGet, "/api/v1/namespaces/team-a", nil)
	var payload httperr.Payload
	_ = json.Unmarshal(w.Body.Bytes(), &payload)
	if w.Code != http.StatusNotFound || payload.Code != "NV-404" {
		t.Fatalf("get after delete: %d %s", w.Code, w.Body.String())
	}
}

func TestRejectsMalformedBodies(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/namespaces", bytes.NewBufferString(`{"name":"team-a","owner":"x"}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown field should be rejected: %d", w.Code)
	}
}

func TestMemberKubeconfig(t *testing.T) {
	s, _ := newTestServer(t, Options{Cluster: ClusterEndpoint{Server: "https://k8s.example.com:6443"}})
	h := s.Router()
	if w := do(t, h, http.MethodPost, "/api/v1/namespaces", types.NamespaceRequest{Name: "team-a", AdminUserID: "alice"}); w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}

	w := do(t, h, http.MethodGet, "/api/v1/namespaces/team-a/members/alice/kubeconfig", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("kubeconfig: %d %s", w.Code, w.Body.String())
	}
	cfg, err := clientcmd.Load(w.Body.Bytes())
	if err != nil {
		t.Fatalf("parse kubeconfig: %v", err)
	}
	kctx := cfg.Contexts[cfg.CurrentContext]
	if kctx == nil || kctx.Namespace != "team-a" {
		t.Fatalf("unexpected context: %+v", cfg.Contexts)
	}
	if cfg.AuthInfos[kctx.AuthInfo].Token == "" || cfg.Clusters[kctx.Cluster].Server != "https://k8s.example.com:6443" {
		t.Fatalf("kubeconfig missing credentials or server")
	}

	if w := do(t, h, http.MethodGet, "/api/v1/namespaces/team-a/members/nobody/kubeconfig", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown member should be 404: %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t, Options{RequireAuth: true, SigningKey: signingKey})
	h := s.Router()
	body := types.NamespaceRequest{Name: "team-a", AdminUserID: "alice"}

	if w := do(t, h, http.MethodPost, "/api/v1/namespaces", body); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token should be 401: %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/v1/namespaces", body, "Authorization", "Bearer garbage"); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token should be 401: %d", w.Code)
	}

	viewer, _, err := IssueToken(signingKey, TokenRequest{Subject: "v", Roles: []string{"viewer"}})
	if err != nil {
		t.Fatal(err)
	}
	if w := do(t, h, http.MethodPost, "/api/v1/namespaces", body, "Authorization", "Bearer "+viewer); w.Code != http.StatusForbidden {
		t.Fatalf("viewer should be 403: %d", w.Code)
	}

	admin, _, err := IssueToken(signingKey, TokenRequest{Subject: "ops", Roles: []string{"admin"}})
	if err != nil {
		t.Fatal(err)
	}
	if w := do(t, h, http.MethodPost, "/api/v1/namespaces", body, "Authorization", "Bearer "+admin); w.Code != http.StatusOK {
		t.Fatalf("admin create: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, h, http.MethodGet, "/api/v1/namespaces/team-a", nil, "Authorization", "Bearer "+viewer); w.Code != http.StatusOK {
		t.Fatalf("viewer read: %d", w.Code)
	}
}

func TestIssueTokenAndMe(t *testing.T) {
	s, _ := newTestServer(t, Options{RequireAuth: true, SigningKey: signingKey})
	h := s.Router()
	admin, _, err := IssueToken(signingKey, TokenRequest{Subject: "ops", Roles: []string{"admin"}})
	if err != nil {
		t.Fatal(err)
	}

	w := do(t, h, http.MethodPost, "/api/v1/tokens", TokenRequest{Subject: "tester", Roles: []string{"viewer"}, TTLMinutes: 5}, "Authorization", "Bearer "+admin)
	if w.Code != http.StatusCreated {
		t.Fatalf("issue token failed: %d %s", w.Code, w.Body.String())
	}
	var tok TokenResponse
	_ = json.Unmarshal(w.Body.Bytes(), &tok)
	if tok.Token == "" {
		t.Fatalf("expected token, got %s", w.Body.String())
	}

	if w := do(t, h, http.MethodPost, "/api/v1/tokens", TokenRequest{}, "Authorization", "Bearer "+admin); w.Code != http.StatusBadRequest {
		t.Fatalf("empty subject should be 400: %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/api/v1/me", nil, "Authorization", "Bearer "+tok.Token)
	var me map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &me)
	if w.Code != http.StatusOK || me["subject"] != "tester" {
		t.Fatalf("me: %d %s", w.Code, w.Body.String())
	}
}

func TestIssueTokenClosedWithoutAuth(t *testing.T) {
	s, _ := newTestServer(t, Options{SigningKey: signingKey})
	h := s.Router()

	w := do(t, h, http.MethodPost, "/api/v1/tokens", TokenRequest{Subject: "anyone", Roles: []string{"admin"}})
	if w.Code != http.StatusForbidden {
		t.Fatalf("anonymous token issuance should be 403: %d %s", w.Code, w.Body.String())
	}
	var tok TokenResponse
	_ = json.Unmarshal(w.Body.Bytes(), &tok)
	if tok.Token != "" {
		t.Fatalf("token minted without authentication")
	}
}
