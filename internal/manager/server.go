package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vaheed/novaspace/internal/lib/httperr"
	"github.com/vaheed/novaspace/internal/logging"
	"github.com/vaheed/novaspace/internal/provision"
	"github.com/vaheed/novaspace/pkg/types"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	Version                = "0.1.0"
	authContextKey         = contextKey("auth")
	defaultTokenTTL        = 60 * time.Minute
	maxBodyBytes     int64 = 1 << 20 // 1MB
	otelServiceName        = "novaspace-manager"
	adminRoleClaim         = "admin"
)

type contextKey string

// Provisioner is the set of namespace operations served over HTTP.
type Provisioner interface {
	CreateNamespace(ctx context.Context, req types.NamespaceRequest) types.Result
	ModifyNamespace(ctx context.Context, namespace string, req types.NamespaceRequest) types.Result
	DeleteNamespace(ctx context.Context, namespace string) types.Result
	GetNamespace(ctx context.Context, namespace string) (types.NamespaceDetail, error)
	SyncMembers(ctx context.Context, namespace string, members []types.MembershipEntry) types.Result
	RemoveMember(ctx context.Context, namespace, userID string) types.Result
	Credentials(ctx context.Context, namespace, userID string) (types.Identity, error)
}

// HealthChecker reports whether a dependency is ready to serve.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthChecks is ready when every check is.
type HealthChecks []HealthChecker

func (hc HealthChecks) Health(ctx context.Context) error {
	var err error
	for _, c := range hc {
		err = multierr.Append(err, c.Health(ctx))
	}
	return err
}

// Options configure a Server.
type Options struct {
	RequireAuth bool
	SigningKey  []byte
	// RateLimit is the number of requests per minute allowed per client IP.
	// Zero disables limiting.
	RateLimit int
	// Cluster is written into member kubeconfigs.
	Cluster ClusterEndpoint
}

// Server exposes the HTTP handlers for the Manager.
type Server struct {
	prov        Provisioner
	health      HealthChecker
	requireAuth bool
	signingKey  []byte
	rateLimit   int
	endpoint    ClusterEndpoint
}

// NewServer builds a Server around the provisioner and readiness check.
func NewServer(prov Provisioner, health HealthChecker, opts Options) *Server {
	return &Server{
		prov:        prov,
		health:      health,
		requireAuth: opts.RequireAuth,
		signingKey:  opts.SigningKey,
		rateLimit:   opts.RateLimit,
		endpoint:    opts.Cluster,
	}
}

// Router returns the configured HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otelhttp.NewMiddleware(otelServiceName))
	r.Use(s.logMiddleware)
	if s.rateLimit > 0 {
		r.Use(httprate.LimitByIP(s.rateLimit, time.Minute))
	}

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/healthz", s.healthz)
		api.Get("/readyz", s.readyz)
		api.Get("/version", s.version)

		api.With(s.authMiddleware).Post("/tokens", s.issueToken)
		api.With(s.authMiddleware).Get("/me", s.me)

		api.Route("/namespaces", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.With(s.requireRole(adminRoleClaim)).Post("/", s.createNamespace)
			r.Route("/{namespace}", func(r chi.Router) {
				r.Get("/", s.getNamespace)
				r.With(s.requireRole(adminRoleClaim)).Put("/", s.modifyNamespace)
				r.With(s.requireRole(adminRoleClaim)).Delete("/", s.deleteNamespace)
				r.With(s.requireRole(adminRoleClaim)).Put("/members", s.syncMembers)
				r.With(s.requireRole(adminRoleClaim)).Delete("/members/{userID}", s.removeMember)
				r.With(s.requireRole(adminRoleClaim)).Get("/members/{userID}/kubeconfig", s.memberKubeconfig)
			})
		})
	})

	return r
}

// StartHTTP listens and serves until the context is canceled.
func StartHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())
		log := logging.L.With(zap.String("request_id", reqID))
		r = r.WithContext(logging.WithContext(r.Context(), log))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		spanCtx := trace.SpanContextFromContext(r.Context())
		if spanCtx.IsValid() {
			fields = append(fields, zap.String("trace_id", spanCtx.TraceID().String()))
		}
		log.Info("http_request", fields...)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAuth {
			roles := []string{}
			for _, part := range strings.Split(r.Header.Get("X-NV-Roles"), ",") {
				if trimmed := strings.TrimSpace(part); trimmed != "" {
					roles = append(roles, trimmed)
				}
			}
			ctx := context.WithValue(r.Context(), authContextKey, &AuthContext{
				Subject: "anonymous",
				Roles:   roles,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		authz := r.Header.Get("Authorization")
		if !strings.HasPrefix(authz, "Bearer ") {
			httperr.Write(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		tokenStr := strings.TrimPrefix(authz, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return s.signingKey, nil
		})
		if err != nil || !token.Valid {
			httperr.Write(w, http.StatusUnauthorized, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			httperr.Write(w, http.StatusUnauthorized, "invalid token claims")
			return
		}
		roles := []string{}
		if raw, ok := claims["roles"].([]any); ok {
			for _, r := range raw {
				if str, ok := r.(string); ok {
					roles = append(roles, str)
				}
			}
		}
		subject, _ := claims["sub"].(string)
		ctx := context.WithValue(r.Context(), authContextKey, &AuthContext{
			Subject: subject,
			Roles:   roles,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole rejects callers without one of the allowed role claims. It is
// a no-op when authentication is disabled.
func (s *Server) requireRole(allowed ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.requireAuth || s.authContext(r.Context()).hasRole(allowed...) {
				next.ServeHTTP(w, r)
				return
			}
			httperr.Write(w, http.StatusForbidden, "forbidden")
		})
	}
}

type AuthContext struct {
	Subject string
	Roles   []string
}

func (a *AuthContext) hasRole(allowed ...string) bool {
	for _, role := range a.Roles {
		for _, want := range allowed {
			if role == want {
				return true
			}
		}
	}
	return false
}

func (s *Server) authContext(ctx context.Context) *AuthContext {
	if v, ok := ctx.Value(authContextKey).(*AuthContext); ok && v != nil {
		return v
	}
	return &AuthContext{Subject: "anonymous", Roles: []string{}}
}

// TokenRequest asks for a signed API token.
type TokenRequest struct {
	Subject    string   `json:"subject"`
	Roles      []string `json:"roles"`
	TTLMinutes int      `json:"ttlMinutes,omitempty"`
}

func (t TokenRequest) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Subject, validation.Required),
		validation.Field(&t.TTLMinutes, validation.Min(0), validation.Max(24*60)),
	)
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Health(r.Context()); err != nil {
			logging.FromContext(r.Context()).Warn("readiness check failed", zap.Error(err))
			httperr.Write(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

// issueToken mints bearer tokens for cluster administrators. Without
// authentication there is no caller to vouch for, so the endpoint is closed.
func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth {
		httperr.Write(w, http.StatusForbidden, "token issuance requires auth.required")
		return
	}
	if !s.authContext(r.Context()).hasRole(adminRoleClaim) {
		httperr.Write(w, http.StatusForbidden, "forbidden")
		return
	}
	if len(s.signingKey) == 0 {
		httperr.Write(w, http.StatusInternalServerError, "signing key not configured")
		return
	}
	var req TokenRequest
	if err := decodeJSON(r, &req); err != nil {
		httperr.Write(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		httperr.Write(w, http.StatusBadRequest, err.Error())
		return
	}
	signed, exp, err := IssueToken(s.signingKey, req)
	if err != nil {
		httperr.Write(w, http.StatusInternalServerError, "could not sign token")
		return
	}
	writeJSON(w, http.StatusCreated, TokenResponse{Token: signed, ExpiresAt: exp})
}

// IssueToken signs an HS256 token carrying the subject and role claims.
func IssueToken(key []byte, req TokenRequest) (string, time.Time, error) {
	ttl := defaultTokenTTL
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
	}
	now := time.Now()
	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub":    req.Subject,
		"roles":  req.Roles,
		"exp":    exp.Unix(),
		"issued": now.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	return signed, exp, err
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	auth := s.authContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"subject": auth.Subject,
		"roles":   auth.Roles,
	})
}

func (s *Server) createNamespace(w http.ResponseWriter, r *http.Request) {
	var req types.NamespaceRequest
	if err := decodeJSON(r, &req); err != nil {
		httperr.Write(w, http.StatusBadRequest, err.Error())
		return
	}
	writeResult(w, s.prov.CreateNamespace(r.Context(), req))
}

func (s *Server) getNamespace(w http.ResponseWriter, r *http.Request) {
	detail, err := s.prov.GetNamespace(r.Context(), chi.URLParam(r, "namespace"))
	if err != nil {
		httperr.Write(w, provision.HTTPStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) modifyNamespace(w http.ResponseWriter, r *http.Request) {
	var req types.NamespaceRequest
	if err := decodeJSON(r, &req); err != nil {
		httperr.Write(w, http.StatusBadRequest, err.Error())
		return
	}
	writeResult(w, s.prov.ModifyNamespace(r.Context(), chi.URLParam(r, "namespace"), req))
}

func (s *Server) deleteNamespace(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.prov.DeleteNamespace(r.Context(), chi.URLParam(r, "namespace")))
}

func (s *Server) syncMembers(w http.ResponseWriter, r *http.Request) {
	var req types.MembersRequest
	if err := decodeJSON(r, &req); err != nil {
		httperr.Write(w, http.StatusBadRequest, err.Error())
		return
	}
	writeResult(w, s.prov.SyncMembers(r.Context(), chi.URLParam(r, "namespace"), req.Members))
}

func (s *Server) removeMember(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.prov.RemoveMember(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "userID")))
}

func (s *Server) memberKubeconfig(w http.ResponseWriter, r *http.Request) {
	id, err := s.prov.Credentials(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "userID"))
	if err != nil {
		httperr.Write(w, provision.HTTPStatus(err), err.Error())
		return
	}
	raw, err := GenerateKubeconfig(s.endpoint, id)
	if err != nil {
		httperr.Write(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// Helpers
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeResult(w http.ResponseWriter, res types.Result) {
	status := res.HTTPStatusCode
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}
