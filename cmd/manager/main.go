package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/vaheed/novaspace/internal/cluster"
	"github.com/vaheed/novaspace/internal/config"
	"github.com/vaheed/novaspace/internal/lock"
	"github.com/vaheed/novaspace/internal/logging"
	mngr "github.com/vaheed/novaspace/internal/manager"
	"github.com/vaheed/novaspace/internal/manifest"
	"github.com/vaheed/novaspace/internal/observability"
	"github.com/vaheed/novaspace/internal/provision"
	"github.com/vaheed/novaspace/internal/security"
	"github.com/vaheed/novaspace/internal/store"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "novaspace-manager",
		Short:         "Provision tenant namespaces with their roles, quotas and service accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		if err := logging.SetLevel(cfg.Log.Level); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := serve(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
				logging.L.Error("server error", zap.Error(err))
				return err
			}
			return nil
		},
	})

	var subject string
	var roles []string
	var ttl int
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an API token with the configured signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Auth.SigningKey == "" {
				return errors.New("auth.signingKey is not configured")
			}
			req := mngr.TokenRequest{Subject: subject, Roles: roles, TTLMinutes: ttl}
			if err := req.Validate(); err != nil {
				return err
			}
			signed, _, err := mngr.IssueToken([]byte(cfg.Auth.SigningKey), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&subject, "subject", "", "token subject")
	tokenCmd.Flags().StringSliceVar(&roles, "roles", []string{"admin"}, "role claims")
	tokenCmd.Flags().IntVar(&ttl, "ttl-minutes", 60, "token lifetime")
	root.AddCommand(tokenCmd)

	root.AddCommand(&cobra.Command{
		Use:   "profiles",
		Short: "List the quota and limit-range profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			r, err := manifest.New(cfg.Manifests.Dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range r.QuotaProfiles() {
				fmt.Fprintf(out, "resourcequota\t%s\n", p)
			}
			for _, p := range r.LimitRangeProfiles() {
				fmt.Fprintf(out, "limitrange\t%s\n", p)
			}
			return nil
		},
	})
	return root
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctrl.SetLogger(crzap.New())

	shutdownTrace, err := observability.SetupOTel(ctx, observability.Config{
		ServiceName:    "novaspace-manager",
		ServiceVersion: mngr.Version,
		Environment:    cfg.Tracing.Environment,
		ClusterName:    cfg.Cluster.Name,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logging.L.Warn("otel_setup_failed", zap.Error(err))
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTrace(sctx)
		}()
	}

	var sealer *security.Sealer
	if cfg.Security.MasterKey != "" {
		key, err := security.ParseKey(cfg.Security.MasterKey)
		if err != nil {
			return err
		}
		if sealer, err = security.NewSealer(key); err != nil {
			return err
		}
	} else if cfg.Database.URL != "" {
		logging.L.Warn("security.masterKey not set; service account tokens are stored unencrypted")
	}

	var (
		st      store.Store
		lastErr error
	)
	backoff := wait.Backoff{Duration: 200 * time.Millisecond, Factor: 2, Jitter: 0.1, Steps: 12, Cap: 10 * time.Second}
	err = wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		s, e := store.Open(ctx, cfg.Database.URL, sealer)
		if e != nil {
			lastErr = e
			logging.L.Warn("store_connect_retry", zap.Error(e))
			return false, nil
		}
		st = s
		return true, nil
	})
	if err != nil {
		if lastErr != nil {
			err = lastErr
		}
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close(context.Background())

	restCfg, err := restConfig(cfg.Cluster.Kubeconfig)
	if err != nil {
		return fmt.Errorf("cluster config: %w", err)
	}
	kc, err := ctrlclient.New(restCfg, ctrlclient.Options{Scheme: cluster.NewScheme()})
	if err != nil {
		return fmt.Errorf("cluster client: %w", err)
	}

	var locker lock.Locker = lock.NewMemory()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		locker = lock.NewRedis(rdb, cfg.Lock.TTL)
	}

	renderer, err := manifest.New(cfg.Manifests.Dir)
	if err != nil {
		return err
	}
	kube := cluster.NewKubeClient(kc)
	orch := provision.New(kube, renderer, st, locker, provision.Options{
		ClusterName:        cfg.Cluster.Name,
		StagingNamespace:   cfg.Namespaces.Staging,
		MemberRole:         cfg.Roles.Member,
		AdminRole:          cfg.Roles.Admin,
		QuotaProfiles:      renderer.QuotaProfiles(),
		LimitRangeProfiles: renderer.LimitRangeProfiles(),
		TokenTimeout:       cfg.Token.Timeout,
		LockTimeout:        cfg.Lock.Timeout,
	})

	server := cfg.Cluster.Server
	if server == "" {
		server = restCfg.Host
	}
	health := mngr.HealthChecks{st, cluster.Readiness{Client: kube, StagingNamespace: cfg.Namespaces.Staging}}
	srv := mngr.NewServer(orch, health, mngr.Options{
		RequireAuth: cfg.Auth.Required,
		SigningKey:  []byte(cfg.Auth.SigningKey),
		RateLimit:   cfg.HTTP.RateLimit,
		Cluster:     mngr.ClusterEndpoint{Server: server, CAData: restCfg.CAData},
	})
	s := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	logging.L.Info("novaspace manager listening",
		zap.String("addr", s.Addr),
		zap.String("cluster", cfg.Cluster.Name),
		zap.Bool("postgres", cfg.Database.URL != ""),
		zap.Bool("redis_lock", cfg.Redis.Addr != ""),
	)
	return mngr.StartHTTP(ctx, s)
}

func restConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	return ctrlconfig.GetConfig()
}
