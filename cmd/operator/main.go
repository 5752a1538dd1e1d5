package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/vaheed/novaspace/internal/cluster"
	"github.com/vaheed/novaspace/internal/config"
	"github.com/vaheed/novaspace/internal/logging"
	"github.com/vaheed/novaspace/internal/manifest"
	"github.com/vaheed/novaspace/internal/metrics"
	"github.com/vaheed/novaspace/internal/reconcile"
	"go.uber.org/zap"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "novaspace-operator",
		Short:         "Keep the roles of managed namespaces in place",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := logging.SetLevel(cfg.Log.Level); err != nil {
				return err
			}
			return run(cfg)
		},
	}
	root.Flags().StringVar(&cfgPath, "config", "", "path to a YAML config file")
	if err := root.Execute(); err != nil {
		logging.L.Error("operator stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctrl.SetLogger(crzap.New())
	ctrlmetrics.Registry.MustRegister(metrics.RolesRestoredTotal)

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 cluster.NewScheme(),
		Metrics:                metricsserver.Options{BindAddress: cfg.Operator.MetricsAddr},
		HealthProbeBindAddress: cfg.Operator.ProbeAddr,
		LeaderElection:         cfg.Operator.LeaderElection,
		LeaderElectionID:       "novaspace-operator-leader",
	})
	if err != nil {
		return err
	}

	renderer, err := manifest.New(cfg.Manifests.Dir)
	if err != nil {
		return err
	}
	guard := &reconcile.RoleGuard{
		Client:      mgr.GetClient(),
		Cluster:     cluster.NewKubeClient(mgr.GetClient()),
		Renderer:    renderer,
		ClusterName: cfg.Cluster.Name,
		MemberRole:  cfg.Roles.Member,
		AdminRole:   cfg.Roles.Admin,
	}
	if err := guard.SetupWithManager(mgr); err != nil {
		return err
	}
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return err
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return err
	}

	logging.L.Info("novaspace operator starting", zap.String("cluster", cfg.Cluster.Name))
	return mgr.Start(ctrl.SetupSignalHandler())
}
