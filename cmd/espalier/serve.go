package main

import (
	"context"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	backend "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/aretw0/espalier"
	httpadapter "github.com/aretw0/espalier/internal/adapters/http"
	"github.com/aretw0/espalier/internal/config"
	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/adapters/redis"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/observability"
	"github.com/aretw0/espalier/pkg/registry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the intent execution API server",
	Long:  `Starts the HTTP API, the Prometheus endpoint and the background recovery sweep.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			return serve(configPath, addr)
		}
		return serve(configPath, "")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "Listen address (overrides the config file)")
}

func serve(configPath, addrOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addrOverride != "" {
		cfg.Addr = addrOverride
	}

	logger := logging.New(cfg.SlogLevel())

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	engineOpts := []espalier.Option{
		espalier.WithLogger(logger),
		espalier.WithLifecycleHooks(metrics.Hooks()),
		espalier.WithHandlerTimeout(cfg.HandlerTimeout.Std()),
		espalier.WithRecoveryInterval(cfg.RecoveryInterval.Std(), cfg.RecoveryMaxAge.Std()),
	}

	if cfg.Store == "redis" {
		client := backend.NewClient(&backend.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()

		engineOpts = append(engineOpts,
			espalier.WithLedgerStore(redis.NewLedgerStore(client, redis.WithLedgerPrefix(cfg.Redis.Prefix))),
			espalier.WithArtifactStore(redis.NewArtifactStore(client, redis.WithArtifactPrefix(cfg.Redis.Prefix))),
			espalier.WithJourneyStore(redis.NewJourneyStore(client, redis.WithJourneyPrefix(cfg.Redis.Prefix))),
			espalier.WithLocker(redis.NewLocker(client, cfg.Redis.Prefix)),
		)
	}

	eng, err := espalier.New(engineOpts...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer eng.Close()

	registerBuiltins(eng)

	handler := httpadapter.NewHandler(eng, logger, func(r chi.Router) {
		r.Handle("/metrics", promhttp.Handler())
	})

	srv := &nethttp.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}

	// Channel to listen for errors coming from the listener.
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("starting espalier server", "addr", srv.Addr, "store", cfg.Store)
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt or terminate signals.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking main and waiting for shutdown.
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("starting shutdown", "signal", sig.String())

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("graceful shutdown did not complete", "err", err)
			if err := srv.Close(); err != nil {
				return fmt.Errorf("failed to stop server: %w", err)
			}
		}
		logger.Info("espalier server stopped")
	}

	return nil
}

// registerBuiltins wires the handlers available out of the box. Real
// deployments embed the engine as a library and register their own.
func registerBuiltins(eng *espalier.Engine) {
	eng.Register("echo", registry.Registration{
		Handler: registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
			return &registry.Result{Output: params}, nil
		}),
	})
	eng.Register("register_artifact", registry.Registration{
		Handler: registry.HandlerFunc(func(ctx context.Context, ec registry.ExecContext, params map[string]any) (*registry.Result, error) {
			var spec domain.ArtifactSpec
			if err := registry.DecodeParams(params, &spec); err != nil {
				return nil, domain.Permanent(err)
			}
			if spec.Type == "" {
				return nil, domain.Permanent(&domain.ValidationError{Field: "artifact_type", Reason: "must not be empty"})
			}
			return &registry.Result{
				Output:    "registered",
				Artifacts: []domain.ArtifactSpec{spec},
			}, nil
		}),
	})
}
