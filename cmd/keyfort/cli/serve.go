package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keyfortio/keyfort/internal/activation"
	"github.com/keyfortio/keyfort/internal/cache"
	"github.com/keyfortio/keyfort/internal/config"
	"github.com/keyfortio/keyfort/internal/infrastructure"
	"github.com/keyfortio/keyfort/internal/offline"
	"github.com/keyfortio/keyfort/internal/signer"
	"github.com/keyfortio/keyfort/internal/store"
	transport "github.com/keyfortio/keyfort/internal/transport/http"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the license activation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := infrastructure.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}

	keys, err := signer.LoadOrGenerateKeys(cfg.Signing.KeyDir, logger)
	if err != nil {
		return err
	}

	secret := cfg.Signing.Secret
	if secret == "" {
		// An empty secret would make every hwid hash trivially
		// forgeable; refuse to start rather than degrade.
		return fmt.Errorf("signing.secret is required (set KEYFORT_SIGNING_SECRET)")
	}

	sg, err := signer.New(secret, keys.Private, keys.Public, logger)
	if err != nil {
		return err
	}

	st, err := store.Open(store.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	metrics, err := activation.NewMetrics()
	if err != nil {
		return err
	}

	licenseCache := cache.New(cfg.Security.CacheTTL, cfg.Security.CacheEntries)
	defer licenseCache.Stop()

	coordinator := activation.NewCoordinator(st, sg, logger,
		activation.WithCache(licenseCache),
		activation.WithMetrics(metrics),
	)

	codec := offline.NewCodec(st, sg, cfg.Signing.Issuer, logger,
		offline.WithRequestTTL(cfg.Offline.RequestTTL),
		offline.WithProofTTL(cfg.Offline.ProofTTL),
		offline.WithMetrics(metrics),
	)

	router := transport.NewRouter(transport.RouterDeps{
		Coordinator: coordinator,
		Codec:       codec,
		Signer:      sg,
		Store:       st,
		Config:      cfg,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("activation server listening",
			slog.String("addr", srv.Addr),
			slog.String("driver", cfg.Database.Driver),
			slog.Bool("ephemeral_keys", keys.Ephemeral),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
