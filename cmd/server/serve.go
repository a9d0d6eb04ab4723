package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ruralpay/ledger/docs"
	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/handlers"
	mW "github.com/ruralpay/ledger/internal/middleware"
	"github.com/ruralpay/ledger/internal/services"
	"github.com/spf13/cobra"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
)

func newServeCommand() *cobra.Command {
	var migrateFirst bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, migrateFirst)
		},
	}

	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "apply pending migrations before serving")

	return cmd
}

// requireSigningSecret stops the API from starting with an empty JWT secret.
func requireSigningSecret(cfg *config.Config) error {
	if cfg.JWT.SecretKey == "" {
		return errors.New("JWT_SECRET_KEY must be set to serve the API")
	}
	return nil
}

func serve(ctx context.Context, migrateFirst bool) error {
	if err := requireSigningSecret(config.Load()); err != nil {
		return err
	}

	rt, err := newRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	if migrateFirst {
		if err := runMigrations(rt); err != nil {
			return err
		}
	}

	dispatcher, err := rt.dispatcher()
	if err != nil {
		return err
	}
	notifier := rt.notifier(dispatcher)

	audit := services.NewAuditRecorder(rt.db, rt.cfg.Ledger.AuditPageSize)
	identifiers := services.NewIdentifierGenerator(rt.cfg.Ledger.IdentifierMaxAttempts, rt.metrics)
	provisioning := services.NewProvisioningService(rt.db, identifiers, audit, notifier, rt.cfg.Ledger.LockTimeout, rt.logger, rt.metrics)
	ledger := services.NewLedgerService(rt.db, audit, notifier, rt.cfg.Ledger.LockTimeout, rt.logger, rt.metrics)

	ledgerHandler := handlers.NewLedgerHandler(provisioning, ledger, audit, rt.logger)
	healthHandler := handlers.NewHealthHandler(rt.db, rt.rdb)

	docs.SwaggerInfo.Host = "localhost:" + rt.cfg.Port

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", healthHandler.Health)
	r.Handle("/metrics", rt.metrics.Handler())
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mW.AuthMiddleware)
		ledgerHandler.Routes(r)
	})

	server := &http.Server{
		Addr:         listenAddr(rt.cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	rt.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	rt.logger.Info("server stopped")
	return nil
}
