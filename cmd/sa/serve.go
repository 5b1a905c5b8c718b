package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"selfaudit/internal/app"
	"selfaudit/internal/db"
	"selfaudit/internal/engine"
	"selfaudit/internal/migrate"
	"selfaudit/internal/repo"
	"selfaudit/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Serve the HTTP API and deliver events to the webhooks configured in the
questionnaire. Bearer tokens are verified with SELFAUDIT_JWT_SECRET; API keys
created with 'sa apikey create' are accepted in X-Api-Key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx := cmd.Context()
			version, err := migrate.Migrate(ctx, conn)
			if err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveQuestionnaire(ctx, workspace, viper.GetString("questionnaire"), r)
			if err != nil {
				return err
			}
			logger := slog.Default()
			e := engine.New(conn, cfg)
			e.Logger = logger
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyHeader,
				DevLogin:               devLogin,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" && !legacyHeader {
				return fmt.Errorf("SELFAUDIT_JWT_SECRET is required for bearer auth (or pass --allow-actor-header)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext:       func(net.Listener) context.Context { return ctx },
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("serving", "addr", addr, "base_path", basePath, "questionnaire", cfg.Questionnaire.ID, "schema", version)
				fmt.Printf("Serving selfaudit API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if d := server.NewDispatcher(r, cfg, logger); d != nil {
				g.Go(func() error { return d.Run(gctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST <base>/auth/dev/login (development only)")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials (local use only)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
