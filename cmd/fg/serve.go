package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"featuregate/internal/app"
	"featuregate/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("FEATUREGATE_JWT_SECRET is required for bearer auth")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				logger := slog.Default()
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:              secret,
						AllowLegacyActorHeader: allowActorHeader,
						DevLogin:               devLogin,
						Logger:                 logger,
					},
					RateLimit: server.RateLimitConfig{
						RPS:   a.Config.Server.RateLimit.RPS,
						Burst: a.Config.Server.RateLimit.Burst,
					},
					Logger: logger,
				})
				if err != nil {
					return err
				}

				hooks, err := server.NewWebhookDispatcher(a.Engine.Repo, a.Config.Webhooks, logger)
				if err != nil {
					return err
				}
				if hooks != nil {
					go hooks.Run(ctx)
				}

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving featuregate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if devLogin {
					logger.Warn("dev login enabled; any caller can mint tokens")
				}
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id without a credential")
	return cmd
}
