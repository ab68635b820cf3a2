package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codexadarsh/edumentor-fullstack/internal/logging"
	"github.com/codexadarsh/edumentor-fullstack/internal/server"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API over HTTP",
		Long: "Serve the chat API for the browser client. Answers stream as server-sent events;\n" +
			"requests are authenticated with Supabase-issued HS256 JWTs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := cfg.ValidateServer(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logging.FormatJSON)
			if err != nil {
				return err
			}
			defer a.Close()

			if cfg.Server.AuthDisabled {
				a.logger.Warn("authentication disabled; every request acts as the local user")
			}
			a.logger.Info("starting server",
				zap.String("addr", cfg.Server.Addr),
				zap.String("provider", a.provider.Name()),
				zap.String("store", cfg.Store.Driver),
				zap.String("version", appVersion))

			srv := server.New(server.Options{
				Config:         cfg.Server,
				Store:          a.store,
				Controller:     a.controllerOptions("", ""),
				MaxUploadBytes: cfg.Document.MaxBytes,
				Logger:         a.logger,
				Metrics:        a.metrics,
			})
			if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from server.addr, :8080)")
	return cmd
}
