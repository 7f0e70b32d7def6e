package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/webpilot-dev/webpilot/api/schemas"
	"github.com/webpilot-dev/webpilot/internal/approval"
	"github.com/webpilot-dev/webpilot/internal/browser"
	"github.com/webpilot-dev/webpilot/internal/config"
	"github.com/webpilot-dev/webpilot/internal/intent"
	"github.com/webpilot-dev/webpilot/internal/llmclient"
	"github.com/webpilot-dev/webpilot/internal/observability"
	"github.com/webpilot-dev/webpilot/internal/orchestrator"
	"github.com/webpilot-dev/webpilot/internal/server"
	"github.com/webpilot-dev/webpilot/internal/session"
	"github.com/webpilot-dev/webpilot/internal/snapshot"
	"github.com/webpilot-dev/webpilot/internal/stepgen"
)

// deferredSink lets the orchestrator be built before the server that will
// receive its events. Bind must be called before any session runs; the
// server's command handler is the only thing that starts sessions, so the
// ordering holds by construction.
type deferredSink struct {
	sink schemas.EventSink
}

func (d *deferredSink) Bind(s schemas.EventSink) { d.sink = s }

func (d *deferredSink) Emit(ev schemas.Event) {
	if d.sink != nil {
		d.sink.Emit(ev)
	}
}

// newServeCmd creates and configures the `serve` command.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the websocket server that drives interactive test sessions",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("server.listen_addr", cmd.Flags().Lookup("listen")); err != nil {
				return err
			}
			return viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Context is signal-aware; see Execute in root.go.
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Re-unmarshal so flag overrides bound in PreRunE take effect.
			var cfg config.Config
			if err := viper.Unmarshal(&cfg); err != nil {
				return fmt.Errorf("failed to re-unmarshal config with flag overrides: %w", err)
			}

			llm, err := llmclient.NewClient(cfg.LLM, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize LLM client: %w", err)
			}
			defer func() {
				if cerr := llm.Close(); cerr != nil {
					logger.Warn("Failed to close LLM client.", zap.Error(cerr))
				}
			}()

			manager := browser.NewManager(cfg.Browser, logger)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				if serr := manager.Shutdown(shutdownCtx); serr != nil {
					logger.Warn("Browser manager shutdown incomplete.", zap.Error(serr))
				}
			}()

			registry := session.NewRegistry(logger, cfg.Sessions.MaxConcurrent)
			broker := approval.NewBroker(logger)
			sink := &deferredSink{}

			orch := orchestrator.New(
				intent.NewParser(llm, logger),
				stepgen.NewSynthesizer(llm, logger),
				snapshot.NewBuilder(logger),
				broker,
				registry,
				manager,
				sink,
				cfg.Browser.SettleWait,
				logger,
			)

			srv := server.New(cfg, registry, broker, orch, logger)
			sink.Bind(srv)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Run(gctx)
			})

			logger.Info("Serve mode started.",
				zap.String("listen_addr", cfg.Server.ListenAddr),
				zap.Int("max_concurrent_sessions", cfg.Sessions.MaxConcurrent),
			)

			if err := g.Wait(); err != nil && ctx.Err() == nil {
				return err
			}
			logger.Info("Serve mode stopped.")
			return nil
		},
	}

	serveCmd.Flags().String("listen", "", "listen address for the websocket server (overrides config)")
	serveCmd.Flags().Bool("headless", true, "run the browser headless")

	return serveCmd
}

func init() {
	rootCmd.AddCommand(newServeCmd())
}
