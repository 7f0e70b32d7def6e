package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/webpilot-dev/webpilot/api/schemas"
	"github.com/webpilot-dev/webpilot/internal/approval"
	"github.com/webpilot-dev/webpilot/internal/browser"
	"github.com/webpilot-dev/webpilot/internal/config"
	"github.com/webpilot-dev/webpilot/internal/intent"
	"github.com/webpilot-dev/webpilot/internal/llmclient"
	"github.com/webpilot-dev/webpilot/internal/observability"
	"github.com/webpilot-dev/webpilot/internal/orchestrator"
	"github.com/webpilot-dev/webpilot/internal/session"
	"github.com/webpilot-dev/webpilot/internal/snapshot"
	"github.com/webpilot-dev/webpilot/internal/stepgen"
)

// logSink routes session events into the structured log. It serves headless
// runs where no websocket client is listening.
type logSink struct {
	logger *zap.Logger
}

func (l *logSink) Emit(ev schemas.Event) {
	l.logger.Info("Session event.",
		zap.String("event", string(ev.Type)),
		zap.String("session_id", ev.SessionID),
	)
}

// newRunCmd creates and configures the `run` command: a single unattended
// session with every approval gate disabled, suitable for CI.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run \"<scenario>\"",
		Short: "Runs a single test scenario headlessly, without approval gates",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			scenario := strings.TrimSpace(args[0])
			if scenario == "" {
				return fmt.Errorf("scenario must not be empty")
			}

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

			registry := session.NewRegistry(logger, 1)
			broker := approval.NewBroker(logger)

			orch := orchestrator.New(
				intent.NewParser(llm, logger),
				stepgen.NewSynthesizer(llm, logger),
				snapshot.NewBuilder(logger),
				broker,
				registry,
				manager,
				&logSink{logger: logger.Named("events")},
				cfg.Browser.SettleWait,
				logger,
			)

			pageAware, _ := cmd.Flags().GetBool("page-aware")
			tier, _ := cmd.Flags().GetString("llm")

			opts := session.Options{
				HumanInLoop: false,
				PageAware:   pageAware,
				Tier:        schemas.TierPowerful,
			}
			if tier == string(schemas.TierFast) {
				opts.Tier = schemas.TierFast
			}

			sess, err := registry.Create(scenario, opts)
			if err != nil {
				return fmt.Errorf("failed to create session: %w", err)
			}

			started := time.Now()
			orch.Run(ctx, sess)

			return reportRun(cmd, sess, time.Since(started))
		},
	}

	runCmd.Flags().Bool("headless", true, "run the browser headless")
	runCmd.Flags().Bool("page-aware", true, "ground step generation in live page snapshots")
	runCmd.Flags().String("llm", string(schemas.TierPowerful), "model tier to use: fast or powerful")

	return runCmd
}

// reportRun prints a human-readable result table and maps the terminal state
// to the process exit status.
func reportRun(cmd *cobra.Command, sess *session.Session, elapsed time.Duration) error {
	out := cmd.OutOrStdout()

	results := sess.Results()
	for i, res := range results {
		line := fmt.Sprintf("%2d. [%s] %s", i+1, res.Status, res.Step.Description)
		if res.Step.Selector != "" {
			line += fmt.Sprintf("  (%s on %s)", res.Step.Action, res.Step.Selector)
		}
		if res.Error != "" {
			line += "  error: " + res.Error
		}
		fmt.Fprintln(out, line)
	}

	state := sess.State()
	fmt.Fprintf(out, "\nsession %s finished in %s: %s (%d steps)\n", sess.ID, elapsed.Round(time.Millisecond), state, len(results))

	switch state {
	case schemas.StateCompleted:
		return nil
	case schemas.StateCancelled:
		return fmt.Errorf("session was cancelled")
	default:
		return fmt.Errorf("session finished in state %q", state)
	}
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}
