// Package cli holds the cobra commands of the redstage binary.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/aura-studio/redstage"
	"github.com/aura-studio/redstage/internal/config"
	"github.com/aura-studio/redstage/internal/logger"
)

type Option func(*app)

// WithClient makes every command use c instead of dialing the configured
// addresses. The caller keeps ownership of c.
func WithClient(c redis.UniversalClient) Option {
	return func(a *app) { a.client, a.ownClient = c, false }
}

// WithHandler registers the handler serve's consumer runs for jobs of jobType.
func WithHandler(jobType string, h redstage.Handler) Option {
	return func(a *app) { a.handlers[jobType] = h }
}

type app struct {
	configPath string

	cfg       config.Config
	log       *logger.Logger
	client    redis.UniversalClient
	ownClient bool
	p         *redstage.Pipeline
	handlers  map[string]redstage.Handler
}

// NewRootCommand builds the command tree.
func NewRootCommand(opts ...Option) *cobra.Command {
	a := &app{handlers: map[string]redstage.Handler{}, ownClient: true}
	for _, opt := range opts {
		opt(a)
	}

	root := &cobra.Command{
		Use:           "redstage",
		Short:         "Multi-stage job queue on Redis",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `redstage moves jobs through named stages stored in Redis:

  queued -> working -> done | failed, and failed -> queued on retry.

Every process sharing a prefix sees the same pipeline.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !needsStore(cmd) {
				return nil
			}
			return a.setup(cmd.Context())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("REDSTAGE_CONFIG"), "Path to YAML configuration file")

	root.AddCommand(
		a.newServeCommand(),
		a.newSubmitCommand(),
		a.newStatsCommand(),
		a.newPeekCommand(),
		a.newJobCommand(),
		a.newWorkersCommand(),
		a.newRetryCommand(),
		a.newReapCommand(),
		a.newReconcileCommand(),
		a.newDeadLettersCommand(),
		a.newArchiveCommand(),
	)
	return root
}

// needsStore is false for cobra's built-in help and completion commands.
func needsStore(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "help" || c.Name() == "completion" {
			return false
		}
	}
	return true
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	config.FromEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg

	l, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableSource,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.log = l.With(slog.String("app", cfg.App.Name), slog.String("env", cfg.App.Environment))

	if a.client == nil {
		a.client = cfg.NewRedisClient()
		a.ownClient = true
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable at %v: %w", cfg.Redis.Addrs, err)
	}

	a.p = redstage.NewPipeline(a.client,
		redstage.WithPrefix(cfg.Queue.Prefix),
		redstage.WithVisibilityTimeout(cfg.Queue.VisibilityTimeout),
		redstage.WithReapBatch(cfg.Queue.ReapBatch),
		redstage.WithLogger(a.log.Logger),
	)
	return nil
}

func (a *app) close() error {
	if a.p != nil {
		a.p.StopReaper()
	}
	var err error
	if a.client != nil && a.ownClient {
		err = a.client.Close()
		a.client = nil
	}
	if a.log != nil {
		_ = a.log.Close()
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
