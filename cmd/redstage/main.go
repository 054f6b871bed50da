package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/aura-studio/redstage"
	"github.com/aura-studio/redstage/internal/cli"
)

func main() {
	// A missing .env is fine; the environment and the config file still apply.
	_ = godotenv.Load()

	root := cli.NewRootCommand(
		cli.WithHandler("noop", func(ctx context.Context, job *redstage.Job) error {
			slog.InfoContext(ctx, "noop job", slog.String("job_id", job.ID))
			return nil
		}),
	)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "redstage:", err)
		os.Exit(1)
	}
}
