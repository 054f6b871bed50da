package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/aura-studio/redstage/internal/archive"
)

func (a *app) newArchiveCommand() *cobra.Command {
	var (
		limit int
		dsn   string
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Drain done into the Postgres archive once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				dsn = a.cfg.Archive.DSN
			}
			if dsn == "" {
				return errors.New("archive dsn is not configured (use --dsn or archive.dsn)")
			}
			sink, err := archive.NewPostgresSink(cmd.Context(), archive.PostgresConfig{
				DSN:             dsn,
				MaxOpenConns:    a.cfg.Archive.MaxOpenConns,
				MaxIdleConns:    a.cfg.Archive.MaxIdleConns,
				ConnMaxLifetime: a.cfg.Archive.ConnMaxLifetime,
			}, a.log.Logger)
			if err != nil {
				return err
			}
			defer sink.Close()

			n, err := archive.New(a.p, sink, a.cfg.Archive.BatchSize, a.log.Logger).RunOnce(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"archived": n})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of jobs (0 for all)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN (overrides archive.dsn)")
	return cmd
}
