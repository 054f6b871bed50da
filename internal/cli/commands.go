package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aura-studio/redstage"
)

type jobView struct {
	ID        string          `json:"id"`
	Type      string          `json:"type,omitempty"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Attempts  int             `json:"attempts"`
	CreatedAt string          `json:"created_at,omitempty"`
	UpdatedAt string          `json:"updated_at,omitempty"`
}

func view(j *redstage.Job) jobView {
	v := jobView{ID: j.ID, Type: j.Type, Status: j.Status, Payload: j.Payload, Attempts: j.Attempts}
	if !j.CreatedAt.IsZero() {
		v.CreatedAt = j.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z")
	}
	if !j.UpdatedAt.IsZero() {
		v.UpdatedAt = j.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000Z")
	}
	return v
}

func (a *app) newSubmitCommand() *cobra.Command {
	var id, jobType, payload string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job into queued",
		RunE: func(cmd *cobra.Command, _ []string) error {
			job := &redstage.Job{ID: id, Type: jobType}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return errors.New("--payload must be valid JSON")
				}
				job.Payload = json.RawMessage(payload)
			}
			job, err := a.p.Submit(cmd.Context(), job)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view(job))
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Job id (generated when empty)")
	cmd.Flags().StringVarP(&jobType, "type", "t", "", "Job type")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload")
	return cmd
}

func (a *app) newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the depth of every stage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := a.p.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func (a *app) newPeekCommand() *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "peek <queue>",
		Short: "List jobs of a stage from newest to oldest without removing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.p.Queue(args[0])
			if err != nil {
				return err
			}
			jobs, err := q.Peek(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := make([]jobView, 0, len(jobs))
			for _, j := range jobs {
				out = append(out, view(j))
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().Int64VarP(&limit, "limit", "n", 20, "Maximum number of jobs (0 for all)")
	return cmd
}

func (a *app) newJobCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Show the latest snapshot of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, ok, err := a.p.Index.Fetch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("job %s not found", args[0])
			}
			return printJSON(cmd.OutOrStdout(), view(job))
		},
	}
}

func (a *app) newWorkersCommand() *cobra.Command {
	var signOut string
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List workers and the stage each one drains",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if signOut != "" {
				if err := a.p.Workers.SignOut(cmd.Context(), signOut); err != nil {
					return err
				}
			}
			members, err := a.p.Workers.Members(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), members)
		},
	}
	cmd.Flags().StringVar(&signOut, "sign-out", "", "Remove this worker before listing")
	return cmd
}

func (a *app) newRetryCommand() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Move the oldest failed jobs back into queued",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var moved []jobView
			for count <= 0 || len(moved) < count {
				job, ok, err := a.p.Retry(cmd.Context())
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				moved = append(moved, view(job))
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"retried": len(moved), "jobs": moved})
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of jobs to retry (0 for all)")
	return cmd
}

func (a *app) newReapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Return jobs with expired claims to queued",
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := a.p.ReapOnce(cmd.Context(), a.cfg.Queue.ReapBatch)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"reaped": n})
		},
	}
}

func (a *app) newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Repair the job index, claims and worker registry against the stage lists",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rep, err := a.p.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
}

func (a *app) newDeadLettersCommand() *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Show raw entries that could not be decoded",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raws, err := a.p.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raws)
		},
	}
	cmd.Flags().Int64VarP(&limit, "limit", "n", 20, "Maximum number of entries (0 for all)")
	return cmd
}
