package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/aura-studio/redstage"
	"github.com/aura-studio/redstage/internal/archive"
	"github.com/aura-studio/redstage/internal/httpapi"
)

func (a *app) newServeCommand() *cobra.Command {
	var (
		port    int
		workers bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the reaper and optionally a consumer and the archiver",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			if cmd.Flags().Changed("worker") {
				a.cfg.Worker.Enabled = workers
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides server.port)")
	cmd.Flags().BoolVar(&workers, "worker", false, "Run an in-process consumer (overrides worker.enabled)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	log := a.log.Logger

	log.Info("starting redstage",
		slog.String("version", cfg.App.Version),
		slog.String("prefix", cfg.Queue.Prefix),
		slog.Any("redis", cfg.Redis.Addrs),
	)

	if cfg.Queue.ReaperInterval > 0 {
		a.p = redstage.NewPipeline(a.client,
			redstage.WithPrefix(cfg.Queue.Prefix),
			redstage.WithVisibilityTimeout(cfg.Queue.VisibilityTimeout),
			redstage.WithReapBatch(cfg.Queue.ReapBatch),
			redstage.WithReaperInterval(cfg.Queue.ReaperInterval),
			redstage.WithLogger(log.With(slog.String("component", "pipeline"))),
		)
		defer a.p.StopReaper()
	}

	var consumer *redstage.Consumer
	if cfg.Worker.Enabled {
		opts := []redstage.ConsumerOption{
			redstage.WithConcurrency(cfg.Worker.Concurrency),
			redstage.WithPollInterval(cfg.Worker.PollInterval),
			redstage.WithMaxBackoff(cfg.Worker.MaxBackoff),
			redstage.WithConsumerLogger(log.With(slog.String("component", "consumer"))),
		}
		if cfg.Worker.ID != "" {
			opts = append(opts, redstage.WithWorkerID(cfg.Worker.ID))
		}
		if cfg.Worker.HeartbeatInterval > 0 {
			opts = append(opts, redstage.WithHeartbeatInterval(cfg.Worker.HeartbeatInterval))
		}
		consumer = redstage.NewConsumer(a.p, a.dispatch, opts...)
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start consumer: %w", err)
		}
		defer consumer.Stop()
	}

	if cfg.Archive.Enabled {
		sink, err := archive.NewPostgresSink(ctx, archive.PostgresConfig{
			DSN:             cfg.Archive.DSN,
			MaxOpenConns:    cfg.Archive.MaxOpenConns,
			MaxIdleConns:    cfg.Archive.MaxIdleConns,
			ConnMaxLifetime: cfg.Archive.ConnMaxLifetime,
		}, log)
		if err != nil {
			return err
		}
		defer sink.Close()
		arch := archive.New(a.p, sink, cfg.Archive.BatchSize, log.With(slog.String("component", "archive")))
		go arch.Run(ctx, cfg.Archive.Interval)
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpapi.NewRouter(&httpapi.Dependencies{Pipeline: a.p, Logger: log, Service: cfg.App.Name}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// dispatch runs the handler registered for the job's type.
func (a *app) dispatch(ctx context.Context, job *redstage.Job) error {
	h, ok := a.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for job type %q", job.Type)
	}
	start := time.Now()
	err := h(ctx, job)
	a.log.Debug("handled job",
		slog.String("job_id", job.ID),
		slog.String("type", job.Type),
		slog.Duration("took", time.Since(start)),
	)
	return err
}
