package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/aura-studio/redstage"
)

const schema = `
CREATE TABLE IF NOT EXISTS archived_jobs (
	job_id      TEXT PRIMARY KEY,
	job_type    TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	payload     JSONB,
	attempts    INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ,
	updated_at  TIMESTAMPTZ,
	archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const insertJob = `
INSERT INTO archived_jobs (job_id, job_type, status, payload, attempts, created_at, updated_at)
VALUES (:job_id, :job_type, :status, :payload, :attempts, :created_at, :updated_at)
ON CONFLICT (job_id) DO NOTHING`

// Row is one archived job.
type Row struct {
	JobID      string     `db:"job_id"`
	JobType    string     `db:"job_type"`
	Status     string     `db:"status"`
	Payload    *string    `db:"payload"`
	Attempts   int        `db:"attempts"`
	CreatedAt  *time.Time `db:"created_at"`
	UpdatedAt  *time.Time `db:"updated_at"`
	ArchivedAt time.Time  `db:"archived_at"`
}

func toRow(j *redstage.Job) Row {
	r := Row{JobID: j.ID, JobType: j.Type, Status: j.Status, Attempts: j.Attempts}
	if len(j.Payload) > 0 {
		s := string(j.Payload)
		r.Payload = &s
	}
	if !j.CreatedAt.IsZero() {
		t := j.CreatedAt
		r.CreatedAt = &t
	}
	if !j.UpdatedAt.IsZero() {
		t := j.UpdatedAt
		r.UpdatedAt = &t
	}
	return r
}

// PayloadJSON returns the stored payload, or nil.
func (r Row) PayloadJSON() json.RawMessage {
	if r.Payload == nil {
		return nil
	}
	return json.RawMessage(*r.Payload)
}

type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresSink writes archived jobs into the archived_jobs table.
type PostgresSink struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresSink connects, verifies the connection and creates the table
// when it is missing.
func NewPostgresSink(ctx context.Context, config PostgresConfig, logger *slog.Logger) (*PostgresSink, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create archived_jobs: %w", err)
	}

	logger.Info("connected to archive database", slog.Int("max_open_conns", config.MaxOpenConns))
	return &PostgresSink{db: db, logger: logger}, nil
}

// Write inserts jobs in one statement. Already archived ids are ignored.
func (s *PostgresSink) Write(ctx context.Context, jobs []*redstage.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	rows := make([]Row, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, toRow(j))
	}
	if _, err := s.db.NamedExecContext(ctx, insertJob, rows); err != nil {
		return fmt.Errorf("failed to insert archived jobs: %w", err)
	}
	return nil
}

// Get returns one archived job.
func (s *PostgresSink) Get(ctx context.Context, jobID string) (*Row, error) {
	var r Row
	err := s.db.GetContext(ctx, &r, `SELECT job_id, job_type, status, payload::text AS payload, attempts, created_at, updated_at, archived_at FROM archived_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get archived job: %w", err)
	}
	return &r, nil
}

func (s *PostgresSink) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM archived_jobs`); err != nil {
		return 0, fmt.Errorf("failed to count archived jobs: %w", err)
	}
	return n, nil
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}
