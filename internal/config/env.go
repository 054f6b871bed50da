package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays REDSTAGE_* environment variables onto cfg. Unparsable
// values are ignored.
func FromEnv(cfg *Config) {
	if v := os.Getenv("REDSTAGE_REDIS_ADDRS"); v != "" {
		cfg.Redis.Addrs = splitList(v)
	}
	setString(&cfg.Redis.Username, "REDSTAGE_REDIS_USERNAME")
	setString(&cfg.Redis.Password, "REDSTAGE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDSTAGE_REDIS_DB")
	setInt(&cfg.Redis.MaxRetries, "REDSTAGE_REDIS_MAX_RETRIES")

	setString(&cfg.Queue.Prefix, "REDSTAGE_QUEUE_PREFIX")
	setDuration(&cfg.Queue.VisibilityTimeout, "REDSTAGE_QUEUE_VISIBILITY_TIMEOUT")
	setDuration(&cfg.Queue.ReaperInterval, "REDSTAGE_QUEUE_REAPER_INTERVAL")
	if v := os.Getenv("REDSTAGE_QUEUE_REAP_BATCH"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Queue.ReapBatch = n
		}
	}

	setInt(&cfg.Server.Port, "REDSTAGE_SERVER_PORT")

	setBool(&cfg.Worker.Enabled, "REDSTAGE_WORKER_ENABLED")
	setString(&cfg.Worker.ID, "REDSTAGE_WORKER_ID")
	setInt(&cfg.Worker.Concurrency, "REDSTAGE_WORKER_CONCURRENCY")
	setDuration(&cfg.Worker.PollInterval, "REDSTAGE_WORKER_POLL_INTERVAL")

	setBool(&cfg.Archive.Enabled, "REDSTAGE_ARCHIVE_ENABLED")
	setString(&cfg.Archive.DSN, "REDSTAGE_ARCHIVE_DSN")
	setDuration(&cfg.Archive.Interval, "REDSTAGE_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.BatchSize, "REDSTAGE_ARCHIVE_BATCH_SIZE")

	setString(&cfg.Logging.Level, "REDSTAGE_LOG_LEVEL")
	setString(&cfg.Logging.Format, "REDSTAGE_LOG_FORMAT")
	setString(&cfg.Logging.Output, "REDSTAGE_LOG_OUTPUT")

	setString(&cfg.App.Environment, "REDSTAGE_ENV")
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
