package redstage

import (
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "redstage"

type Options struct {
	Prefix            string
	VisibilityTimeout time.Duration
	ReaperInterval    time.Duration
	ReapBatch         int64
	TriggerClient     redis.UniversalClient
	Logger            *slog.Logger
}

type Option func(*Options)

func defaultOptions() Options {
	return Options{
		Prefix:            defaultPrefix,
		VisibilityTimeout: 30 * time.Second,
		ReapBatch:         500,
	}
}

func buildOptions(cmd redis.Cmdable, opts []Option) Options {
	opt := defaultOptions()
	for _, fn := range opts {
		if fn != nil {
			fn(&opt)
		}
	}
	if opt.TriggerClient == nil {
		if uc, ok := cmd.(redis.UniversalClient); ok {
			opt.TriggerClient = uc
		}
	}
	if opt.Prefix == "" {
		opt.Prefix = defaultPrefix
	}
	if opt.VisibilityTimeout <= 0 {
		opt.VisibilityTimeout = 30 * time.Second
	}
	if opt.ReapBatch <= 0 {
		opt.ReapBatch = 500
	}
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.DiscardHandler)
	}
	return opt
}

func WithPrefix(prefix string) Option {
	return func(o *Options) { o.Prefix = prefix }
}

// WithVisibilityTimeout sets how long a claimed job may stay in working
// before the reaper returns it to queued.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *Options) { o.VisibilityTimeout = d }
}

// WithReaperInterval enables a background reaper moving expired claims
// back to queued. 0 disables it (ReapOnce can still be called).
func WithReaperInterval(d time.Duration) Option {
	return func(o *Options) { o.ReaperInterval = d }
}

func WithReapBatch(n int64) Option {
	return func(o *Options) { o.ReapBatch = n }
}

// WithTriggerClient enables PubSub events.
// It must be a go-redis/v9 client that supports Subscribe (e.g. *redis.Client or *redis.ClusterClient).
func WithTriggerClient(c redis.UniversalClient) Option {
	return func(o *Options) { o.TriggerClient = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}
