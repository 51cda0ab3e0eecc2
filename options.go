package dhtring

import (
	"io"
	"log/slog"
	"math/rand/v2"

	"go-dhtring/dataset"
	"go-dhtring/hashtable"
)

// options configures a Coordinator or Node (internal only).
type options struct {
	capacity   int
	shardKey   string
	listenHost string
	logger     *slog.Logger
	rand       *rand.Rand
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	return options{
		capacity:   hashtable.DefaultCapacity,
		shardKey:   dataset.DefaultShardKey,
		listenHost: "0.0.0.0",
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		rand:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Option is a functional option for configuring a Coordinator or Node.
type Option func(*options)

// WithCapacity sets the slot count of each local store.
// Every node of a ring must use the same capacity, since placement hashes modulo it.
func WithCapacity(capacity int) Option {
	return func(o *options) {
		if capacity > 0 {
			o.capacity = capacity
		}
	}
}

// WithShardKey sets the record field used for placement.
func WithShardKey(field string) Option {
	return func(o *options) {
		if field != "" {
			o.shardKey = field
		}
	}
}

// WithListenHost sets the local address nodes bind their sockets to.
// DEFAULT: 0.0.0.0
func WithListenHost(host string) Option {
	return func(o *options) {
		o.listenHost = host
	}
}

// WithRand sets the random source the coordinator uses to pick ring members and entry points.
func WithRand(r *rand.Rand) Option {
	return func(o *options) {
		if r != nil {
			o.rand = r
		}
	}
}

// WithLogger sets the logger.
// If the logger is nil, a no-op logger is used.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}

func applyOptions(opts []Option) options {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
