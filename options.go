package replaykit

import (
	"github.com/jonboulle/clockwork"

	"github.com/replaykit/replaykit/checkpoint"
	"github.com/replaykit/replaykit/chunkstore"
	"github.com/replaykit/replaykit/storage"
)

type registryOptions struct {
	store  storage.Store
	codec  checkpoint.Codec
	chunks *chunkstore.Store
	clock  clockwork.Clock
	logger *Logger
}

// RegistryOption configures a Registry at construction.
type RegistryOption func(*registryOptions)

// WithStorage sets the checkpoint destination. Without one, Checkpoint and
// Load fail.
func WithStorage(store storage.Store) RegistryOption {
	return func(o *registryOptions) {
		o.store = store
	}
}

// WithCodec sets the checkpoint compression codec. Nil means the default.
func WithCodec(codec checkpoint.Codec) RegistryOption {
	return func(o *registryOptions) {
		if codec == nil {
			codec = checkpoint.Default
		}
		o.codec = codec
	}
}

// WithChunkStore shares an existing chunk store instead of creating one.
func WithChunkStore(store *chunkstore.Store) RegistryOption {
	return func(o *registryOptions) {
		if store != nil {
			o.chunks = store
		}
	}
}

// WithClock sets the clock used for checkpoint timestamps. Tests pass a
// fake clock.
func WithClock(clock clockwork.Clock) RegistryOption {
	return func(o *registryOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the registry logger. Nil disables logging.
func WithLogger(logger *Logger) RegistryOption {
	return func(o *registryOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func applyRegistryOptions(optFns []RegistryOption) registryOptions {
	o := registryOptions{
		codec:  checkpoint.Default,
		chunks: chunkstore.NewStore(),
		clock:  clockwork.NewRealClock(),
		logger: NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
