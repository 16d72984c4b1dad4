package tandem

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tandem-dev/tandem/pkg/config"
	"github.com/tandem-dev/tandem/pkg/storage"
)

// Option configures a Runtime.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	cfg        *config.Config
	store      storage.Store
	secondary  storage.Store
	registerer prometheus.Registerer
	hooks      []EventHook
	mergeFunc  MergeFunc
}

// WithConfig sets the full runtime configuration. If not set, defaults
// are used (in-memory storage, no telemetry).
func WithConfig(cfg *config.Config) Option {
	return func(o *resolvedOptions) { o.cfg = cfg }
}

// WithStore supplies a pre-built primary storage backend, bypassing
// backend construction from the storage config section.
func WithStore(s storage.Store) Option {
	return func(o *resolvedOptions) { o.store = s }
}

// WithSecondaryStore supplies a secondary backend. Writes mirror to it
// best-effort; reads fall back to it when the primary misses.
func WithSecondaryStore(s storage.Store) Option {
	return func(o *resolvedOptions) { o.secondary = s }
}

// WithRegisterer sets the Prometheus registerer for runtime metrics.
// If not set, metrics are created unregistered.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *resolvedOptions) { o.registerer = r }
}

// WithEventHook registers a hook for runtime lifecycle notifications.
// Multiple hooks may be registered; all registered hooks receive every
// event.
func WithEventHook(h EventHook) Option {
	return func(o *resolvedOptions) {
		if h != nil {
			o.hooks = append(o.hooks, h)
		}
	}
}

// WithMergeFunc replaces the default merge used when version
// collisions resolve with the MERGE strategy. Only the last call wins.
func WithMergeFunc(fn MergeFunc) Option {
	return func(o *resolvedOptions) { o.mergeFunc = fn }
}
