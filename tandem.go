// Package tandem is the public API for embedding the tandem
// collaboration runtime.
//
// Consumers construct a Runtime and drive documents through its
// coordinator:
//
//	rt, err := tandem.New(
//	    tandem.WithConfig(cfg),
//	    tandem.WithEventHook(myHook{}),
//	)
//	if err != nil { ... }
//	defer rt.Close(context.Background())
//
//	sess, _ := rt.Sessions().CreateSession("alice", "client-1", nil)
//	doc, _ := rt.Coordinator().CreateDocument(ctx, "doc-1", "alice", []byte("hello"))
//
// The import graph enforces a strict no-cycle rule: tandem (root)
// imports pkg/*, but pkg/* never imports tandem (root).
package tandem

import (
	"context"

	"github.com/tandem-dev/tandem/internal/logger"
	"github.com/tandem-dev/tandem/pkg/access"
	"github.com/tandem-dev/tandem/pkg/config"
	"github.com/tandem-dev/tandem/pkg/conflict"
	"github.com/tandem-dev/tandem/pkg/coordinator"
	"github.com/tandem-dev/tandem/pkg/errors"
	"github.com/tandem-dev/tandem/pkg/lock"
	"github.com/tandem-dev/tandem/pkg/session"
	"github.com/tandem-dev/tandem/pkg/snapshot"
	"github.com/tandem-dev/tandem/pkg/storage"
	"github.com/tandem-dev/tandem/pkg/storage/badger"
	"github.com/tandem-dev/tandem/pkg/storage/memory"
	"github.com/tandem-dev/tandem/pkg/storage/postgres"
	"github.com/tandem-dev/tandem/pkg/storage/s3"
)

// Runtime is the assembled collaboration core. Construct with New(),
// shut down with Close(). Runtime has no public fields; use New()
// options to configure it.
type Runtime struct {
	cfg config.Config

	store     *storage.Manager
	sessions  *session.Manager
	locks     *lock.Manager
	conflicts *conflict.Manager
	snapshots *snapshot.Manager
	accessCtl *access.Controller
	coord     *coordinator.Coordinator

	hooks []EventHook
}

// Stats aggregates the point-in-time statistics of every component.
type Stats struct {
	Sessions    session.Stats     `json:"sessions"`
	Locks       lock.Stats        `json:"locks"`
	Conflicts   conflict.Stats    `json:"conflicts"`
	Snapshots   snapshot.Stats    `json:"snapshots"`
	Access      access.Stats      `json:"access"`
	Coordinator coordinator.Stats `json:"coordinator"`
	Storage     *storage.Stats    `json:"storage,omitempty"`
}

// New assembles a Runtime: it constructs the storage backend from
// config (unless WithStore supplies one), wires every component
// through the coordinator, and starts the background sweepers. The
// returned Runtime is ready for use; call Close() to stop it.
func New(opts ...Option) (*Runtime, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	cfg := o.cfg
	if cfg == nil {
		cfg = config.GetDefaultConfig()
	} else {
		config.ApplyDefaults(cfg)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	ctx := context.Background()

	primary := o.store
	if primary == nil {
		var err error
		primary, err = newBackend(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
	}
	store := storage.NewManager(primary, o.secondary, cfg.Storage.ManagerConfig(), o.registerer)

	sessions := session.NewManager(cfg.Session)
	locks := lock.NewManager(cfg.Lock, lock.NewMetrics(o.registerer))
	conflicts := conflict.NewManager(cfg.Conflict)

	snapshots, err := snapshot.NewManager(ctx, cfg.Snapshot, store)
	if err != nil {
		conflicts.Close()
		locks.Close()
		sessions.Close()
		_ = store.Close()
		return nil, err
	}

	accessCtl := access.NewController(access.NewChecker())

	coord, err := coordinator.New(cfg.Coordinator, coordinator.Deps{
		Sessions:  sessions,
		Access:    accessCtl,
		Locks:     locks,
		Conflicts: conflicts,
		Snapshots: snapshots,
		Store:     store,
	}, coordinator.NewMetrics(o.registerer))
	if err != nil {
		snapshots.Close()
		conflicts.Close()
		locks.Close()
		sessions.Close()
		_ = store.Close()
		return nil, err
	}

	if o.mergeFunc != nil {
		coord.SetMergeFunc(o.mergeFunc)
	}
	snapshots.SetTakeFunc(coord.TakeSnapshot)

	r := &Runtime{
		cfg:       *cfg,
		store:     store,
		sessions:  sessions,
		locks:     locks,
		conflicts: conflicts,
		snapshots: snapshots,
		accessCtl: accessCtl,
		coord:     coord,
		hooks:     o.hooks,
	}
	r.wireCallbacks()

	logger.Info("runtime started",
		logger.KeyBackend, cfg.Storage.Backend,
		"hooks", len(r.hooks))
	return r, nil
}

// wireCallbacks connects component notification hooks to the event
// hook fan-out and to the cross-component cascades. Session
// termination releases the session's locks before hooks observe it.
func (r *Runtime) wireCallbacks() {
	r.sessions.SetCallbacks(session.Callbacks{
		OnCreated: func(s *session.Session) {
			r.each(func(h EventHook) { h.OnSessionCreated(s) })
		},
		OnTerminated: func(s *session.Session, reason string) {
			if n := r.locks.ReleaseSessionLocks(s.ID); n > 0 {
				logger.Debug("released locks of terminated session",
					logger.KeySession, s.ID, logger.KeyCount, n)
			}
			r.each(func(h EventHook) { h.OnSessionTerminated(s, reason) })
		},
	})
	r.locks.SetCallbacks(lock.Callbacks{
		OnAcquired: func(l *lock.Lock) { r.each(func(h EventHook) { h.OnLockAcquired(l) }) },
		OnReleased: func(l *lock.Lock) { r.each(func(h EventHook) { h.OnLockReleased(l) }) },
		OnExpired:  func(l *lock.Lock) { r.each(func(h EventHook) { h.OnLockExpired(l) }) },
	})
	r.conflicts.SetCallbacks(conflict.Callbacks{
		OnDetected: func(c *conflict.Conflict) { r.each(func(h EventHook) { h.OnConflictDetected(c) }) },
		OnResolved: func(c *conflict.Conflict) { r.each(func(h EventHook) { h.OnConflictResolved(c) }) },
	})
	r.snapshots.SetOnCreated(func(s *snapshot.Snapshot) {
		r.each(func(h EventHook) { h.OnSnapshotCreated(s) })
	})
	r.accessCtl.SetHooks(access.Hooks{
		OnAccessGranted:  func(g *access.Grant) { r.each(func(h EventHook) { h.OnAccessGranted(g) }) },
		OnInvitationSent: func(i *access.Invitation) { r.each(func(h EventHook) { h.OnInvitationSent(i) }) },
	})
	r.coord.Subscribe(func(ev coordinator.AppliedEvent) {
		r.each(func(h EventHook) { h.OnOperationApplied(ev) })
	})
}

// each fans an event out to every registered hook. A panicking hook is
// logged and skipped; remaining hooks still run.
func (r *Runtime) each(fn func(EventHook)) {
	for _, h := range r.hooks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("event hook panicked", logger.KeyError, rec)
				}
			}()
			fn(h)
		}()
	}
}

// Sessions returns the session manager.
func (r *Runtime) Sessions() *session.Manager { return r.sessions }

// Locks returns the lock manager.
func (r *Runtime) Locks() *lock.Manager { return r.locks }

// Conflicts returns the conflict manager.
func (r *Runtime) Conflicts() *conflict.Manager { return r.conflicts }

// Snapshots returns the snapshot manager.
func (r *Runtime) Snapshots() *snapshot.Manager { return r.snapshots }

// Access returns the access controller.
func (r *Runtime) Access() *access.Controller { return r.accessCtl }

// Coordinator returns the document coordinator.
func (r *Runtime) Coordinator() *coordinator.Coordinator { return r.coord }

// Storage returns the storage manager.
func (r *Runtime) Storage() *storage.Manager { return r.store }

// Config returns a copy of the effective configuration.
func (r *Runtime) Config() config.Config { return r.cfg }

// Stats aggregates statistics across every component. A storage stats
// failure is logged and leaves the Storage field nil.
func (r *Runtime) Stats(ctx context.Context) Stats {
	s := Stats{
		Sessions:    r.sessions.GetStats(),
		Locks:       r.locks.GetStats(),
		Conflicts:   r.conflicts.GetStats(),
		Snapshots:   r.snapshots.GetStats(),
		Access:      r.accessCtl.GetStats(),
		Coordinator: r.coord.GetStats(),
	}
	storageStats, err := r.store.GetStats(ctx)
	if err != nil {
		logger.Warn("storage stats unavailable", logger.KeyError, err)
	} else {
		s.Storage = storageStats
	}
	return s
}

// Close stops the coordinator, the component sweepers, and finally the
// storage backend. Shutdown is abandoned when ctx expires; the
// remaining components are left to the process exit.
func (r *Runtime) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		r.coord.Close()
		r.snapshots.Close()
		r.conflicts.Close()
		r.locks.Close()
		r.sessions.Close()
		done <- r.store.Close()
	}()

	select {
	case err := <-done:
		logger.Info("runtime stopped")
		return err
	case <-ctx.Done():
		return errors.NewTimeoutError("runtime shutdown")
	}
}

// newBackend constructs the primary storage backend named by cfg.
func newBackend(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	behaviour := cfg.Behaviour()
	switch cfg.Backend {
	case "", "memory":
		return memory.New(behaviour)
	case "badger":
		return badger.Open(badger.Options{
			Path:     cfg.Badger.Path,
			InMemory: cfg.Badger.InMemory,
			Storage:  behaviour,
		})
	case "s3":
		return s3.NewFromConfig(ctx, s3.Config{
			Bucket:         cfg.S3.Bucket,
			Region:         cfg.S3.Region,
			Endpoint:       cfg.S3.Endpoint,
			KeyPrefix:      cfg.S3.KeyPrefix,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Storage:        behaviour,
		})
	case "postgres":
		return postgres.Open(ctx, postgres.Config{
			URL:     cfg.Postgres.URL,
			Storage: behaviour,
		})
	default:
		return nil, errors.Newf(errors.ErrInvalidArgument, "unknown storage backend %q", cfg.Backend)
	}
}
