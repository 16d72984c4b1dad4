package conflict

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/tandem-dev/tandem/internal/logger"
	"github.com/tandem-dev/tandem/internal/telemetry"
	"github.com/tandem-dev/tandem/pkg/errors"
)

// Config controls conflict manager behaviour.
type Config struct {
	// MaxConflictsPerDocument trims oldest conflicts beyond this count.
	MaxConflictsPerDocument int `mapstructure:"max_conflicts_per_document" validate:"gt=0"`

	// HistoryTTL is how long resolved conflicts are kept.
	HistoryTTL time.Duration `mapstructure:"conflict_history_ttl" validate:"gt=0"`

	// AutoResolveTimeout bounds a resolution handler invocation.
	AutoResolveTimeout time.Duration `mapstructure:"auto_resolve_timeout" validate:"gt=0"`

	// DefaultStrategy is used when Resolve is called without one.
	DefaultStrategy Strategy `mapstructure:"default_strategy"`

	// CleanupInterval is the cadence of the history sweeper.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"gt=0"`
}

// DefaultConfig returns the default conflict configuration.
func DefaultConfig() Config {
	return Config{
		MaxConflictsPerDocument: 100,
		HistoryTTL:              24 * time.Hour,
		AutoResolveTimeout:      5 * time.Second,
		DefaultStrategy:         LastWriterWins,
		CleanupInterval:         10 * time.Minute,
	}
}

// ResolveContext carries per-call resolution inputs.
type ResolveContext struct {
	// WinnerOperationID selects the surviving operation for MANUAL.
	WinnerOperationID string

	// MergeFunc overrides the default MERGE behaviour.
	MergeFunc func([]Operation) (*Operation, error)

	// Metadata is copied into the resolution result.
	Metadata map[string]string
}

// Handler resolves a conflict. Handlers run under AutoResolveTimeout
// and must either return a result or fail cleanly.
type Handler func(ctx context.Context, c *Conflict, rctx ResolveContext) (*Resolution, error)

// Callbacks are notification hooks for conflict lifecycle events.
type Callbacks struct {
	OnDetected func(*Conflict)
	OnResolved func(*Conflict)
}

// Stats is a point-in-time snapshot of manager activity.
type Stats struct {
	ActiveConflicts int    `json:"active_conflicts"`
	Detected        uint64 `json:"detected"`
	Deduplicated    uint64 `json:"deduplicated"`
	Resolved        uint64 `json:"resolved"`
	Failed          uint64 `json:"failed"`
	Evicted         uint64 `json:"evicted"`
	HistoryCleaned  uint64 `json:"history_cleaned"`
}

// Manager records conflicts and runs resolution strategies.
type Manager struct {
	cfg       Config
	callbacks Callbacks
	now       func() time.Time

	mu       sync.Mutex
	byID     map[string]*Conflict
	perDoc   map[string]*lru.Cache[string, *Conflict]
	handlers map[Strategy]Handler
	cleaning bool

	detected       atomic.Uint64
	deduplicated   atomic.Uint64
	resolved       atomic.Uint64
	failed         atomic.Uint64
	evicted        atomic.Uint64
	historyCleaned atomic.Uint64

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a conflict manager with the built-in strategies
// registered, and starts the history sweeper.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MaxConflictsPerDocument <= 0 {
		cfg.MaxConflictsPerDocument = def.MaxConflictsPerDocument
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = def.HistoryTTL
	}
	if cfg.AutoResolveTimeout <= 0 {
		cfg.AutoResolveTimeout = def.AutoResolveTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	m := &Manager{
		cfg:      cfg,
		now:      time.Now,
		byID:     make(map[string]*Conflict),
		perDoc:   make(map[string]*lru.Cache[string, *Conflict]),
		handlers: make(map[Strategy]Handler),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	m.handlers[LastWriterWins] = resolveLastWriterWins
	m.handlers[FirstWriterWins] = resolveFirstWriterWins
	m.handlers[Merge] = resolveMerge
	m.handlers[Reject] = resolveReject
	m.handlers[Manual] = resolveManual

	go m.cleanupLoop()
	return m
}

// SetCallbacks installs notification hooks. Call before concurrent use.
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.callbacks = cb
}

// RegisterHandler installs or replaces the handler for a strategy.
// CUSTOM has no built-in and must be registered before use.
func (m *Manager) RegisterHandler(strategy Strategy, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[strategy] = h
}

// Record stores a detected conflict. Content-addressed ids make this
// idempotent: re-recording the same collision returns the existing
// conflict and reports false.
func (m *Manager) Record(c *Conflict) (*Conflict, bool) {
	if c == nil {
		return nil, false
	}
	m.mu.Lock()
	if existing, ok := m.byID[c.ID]; ok {
		out := existing.clone()
		m.mu.Unlock()
		m.deduplicated.Add(1)
		return out, false
	}

	cache, ok := m.perDoc[c.DocumentID]
	if !ok {
		// Eviction runs synchronously under m.mu inside Add.
		cache, _ = lru.NewWithEvict[string, *Conflict](m.cfg.MaxConflictsPerDocument,
			func(id string, _ *Conflict) {
				delete(m.byID, id)
				if !m.cleaning {
					m.evicted.Add(1)
				}
			})
		m.perDoc[c.DocumentID] = cache
	}
	stored := c.clone()
	m.byID[stored.ID] = stored
	cache.Add(stored.ID, stored)
	out := stored.clone()
	m.mu.Unlock()

	m.detected.Add(1)
	m.emit(m.callbacks.OnDetected, out)
	logger.Debug("conflict recorded",
		logger.KeyConflict, out.ID,
		logger.KeyDocument, out.DocumentID,
		"conflict_type", out.Type.String())
	return out, true
}

// Resolve runs a strategy over the conflict. The handler is bounded by
// AutoResolveTimeout; a timeout or handler error leaves the conflict
// FAILED. A RESOLVED conflict cannot be resolved again.
func (m *Manager) Resolve(ctx context.Context, id string, strategy Strategy, resolverID string, rctx ResolveContext) (*Resolution, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanConflictResolve,
		trace.WithAttributes(
			telemetry.ConflictID(id),
			telemetry.Strategy(strategy.String())))
	defer span.End()

	m.mu.Lock()
	c, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return nil, errors.NewNotFoundError("conflict", id)
	}
	switch c.State {
	case StateResolved:
		m.mu.Unlock()
		return nil, errors.Newf(errors.ErrConflict, "conflict %s is already resolved", id)
	case StateResolving:
		m.mu.Unlock()
		return nil, errors.Newf(errors.ErrConflict, "conflict %s is being resolved", id)
	}
	c.State = StateResolving
	handler, ok := m.handlers[strategy]
	snapshot := c.clone()
	m.mu.Unlock()

	if !ok {
		m.markFailed(id)
		return nil, errors.Newf(errors.ErrNotSupported, "no handler for strategy %s", strategy)
	}

	res, err := m.runHandler(ctx, handler, snapshot, rctx)
	if err != nil {
		m.markFailed(id)
		m.failed.Add(1)
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	res.Strategy = strategy
	res.ResolvedAt = m.now()
	if len(rctx.Metadata) > 0 {
		if res.Metadata == nil {
			res.Metadata = make(map[string]string, len(rctx.Metadata))
		}
		for k, v := range rctx.Metadata {
			res.Metadata[k] = v
		}
	}

	m.mu.Lock()
	c, ok = m.byID[id]
	if ok {
		c.State = StateResolved
		c.ResolvedAt = res.ResolvedAt
		c.ResolverID = resolverID
		c.Strategy = strategy
		resCopy := *res
		c.Resolution = &resCopy
	}
	var done *Conflict
	if ok {
		done = c.clone()
	}
	m.mu.Unlock()

	m.resolved.Add(1)
	if done != nil {
		m.emit(m.callbacks.OnResolved, done)
	}
	logger.Debug("conflict resolved",
		logger.KeyConflict, id,
		logger.KeyStrategy, strategy.String())
	return res, nil
}

// runHandler invokes the handler bounded by AutoResolveTimeout.
func (m *Manager) runHandler(ctx context.Context, handler Handler, c *Conflict, rctx ResolveContext) (*Resolution, error) {
	hctx, cancel := context.WithTimeout(ctx, m.cfg.AutoResolveTimeout)
	defer cancel()

	type outcome struct {
		res *Resolution
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{nil, errors.Newf(errors.ErrInternal, "resolution handler panicked: %v", r)}
			}
		}()
		res, err := handler(hctx, c, rctx)
		ch <- outcome{res, err}
	}()

	select {
	case out := <-ch:
		return out.res, out.err
	case <-hctx.Done():
		return nil, errors.NewTimeoutError("conflict resolution")
	}
}

func (m *Manager) markFailed(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byID[id]; ok && c.State == StateResolving {
		c.State = StateFailed
	}
}

// GetConflict returns the conflict with the given id.
func (m *Manager) GetConflict(id string) (*Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, errors.NewNotFoundError("conflict", id)
	}
	return c.clone(), nil
}

// GetDocumentConflicts returns a document's conflicts, oldest first.
func (m *Manager) GetDocumentConflicts(documentID string) []*Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	cache, ok := m.perDoc[documentID]
	if !ok {
		return nil
	}
	values := cache.Values()
	out := make([]*Conflict, 0, len(values))
	for _, c := range values {
		out = append(out, c.clone())
	}
	return out
}

// GetUnresolvedConflicts returns a document's conflicts that are not
// yet resolved.
func (m *Manager) GetUnresolvedConflicts(documentID string) []*Conflict {
	var out []*Conflict
	for _, c := range m.GetDocumentConflicts(documentID) {
		if c.State != StateResolved {
			out = append(out, c)
		}
	}
	return out
}

// CleanupOldConflicts removes resolved conflicts older than the
// history TTL and returns the count.
func (m *Manager) CleanupOldConflicts() int {
	cutoff := m.now().Add(-m.cfg.HistoryTTL)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleaning = true
	defer func() { m.cleaning = false }()

	removed := 0
	for docID, cache := range m.perDoc {
		for _, id := range cache.Keys() {
			c, ok := cache.Peek(id)
			if !ok {
				continue
			}
			if c.State == StateResolved && c.ResolvedAt.Before(cutoff) {
				cache.Remove(id) // eviction hook drops byID
				removed++
			}
		}
		if cache.Len() == 0 {
			delete(m.perDoc, docID)
		}
	}
	m.historyCleaned.Add(uint64(removed))
	return removed
}

// GetStats returns a snapshot of manager activity.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	active := len(m.byID)
	m.mu.Unlock()
	return Stats{
		ActiveConflicts: active,
		Detected:        m.detected.Load(),
		Deduplicated:    m.deduplicated.Load(),
		Resolved:        m.resolved.Load(),
		Failed:          m.failed.Load(),
		Evicted:         m.evicted.Load(),
		HistoryCleaned:  m.historyCleaned.Load(),
	}
}

// Close stops the history sweeper.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		<-m.doneCh
	})
}

func (m *Manager) cleanupLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CleanupOldConflicts()
		}
	}
}

func (m *Manager) emit(fn func(*Conflict), c *Conflict) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("conflict callback panicked", logger.KeyError, r, logger.KeyConflict, c.ID)
		}
	}()
	fn(c)
}

// ---- built-in strategies ----

func resolveLastWriterWins(_ context.Context, c *Conflict, _ ResolveContext) (*Resolution, error) {
	winner, err := pickByTimestamp(c.Operations, true)
	if err != nil {
		return nil, err
	}
	return &Resolution{Success: true, WinningOperation: winner}, nil
}

func resolveFirstWriterWins(_ context.Context, c *Conflict, _ ResolveContext) (*Resolution, error) {
	winner, err := pickByTimestamp(c.Operations, false)
	if err != nil {
		return nil, err
	}
	return &Resolution{Success: true, WinningOperation: winner}, nil
}

func pickByTimestamp(ops []Operation, latest bool) (*Operation, error) {
	if len(ops) == 0 {
		return nil, errors.New(errors.ErrInvalidArgument, "conflict has no operations")
	}
	winner := ops[0]
	for _, op := range ops[1:] {
		after := op.Timestamp.After(winner.Timestamp)
		if (latest && after) || (!latest && !after && !op.Timestamp.Equal(winner.Timestamp)) {
			winner = op
		}
	}
	return &winner, nil
}

// resolveMerge wraps the conflicting operations into a batch operation
// unless the caller supplied a merge function.
func resolveMerge(_ context.Context, c *Conflict, rctx ResolveContext) (*Resolution, error) {
	if rctx.MergeFunc != nil {
		merged, err := rctx.MergeFunc(append([]Operation(nil), c.Operations...))
		if err != nil {
			return nil, errors.Wrap(errors.ErrConflict, "merge function failed", err)
		}
		return &Resolution{Success: true, MergedOperation: merged}, nil
	}
	merged := &Operation{
		ID:        "merge_" + c.ID,
		Type:      "batch",
		Batch:     append([]Operation(nil), c.Operations...),
		Timestamp: time.Now(),
		Metadata:  map[string]string{"merged": "true"},
	}
	return &Resolution{Success: true, MergedOperation: merged}, nil
}

func resolveReject(_ context.Context, c *Conflict, _ ResolveContext) (*Resolution, error) {
	return &Resolution{
		Success:       true,
		RejectedCount: len(c.Operations),
		Metadata:      map[string]string{"rejected_count": strconv.Itoa(len(c.Operations))},
	}, nil
}

func resolveManual(_ context.Context, c *Conflict, rctx ResolveContext) (*Resolution, error) {
	if rctx.WinnerOperationID == "" {
		return nil, errors.New(errors.ErrInvalidArgument, "manual resolution requires a winner operation id")
	}
	for _, op := range c.Operations {
		if op.ID == rctx.WinnerOperationID {
			winner := op
			return &Resolution{Success: true, WinningOperation: &winner}, nil
		}
	}
	return nil, errors.Newf(errors.ErrInvalidArgument, "operation %s is not part of the conflict", rctx.WinnerOperationID)
}
