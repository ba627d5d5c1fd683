// Package reconcile applies partial update notifications to the local replica.
//
// A notification names one or more resources, a filter query selecting the
// stale local records and the logical operation that changed them on the
// server. For every resource the client actually holds records for, the
// Reconciler derives or fetches the authoritative data, applies it locally,
// advances the resource watermark and emits a ChangeRecord.
//
// Failures are per resource and silent: a failed fetch or a mutation that
// touched no rows produces no record and no watermark, and the batch moves on
// to the next resource. Only an unresolvable table rejects the whole batch.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/breez/partial-sync/store"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrNoFetcher        = errors.New("no fetcher configured")
)

// Committer receives change records instead of the caller, e.g. to bridge
// them into a reactive store.
type Committer interface {
	Commit(ctx context.Context, record ChangeRecord) error
}

type CommitterFunc func(ctx context.Context, record ChangeRecord) error

func (f CommitterFunc) Commit(ctx context.Context, record ChangeRecord) error {
	return f(ctx, record)
}

type Option func(*Reconciler)

func WithCommitter(c Committer) Option {
	return func(r *Reconciler) { r.committer = c }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

type Reconciler struct {
	storage   store.LocalStorage
	fetcher   Fetcher
	committer Committer
	logger    zerolog.Logger
	metrics   *Metrics
	now       func() time.Time
	locks     resourceLocks
}

func New(storage store.LocalStorage, fetcher Fetcher, opts ...Option) *Reconciler {
	r := &Reconciler{
		storage: storage,
		fetcher: fetcher,
		logger:  zerolog.Nop(),
		now:     time.Now,
		locks:   resourceLocks{locks: make(map[string]*sync.Mutex)},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Process reconciles every resource named by the notification, in order.
//
// All tables and the sync table are resolved before anything is touched; if
// any of them is missing the batch is rejected with an error wrapping
// store.ErrTableNotFound and nothing is fetched, written or committed.
// Otherwise the error is nil and the result holds one record per applied
// resource, or none at all when a Committer took them.
func (r *Reconciler) Process(ctx context.Context, n ChangeNotification) ([]ChangeRecord, error) {
	names := n.ResourceNames()
	tables := make([]store.Table, 0, len(names))
	for _, name := range names {
		table, err := r.storage.Table(ctx, name)
		if err != nil {
			r.metrics.batch(outcomeRejected)
			return nil, fmt.Errorf("failed to resolve resource %q: %w", name, err)
		}
		tables = append(tables, table)
	}
	syncTable, err := r.storage.SyncTable(ctx)
	if err != nil {
		r.metrics.batch(outcomeRejected)
		return nil, fmt.Errorf("failed to resolve sync table: %w", err)
	}

	out := make([]ChangeRecord, 0)
	for _, table := range tables {
		record, ok := r.processResource(ctx, n, table, syncTable)
		if ok {
			out = append(out, record)
		}
	}
	r.metrics.batch(outcomeProcessed)
	return out, nil
}

// processResource returns the record to hand back to the caller, if any.
func (r *Reconciler) processResource(ctx context.Context, n ChangeNotification, table store.Table, syncTable store.WatermarkTable) (ChangeRecord, bool) {
	name := table.Name()
	unlock := r.locks.lock(name)
	defer unlock()

	count, err := table.Count(ctx, n.Query)
	if err != nil {
		r.metrics.resource(name, outcomeNoop)
		return ChangeRecord{}, false
	}
	if count == 0 {
		r.logger.Info().Str("resource", name).
			Msgf("Resource '%v' won't be updated, as relevant records not locally present.", name)
		r.metrics.resource(name, outcomeAbsent)
		return ChangeRecord{}, false
	}

	resolution := r.Resolve(ctx, n.target(table))
	if !resolution.Applied {
		r.metrics.resource(name, outcomeNoop)
		return ChangeRecord{}, false
	}
	r.metrics.resource(name, outcomeApplied)

	err = syncTable.Put(ctx, store.Watermark{
		TableName: name,
		Hashsum:   n.Hashsum,
		Timestamp: r.now().UnixMilli(),
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("resource", name).Msg("failed to update watermark")
	}

	if r.committer != nil {
		if err := r.committer.Commit(ctx, resolution.Record); err != nil {
			r.logger.Warn().Err(err).Str("resource", name).Msg("failed to commit change")
		}
		return ChangeRecord{}, false
	}
	return resolution.Record, true
}

// Resolve applies the authoritative state of one resource to its table.
// Deletes are applied locally; every other operation first fetches the
// authoritative payload.
func (r *Reconciler) Resolve(ctx context.Context, target Target) Resolution {
	record := ChangeRecord{
		Query:    target.Query,
		DeviceID: target.DeviceID,
		Resource: target.Resource,
		Op:       target.OrigOp,
	}

	switch target.OrigOp {
	case OpDelete:
		deleted, err := target.Table.Delete(ctx, target.Query)
		if err != nil || deleted == 0 {
			return Resolution{Err: err}
		}
		return Resolution{Applied: true, Record: record}
	case OpPatch, OpPost, OpPut:
	default:
		return Resolution{Err: fmt.Errorf("%w: %q", ErrUnknownOperation, target.OrigOp)}
	}

	if r.fetcher == nil {
		return Resolution{Err: ErrNoFetcher}
	}
	payload, err := r.fetcher.Fetch(ctx, target.Path, target.Range, target.Query)
	if err != nil {
		return Resolution{Err: err}
	}

	var affected int64
	switch target.OrigOp {
	case OpPatch:
		var patch map[string]any
		if err := json.Unmarshal(payload, &patch); err != nil || patch == nil {
			return Resolution{Err: fmt.Errorf("%w: patch payload is not an object", ErrInvalidPayload)}
		}
		affected, err = target.Table.Modify(ctx, target.Query, patch)
	case OpPost:
		if _, err = target.Table.Add(ctx, payload); err == nil {
			affected = 1
		}
	case OpPut:
		affected, err = target.Table.Replace(ctx, target.Query, payload)
	}
	if err != nil || affected == 0 {
		return Resolution{Err: err}
	}

	record.Payload = payload
	return Resolution{Applied: true, Record: record}
}

// resourceLocks serializes reconciliation passes on the same resource.
type resourceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *resourceLocks) lock(name string) func() {
	l.mu.Lock()
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
