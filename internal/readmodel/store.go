// Package readmodel keeps named JSON snapshots of server-side read models and
// applies incremental patch batches to them.
package readmodel

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marcus-qen/rmsync/internal/metrics"
	"github.com/marcus-qen/rmsync/internal/protocol"
	"go.uber.org/zap"
)

// Handle identifies one model subscription.
type Handle uint64

// Callback receives the snapshot of a model after a batch was applied. The
// snapshot is a private copy shared by all callbacks of that batch.
type Callback func(id string, snapshot *Value)

// DropFunc observes patch operations that were dropped. Dropping is silent by
// default apart from a debug log line and a metric.
type DropFunc func(id string, op protocol.PatchOp, err error)

type drop struct {
	op  protocol.PatchOp
	err error
}

type modelSub struct {
	handle Handle
	id     string
	cb     Callback
}

// Store maps read-model ids to snapshots.
//
// Patch application and subscriber notification for one batch happen under
// the store's notify lock, so no subscriber observes a partially applied
// batch and notifications for successive batches never interleave.
// Callbacks may call Get but must not call Apply or Replace.
type Store struct {
	notifyMu sync.Mutex

	mu     sync.RWMutex
	models map[string]*Value
	subs   []*modelSub
	next   Handle

	logger  *zap.Logger
	metrics *metrics.Metrics
	onDrop  DropFunc
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics records op counts and batch timings.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithDropFunc installs a hook for dropped operations.
func WithDropFunc(fn DropFunc) Option {
	return func(s *Store) { s.onDrop = fn }
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		models: make(map[string]*Value),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a copy of the snapshot for id.
func (s *Store) Get(id string) (*Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.models[id]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// IDs returns the ids of all initialised snapshots, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.models))
	for id := range s.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Apply applies ops to the snapshot for id in order, initialising it to {}
// when absent, and notifies the id's subscribers once. Operations that fail
// to resolve are dropped; earlier operations of the batch stay applied.
// It returns the number of applied operations.
func (s *Store) Apply(id string, ops []protocol.PatchOp) int {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	start := time.Now()
	s.mu.Lock()
	doc, ok := s.models[id]
	if !ok {
		doc = Object()
	}
	applied := 0
	var drops []drop
	for _, op := range ops {
		next, err := ApplyOp(doc, op)
		if err != nil {
			drops = append(drops, drop{op: op, err: err})
			continue
		}
		doc = next
		applied++
		s.metrics.RecordPatchOp(string(op.Op), true)
	}
	s.models[id] = doc
	snapshot := doc.Clone()
	subs := s.subscribersLocked(id)
	s.mu.Unlock()
	s.metrics.ObservePatchBatch(time.Since(start))

	for _, d := range drops {
		s.dropped(id, d.op, d.err)
	}
	s.notify(subs, id, snapshot)
	return applied
}

// Replace installs a full snapshot for id, typically from an initial state
// fetch, and notifies the id's subscribers.
func (s *Store) Replace(id string, snapshot *Value) {
	if snapshot == nil {
		snapshot = Object()
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.models[id] = snapshot.Clone()
	subs := s.subscribersLocked(id)
	s.mu.Unlock()

	s.notify(subs, id, snapshot.Clone())
}

// Subscribe registers cb for updates to id.
func (s *Store) Subscribe(id string, cb Callback) (Handle, error) {
	if cb == nil {
		return 0, fmt.Errorf("readmodel: subscribe %q: nil callback", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.subs = append(s.subs, &modelSub{handle: s.next, id: id, cb: cb})
	return s.next, nil
}

// Unsubscribe removes a single registration. It reports whether h was found.
func (s *Store) Unsubscribe(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.handle == h {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of subscriptions for id.
func (s *Store) SubscriberCount(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribersLocked(id))
}

func (s *Store) subscribersLocked(id string) []*modelSub {
	var out []*modelSub
	for _, sub := range s.subs {
		if sub.id == id {
			out = append(out, sub)
		}
	}
	return out
}

func (s *Store) notify(subs []*modelSub, id string, snapshot *Value) {
	for _, sub := range subs {
		s.invoke(sub, id, snapshot)
	}
}

func (s *Store) invoke(sub *modelSub, id string, snapshot *Value) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.RecordSubscriberPanic("models")
			s.logger.Error("model subscriber panicked",
				zap.String("model", id),
				zap.Uint64("handle", uint64(sub.handle)),
				zap.Any("panic", r),
			)
		}
	}()
	sub.cb(id, snapshot)
}

func (s *Store) dropped(id string, op protocol.PatchOp, err error) {
	s.metrics.RecordPatchOp(string(op.Op), false)
	s.logger.Debug("dropping patch operation",
		zap.String("model", id),
		zap.String("op", string(op.Op)),
		zap.String("path", op.Path),
		zap.String("from", op.From),
		zap.Error(err),
	)
	if s.onDrop != nil {
		s.onDrop(id, op, err)
	}
}
