// Package events routes decoded stream envelopes to subscribers by kind.
// Used by the read-model client for raw-event consumers and by the local
// websocket bridge.
package events

import (
	"errors"
	"strings"
	"sync"

	"github.com/marcus-qen/rmsync/internal/metrics"
	"github.com/marcus-qen/rmsync/internal/protocol"
	"go.uber.org/zap"
)

// ErrInvalidFilter is returned when subscribing with a zero Filter, a nil
// predicate or a nil callback.
var ErrInvalidFilter = errors.New("events: invalid subscription filter")

type filterKind uint8

const (
	filterInvalid filterKind = iota
	filterAll
	filterPrefix
	filterPredicate
)

// Filter selects envelopes by kind. Build one with All, Prefix or Predicate.
type Filter struct {
	kind   filterKind
	prefix string
	pred   func(kind protocol.Kind, env protocol.Envelope) bool
}

// All matches every envelope.
func All() Filter { return Filter{kind: filterAll} }

// Prefix matches envelopes whose kind starts with p.
func Prefix(p string) Filter { return Filter{kind: filterPrefix, prefix: p} }

// Predicate matches envelopes for which fn returns true.
func Predicate(fn func(kind protocol.Kind, env protocol.Envelope) bool) Filter {
	if fn == nil {
		return Filter{}
	}
	return Filter{kind: filterPredicate, pred: fn}
}

// Valid reports whether f was built by one of the constructors.
func (f Filter) Valid() bool { return f.kind != filterInvalid }

// Match reports whether env passes the filter.
func (f Filter) Match(env protocol.Envelope) bool {
	switch f.kind {
	case filterAll:
		return true
	case filterPrefix:
		return strings.HasPrefix(string(env.Kind), f.prefix)
	case filterPredicate:
		return f.pred(env.Kind, env)
	}
	return false
}

func (f Filter) String() string {
	switch f.kind {
	case filterAll:
		return "*"
	case filterPrefix:
		return "prefix:" + f.prefix
	case filterPredicate:
		return "predicate"
	}
	return "invalid"
}

// Handle identifies one subscription.
type Handle uint64

// Callback receives a matching envelope.
type Callback func(env protocol.Envelope)

type subscription struct {
	handle Handle
	filter Filter
	cb     Callback
}

// Broker is a synchronous pub/sub broker keyed by envelope kind.
type Broker struct {
	dispatchMu sync.Mutex

	mu   sync.RWMutex
	subs []*subscription
	next Handle

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewBroker creates a broker. m may be nil.
func NewBroker(logger *zap.Logger, m *metrics.Metrics) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{logger: logger, metrics: m}
}

// Subscribe registers cb for envelopes matching f. Subscriptions are invoked
// in registration order.
func (b *Broker) Subscribe(f Filter, cb Callback) (Handle, error) {
	if !f.Valid() || cb == nil {
		return 0, ErrInvalidFilter
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs = append(b.subs, &subscription{handle: b.next, filter: f, cb: cb})
	return b.next, nil
}

// Unsubscribe removes one subscription and reports whether it existed.
func (b *Broker) Unsubscribe(h Handle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.handle == h {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dispatch delivers env to every matching subscriber synchronously. A
// panicking subscriber is logged and skipped. Concurrent Dispatch calls are
// serialized so a callback never runs concurrently with itself.
func (b *Broker) Dispatch(env protocol.Envelope) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, env)
	}
}

func (b *Broker) deliver(sub *subscription, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.RecordSubscriberPanic("events")
			b.logger.Error("event subscriber panicked",
				zap.String("kind", string(env.Kind)),
				zap.String("filter", sub.filter.String()),
				zap.Uint64("handle", uint64(sub.handle)),
				zap.Any("panic", r),
			)
		}
	}()
	if !sub.filter.Match(env) {
		return
	}
	sub.cb(env)
}
