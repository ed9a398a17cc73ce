package events

import (
	"sync"

	"github.com/marcus-qen/rmsync/internal/protocol"
	"go.uber.org/zap"
)

// Stream is a channel-backed subscription for consumers that prefer to
// receive envelopes on their own goroutine.
type Stream struct {
	C      <-chan protocol.Envelope
	handle Handle
	broker *Broker
	done   chan struct{}
	once   sync.Once
}

// Close unsubscribes the stream. C is not closed; readers should stop
// reading once Close returns.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.broker.Unsubscribe(s.handle)
		close(s.done)
	})
}

// Done is closed once the stream has been closed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// SubscribeStream returns a buffered channel subscription. Envelopes are
// dropped for a slow reader rather than blocking dispatch.
func (b *Broker) SubscribeStream(f Filter, bufSize int) (*Stream, error) {
	if bufSize < 1 {
		bufSize = 64
	}
	ch := make(chan protocol.Envelope, bufSize)
	s := &Stream{C: ch, broker: b, done: make(chan struct{})}
	h, err := b.Subscribe(f, func(env protocol.Envelope) {
		select {
		case <-s.done:
		case ch <- env:
		default:
			b.logger.Warn("stream subscriber full, dropping envelope",
				zap.String("kind", string(env.Kind)),
			)
		}
	})
	if err != nil {
		return nil, err
	}
	s.handle = h
	return s, nil
}
