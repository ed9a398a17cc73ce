package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus-qen/rmsync/internal/protocol"
)

// State is the connection state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateError      State = "error"
	StateClosed     State = "closed"
)

// LastEvent describes the most recently dispatched server envelope.
type LastEvent struct {
	Kind protocol.Kind   `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
	Raw  string          `json:"raw,omitempty"`
	Time time.Time       `json:"time"`
}

// Status is a point-in-time view of the connection.
type Status struct {
	State       State         `json:"state"`
	Changed     time.Time     `json:"changed"`
	Base        string        `json:"base,omitempty"`
	Last        *LastEvent    `json:"last,omitempty"`
	LastEventID string        `json:"last_event_id,omitempty"`
	RetryIn     time.Duration `json:"retry_in,omitempty"`
}

// Stale reports whether the connection is open but nothing has arrived
// within window. A zero window disables staleness.
func (s Status) Stale(now time.Time, window time.Duration) bool {
	if s.State != StateOpen || window <= 0 {
		return false
	}
	since := s.Changed
	if s.Last != nil && s.Last.Time.After(since) {
		since = s.Last.Time
	}
	return now.Sub(since) > window
}

// StatusError is returned for a non-2xx stream handshake.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("event stream rejected (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("event stream rejected (status=%d): %s", e.StatusCode, e.Body)
}

func statusEnvelope(st Status) protocol.Envelope {
	payload, _ := json.Marshal(protocol.StatusPayload{
		State:   string(st.State),
		RetryMS: st.RetryIn.Milliseconds(),
		Base:    st.Base,
	})
	data, _ := json.Marshal(map[string]json.RawMessage{
		"kind":    json.RawMessage(`"` + string(protocol.KindStatus) + `"`),
		"payload": payload,
	})
	return protocol.Envelope{
		Kind: protocol.KindStatus,
		Env: protocol.Env{
			Time:    st.Changed.UTC().Format(time.RFC3339Nano),
			Kind:    string(protocol.KindStatus),
			Payload: payload,
			Data:    data,
		},
		Received: st.Changed,
	}
}
