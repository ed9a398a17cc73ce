// Package protocol defines the wire types of the service's event stream.
// The stream transport, the read-model store and the subscription broker all
// import this package so they agree on envelope and patch shapes.
package protocol

import (
	"bytes"
	"encoding/json"
	"time"
)

// Kind is the dot-namespaced event kind carried by every envelope.
type Kind string

const (
	// KindReadModelPatch is the only kind that mutates read-model snapshots.
	KindReadModelPatch Kind = "state.read.model.patch"
	// KindStatus is emitted locally by the stream transport on every
	// connection state change. It never arrives from the server.
	KindStatus Kind = "sse.status"
	// KindUnknown is used when neither the frame nor its payload names a kind.
	KindUnknown Kind = "unknown"

	KindModelsDownloadProgress Kind = "models.download.progress"
	KindModelsChanged          Kind = "models.changed"
	KindModelsRefreshed        Kind = "models.refreshed"
	KindEgressLedgerAppended   Kind = "egress.ledger.appended"
	KindActionsCompleted       Kind = "actions.completed"
	KindActionsFailed          Kind = "actions.failed"
	KindProjectsFileWritten    Kind = "projects.file.written"
	KindServiceHealth          Kind = "service.health"
	KindServiceConnected       Kind = "service.connected"
)

// Envelope is one decoded event-stream message.
type Envelope struct {
	Kind Kind `json:"kind"`
	Env  Env  `json:"env"`
	// EventID is the frame's id: line, empty when the server sent none.
	EventID  string    `json:"event_id,omitempty"`
	Received time.Time `json:"received"`
}

// Env is the decoded body of a frame. Known fields are lifted out; the full
// body stays available in Data.
type Env struct {
	Time    string          `json:"time,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	ID      string          `json:"id,omitempty"`
	Patch   []PatchOp       `json:"patch,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Raw holds the frame text when it was not valid JSON.
	Raw string `json:"raw,omitempty"`

	Data json.RawMessage `json:"-"`
}

// DecodeEnv decodes a frame body. Bodies that are not JSON objects are
// wrapped as {"raw": text} instead of failing. Fields with unexpected types
// are left empty.
func DecodeEnv(data []byte) Env {
	trimmed := bytes.TrimSpace(data)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil || fields == nil {
		raw := string(data)
		wrapped, _ := json.Marshal(map[string]string{"raw": raw})
		return Env{Raw: raw, Data: wrapped}
	}

	env := Env{Data: json.RawMessage(trimmed)}
	decodeField(fields, "time", &env.Time)
	decodeField(fields, "kind", &env.Kind)
	decodeField(fields, "id", &env.ID)
	decodeField(fields, "patch", &env.Patch)
	decodeField(fields, "raw", &env.Raw)
	if p, ok := fields["payload"]; ok {
		env.Payload = p
	}
	return env
}

func decodeField(fields map[string]json.RawMessage, key string, dst any) {
	raw, ok := fields[key]
	if !ok {
		return
	}
	_ = json.Unmarshal(raw, dst)
}

// ReadModelPatch extracts the target read-model id and patch list. The
// server has emitted three shapes over time: {id, patch} at the top level,
// nested once under payload, or nested twice (payload.payload). The id may
// also be spelled read_model.
func (e Env) ReadModelPatch() (string, []PatchOp, bool) {
	if e.ID != "" && e.Patch != nil {
		return e.ID, e.Patch, true
	}
	body := e.Payload
	for depth := 0; depth < 2 && len(body) > 0; depth++ {
		var inner struct {
			ID        string          `json:"id"`
			ReadModel string          `json:"read_model"`
			Patch     []PatchOp       `json:"patch"`
			Payload   json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(body, &inner); err != nil {
			return "", nil, false
		}
		id := inner.ID
		if id == "" {
			id = inner.ReadModel
		}
		if id != "" && inner.Patch != nil {
			return id, inner.Patch, true
		}
		body = inner.Payload
	}
	return "", nil, false
}

// StatusPayload is the payload of a KindStatus envelope.
type StatusPayload struct {
	State   string `json:"state"`
	RetryMS int64  `json:"retry_ms,omitempty"`
	Base    string `json:"base,omitempty"`
}
