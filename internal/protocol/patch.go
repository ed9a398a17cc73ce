package protocol

import "encoding/json"

// OpKind names a patch operation.
type OpKind string

const (
	OpAdd     OpKind = "add"
	OpReplace OpKind = "replace"
	OpRemove  OpKind = "remove"
	OpMove    OpKind = "move"
	OpCopy    OpKind = "copy"
	// OpTest is accepted but never evaluated.
	OpTest OpKind = "test"
)

// PatchOp is one JSON-Patch style operation addressed by a JSON-Pointer path.
type PatchOp struct {
	Op    OpKind          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}
