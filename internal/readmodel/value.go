package readmodel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Kind is the variant tag of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a JSON value tagged with its variant. Containers hold child
// pointers so patches can mutate nested documents in place. The exported API
// is read-only; only patch application inside this package mutates a Value.
type Value struct {
	kind Kind
	b    bool
	num  json.Number
	str  string
	arr  []*Value
	obj  map[string]*Value
}

// Null returns a JSON null.
func Null() *Value { return &Value{kind: KindNull} }

// Bool returns a JSON boolean.
func Bool(b bool) *Value { return &Value{kind: KindBool, b: b} }

// Number returns a JSON number. The literal is kept verbatim.
func Number(n json.Number) *Value { return &Value{kind: KindNumber, num: n} }

// Int returns a JSON number holding n.
func Int(n int64) *Value { return Number(json.Number(strconv.FormatInt(n, 10))) }

// String returns a JSON string.
func String(s string) *Value { return &Value{kind: KindString, str: s} }

// Array returns a JSON array holding items.
func Array(items ...*Value) *Value {
	arr := make([]*Value, len(items))
	copy(arr, items)
	return &Value{kind: KindArray, arr: arr}
}

// Object returns an empty JSON object.
func Object() *Value { return &Value{kind: KindObject, obj: map[string]*Value{}} }

// MaxDepth is the deepest array and object nesting Parse accepts, matching
// encoding/json.
const MaxDepth = 10000

// ErrTooDeep is returned by Parse for documents nested beyond MaxDepth.
var ErrTooDeep = errors.New("readmodel: exceeded max nesting depth")

// Parse decodes a single JSON document.
func Parse(data []byte) (*Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec, 0)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("readmodel: trailing data after JSON value")
	}
	return v, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) *Value {
	v, err := Parse([]byte(s))
	if err != nil {
		panic(err)
	}
	return v
}

func decodeValue(dec *json.Decoder, depth int) (*Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t), nil
	case string:
		return String(t), nil
	case json.Delim:
		if depth >= MaxDepth {
			return nil, ErrTooDeep
		}
		switch t {
		case '[':
			v := &Value{kind: KindArray, arr: []*Value{}}
			for dec.More() {
				item, err := decodeValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				v.arr = append(v.arr, item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return v, nil
		case '{':
			v := Object()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("readmodel: unexpected object key %v", keyTok)
				}
				item, err := decodeValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				v.obj[key] = item
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return v, nil
		}
	}
	return nil, fmt.Errorf("readmodel: unexpected token %v", tok)
}

// Kind reports the variant tag.
func (v *Value) Kind() Kind {
	if v == nil {
		return KindNull
	}
	return v.kind
}

// BoolValue returns the boolean and whether v is a boolean.
func (v *Value) BoolValue() (bool, bool) {
	if v.Kind() != KindBool {
		return false, false
	}
	return v.b, true
}

// NumberValue returns the number literal and whether v is a number.
func (v *Value) NumberValue() (json.Number, bool) {
	if v.Kind() != KindNumber {
		return "", false
	}
	return v.num, true
}

// StringValue returns the string and whether v is a string.
func (v *Value) StringValue() (string, bool) {
	if v.Kind() != KindString {
		return "", false
	}
	return v.str, true
}

// Len returns the element count of an array or object and 0 otherwise.
func (v *Value) Len() int {
	switch v.Kind() {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.obj)
	}
	return 0
}

// Index returns the i-th array element.
func (v *Value) Index(i int) (*Value, bool) {
	if v.Kind() != KindArray || i < 0 || i >= len(v.arr) {
		return nil, false
	}
	return v.arr[i], true
}

// Field returns the object member named key.
func (v *Value) Field(key string) (*Value, bool) {
	if v.Kind() != KindObject {
		return nil, false
	}
	child, ok := v.obj[key]
	return child, ok
}

// Keys returns object member names in sorted order.
func (v *Value) Keys() []string {
	if v.Kind() != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup resolves a JSON-Pointer against v without modifying it.
func (v *Value) Lookup(pointer string) (*Value, bool) {
	ptr, err := ParsePointer(pointer)
	if err != nil {
		return nil, false
	}
	got, err := get(v, ptr)
	return got, err == nil
}

// Clone returns a deep copy.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	out := &Value{kind: v.kind, b: v.b, num: v.num, str: v.str}
	switch v.kind {
	case KindArray:
		out.arr = make([]*Value, len(v.arr))
		for i, item := range v.arr {
			out.arr[i] = item.Clone()
		}
	case KindObject:
		out.obj = make(map[string]*Value, len(v.obj))
		for k, item := range v.obj {
			out.obj[k] = item.Clone()
		}
	}
	return out
}

// Equal reports structural equality. Numbers compare by value.
func (v *Value) Equal(o *Value) bool {
	if v.Kind() != o.Kind() {
		return false
	}
	switch v.Kind() {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		if v.num == o.num {
			return true
		}
		a, errA := v.num.Float64()
		b, errB := o.num.Float64()
		return errA == nil && errB == nil && a == b
	case KindString:
		return v.str == o.str
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, item := range v.obj {
			other, ok := o.obj[k]
			if !ok || !item.Equal(other) {
				return false
			}
		}
		return true
	}
	return false
}

// Interface converts v into plain Go values: map[string]any, []any,
// json.Number, string, bool or nil.
func (v *Value) Interface() any {
	switch v.Kind() {
	case KindBool:
		return v.b
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.Interface()
		}
		return out
	}
	return nil
}

// MarshalJSON encodes v with object keys sorted.
func (v *Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v *Value) encode(buf *bytes.Buffer) error {
	switch v.Kind() {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		if v.num == "" {
			buf.WriteString("0")
			return nil
		}
		buf.WriteString(v.num.String())
	case KindString:
		s, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(s)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, k := range v.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := v.obj[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

// UnmarshalJSON decodes data into v, replacing its contents.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = *parsed
	return nil
}

func (v *Value) String() string {
	data, err := v.MarshalJSON()
	if err != nil {
		return "<invalid>"
	}
	return string(data)
}
