package readmodel

import (
	"errors"
	"fmt"

	"github.com/marcus-qen/rmsync/internal/protocol"
)

var (
	// ErrUnresolvable marks an operation whose path or from pointer does not
	// address a valid location.
	ErrUnresolvable = errors.New("readmodel: path does not resolve")
	// ErrMissingValue marks an add or replace without a value.
	ErrMissingValue = errors.New("readmodel: operation has no value")
	// ErrUnknownOp marks an operation name outside the supported set.
	ErrUnknownOp = errors.New("readmodel: unknown operation")
)

// ApplyOp applies one operation to doc and returns the resulting document.
// doc is mutated in place unless the operation replaces the whole document.
// On error doc is left exactly as it was.
func ApplyOp(doc *Value, op protocol.PatchOp) (*Value, error) {
	path, err := ParsePointer(op.Path)
	if err != nil {
		return doc, err
	}

	switch op.Op {
	case protocol.OpAdd:
		val, err := opValue(op)
		if err != nil {
			return doc, err
		}
		return add(doc, path, val)
	case protocol.OpReplace:
		val, err := opValue(op)
		if err != nil {
			return doc, err
		}
		return replace(doc, path, val)
	case protocol.OpRemove:
		return doc, remove(doc, path)
	case protocol.OpMove:
		from, err := ParsePointer(op.From)
		if err != nil {
			return doc, err
		}
		return move(doc, from, path)
	case protocol.OpCopy:
		from, err := ParsePointer(op.From)
		if err != nil {
			return doc, err
		}
		src, err := get(doc, from)
		if err != nil {
			return doc, err
		}
		return add(doc, path, src.Clone())
	case protocol.OpTest:
		return doc, nil
	}
	return doc, fmt.Errorf("%w: %q", ErrUnknownOp, op.Op)
}

func opValue(op protocol.PatchOp) (*Value, error) {
	if len(op.Value) == 0 {
		return nil, ErrMissingValue
	}
	return Parse(op.Value)
}

func unresolvable(p Pointer) error {
	return fmt.Errorf("%w: %q", ErrUnresolvable, p.String())
}

// get walks p without creating anything.
func get(doc *Value, p Pointer) (*Value, error) {
	cur := doc
	for _, tok := range p {
		next, err := child(cur, tok)
		if err != nil {
			return nil, unresolvable(p)
		}
		cur = next
	}
	if cur == nil {
		return nil, unresolvable(p)
	}
	return cur, nil
}

func child(cur *Value, tok string) (*Value, error) {
	switch cur.Kind() {
	case KindObject:
		if next, ok := cur.obj[tok]; ok {
			return next, nil
		}
	case KindArray:
		if i, ok := arrayIndex(tok); ok && i < len(cur.arr) {
			return cur.arr[i], nil
		}
	}
	return nil, ErrUnresolvable
}

// container walks to the parent of p. With create set, missing or null
// object members along the way become empty objects. Arrays are never
// created. Creation only happens once the walk has left existing structure,
// so a failed walk creates nothing.
func container(doc *Value, p Pointer, create bool) (*Value, error) {
	cur := doc
	for _, tok := range p {
		if cur.Kind() == KindObject && create {
			next, ok := cur.obj[tok]
			if !ok || next.Kind() == KindNull {
				next = Object()
				cur.obj[tok] = next
			}
			cur = next
			continue
		}
		next, err := child(cur, tok)
		if err != nil {
			return nil, unresolvable(p)
		}
		cur = next
	}
	if k := cur.Kind(); k != KindObject && k != KindArray {
		return nil, unresolvable(p)
	}
	return cur, nil
}

func add(doc *Value, p Pointer, val *Value) (*Value, error) {
	if p.IsRoot() {
		return val, nil
	}
	// Check the final step before creating intermediates so a failing add
	// leaves no trace.
	if err := canAdd(doc, p); err != nil {
		return doc, err
	}
	parentPath, last := p.parent()
	parent, err := container(doc, parentPath, true)
	if err != nil {
		return doc, err
	}
	switch parent.kind {
	case KindObject:
		parent.obj[last] = val
	case KindArray:
		if last == "-" {
			parent.arr = append(parent.arr, val)
			break
		}
		i, _ := arrayIndex(last)
		parent.arr = append(parent.arr, nil)
		copy(parent.arr[i+1:], parent.arr[i:])
		parent.arr[i] = val
	}
	return doc, nil
}

// canAdd reports whether add would succeed at p without mutating doc.
func canAdd(doc *Value, p Pointer) error {
	parentPath, last := p.parent()
	cur := doc
	for _, tok := range parentPath {
		if cur.Kind() == KindObject {
			next, ok := cur.obj[tok]
			if !ok || next.Kind() == KindNull {
				// the remainder of the path is created as objects
				return nil
			}
			cur = next
			continue
		}
		next, err := child(cur, tok)
		if err != nil {
			return unresolvable(p)
		}
		cur = next
	}
	switch cur.Kind() {
	case KindObject:
		return nil
	case KindArray:
		if last == "-" {
			return nil
		}
		if i, ok := arrayIndex(last); ok && i <= len(cur.arr) {
			return nil
		}
	}
	return unresolvable(p)
}

func replace(doc *Value, p Pointer, val *Value) (*Value, error) {
	if p.IsRoot() {
		return val, nil
	}
	parentPath, last := p.parent()
	parent, err := container(doc, parentPath, false)
	if err != nil {
		return doc, err
	}
	switch parent.kind {
	case KindObject:
		parent.obj[last] = val
	case KindArray:
		i, ok := arrayIndex(last)
		if !ok || i >= len(parent.arr) {
			return doc, unresolvable(p)
		}
		parent.arr[i] = val
	}
	return doc, nil
}

func remove(doc *Value, p Pointer) error {
	_, err := detach(doc, p)
	return err
}

// detach removes the value at p and returns it.
func detach(doc *Value, p Pointer) (*Value, error) {
	if p.IsRoot() {
		return nil, unresolvable(p)
	}
	parentPath, last := p.parent()
	parent, err := container(doc, parentPath, false)
	if err != nil {
		return nil, err
	}
	switch parent.kind {
	case KindObject:
		val, ok := parent.obj[last]
		if !ok {
			return nil, unresolvable(p)
		}
		delete(parent.obj, last)
		return val, nil
	case KindArray:
		i, ok := arrayIndex(last)
		if !ok || i >= len(parent.arr) {
			return nil, unresolvable(p)
		}
		val := parent.arr[i]
		parent.arr = append(parent.arr[:i], parent.arr[i+1:]...)
		return val, nil
	}
	return nil, unresolvable(p)
}

// reattach restores a value detached from p. The parent is known to exist.
func reattach(doc *Value, p Pointer, val *Value) {
	parentPath, last := p.parent()
	parent, err := container(doc, parentPath, false)
	if err != nil {
		return
	}
	switch parent.kind {
	case KindObject:
		parent.obj[last] = val
	case KindArray:
		i, _ := arrayIndex(last)
		parent.arr = append(parent.arr, nil)
		copy(parent.arr[i+1:], parent.arr[i:])
		parent.arr[i] = val
	}
}

// move detaches from and adds at to. A failed add puts the value back so the
// document is unchanged.
func move(doc *Value, from, to Pointer) (*Value, error) {
	if from.String() == to.String() {
		if _, err := get(doc, from); err != nil {
			return doc, err
		}
		return doc, nil
	}
	if to.HasPrefix(from) {
		return doc, fmt.Errorf("%w: cannot move %q into itself", ErrUnresolvable, from.String())
	}
	val, err := detach(doc, from)
	if err != nil {
		return doc, err
	}
	next, err := add(doc, to, val)
	if err != nil {
		reattach(doc, from, val)
		return doc, err
	}
	return next, nil
}
