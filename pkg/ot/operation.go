// Package ot implements the operational-transformation algebra that keeps
// every replica of a collaboratively edited document converging on the same
// text: an operation algebra (this file, compose.go, transform.go,
// invert.go, apply.go), a Server history coordinator (server.go), a Client
// protocol state machine (client.go), an UndoManager (undo.go), and a
// Range/Selection layer (selection.go).
package ot

import "unicode/utf8"

// Component is a single atomic step of an OperationSeq: Retain, Insert, or
// Delete. It is modeled as a closed interface with three concrete types
// rather than an open one — callers exhaustively switch on the concrete
// type, they never implement Component themselves.
type Component interface {
	isComponent()
}

// Retain skips n characters of the input document, copying them unchanged
// to the output.
type Retain struct {
	N uint64
}

func (Retain) isComponent() {}

// Delete removes the next n characters of the input document.
type Delete struct {
	N uint64
}

func (Delete) isComponent() {}

// Insert adds the literal string Text at the current position in the
// output. Text must be non-empty; OperationSeq.Insert silently drops empty
// inserts rather than ever storing one.
type Insert struct {
	Text string
}

func (Insert) isComponent() {}

// runeLen returns the number of Unicode code points in s. Operation lengths
// are counted in runes, not bytes, so that multi-byte characters behave
// like a single editable unit.
func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// OperationSeq is an ordered, immutable-once-built sequence of components
// transforming a document of BaseLen() runes into one of TargetLen() runes.
//
// Adjacent components of the same kind are always coalesced by the builder
// methods, so the component slice never holds two consecutive Retains,
// Inserts, or Deletes. When an Insert and a Delete land at the same
// position (no Retain between them), the canonical form keeps the Delete
// component before the Insert component.
type OperationSeq struct {
	ops       []Component
	baseLen   int
	targetLen int
}

// NewOperationSeq returns an empty operation (BaseLen and TargetLen both 0).
func NewOperationSeq() *OperationSeq {
	return &OperationSeq{}
}

// WithCapacity returns an empty operation with its component slice
// pre-allocated, for callers building long sequences of appends.
func WithCapacity(capacity int) *OperationSeq {
	return &OperationSeq{ops: make([]Component, 0, capacity)}
}

// BaseLen returns the length, in runes, of the only documents this
// operation can be applied to.
func (o *OperationSeq) BaseLen() int { return o.baseLen }

// TargetLen returns the length, in runes, of the document produced by
// applying this operation.
func (o *OperationSeq) TargetLen() int { return o.targetLen }

// Ops returns the underlying component slice. Callers must not mutate it.
func (o *OperationSeq) Ops() []Component { return o.ops }

// IsNoop reports whether this operation has no effect on any document it
// can legally be applied to: it is empty, or it is a single Retain spanning
// the whole document.
func (o *OperationSeq) IsNoop() bool {
	switch len(o.ops) {
	case 0:
		return true
	case 1:
		_, ok := o.ops[0].(Retain)
		return ok
	default:
		return false
	}
}

// Retain appends a retain of n runes, merging with a trailing Retain.
func (o *OperationSeq) Retain(n uint64) *OperationSeq {
	if n == 0 {
		return o
	}
	o.baseLen += int(n)
	o.targetLen += int(n)

	if last := len(o.ops) - 1; last >= 0 {
		if ret, ok := o.ops[last].(Retain); ok {
			o.ops[last] = Retain{N: ret.N + n}
			return o
		}
	}
	o.ops = append(o.ops, Retain{N: n})
	return o
}

// Insert appends an insertion of s, merging with a trailing Insert. An
// empty s is a no-op. If the trailing component is a Delete, the new
// Insert is appended after it, preserving the delete-before-insert
// canonical order at that position.
func (o *OperationSeq) Insert(s string) *OperationSeq {
	if s == "" {
		return o
	}
	o.targetLen += runeLen(s)

	n := len(o.ops)
	if n == 0 {
		o.ops = append(o.ops, Insert{Text: s})
		return o
	}
	if ins, ok := o.ops[n-1].(Insert); ok {
		o.ops[n-1] = Insert{Text: ins.Text + s}
		return o
	}
	o.ops = append(o.ops, Insert{Text: s})
	return o
}

// Delete appends a deletion of n runes, merging with a trailing Delete. If
// the trailing component is an Insert, the new Delete is spliced in ahead
// of it (merging with a Delete just before that Insert, if there is one),
// so a Delete and an Insert at the same position always end up with the
// Delete first.
func (o *OperationSeq) Delete(n uint64) *OperationSeq {
	if n == 0 {
		return o
	}
	o.baseLen += int(n)

	ln := len(o.ops)
	if ln == 0 {
		o.ops = append(o.ops, Delete{N: n})
		return o
	}
	if del, ok := o.ops[ln-1].(Delete); ok {
		o.ops[ln-1] = Delete{N: del.N + n}
		return o
	}
	if ins, ok := o.ops[ln-1].(Insert); ok {
		if ln >= 2 {
			if del2, ok2 := o.ops[ln-2].(Delete); ok2 {
				o.ops[ln-2] = Delete{N: del2.N + n}
				return o
			}
		}
		o.ops[ln-1] = Delete{N: n}
		o.ops = append(o.ops, ins)
		return o
	}
	o.ops = append(o.ops, Delete{N: n})
	return o
}

// add appends an arbitrary component, dispatching to Retain/Insert/Delete
// so the usual merge rules still apply. Used when replaying components
// produced by another OperationSeq (compose, transform, invert).
func (o *OperationSeq) add(c Component) *OperationSeq {
	switch v := c.(type) {
	case Retain:
		return o.Retain(v.N)
	case Insert:
		return o.Insert(v.Text)
	case Delete:
		return o.Delete(v.N)
	}
	return o
}

// Equals reports whether two operations have identical base/target
// lengths and component sequences.
func (o *OperationSeq) Equals(other *OperationSeq) bool {
	if o == nil || other == nil {
		return o == other
	}
	if o.baseLen != other.baseLen || o.targetLen != other.targetLen {
		return false
	}
	if len(o.ops) != len(other.ops) {
		return false
	}
	for i := range o.ops {
		if o.ops[i] != other.ops[i] {
			return false
		}
	}
	return true
}

// opIterator walks a component slice one whole component at a time. Callers
// that consume only part of a component keep the remainder themselves.
type opIterator struct {
	ops []Component
	pos int
}

func newOpIterator(ops []Component) *opIterator {
	return &opIterator{ops: ops}
}

// next returns the next component, or nil once the slice is exhausted.
func (it *opIterator) next() Component {
	if it.pos >= len(it.ops) {
		return nil
	}
	c := it.ops[it.pos]
	it.pos++
	return c
}
