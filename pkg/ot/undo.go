package ot

// UndoMode is the UndoManager's current mode: Normal editing, or actively
// replaying an Undo/Redo that the embedder requested.
type UndoMode int

const (
	// ModeNormal is the default mode between undo/redo operations.
	ModeNormal UndoMode = iota
	// ModeUndoing is set for the duration of PerformUndo's callback.
	ModeUndoing
	// ModeRedoing is set for the duration of PerformRedo's callback.
	ModeRedoing
)

// UndoManager keeps the inverse-operation stacks that let an embedder undo
// and redo local edits even as remote operations keep arriving and
// reshaping the document underneath them.
//
// maxItems bounds the undo stack as Normal-mode edits are added: once it
// is exceeded, the oldest entry is dropped. Entries pushed while undoing or
// redoing are not trimmed.
type UndoManager struct {
	mode        UndoMode
	dontCompose bool
	maxItems    int
	undoStack   []*OperationSeq
	redoStack   []*OperationSeq
}

// NewUndoManager returns an UndoManager that keeps at most maxItems entries
// on its undo stack for Normal-mode edits (1000 if maxItems <= 0).
func NewUndoManager(maxItems int) *UndoManager {
	if maxItems <= 0 {
		maxItems = 1000
	}
	return &UndoManager{maxItems: maxItems}
}

// Mode returns the manager's current mode.
func (u *UndoManager) Mode() UndoMode { return u.mode }

// CanUndo reports whether the undo stack has an entry to pop.
func (u *UndoManager) CanUndo() bool { return len(u.undoStack) > 0 }

// CanRedo reports whether the redo stack has an entry to pop.
func (u *UndoManager) CanRedo() bool { return len(u.redoStack) > 0 }

// IsUndoing reports whether an undo callback is currently executing.
func (u *UndoManager) IsUndoing() bool { return u.mode == ModeUndoing }

// IsRedoing reports whether a redo callback is currently executing.
func (u *UndoManager) IsRedoing() bool { return u.mode == ModeRedoing }

// UndoStackLen and RedoStackLen report how many entries each stack holds,
// mostly useful for tests.
func (u *UndoManager) UndoStackLen() int { return len(u.undoStack) }
func (u *UndoManager) RedoStackLen() int { return len(u.redoStack) }

// Add records op (typically the inverse of an edit that was just applied)
// onto the appropriate stack for the current mode.
//
// In ModeNormal, op is pushed onto the undo stack and the redo stack is
// cleared, since a fresh edit invalidates whatever could have been redone.
// If compose is true and the previous Add call in Normal mode didn't
// suppress composition (see dontCompose below), the new inverse is fused
// with the stack's current top via op.Compose(top) rather than pushed as a
// separate entry — this keeps the top of the stack as "the inverse of the
// whole run of recent edits" instead of one entry per keystroke.
//
// In ModeUndoing/ModeRedoing, op is the inverse the embedder is handing
// back after applying an undo/redo, and it goes onto the opposite stack
// (redo/undo respectively); dontCompose is set so the next Normal-mode Add
// does not accidentally fuse with it.
func (u *UndoManager) Add(op *OperationSeq, compose bool) error {
	switch u.mode {
	case ModeUndoing:
		u.redoStack = append(u.redoStack, op)
		u.dontCompose = true
	case ModeRedoing:
		u.undoStack = append(u.undoStack, op)
		u.dontCompose = true
	default:
		if !u.dontCompose && compose && len(u.undoStack) > 0 {
			top := u.undoStack[len(u.undoStack)-1]
			composed, err := op.Compose(top)
			if err != nil {
				return err
			}
			u.undoStack[len(u.undoStack)-1] = composed
		} else {
			u.undoStack = append(u.undoStack, op)
			if len(u.undoStack) > u.maxItems {
				u.undoStack = u.undoStack[1:]
			}
		}
		u.dontCompose = false
		u.redoStack = u.redoStack[:0]
	}
	return nil
}

// Transform rewrites both stacks so each entry still composes correctly
// once op has been applied to the document. Call this with every remote
// operation before (or as) it is applied.
//
// Each stack is walked from its top (most recent) entry to its bottom,
// pairwise-transforming the entry against a running operation that starts
// as op and is replaced, each iteration, by the second half of that pair —
// so an older entry is transformed against op as seen through every newer
// entry already processed. An entry whose transformed form is a no-op is
// dropped, since there is nothing left for it to undo. The walk order is
// then reversed to restore oldest-first.
func (u *UndoManager) Transform(op *OperationSeq) error {
	newUndo, err := transformStack(u.undoStack, op)
	if err != nil {
		return err
	}
	newRedo, err := transformStack(u.redoStack, op)
	if err != nil {
		return err
	}
	u.undoStack = newUndo
	u.redoStack = newRedo
	return nil
}

func transformStack(stack []*OperationSeq, op *OperationSeq) ([]*OperationSeq, error) {
	out := make([]*OperationSeq, 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		entryPrime, opPrime, err := Transform(stack[i], op)
		if err != nil {
			return nil, err
		}
		if !entryPrime.IsNoop() {
			out = append(out, entryPrime)
		}
		op = opPrime
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PerformUndo pops the most recent undo entry and invokes fn with it. fn is
// expected to apply the operation to the document and then call Add with
// its inverse, which — because mode is Undoing for the duration of this
// call — lands on the redo stack instead of re-triggering composition.
//
// Returns ErrUndoEmpty if the undo stack has nothing to pop.
func (u *UndoManager) PerformUndo(fn func(op *OperationSeq)) error {
	if len(u.undoStack) == 0 {
		return ErrUndoEmpty
	}
	op := u.undoStack[len(u.undoStack)-1]
	u.undoStack = u.undoStack[:len(u.undoStack)-1]

	u.mode = ModeUndoing
	fn(op)
	u.mode = ModeNormal
	return nil
}

// PerformRedo is PerformUndo's mirror image: it pops the most recent redo
// entry, runs fn with mode set to Redoing, and returns ErrRedoEmpty if the
// redo stack is empty.
func (u *UndoManager) PerformRedo(fn func(op *OperationSeq)) error {
	if len(u.redoStack) == 0 {
		return ErrRedoEmpty
	}
	op := u.redoStack[len(u.redoStack)-1]
	u.redoStack = u.redoStack[:len(u.redoStack)-1]

	u.mode = ModeRedoing
	fn(op)
	u.mode = ModeNormal
	return nil
}
