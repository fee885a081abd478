package ot

import "errors"

var (
	// ErrLengthMismatch is returned when Apply, Compose, or Transform is
	// called with operations/documents whose lengths don't satisfy the
	// operation's preconditions.
	ErrLengthMismatch = errors.New("ot: length mismatch")

	// ErrMalformedOperation is returned when an operation fails a structural
	// invariant at construction or deserialization (non-positive counts,
	// empty insert text, an unrecognized wire component).
	ErrMalformedOperation = errors.New("ot: malformed operation")

	// ErrRevisionOutOfRange is returned by Server.ReceiveOperation when the
	// client's stated revision does not lie within the recorded history.
	ErrRevisionOutOfRange = errors.New("ot: revision out of range")

	// ErrNoPendingOperation is returned by Client.ServerAck when the client
	// is Synchronized (no outstanding operation to acknowledge).
	ErrNoPendingOperation = errors.New("ot: no pending operation to acknowledge")

	// ErrUndoEmpty is returned by UndoManager.PerformUndo when the undo
	// stack has nothing to pop.
	ErrUndoEmpty = errors.New("ot: undo stack is empty")

	// ErrRedoEmpty is returned by UndoManager.PerformRedo when the redo
	// stack has nothing to pop.
	ErrRedoEmpty = errors.New("ot: redo stack is empty")
)
