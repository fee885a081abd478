package ot

// Server linearizes operations from any number of clients into a single
// history and keeps the authoritative document text. It has no transport
// concerns of its own — callers are responsible for broadcasting the
// transformed operation this returns to every other client, and for
// acknowledging it back to whoever sent it.
type Server struct {
	document   string
	operations []*OperationSeq
}

// NewServer returns a Server for an empty document.
func NewServer() *Server {
	return &Server{}
}

// NewServerWithDocument returns a Server seeded with doc as its current
// text and no recorded history — used when a document is rehydrated from
// storage and its edit history was not itself persisted.
func NewServerWithDocument(doc string) *Server {
	return &Server{document: doc}
}

// Document returns the current, fully up-to-date document text.
func (s *Server) Document() string {
	return s.document
}

// Revision returns the number of operations accepted so far. A client
// presenting this value in its next ReceiveOperation call has seen every
// operation up to and including this one.
func (s *Server) Revision() int {
	return len(s.operations)
}

// History returns the accepted operations from index start onward. The
// returned slice is a fresh copy safe for the caller to retain.
func (s *Server) History(start int) []*OperationSeq {
	if start < 0 {
		start = 0
	}
	if start >= len(s.operations) {
		return nil
	}
	out := make([]*OperationSeq, len(s.operations)-start)
	copy(out, s.operations[start:])
	return out
}

// ReceiveOperation accepts an operation a client produced against the
// document as of revision, transforms it against every operation the
// client had not yet seen, applies the result, appends it to history, and
// returns it so the caller can broadcast it and ack the origin.
//
// revision must satisfy 0 <= revision <= s.Revision(); otherwise
// ErrRevisionOutOfRange is returned and history is left untouched.
func (s *Server) ReceiveOperation(revision int, op *OperationSeq) (*OperationSeq, error) {
	if revision < 0 || revision > len(s.operations) {
		return nil, ErrRevisionOutOfRange
	}

	concurrent := s.operations[revision:]
	transformed := op
	for _, historical := range concurrent {
		aPrime, _, err := Transform(transformed, historical)
		if err != nil {
			return nil, err
		}
		transformed = aPrime
	}

	newDoc, err := transformed.Apply(s.document)
	if err != nil {
		return nil, err
	}

	s.document = newDoc
	s.operations = append(s.operations, transformed)
	return transformed, nil
}
