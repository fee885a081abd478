package ot

// Transform takes two operations a and b with the same BaseLen() — they
// were both produced against the same document revision — and returns
// (a', b') such that:
//
//	apply(compose(a, b'), d) == apply(compose(b, a'), d)
//
// for every document d of that base length. This is the TP1 convergence
// property: a client that applies a then receives b' converges on the
// exact same document as a client that applies b then receives a'.
//
// Tie-break: when a and b both insert at the same position, a's insert is
// ordered first — b' retains a's insert before b' does anything else, and
// a' retains b's insert only after reproducing a's own effect. This choice
// must be applied consistently by every caller (Server transforms incoming
// operations against history as transform(incoming, historical); Client
// transforms its outstanding operation against an arriving server operation
// as transform(outstanding, serverOp)) or replicas will diverge even though
// each individual Transform call still satisfies TP1 in isolation.
func Transform(a, b *OperationSeq) (*OperationSeq, *OperationSeq, error) {
	if a.baseLen != b.baseLen {
		return nil, nil, ErrLengthMismatch
	}

	aPrime := NewOperationSeq()
	bPrime := NewOperationSeq()

	ops1 := newOpIterator(a.ops)
	ops2 := newOpIterator(b.ops)

	op1 := ops1.next()
	op2 := ops2.next()

	for {
		if op1 == nil && op2 == nil {
			break
		}

		// a's insert: reproduced verbatim in a', retained (skipped over) by b'.
		if ins, ok := op1.(Insert); ok {
			aPrime.Insert(ins.Text)
			bPrime.Retain(uint64(runeLen(ins.Text)))
			op1 = ops1.next()
			continue
		}

		// b's insert: reproduced verbatim in b', retained by a'.
		if ins, ok := op2.(Insert); ok {
			aPrime.Retain(uint64(runeLen(ins.Text)))
			bPrime.Insert(ins.Text)
			op2 = ops2.next()
			continue
		}

		if op1 == nil {
			return nil, nil, ErrLengthMismatch
		}
		if op2 == nil {
			return nil, nil, ErrLengthMismatch
		}

		switch v1 := op1.(type) {
		case Retain:
			switch v2 := op2.(type) {
			case Retain:
				minN := min64(v1.N, v2.N)
				aPrime.Retain(minN)
				bPrime.Retain(minN)
				op1, op2 = consumeRetain(v1.N, minN, ops1), consumeRetain(v2.N, minN, ops2)
			case Delete:
				minN := min64(v1.N, v2.N)
				bPrime.Delete(minN)
				op1, op2 = consumeRetain(v1.N, minN, ops1), consumeDelete(v2.N, minN, ops2)
			default:
				return nil, nil, ErrLengthMismatch
			}
		case Delete:
			switch v2 := op2.(type) {
			case Retain:
				minN := min64(v1.N, v2.N)
				aPrime.Delete(minN)
				op1, op2 = consumeDelete(v1.N, minN, ops1), consumeRetain(v2.N, minN, ops2)
			case Delete:
				minN := min64(v1.N, v2.N)
				op1, op2 = consumeDelete(v1.N, minN, ops1), consumeDelete(v2.N, minN, ops2)
			default:
				return nil, nil, ErrLengthMismatch
			}
		default:
			return nil, nil, ErrLengthMismatch
		}
	}

	return aPrime, bPrime, nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// consumeRetain returns the remainder of a Retain(total) after consuming
// used runes, pulling the next component from it if fully consumed.
func consumeRetain(total, used uint64, it *opIterator) Component {
	if total > used {
		return Retain{N: total - used}
	}
	return it.next()
}

// consumeDelete is consumeRetain's analog for Delete components.
func consumeDelete(total, used uint64, it *opIterator) Component {
	if total > used {
		return Delete{N: total - used}
	}
	return it.next()
}
