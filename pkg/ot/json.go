package ot

import (
	"encoding/json"
	"fmt"
)

// wireEnvelope mirrors the wire schema: {"ops": [n | -n | "s", ...]}.
type wireEnvelope struct {
	Ops []json.RawMessage `json:"ops"`
}

// MarshalJSON encodes the operation in the compact wire form: a positive
// integer is a Retain, a negative integer is a Delete, and a string is an
// Insert. Parsing this output and re-serializing it is the identity over
// canonical operations.
func (o *OperationSeq) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(o.ops))
	for _, c := range o.ops {
		var (
			b   []byte
			err error
		)
		switch v := c.(type) {
		case Retain:
			b, err = json.Marshal(v.N)
		case Insert:
			b, err = json.Marshal(v.Text)
		case Delete:
			b, err = json.Marshal(-int64(v.N))
		default:
			return nil, ErrMalformedOperation
		}
		if err != nil {
			return nil, err
		}
		raw = append(raw, b)
	}
	return json.Marshal(wireEnvelope{Ops: raw})
}

// UnmarshalJSON decodes the compact wire form produced by MarshalJSON,
// rebuilding the operation through the normal builder methods so the
// result is always in canonical (coalesced) form.
func (o *OperationSeq) UnmarshalJSON(data []byte) error {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	result := NewOperationSeq()
	for _, raw := range env.Ops {
		var n int64
		if err := json.Unmarshal(raw, &n); err == nil {
			switch {
			case n > 0:
				result.Retain(uint64(n))
			case n < 0:
				result.Delete(uint64(-n))
			default:
				return fmt.Errorf("%w: zero-length component", ErrMalformedOperation)
			}
			continue
		}

		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s == "" {
				return fmt.Errorf("%w: empty insert", ErrMalformedOperation)
			}
			result.Insert(s)
			continue
		}

		return fmt.Errorf("%w: component must be an integer or a string", ErrMalformedOperation)
	}

	*o = *result
	return nil
}
