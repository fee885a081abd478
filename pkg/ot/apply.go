package ot

import "strings"

// Apply runs the operation over doc, which must contain exactly BaseLen()
// runes, and returns the resulting document of TargetLen() runes.
func (o *OperationSeq) Apply(doc string) (string, error) {
	runes := []rune(doc)
	if len(runes) != o.baseLen {
		return "", ErrLengthMismatch
	}

	var b strings.Builder
	b.Grow(o.targetLen)

	pos := 0
	for _, c := range o.ops {
		switch v := c.(type) {
		case Retain:
			n := int(v.N)
			if pos+n > len(runes) {
				return "", ErrLengthMismatch
			}
			for _, r := range runes[pos : pos+n] {
				b.WriteRune(r)
			}
			pos += n
		case Insert:
			b.WriteString(v.Text)
		case Delete:
			n := int(v.N)
			if pos+n > len(runes) {
				return "", ErrLengthMismatch
			}
			pos += n
		}
	}

	if pos != len(runes) {
		return "", ErrLengthMismatch
	}
	return b.String(), nil
}
