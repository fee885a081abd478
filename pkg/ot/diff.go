package ot

import "github.com/sergi/go-diff/diffmatchpatch"

// dmp is stateless and safe for concurrent use; a single package-level
// instance avoids an allocation on every call to FromDiff.
var dmp = diffmatchpatch.New()

// FromDiff builds the OperationSeq that turns oldText into newText by
// running Myers diff over the two texts and translating each hunk into a
// Retain, Insert, or Delete. It exists for ingesting edits from sources
// that only hand over whole-document text — a pasted file, a browser
// textarea's onChange, an external sync tool — rather than a pre-formed
// operation.
//
// The diff runs under the library's default time limit. If that limit is
// reached, the remaining differing span comes back as one delete plus one
// insert: the operation is coarser than a minimal diff but still turns
// oldText into newText.
func FromDiff(oldText, newText string) (*OperationSeq, error) {
	if oldText == newText {
		op := NewOperationSeq()
		op.Retain(uint64(runeLen(oldText)))
		return op, nil
	}

	diffs := dmp.DiffMain(oldText, newText, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	op := NewOperationSeq()
	for _, d := range diffs {
		n := uint64(runeLen(d.Text))
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			op.Retain(n)
		case diffmatchpatch.DiffInsert:
			op.Insert(d.Text)
		case diffmatchpatch.DiffDelete:
			op.Delete(n)
		}
	}
	return op, nil
}
