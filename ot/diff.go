package ot

import (
	"errors"
	"fmt"
	"strings"
)

// ErrOutOfBounds is matched by every *BoundsError.
var ErrOutOfBounds = errors.New("ot: op exceeds document length")

// BoundsError reports a Retain or Delete that ran past the end of the text
// during Apply. Apply clamps such ops, so the result it returns alongside the
// error is still a usable document.
type BoundsError struct {
	Index  int // position of the op in the batch
	Op     Op
	Cursor int // read cursor when the op was reached
	Length int // length of the text being walked
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("ot: op %d %s at offset %d exceeds document length %d", e.Index, e.Op, e.Cursor, e.Length)
}

func (e *BoundsError) Is(target error) bool { return target == ErrOutOfBounds }

// CreateOps returns the batch turning oldText into newText. It trims the
// longest common prefix, then the longest common suffix of what remains, and
// replaces the middle. Edits are localized keystrokes and pastes, so this is
// enough without a minimal edit script.
func CreateOps(oldText, newText string, author int) Batch {
	o, n := []rune(oldText), []rune(newText)

	p := 0
	for p < len(o) && p < len(n) && o[p] == n[p] {
		p++
	}
	oldEnd, newEnd := len(o), len(n)
	for oldEnd > p && newEnd > p && o[oldEnd-1] == n[newEnd-1] {
		oldEnd--
		newEnd--
	}

	var b Batch
	if p > 0 {
		b = append(b, Retain(p))
	}
	if oldEnd > p {
		b = append(b, Delete(oldEnd-p, author))
	}
	if newEnd > p {
		b = append(b, Insert(string(n[p:newEnd]), author))
	}
	if rest := len(o) - oldEnd; rest > 0 {
		b = append(b, Retain(rest))
	}
	return b
}

// Apply runs b over text. Text left after the last op is appended verbatim.
//
// A Retain or Delete running past the end of text is clamped to what remains;
// the clamped result is returned together with a *BoundsError describing the
// first such op. Callers that accept fail-soft behaviour may use the result
// and only log the error.
func Apply(text string, b Batch) (string, error) {
	src := []rune(text)
	var out strings.Builder
	out.Grow(len(text))

	var firstErr error
	cursor := 0
	for i, o := range b {
		switch o.Kind {
		case KindInsert:
			out.WriteString(o.Text)
			continue
		case KindRetain, KindDelete:
		default:
			continue
		}
		n := o.Count
		if n < 0 {
			n = 0
		}
		if cursor+n > len(src) {
			if firstErr == nil {
				firstErr = &BoundsError{Index: i, Op: o, Cursor: cursor, Length: len(src)}
			}
			n = len(src) - cursor
		}
		if o.Kind == KindRetain {
			out.WriteString(string(src[cursor : cursor+n]))
		}
		cursor += n
	}
	if cursor < len(src) {
		out.WriteString(string(src[cursor:]))
	}
	return out.String(), firstErr
}
