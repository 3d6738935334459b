// Package ot implements the operational transform primitives used to keep a
// field's text consistent between participants.
//
// A Batch is a left-to-right walk over a base document:
//   - Retain(n): keep n characters
//   - Insert(s): insert s at the cursor
//   - Delete(n): remove n characters at the cursor
//
// Lengths and offsets count Unicode code points, not bytes. Any base text left
// after the last op is kept as if the batch ended with a Retain.
package ot

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind identifies the variant of an Op.
type Kind uint8

const (
	KindRetain Kind = iota
	KindInsert
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindRetain:
		return "retain"
	case KindInsert:
		return "insert"
	case KindDelete:
		return "delete"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Op is a single step of a Batch. Count is used by Retain and Delete, Text by
// Insert. Author only matters for Insert/Insert tie-breaking in Transform.
type Op struct {
	Kind   Kind
	Count  int
	Text   string
	Author int
}

// Retain keeps n characters of the base document.
func Retain(n int) Op { return Op{Kind: KindRetain, Count: n} }

// Insert inserts text at the cursor.
func Insert(text string, author int) Op { return Op{Kind: KindInsert, Text: text, Author: author} }

// Delete removes n characters at the cursor.
func Delete(n, author int) Op { return Op{Kind: KindDelete, Count: n, Author: author} }

// Len returns the number of characters the op spans: the insert length for
// Insert, Count otherwise.
func (o Op) Len() int {
	if o.Kind == KindInsert {
		return utf8.RuneCountInString(o.Text)
	}
	return o.Count
}

// IsZero reports whether the op has no effect on any document.
func (o Op) IsZero() bool {
	if o.Kind == KindInsert {
		return o.Text == ""
	}
	return o.Count <= 0
}

func (o Op) String() string {
	switch o.Kind {
	case KindInsert:
		return fmt.Sprintf("I(%q@%d)", o.Text, o.Author)
	case KindDelete:
		return fmt.Sprintf("D(%d)", o.Count)
	default:
		return fmt.Sprintf("R(%d)", o.Count)
	}
}

// Batch is an ordered sequence of ops forming one atomic edit.
type Batch []Op

// BaseLen returns the number of base characters the batch walks over
// explicitly. The implicit trailing retain is not counted.
func (b Batch) BaseLen() int {
	n := 0
	for _, o := range b {
		if o.Kind != KindInsert {
			n += o.Count
		}
	}
	return n
}

// TargetLen returns the length of the output for a base of exactly BaseLen
// characters.
func (b Batch) TargetLen() int {
	n := 0
	for _, o := range b {
		if o.Kind != KindDelete {
			n += o.Len()
		}
	}
	return n
}

// IsNoop reports whether applying b never changes a document.
func (b Batch) IsNoop() bool {
	for _, o := range b {
		if !o.IsZero() && o.Kind != KindRetain {
			return false
		}
	}
	return true
}

// Clone returns a copy that shares no backing array with b.
func (b Batch) Clone() Batch {
	if b == nil {
		return nil
	}
	out := make(Batch, len(b))
	copy(out, b)
	return out
}

// Normalize drops zero-length ops and merges adjacent ops of the same kind.
// Merged inserts keep the author of the first insert.
func (b Batch) Normalize() Batch {
	var out Batch
	for _, o := range b {
		if o.IsZero() {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Kind == o.Kind {
			last := &out[n-1]
			if o.Kind == KindInsert {
				last.Text += o.Text
			} else {
				last.Count += o.Count
			}
			continue
		}
		out = append(out, o)
	}
	return out
}

func (b Batch) String() string {
	parts := make([]string, len(b))
	for i, o := range b {
		parts[i] = o.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}
