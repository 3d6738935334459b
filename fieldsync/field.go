package fieldsync

import (
	"unicode/utf8"

	"collabtext/ot"
)

// PendingEdit is a local edit not yet acknowledged by the sequencer.
type PendingEdit struct {
	Operations    ot.Batch
	BaseVersion   int
	ResultingText string
}

// Selection is a caret (Anchor == Head) or a range, in code points.
type Selection struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

func (s Selection) Collapsed() bool { return s.Anchor == s.Head }

// Field is the synchronization state of one part's text or title. Its
// methods are pure transitions: they mutate the field and return what must be
// sent, but never perform I/O.
type Field struct {
	key      Key
	content  string
	version  int
	pending  []PendingEdit
	lastSent string
	sel      *Selection
}

// NewField seeds a field from an authoritative snapshot.
func NewField(key Key, content string, version int) *Field {
	return &Field{key: key, content: content, version: version, lastSent: content}
}

func (f *Field) Key() Key          { return f.key }
func (f *Field) Content() string   { return f.content }
func (f *Field) Version() int      { return f.version }
func (f *Field) LastSent() string  { return f.lastSent }
func (f *Field) Syncing() bool     { return len(f.pending) > 0 }
func (f *Field) PendingCount() int { return len(f.pending) }

// Pending returns a copy of the queue, oldest first.
func (f *Field) Pending() []PendingEdit {
	out := make([]PendingEdit, len(f.pending))
	for i, p := range f.pending {
		p.Operations = p.Operations.Clone()
		out[i] = p
	}
	return out
}

// Selection returns the active local selection, if any.
func (f *Field) Selection() (Selection, bool) {
	if f.sel == nil {
		return Selection{}, false
	}
	return *f.sel, true
}

// Select sets the local selection, clamped into the content.
func (f *Field) Select(s Selection) Selection {
	n := utf8.RuneCountInString(f.content)
	s = Selection{Anchor: clamp(s.Anchor, 0, n), Head: clamp(s.Head, 0, n)}
	f.sel = &s
	return s
}

// Blur drops the local selection.
func (f *Field) Blur() { f.sel = nil }

// LocalEdit diffs newContent against the last sent content. It returns the
// edit to send, or false when nothing changed. The edit is queued as pending
// and the version is advanced optimistically.
func (f *Field) LocalEdit(newContent string, author int) (Edit, bool) {
	ops := ot.CreateOps(f.lastSent, newContent, author)
	f.content = newContent
	if ops.IsNoop() {
		return Edit{}, false
	}
	e := Edit{
		PartID:      f.key.PartID,
		Target:      f.key.Target,
		BaseVersion: f.version,
		Operations:  ops,
	}
	f.pending = append(f.pending, PendingEdit{
		Operations:    ops,
		BaseVersion:   f.version,
		ResultingText: newContent,
	})
	f.version++
	f.lastSent = newContent
	return e, true
}

// Ack handles the echo of one of our own edits. It removes the first pending
// edit sent at the same base version and reports whether one was found.
// Either way the version never moves backwards, so replaying an ack is
// harmless.
func (f *Field) Ack(b Broadcast) bool {
	matched := false
	for i, p := range f.pending {
		if p.BaseVersion == b.BaseVersion {
			f.pending = append(f.pending[:i:i], f.pending[i+1:]...)
			matched = true
			break
		}
	}
	if b.AppliedVersion > f.version {
		f.version = b.AppliedVersion
	}
	return matched
}

// ApplyRemote rebases a remote edit over the pending queue, applies it and
// rebases the queue in turn. When a local selection is active, it is carried
// through the rebased edit and returned as a cursor update to broadcast.
//
// A *ot.BoundsError is returned when the edit did not fit the content; the
// clamped result has still been applied.
func (f *Field) ApplyRemote(b Broadcast, author int) (*CursorUpdate, error) {
	sel := f.sel

	remote := b.Operations
	rebased := make([]PendingEdit, len(f.pending))
	for i, p := range f.pending {
		nextRemote := ot.Transform(remote, p.Operations)
		p.Operations = ot.Transform(p.Operations, remote)
		rebased[i] = p
		remote = nextRemote
	}

	content, applyErr := ot.Apply(f.content, remote)

	f.pending = rebased
	f.content = content
	f.lastSent = content
	f.version = b.AppliedVersion

	if sel == nil {
		return nil, applyErr
	}
	n := utf8.RuneCountInString(content)
	moved := Selection{
		Anchor: clamp(ot.TransformPosition(remote, sel.Anchor), 0, n),
		Head:   clamp(ot.TransformPosition(remote, sel.Head), 0, n),
	}
	f.sel = &moved
	cu := f.cursor(moved, author)
	return &cu, applyErr
}

func (f *Field) cursor(s Selection, author int) CursorUpdate {
	cu := CursorUpdate{
		PartID:   f.key.PartID,
		Target:   f.key.Target,
		Position: s.Head,
		AuthorID: author,
	}
	if !s.Collapsed() {
		anchor := s.Anchor
		cu.SelectionAnchor = &anchor
	}
	return cu
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
