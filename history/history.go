// Package history keeps a linear undo/redo stack per field. Edits arriving
// within the batching window of the previous one overwrite the top entry, so
// a burst of keystrokes undoes as one step.
package history

import (
	"errors"
	"time"
)

var (
	ErrNothingToUndo = errors.New("history: nothing to undo")
	ErrNothingToRedo = errors.New("history: nothing to redo")
)

// DefaultWindow is the keystroke batching interval.
const DefaultWindow = time.Second

// Entry is one snapshot of a field.
type Entry struct {
	Text       string `json:"text"`
	CaretStart int    `json:"caretStart"`
	CaretEnd   int    `json:"caretEnd"`
}

// Stack is a snapshot stack with a cursor. It is not safe for concurrent
// use; the owning session serializes access.
type Stack struct {
	entries  []Entry
	position int
	window   time.Duration
	last     time.Time
	now      func() time.Time
}

// Option configures a Stack.
type Option func(*Stack)

// WithWindow sets the batching interval. Zero disables batching.
func WithWindow(d time.Duration) Option { return func(s *Stack) { s.window = d } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Stack) { s.now = now } }

// New returns a stack holding a single entry for the initial text.
func New(initial Entry, opts ...Option) *Stack {
	s := &Stack{
		entries: []Entry{initial},
		window:  DefaultWindow,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Restore rebuilds a stack from persisted state. An out-of-range position is
// moved to the last entry.
func Restore(state State, opts ...Option) *Stack {
	if len(state.Entries) == 0 {
		return New(Entry{}, opts...)
	}
	s := New(state.Entries[0], opts...)
	s.entries = append(s.entries[:0], state.Entries...)
	s.position = state.Position
	if s.position < 0 || s.position >= len(s.entries) {
		s.position = len(s.entries) - 1
	}
	return s
}

// Record stores e as the latest snapshot. Within the batching window, and
// only while the cursor is at the top, it replaces the top entry. Otherwise
// the redo tail is discarded and e is pushed.
func (s *Stack) Record(e Entry) {
	now := s.now()
	atTop := s.position == len(s.entries)-1
	if atTop && s.position > 0 && s.window > 0 && now.Sub(s.last) < s.window {
		s.entries[s.position] = e
		s.last = now
		return
	}
	if top := s.entries[s.position]; atTop && top.Text == e.Text {
		s.entries[s.position] = e
		s.last = now
		return
	}
	s.entries = append(s.entries[:s.position+1], e)
	s.position = len(s.entries) - 1
	s.last = now
}

// Undo moves the cursor back one entry and returns it.
func (s *Stack) Undo() (Entry, error) {
	if s.position == 0 {
		return Entry{}, ErrNothingToUndo
	}
	s.position--
	s.last = time.Time{}
	return s.entries[s.position], nil
}

// Redo moves the cursor forward one entry and returns it.
func (s *Stack) Redo() (Entry, error) {
	if s.position >= len(s.entries)-1 {
		return Entry{}, ErrNothingToRedo
	}
	s.position++
	s.last = time.Time{}
	return s.entries[s.position], nil
}

func (s *Stack) CanUndo() bool { return s.position > 0 }
func (s *Stack) CanRedo() bool { return s.position < len(s.entries)-1 }

// Current returns the entry under the cursor.
func (s *Stack) Current() Entry { return s.entries[s.position] }

// Len returns the number of entries.
func (s *Stack) Len() int { return len(s.entries) }

// Position returns the cursor.
func (s *Stack) Position() int { return s.position }

// State returns a copy suitable for persistence.
func (s *Stack) State() State {
	entries := make([]Entry, len(s.entries))
	copy(entries, s.entries)
	return State{Entries: entries, Position: s.position}
}

// Caret places the caret after moving from oldText to newText: it selects
// the span of newText between the first and last point of divergence, which
// collapses to a caret when the change only removed text.
func Caret(oldText, newText string) (start, end int) {
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
	return p, newEnd
}
