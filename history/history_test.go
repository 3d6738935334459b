package history

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newStack(c *fakeClock, initial string) *Stack {
	return New(Entry{Text: initial}, WithClock(c.now), WithWindow(time.Second))
}

func TestRecordCoalescesWithinWindow(t *testing.T) {
	c := &fakeClock{t: time.Unix(1000, 0)}
	s := newStack(c, "")

	s.Record(Entry{Text: "h", CaretStart: 1, CaretEnd: 1})
	c.advance(200 * time.Millisecond)
	s.Record(Entry{Text: "he", CaretStart: 2, CaretEnd: 2})
	c.advance(200 * time.Millisecond)
	s.Record(Entry{Text: "hel", CaretStart: 3, CaretEnd: 3})

	if s.Len() != 2 {
		t.Fatalf("got %d entries, want 2", s.Len())
	}
	c.advance(2 * time.Second)
	s.Record(Entry{Text: "hello"})
	if s.Len() != 3 {
		t.Fatalf("got %d entries after window, want 3", s.Len())
	}

	e, err := s.Undo()
	if err != nil {
		t.Fatal(err)
	}
	if e.Text != "hel" {
		t.Fatalf("undo gave %q, want hel", e.Text)
	}
	e, _ = s.Undo()
	if e.Text != "" {
		t.Fatalf("second undo gave %q, want empty", e.Text)
	}
	if _, err := s.Undo(); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("err = %v, want ErrNothingToUndo", err)
	}
}

func TestRecordAfterUndoTruncatesRedo(t *testing.T) {
	c := &fakeClock{t: time.Unix(1000, 0)}
	s := newStack(c, "a")
	s.Record(Entry{Text: "ab"})
	c.advance(2 * time.Second)
	s.Record(Entry{Text: "abc"})

	if _, err := s.Undo(); err != nil {
		t.Fatal(err)
	}
	// Still inside the window relative to the last record; must push anyway.
	s.Record(Entry{Text: "abX"})
	if s.CanRedo() {
		t.Fatal("redo tail survived a new edit")
	}
	if s.Len() != 3 || s.Position() != 2 {
		t.Fatalf("len=%d pos=%d, want 3 and 2", s.Len(), s.Position())
	}
	if _, err := s.Redo(); !errors.Is(err, ErrNothingToRedo) {
		t.Fatalf("err = %v, want ErrNothingToRedo", err)
	}
}

func TestUndoRedo(t *testing.T) {
	c := &fakeClock{t: time.Unix(1000, 0)}
	s := newStack(c, "one")
	c.advance(2 * time.Second)
	s.Record(Entry{Text: "two"})

	e, _ := s.Undo()
	if e.Text != "one" {
		t.Fatalf("undo = %q", e.Text)
	}
	e, err := s.Redo()
	if err != nil || e.Text != "two" {
		t.Fatalf("redo = %q, %v", e.Text, err)
	}
}

func TestFirstEditNeverOverwritesInitial(t *testing.T) {
	c := &fakeClock{t: time.Unix(1000, 0)}
	s := newStack(c, "seed")
	s.Record(Entry{Text: "seed!"})
	if s.Len() != 2 {
		t.Fatalf("initial entry overwritten, len=%d", s.Len())
	}
}

func TestCaret(t *testing.T) {
	tests := []struct {
		old, new   string
		start, end int
	}{
		{"abc", "aXYbc", 1, 3},
		{"aXYbc", "abc", 1, 1},
		{"abc", "abc", 3, 3},
		{"", "hey", 0, 3},
	}
	for _, tt := range tests {
		s, e := Caret(tt.old, tt.new)
		if s != tt.start || e != tt.end {
			t.Errorf("Caret(%q, %q) = %d,%d want %d,%d", tt.old, tt.new, s, e, tt.start, tt.end)
		}
	}
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, found, err := store.Load("1:text"); err != nil || found {
		t.Fatalf("empty load: found=%v err=%v", found, err)
	}

	c := &fakeClock{t: time.Unix(1000, 0)}
	s := newStack(c, "a")
	c.advance(2 * time.Second)
	s.Record(Entry{Text: "ab", CaretStart: 2, CaretEnd: 2})
	s.Undo()

	if err := store.Save("1:text", s.State()); err != nil {
		t.Fatal(err)
	}
	state, found, err := store.Load("1:text")
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	r := Restore(state)
	if r.Len() != 2 || r.Position() != 0 || !r.CanRedo() {
		t.Fatalf("restored len=%d pos=%d", r.Len(), r.Position())
	}
	if e, _ := r.Redo(); e.Text != "ab" || e.CaretEnd != 2 {
		t.Fatalf("restored redo = %+v", e)
	}

	if err := store.Delete("1:text"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := store.Load("1:text"); found {
		t.Fatal("entry survived delete")
	}
}

func TestRestoreClampsPosition(t *testing.T) {
	r := Restore(State{Entries: []Entry{{Text: "a"}, {Text: "b"}}, Position: 9})
	if r.Position() != 1 {
		t.Fatalf("position = %d, want 1", r.Position())
	}
	if Restore(State{}).Len() != 1 {
		t.Fatal("empty state should restore a single empty entry")
	}
}
