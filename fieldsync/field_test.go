package fieldsync

import (
	"errors"
	"reflect"
	"testing"

	"collabtext/ot"
)

const (
	localAuthor  = 1
	remoteAuthor = 2
)

var textKey = Key{PartID: 1, Target: TargetText}

func remoteEdit(base, applied int, ops ot.Batch) Broadcast {
	return Broadcast{
		Edit:           Edit{PartID: textKey.PartID, Target: textKey.Target, BaseVersion: base, Operations: ops},
		AuthorID:       remoteAuthor,
		AppliedVersion: applied,
		OriginID:       "peer-conn",
	}
}

func ackOf(e Edit, applied int) Broadcast {
	return Broadcast{Edit: e, AuthorID: localAuthor, AppliedVersion: applied, OriginID: "local-conn"}
}

func TestLocalEditQueuesPending(t *testing.T) {
	f := NewField(textKey, "abc", 5)
	e, ok := f.LocalEdit("abcd", localAuthor)
	if !ok {
		t.Fatal("expected an edit")
	}
	if e.BaseVersion != 5 || e.PartID != 1 || e.Target != TargetText {
		t.Fatalf("unexpected edit %+v", e)
	}
	if f.Version() != 6 || f.LastSent() != "abcd" || !f.Syncing() {
		t.Fatalf("version=%d lastSent=%q syncing=%v", f.Version(), f.LastSent(), f.Syncing())
	}
	p := f.Pending()
	if len(p) != 1 || p[0].BaseVersion != 5 || p[0].ResultingText != "abcd" {
		t.Fatalf("unexpected pending %+v", p)
	}

	if _, ok := f.LocalEdit("abcd", localAuthor); ok {
		t.Fatal("unchanged content produced an edit")
	}
	if f.Version() != 6 || f.PendingCount() != 1 {
		t.Fatalf("noop edit changed state: version=%d pending=%d", f.Version(), f.PendingCount())
	}
}

func TestAckReconciliation(t *testing.T) {
	f := NewField(textKey, "hello", 5)
	e, _ := f.LocalEdit("hello!", localAuthor)
	if f.Version() != 6 {
		t.Fatalf("optimistic version = %d, want 6", f.Version())
	}

	if !f.Ack(ackOf(e, 6)) {
		t.Fatal("ack did not match the pending edit")
	}
	if f.PendingCount() != 0 || f.Version() != 6 {
		t.Fatalf("pending=%d version=%d, want 0 and 6", f.PendingCount(), f.Version())
	}

	// Replaying the same ack changes nothing.
	if f.Ack(ackOf(e, 6)) {
		t.Fatal("duplicate ack matched")
	}
	if f.PendingCount() != 0 || f.Version() != 6 {
		t.Fatalf("duplicate ack moved state: pending=%d version=%d", f.PendingCount(), f.Version())
	}
}

func TestAckRemovesOnlyOneEdit(t *testing.T) {
	f := NewField(textKey, "", 0)
	e1, _ := f.LocalEdit("a", localAuthor)
	f.LocalEdit("ab", localAuthor)

	f.Ack(ackOf(e1, 1))
	f.Ack(ackOf(e1, 1))
	if f.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", f.PendingCount())
	}
	if p := f.Pending(); p[0].BaseVersion != 1 {
		t.Fatalf("wrong edit left pending: %+v", p[0])
	}
	if f.Version() != 2 {
		t.Fatalf("version = %d, want 2", f.Version())
	}
}

func TestUnknownAckRaisesVersion(t *testing.T) {
	f := NewField(textKey, "x", 3)
	stale := Edit{PartID: 1, Target: TargetText, BaseVersion: 1}
	if f.Ack(ackOf(stale, 9)) {
		t.Fatal("stale ack matched")
	}
	if f.Version() != 9 {
		t.Fatalf("version = %d, want 9", f.Version())
	}
	f.Ack(ackOf(stale, 4))
	if f.Version() != 9 {
		t.Fatalf("version moved backwards to %d", f.Version())
	}
}

func TestRemoteRebaseWithPendingEdit(t *testing.T) {
	f := NewField(textKey, "abc", 0)
	f.LocalEdit("aXbc", localAuthor)

	remote := remoteEdit(0, 1, ot.CreateOps("abc", "abYc", remoteAuthor))
	if _, err := f.ApplyRemote(remote, localAuthor); err != nil {
		t.Fatal(err)
	}
	if f.Content() != "aXbYc" {
		t.Fatalf("content = %q, want aXbYc", f.Content())
	}
	if f.LastSent() != "aXbYc" {
		t.Fatalf("lastSent = %q, want aXbYc", f.LastSent())
	}
	if f.Version() != 1 {
		t.Fatalf("version = %d, want 1", f.Version())
	}
	p := f.Pending()
	want := ot.Batch{ot.Retain(1), ot.Insert("X", localAuthor), ot.Retain(3)}
	if len(p) != 1 || !reflect.DeepEqual(p[0].Operations, want) {
		t.Fatalf("pending = %+v, want ops %s", p, want)
	}

	// The sequencer applies the rebased pending edit after the remote one and
	// reaches the same text.
	server, err := ot.Apply("abYc", p[0].Operations)
	if err != nil {
		t.Fatal(err)
	}
	if server != f.Content() {
		t.Fatalf("server %q diverged from client %q", server, f.Content())
	}
}

func TestRemoteRebaseThroughSeveralPending(t *testing.T) {
	f := NewField(textKey, "hello world", 0)
	f.LocalEdit("hello, world", localAuthor)
	f.LocalEdit("hello, world!", localAuthor)

	remote := remoteEdit(0, 1, ot.CreateOps("hello world", "Hello world", remoteAuthor))
	if _, err := f.ApplyRemote(remote, localAuthor); err != nil {
		t.Fatal(err)
	}
	if f.Content() != "Hello, world!" {
		t.Fatalf("content = %q", f.Content())
	}

	// Replay what the sequencer does: remote first, then each rebased pending edit.
	doc := "Hello world"
	for _, p := range f.Pending() {
		var err error
		if doc, err = ot.Apply(doc, p.Operations); err != nil {
			t.Fatal(err)
		}
	}
	if doc != f.Content() {
		t.Fatalf("sequencer view %q, client %q", doc, f.Content())
	}
}

func TestRemoteEditMovesSelection(t *testing.T) {
	f := NewField(textKey, "hello", 0)
	f.Select(Selection{Anchor: 1, Head: 4})

	cu, err := f.ApplyRemote(remoteEdit(0, 1, ot.Batch{ot.Insert(">> ", remoteAuthor)}), localAuthor)
	if err != nil {
		t.Fatal(err)
	}
	if cu == nil {
		t.Fatal("expected a cursor update")
	}
	if cu.Position != 7 || cu.SelectionAnchor == nil || *cu.SelectionAnchor != 4 || cu.AuthorID != localAuthor {
		t.Fatalf("unexpected cursor update %+v", cu)
	}
	sel, _ := f.Selection()
	if sel != (Selection{Anchor: 4, Head: 7}) {
		t.Fatalf("selection = %+v", sel)
	}
}

func TestRemoteEditWithoutSelectionSendsNoCursor(t *testing.T) {
	f := NewField(textKey, "hello", 0)
	cu, err := f.ApplyRemote(remoteEdit(0, 1, ot.Batch{ot.Delete(1, remoteAuthor)}), localAuthor)
	if err != nil || cu != nil {
		t.Fatalf("cu=%v err=%v", cu, err)
	}
	if f.Content() != "ello" {
		t.Fatalf("content = %q", f.Content())
	}
}

func TestRemoteEditClampsOutOfBounds(t *testing.T) {
	f := NewField(textKey, "abc", 0)
	f.Select(Selection{Anchor: 3, Head: 3})
	cu, err := f.ApplyRemote(remoteEdit(0, 1, ot.Batch{ot.Retain(1), ot.Delete(10, remoteAuthor)}), localAuthor)
	if !errors.Is(err, ot.ErrOutOfBounds) {
		t.Fatalf("err = %v, want ErrOutOfBounds", err)
	}
	if f.Content() != "a" || f.Version() != 1 {
		t.Fatalf("content=%q version=%d", f.Content(), f.Version())
	}
	if cu == nil || cu.Position != 1 {
		t.Fatalf("cursor not clamped into content: %+v", cu)
	}
}

func TestIdentityOwns(t *testing.T) {
	id := Identity{AuthorID: localAuthor, OriginID: "local-conn"}
	if !id.Owns(ackOf(Edit{}, 1)) {
		t.Fatal("own echo not recognized")
	}
	other := ackOf(Edit{}, 1)
	other.OriginID = "other-tab"
	if id.Owns(other) {
		t.Fatal("same author on another connection treated as own")
	}
}
