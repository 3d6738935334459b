// Package fieldsync keeps optimistic local edits of presentation fields
// consistent with the edits a sequencer orders and rebroadcasts.
//
// Each field is a Field state machine. A Session owns every field of one
// presentation and runs all transitions on a single goroutine, so no field is
// ever touched concurrently and no locks are needed.
package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"collabtext/history"
	"collabtext/snapshot"
)

// FieldView is a read-only copy of a field's state.
type FieldView struct {
	Key       Key
	Content   string
	Version   int
	Pending   int
	Syncing   bool
	Selection *Selection
	CanUndo   bool
	CanRedo   bool
	Remote    map[int]Selection // author id -> last known selection
}

// Listener is called on the session goroutine after a field changes or is
// removed. It must not call back into the session.
type Listener func(view FieldView, removed bool)

// Session owns the fields of one presentation.
type Session struct {
	presentationID int
	self           Identity
	out            Outbound
	source         snapshot.Source
	store          history.Store
	window         time.Duration
	resyncOnClamp  bool
	logger         *slog.Logger
	listeners      []Listener

	fields       map[Key]*Field
	histories    map[Key]*history.Stack
	remote       map[Key]map[int]Selection
	participants map[int]struct{}

	ops    chan func()
	done   chan struct{}
	runCtx context.Context
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.logger = l } }

// WithSource sets where Resync fetches authoritative state from.
func WithSource(src snapshot.Source) Option { return func(s *Session) { s.source = src } }

// WithHistoryStore persists undo stacks across restarts.
func WithHistoryStore(st history.Store) Option { return func(s *Session) { s.store = st } }

// WithHistoryWindow sets the undo batching interval.
func WithHistoryWindow(d time.Duration) Option { return func(s *Session) { s.window = d } }

// WithResyncOnClamp makes a remote edit that did not fit the local content
// trigger a full resync instead of only being logged.
func WithResyncOnClamp(on bool) Option { return func(s *Session) { s.resyncOnClamp = on } }

// WithListener registers a change listener.
func WithListener(l Listener) Option {
	return func(s *Session) { s.listeners = append(s.listeners, l) }
}

// New creates a session. Call Run to start processing.
func New(presentationID int, self Identity, out Outbound, opts ...Option) *Session {
	s := &Session{
		presentationID: presentationID,
		self:           self,
		out:            out,
		window:         history.DefaultWindow,
		logger:         slog.Default(),
		fields:         make(map[Key]*Field),
		histories:      make(map[Key]*history.Stack),
		remote:         make(map[Key]map[int]Selection),
		participants:   make(map[int]struct{}),
		ops:            make(chan func()),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("presentation", presentationID, "author", self.AuthorID)
	return s
}

// Run processes session operations until ctx is cancelled. Undo stacks are
// persisted on the way out.
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.persistAll()
			return nil
		case fn := <-s.ops:
			fn()
		}
	}
}

// do runs fn on the session goroutine and waits for it. A panic in fn is
// recovered and returned as *ErrApplyFailed.
func (s *Session) do(ctx context.Context, name string, fn func() error) error {
	result := make(chan error, 1)
	op := func() {
		defer func() {
			if r := recover(); r != nil {
				err := &ErrApplyFailed{Op: name, Cause: r}
				s.logger.Error("fieldsync: transition panicked", "op", name, "error", err)
				result <- err
			}
		}()
		result <- fn()
	}
	select {
	case s.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Identity returns the identity acknowledgements are matched against.
func (s *Session) Identity(ctx context.Context) (Identity, error) {
	var id Identity
	err := s.do(ctx, "identity", func() error {
		id = s.self
		return nil
	})
	return id, err
}

// SetOrigin switches to a new channel connection id. Edits sent through the
// previous connection will no longer be recognized as ours, so callers
// follow it with Resync.
func (s *Session) SetOrigin(ctx context.Context, originID string) error {
	return s.do(ctx, "set-origin", func() error {
		s.self.OriginID = originID
		return nil
	})
}

// Seed replaces every field with the given authoritative parts. Pending edits
// are discarded; fields of parts no longer present are removed.
func (s *Session) Seed(ctx context.Context, parts []snapshot.Part) error {
	return s.do(ctx, "seed", func() error {
		s.seed(parts)
		return nil
	})
}

// Resync fetches the authoritative snapshot and seeds from it.
func (s *Session) Resync(ctx context.Context) error {
	if s.source == nil {
		return ErrNoSource
	}
	parts, err := s.source.Fetch(ctx, s.presentationID)
	if err != nil {
		return fmt.Errorf("fieldsync: resync: %w", err)
	}
	return s.Seed(ctx, parts)
}

// LocalEdit records the user's new content for a field and sends the diff.
// When caret is non-nil it becomes the local selection and is broadcast.
// The edit stays pending even if sending fails; the error is returned.
func (s *Session) LocalEdit(ctx context.Context, key Key, content string, caret *Selection) error {
	return s.do(ctx, "local-edit", func() error {
		f, err := s.field(key)
		if err != nil {
			return err
		}
		sent, err := s.localEdit(ctx, f, content)
		if caret != nil {
			f.Select(*caret)
		}
		if sent {
			s.record(f)
		}
		if caret != nil {
			if cerr := s.sendSelection(ctx, f); err == nil {
				err = cerr
			}
		}
		s.notify(f)
		return err
	})
}

// Select sets the local caret or selection of a field and broadcasts it.
func (s *Session) Select(ctx context.Context, key Key, sel Selection) error {
	return s.do(ctx, "select", func() error {
		f, err := s.field(key)
		if err != nil {
			return err
		}
		f.Select(sel)
		err = s.sendSelection(ctx, f)
		s.notify(f)
		return err
	})
}

// Blur drops the local selection of a field.
func (s *Session) Blur(ctx context.Context, key Key) error {
	return s.do(ctx, "blur", func() error {
		f, err := s.field(key)
		if err != nil {
			return err
		}
		f.Blur()
		s.notify(f)
		return nil
	})
}

// Undo steps the field's history back and sends the result as a local edit.
func (s *Session) Undo(ctx context.Context, key Key) error {
	return s.do(ctx, "undo", func() error {
		return s.step(ctx, key, (*history.Stack).Undo)
	})
}

// Redo steps the field's history forward and sends the result as a local
// edit.
func (s *Session) Redo(ctx context.Context, key Key) error {
	return s.do(ctx, "redo", func() error {
		return s.step(ctx, key, (*history.Stack).Redo)
	})
}

// Deliver handles a broadcast edit: the echo of our own edit drains the
// pending queue, anything else is rebased and applied.
func (s *Session) Deliver(ctx context.Context, b Broadcast) error {
	return s.do(ctx, "deliver", func() error {
		f, err := s.field(b.Key())
		if err != nil {
			s.logger.Warn("fieldsync: broadcast for unknown field", "field", b.Key(), "applied_version", b.AppliedVersion)
			return err
		}
		if s.self.Owns(b) {
			if !f.Ack(b) {
				s.logger.Warn("fieldsync: unknown acknowledgement",
					"field", f.Key(), "base_version", b.BaseVersion, "applied_version", b.AppliedVersion)
			}
			s.notify(f)
			return nil
		}

		// A synced field already holds every version up to its own; this
		// broadcast was folded into the snapshot it was seeded from.
		if !f.Syncing() && b.AppliedVersion <= f.Version() {
			s.logger.Debug("fieldsync: stale broadcast ignored",
				"field", f.Key(), "applied_version", b.AppliedVersion, "version", f.Version())
			return nil
		}

		cu, applyErr := f.ApplyRemote(b, s.self.AuthorID)
		if applyErr != nil {
			s.logger.Warn("fieldsync: remote edit clamped", "field", f.Key(), "error", applyErr)
			if s.resyncOnClamp {
				s.resyncAsync()
			}
		}
		if cu != nil {
			// Carets are not transformed by the sequencer; resend ours now
			// that the text under it moved.
			if err = s.out.SendCursor(ctx, *cu); err != nil {
				s.logger.Warn("fieldsync: send cursor", "field", f.Key(), "error", err)
			}
		}
		s.notify(f)
		return err
	})
}

// DeliverCursor records a remote participant's selection.
func (s *Session) DeliverCursor(ctx context.Context, c CursorUpdate) error {
	return s.do(ctx, "deliver-cursor", func() error {
		if c.AuthorID == s.self.AuthorID {
			return nil
		}
		f, err := s.field(c.Key())
		if err != nil {
			return err
		}
		sels := s.remote[f.Key()]
		if sels == nil {
			sels = make(map[int]Selection)
			s.remote[f.Key()] = sels
		}
		sels[c.AuthorID] = c.Selection()
		s.notify(f)
		return nil
	})
}

// HandleEvent applies a presence or structural event.
func (s *Session) HandleEvent(ctx context.Context, ev Event) error {
	return s.do(ctx, "event", func() error {
		switch ev.Type {
		case EventParticipantJoined:
			s.participants[ev.AuthorID] = struct{}{}
		case EventParticipantLeft:
			delete(s.participants, ev.AuthorID)
			for key, sels := range s.remote {
				if _, ok := sels[ev.AuthorID]; ok {
					delete(sels, ev.AuthorID)
					if f, ok := s.fields[key]; ok {
						s.notify(f)
					}
				}
			}
		case EventFieldAdded, EventFieldUpdated:
			if ev.Part == nil {
				return fmt.Errorf("fieldsync: %s event without part", ev.Type)
			}
			s.seedPart(*ev.Part)
		case EventFieldRemoved:
			s.removePart(ev.PartID, true)
		default:
			return fmt.Errorf("fieldsync: unknown event type %q", ev.Type)
		}
		return nil
	})
}

// Field returns a view of one field.
func (s *Session) Field(ctx context.Context, key Key) (FieldView, error) {
	var v FieldView
	err := s.do(ctx, "field", func() error {
		f, err := s.field(key)
		if err != nil {
			return err
		}
		v = s.view(f)
		return nil
	})
	return v, err
}

// Fields returns views of every field ordered by part then target.
func (s *Session) Fields(ctx context.Context) ([]FieldView, error) {
	var views []FieldView
	err := s.do(ctx, "fields", func() error {
		for _, f := range s.fields {
			views = append(views, s.view(f))
		}
		return nil
	})
	sort.Slice(views, func(i, j int) bool {
		a, b := views[i].Key, views[j].Key
		if a.PartID != b.PartID {
			return a.PartID < b.PartID
		}
		return a.Target < b.Target
	})
	return views, err
}

// Participants returns the author ids currently present, sorted.
func (s *Session) Participants(ctx context.Context) ([]int, error) {
	var ids []int
	err := s.do(ctx, "participants", func() error {
		for id := range s.participants {
			ids = append(ids, id)
		}
		return nil
	})
	sort.Ints(ids)
	return ids, err
}

// Pending returns a copy of a field's pending queue.
func (s *Session) Pending(ctx context.Context, key Key) ([]PendingEdit, error) {
	var p []PendingEdit
	err := s.do(ctx, "pending", func() error {
		f, err := s.field(key)
		if err != nil {
			return err
		}
		p = f.Pending()
		return nil
	})
	return p, err
}

// Everything below runs on the session goroutine.

func (s *Session) field(key Key) (*Field, error) {
	f, ok := s.fields[key]
	if !ok {
		return nil, &ErrUnknownField{Key: key}
	}
	return f, nil
}

func (s *Session) localEdit(ctx context.Context, f *Field, content string) (bool, error) {
	e, ok := f.LocalEdit(content, s.self.AuthorID)
	if !ok {
		return false, nil
	}
	if err := s.out.SendEdit(ctx, e); err != nil {
		s.logger.Warn("fieldsync: send edit", "field", f.Key(), "base_version", e.BaseVersion, "error", err)
		return true, fmt.Errorf("fieldsync: send edit %s: %w", f.Key(), err)
	}
	return true, nil
}

func (s *Session) sendSelection(ctx context.Context, f *Field) error {
	sel, ok := f.Selection()
	if !ok {
		return nil
	}
	if err := s.out.SendCursor(ctx, f.cursor(sel, s.self.AuthorID)); err != nil {
		return fmt.Errorf("fieldsync: send cursor %s: %w", f.Key(), err)
	}
	return nil
}

func (s *Session) step(ctx context.Context, key Key, move func(*history.Stack) (history.Entry, error)) error {
	f, err := s.field(key)
	if err != nil {
		return err
	}
	h := s.histories[key]
	entry, err := move(h)
	if err != nil {
		return err
	}
	old := f.Content()
	start, end := history.Caret(old, entry.Text)
	_, err = s.localEdit(ctx, f, entry.Text)
	f.Select(Selection{Anchor: start, Head: end})
	if cerr := s.sendSelection(ctx, f); err == nil {
		err = cerr
	}
	s.notify(f)
	return err
}

func (s *Session) record(f *Field) {
	h, ok := s.histories[f.Key()]
	if !ok {
		return
	}
	e := history.Entry{Text: f.Content()}
	if sel, ok := f.Selection(); ok {
		e.CaretStart, e.CaretEnd = min(sel.Anchor, sel.Head), max(sel.Anchor, sel.Head)
	}
	h.Record(e)
}

func (s *Session) seed(parts []snapshot.Part) {
	keep := make(map[int]bool, len(parts))
	for _, p := range parts {
		keep[p.ID] = true
		s.seedPart(p)
	}
	for key := range s.fields {
		if !keep[key.PartID] {
			s.removePart(key.PartID, false)
		}
	}
	s.logger.Info("fieldsync: seeded", "parts", len(parts))
}

func (s *Session) seedPart(p snapshot.Part) {
	s.seedField(Key{PartID: p.ID, Target: TargetText}, p.Text, p.TextVersion)
	s.seedField(Key{PartID: p.ID, Target: TargetName}, p.Name, p.NameVersion)
}

func (s *Session) seedField(key Key, content string, version int) {
	nf := NewField(key, content, version)
	if old, ok := s.fields[key]; ok {
		if n := old.PendingCount(); n > 0 {
			s.logger.Warn("fieldsync: reseed dropped pending edits", "field", key, "dropped", n)
		}
		if sel, ok := old.Selection(); ok {
			nf.Select(sel)
		}
	}
	s.fields[key] = nf
	if h, ok := s.histories[key]; !ok || h.Current().Text != content {
		s.histories[key] = s.loadHistory(key, content)
	}
	s.notify(nf)
}

func (s *Session) removePart(partID int, forget bool) {
	for _, t := range []Target{TargetText, TargetName} {
		key := Key{PartID: partID, Target: t}
		f, ok := s.fields[key]
		if !ok {
			continue
		}
		if forget && s.store != nil {
			if err := s.store.Delete(s.historyKey(key)); err != nil {
				s.logger.Warn("fieldsync: delete history", "field", key, "error", err)
			}
		} else {
			s.persist(key)
		}
		delete(s.fields, key)
		delete(s.histories, key)
		delete(s.remote, key)
		for _, l := range s.listeners {
			l(s.view(f), true)
		}
	}
}

func (s *Session) loadHistory(key Key, content string) *history.Stack {
	opts := []history.Option{history.WithWindow(s.window)}
	if s.store != nil {
		state, found, err := s.store.Load(s.historyKey(key))
		if err != nil {
			s.logger.Warn("fieldsync: load history", "field", key, "error", err)
		}
		// A stack whose current entry no longer matches the server text
		// would undo into a stale document.
		if found {
			if h := history.Restore(state, opts...); h.Current().Text == content {
				return h
			}
		}
	}
	return history.New(history.Entry{Text: content}, opts...)
}

func (s *Session) persist(key Key) {
	h, ok := s.histories[key]
	if !ok || s.store == nil {
		return
	}
	if err := s.store.Save(s.historyKey(key), h.State()); err != nil {
		s.logger.Warn("fieldsync: save history", "field", key, "error", err)
	}
}

func (s *Session) historyKey(key Key) string {
	return fmt.Sprintf("%d/%s", s.presentationID, key)
}

func (s *Session) persistAll() {
	for key := range s.histories {
		s.persist(key)
	}
}

// resyncAsync fetches a snapshot off the session goroutine and seeds it back
// through the loop.
func (s *Session) resyncAsync() {
	if s.source == nil || s.runCtx == nil {
		return
	}
	ctx := s.runCtx
	go func() {
		if err := s.Resync(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
			s.logger.Error("fieldsync: forced resync failed", "error", err)
		}
	}()
}

func (s *Session) view(f *Field) FieldView {
	v := FieldView{
		Key:     f.Key(),
		Content: f.Content(),
		Version: f.Version(),
		Pending: f.PendingCount(),
		Syncing: f.Syncing(),
	}
	if sel, ok := f.Selection(); ok {
		v.Selection = &sel
	}
	if h, ok := s.histories[f.Key()]; ok {
		v.CanUndo, v.CanRedo = h.CanUndo(), h.CanRedo()
	}
	if sels := s.remote[f.Key()]; len(sels) > 0 {
		v.Remote = make(map[int]Selection, len(sels))
		for id, sel := range sels {
			v.Remote[id] = sel
		}
	}
	return v
}

func (s *Session) notify(f *Field) {
	if len(s.listeners) == 0 {
		return
	}
	v := s.view(f)
	for _, l := range s.listeners {
		l(v, false)
	}
}
