package fieldsync

import (
	"context"
	"fmt"

	"collabtext/ot"
	"collabtext/snapshot"
)

// Target names which field of a part is edited.
type Target string

const (
	TargetText Target = "text"
	TargetName Target = "name"
)

func (t Target) Valid() bool { return t == TargetText || t == TargetName }

// Key identifies one synchronized field.
type Key struct {
	PartID int
	Target Target
}

func (k Key) String() string { return fmt.Sprintf("%d:%s", k.PartID, k.Target) }

// Edit is a local edit sent to the sequencer.
type Edit struct {
	PartID      int      `json:"partId"`
	Target      Target   `json:"target"`
	BaseVersion int      `json:"baseVersion"`
	Operations  ot.Batch `json:"operations"`
}

func (e Edit) Key() Key { return Key{PartID: e.PartID, Target: e.Target} }

// Broadcast is an edit after the sequencer ordered it. It reaches the sender
// and every other participant.
type Broadcast struct {
	Edit
	AuthorID       int    `json:"authorId"`
	AppliedVersion int    `json:"appliedVersion"`
	OriginID       string `json:"originId"`
}

// CursorUpdate carries a caret or selection. It is neither versioned nor
// transformed by the sequencer.
type CursorUpdate struct {
	PartID          int    `json:"partId"`
	Position        int    `json:"position"`
	SelectionAnchor *int   `json:"selectionAnchor"`
	Target          Target `json:"target"`
	AuthorID        int    `json:"authorId,omitempty"`
}

func (c CursorUpdate) Key() Key { return Key{PartID: c.PartID, Target: c.Target} }

// Selection returns the update as an anchor/head pair. Without an anchor the
// selection is collapsed at Position.
func (c CursorUpdate) Selection() Selection {
	anchor := c.Position
	if c.SelectionAnchor != nil {
		anchor = *c.SelectionAnchor
	}
	return Selection{Anchor: anchor, Head: c.Position}
}

// EventType names a presence or structural event.
type EventType string

const (
	EventParticipantJoined EventType = "participant-joined"
	EventParticipantLeft   EventType = "participant-left"
	EventFieldAdded        EventType = "field-added"
	EventFieldRemoved      EventType = "field-removed"
	EventFieldUpdated      EventType = "field-updated"
)

// Event is a presence or structural change. Part is set for field-added and
// field-updated; PartID for field-removed; AuthorID for presence events.
type Event struct {
	Type     EventType      `json:"type"`
	AuthorID int            `json:"authorId,omitempty"`
	PartID   int            `json:"partId,omitempty"`
	Part     *snapshot.Part `json:"part,omitempty"`
}

// Identity is the local participant: its author id and the id of the channel
// connection it currently sends through.
type Identity struct {
	AuthorID int
	OriginID string
}

// Owns reports whether b is the echo of an edit this identity sent.
func (id Identity) Owns(b Broadcast) bool {
	return b.AuthorID == id.AuthorID && b.OriginID == id.OriginID
}

// Outbound is the channel side the session sends through.
type Outbound interface {
	SendEdit(ctx context.Context, e Edit) error
	SendCursor(ctx context.Context, c CursorUpdate) error
}
