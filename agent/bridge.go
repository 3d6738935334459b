package main

import (
	"context"
	"log/slog"

	"collabtext/fieldsync"
)

// syncer is the part of the session the relay connection feeds.
type syncer interface {
	SetOrigin(ctx context.Context, originID string) error
	Resync(ctx context.Context) error
	Deliver(ctx context.Context, b fieldsync.Broadcast) error
	DeliverCursor(ctx context.Context, c fieldsync.CursorUpdate) error
	HandleEvent(ctx context.Context, ev fieldsync.Event) error
}

// bridge implements channel.Handler on top of a session.
type bridge struct {
	session syncer
	logger  *slog.Logger
}

// Connected adopts the new origin id and reloads the presentation, since
// broadcasts may have been missed while offline.
func (b *bridge) Connected(ctx context.Context, originID string) {
	if err := b.session.SetOrigin(ctx, originID); err != nil {
		b.logger.Error("set origin", "origin", originID, "error", err)
		return
	}
	if err := b.session.Resync(ctx); err != nil {
		b.logger.Error("resync after connect", "error", err)
	}
}

func (b *bridge) Broadcast(ctx context.Context, bc fieldsync.Broadcast) {
	if err := b.session.Deliver(ctx, bc); err != nil {
		b.logger.Warn("deliver broadcast", "field", bc.Key(), "version", bc.AppliedVersion, "error", err)
	}
}

func (b *bridge) Cursor(ctx context.Context, c fieldsync.CursorUpdate) {
	if err := b.session.DeliverCursor(ctx, c); err != nil {
		b.logger.Debug("deliver cursor", "field", c.Key(), "error", err)
	}
}

func (b *bridge) Event(ctx context.Context, ev fieldsync.Event) {
	if err := b.session.HandleEvent(ctx, ev); err != nil {
		b.logger.Warn("handle event", "type", ev.Type, "error", err)
	}
}
