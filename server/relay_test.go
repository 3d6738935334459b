package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"collabtext/channel"
	"collabtext/fieldsync"
	"collabtext/ot"
	"collabtext/snapshot"
)

type fakeParts struct {
	parts []snapshot.Part
	err   error
	asked int
}

func (f *fakeParts) Fetch(_ context.Context, id int) ([]snapshot.Part, error) {
	f.asked = id
	return f.parts, f.err
}

func testRelay(parts snapshot.Source) *httptest.Server {
	rl := newRelay(nil, parts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return httptest.NewServer(rl.router())
}

func TestPartsEndpoint(t *testing.T) {
	src := &fakeParts{parts: []snapshot.Part{{ID: 1, Name: "Title", Text: "hello", NameVersion: 2, TextVersion: 5}}}
	srv := testRelay(src)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/presentations/9/parts")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var got []snapshot.Part
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if src.asked != 9 || len(got) != 1 || got[0].TextVersion != 5 {
		t.Fatalf("asked %d, got %+v", src.asked, got)
	}
}

func TestPartsEndpointError(t *testing.T) {
	srv := testRelay(&fakeParts{err: errors.New("db down")})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/presentations/9/parts")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestConnectRejectsBadQuery(t *testing.T) {
	srv := testRelay(nil)
	defer srv.Close()

	for _, q := range []string{"", "?author=0&origin=x", "?author=1", "?author=1&origin=x&codec=xml"} {
		resp, err := http.Get(srv.URL + "/ws/3" + q)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%q: status %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestRouteStampsIdentity(t *testing.T) {
	p := peer{presentation: 3, author: 7, origin: "o-1", codec: channel.JSON}

	edit := fieldsync.Edit{PartID: 1, Target: fieldsync.TargetText, BaseVersion: 4, Operations: ot.Batch{ot.Insert("a", 7)}}
	ch, payload, err := route(p, channel.Envelope{Type: channel.TypeEdit, Edit: &edit})
	if err != nil {
		t.Fatal(err)
	}
	if ch != "presentation:3:edits" {
		t.Fatalf("channel %q", ch)
	}
	var sub Submission
	if err := json.Unmarshal(payload, &sub); err != nil {
		t.Fatal(err)
	}
	if sub.AuthorID != 7 || sub.OriginID != "o-1" || sub.BaseVersion != 4 || len(sub.Operations) != 1 {
		t.Fatalf("submission %+v", sub)
	}

	ch, payload, err = route(p, channel.Envelope{Type: channel.TypeCursor, Cursor: &fieldsync.CursorUpdate{PartID: 1, Target: fieldsync.TargetText, Position: 2, AuthorID: 99}})
	if err != nil {
		t.Fatal(err)
	}
	env, err := channel.Decode(channel.JSON, payload)
	if err != nil {
		t.Fatal(err)
	}
	if ch != "presentation:3:cursor" || env.Cursor.AuthorID != 7 {
		t.Fatalf("cursor routed to %q as %+v", ch, env.Cursor)
	}

	if _, _, err := route(p, channel.Envelope{Type: channel.TypeEvent, Event: &fieldsync.Event{Type: fieldsync.EventFieldAdded}}); err == nil {
		t.Fatal("event from participant accepted")
	}
	bad := fieldsync.Edit{PartID: 1, Target: "title"}
	if _, _, err := route(p, channel.Envelope{Type: channel.TypeEdit, Edit: &bad}); err == nil {
		t.Fatal("edit with unknown target accepted")
	}
}

func TestReencode(t *testing.T) {
	own, _ := channel.JSON.Marshal(channel.Envelope{Type: channel.TypeEvent, Event: &fieldsync.Event{Type: fieldsync.EventParticipantJoined, AuthorID: 7}})
	other, _ := channel.JSON.Marshal(channel.Envelope{Type: channel.TypeEvent, Event: &fieldsync.Event{Type: fieldsync.EventParticipantJoined, AuthorID: 8}})

	jsonPeer := peer{author: 7, codec: channel.JSON}
	if data, err := reencode(jsonPeer, own); err != nil || data != nil {
		t.Fatalf("own presence forwarded: %s %v", data, err)
	}
	data, err := reencode(jsonPeer, other)
	if err != nil || string(data) != string(other) {
		t.Fatalf("json passthrough: %s %v", data, err)
	}

	cborPeer := peer{author: 7, codec: channel.CBOR}
	data, err = reencode(cborPeer, other)
	if err != nil {
		t.Fatal(err)
	}
	env, err := channel.Decode(channel.CBOR, data)
	if err != nil || env.Event.AuthorID != 8 {
		t.Fatalf("cbor reencode: %+v %v", env, err)
	}

	if _, err := reencode(jsonPeer, []byte(`{"type":"edit"}`)); err == nil {
		t.Fatal("invalid frame accepted")
	}
}

func TestForwardDisconnectsSlowPeer(t *testing.T) {
	rl := newRelay(nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p := peer{presentation: 3, author: 7, origin: "o-1", codec: channel.JSON}

	edit := fieldsync.Edit{PartID: 1, Target: fieldsync.TargetText, BaseVersion: 4, Operations: ot.Batch{ot.Insert("a", 8)}}
	payload, _ := channel.JSON.Marshal(channel.Envelope{Type: channel.TypeBroadcast, Broadcast: &fieldsync.Broadcast{
		Edit: edit, AuthorID: 8, AppliedVersion: 5, OriginID: "o-2",
	}})

	send := make(chan []byte, 1)
	send <- []byte("queued")
	msgs := make(chan *redis.Message, 1)
	msgs <- &redis.Message{Channel: broadcastChannel(3), Payload: string(payload)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		rl.forward(ctx, cancel, msgs, p, send, rl.logger)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("forward kept running with a full send queue")
	}
	if ctx.Err() == nil {
		t.Fatal("connection context not cancelled")
	}
	if len(send) != 1 || string(<-send) != "queued" {
		t.Fatal("send queue modified")
	}
}
