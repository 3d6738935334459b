package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"collabtext/channel"
	"collabtext/fieldsync"
	"collabtext/snapshot"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Redis channels of one presentation. Edits go to the sequencer, which
// publishes the ordered result on the broadcast channel. Cursor and presence
// frames skip the sequencer.
func editsChannel(id int) string     { return fmt.Sprintf("presentation:%d:edits", id) }
func broadcastChannel(id int) string { return fmt.Sprintf("presentation:%d:broadcast", id) }
func cursorChannel(id int) string    { return fmt.Sprintf("presentation:%d:cursor", id) }

// Submission is what the sequencer receives: the edit plus the identity of
// the connection it arrived on.
type Submission struct {
	fieldsync.Edit
	AuthorID int    `json:"authorId"`
	OriginID string `json:"originId"`
}

type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// relay bridges participant websockets and the presentation's Redis channels.
type relay struct {
	rdb      publisher
	parts    snapshot.Source
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func newRelay(rdb publisher, parts snapshot.Source, logger *slog.Logger) *relay {
	return &relay{
		rdb:    rdb,
		parts:  parts,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (rl *relay) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{presentation:[0-9]+}", rl.handleConnections).Methods(http.MethodGet)
	r.HandleFunc("/presentations/{presentation:[0-9]+}/parts", rl.handleParts).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func (rl *relay) handleParts(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["presentation"])
	if rl.parts == nil {
		http.Error(w, "no parts store", http.StatusServiceUnavailable)
		return
	}
	parts, err := rl.parts.Fetch(r.Context(), id)
	if err != nil {
		rl.logger.Error("fetch parts", "presentation", id, "error", err)
		http.Error(w, "fetch failed", http.StatusInternalServerError)
		return
	}
	if parts == nil {
		parts = []snapshot.Part{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(parts)
}

// peer is one participant connection.
type peer struct {
	presentation int
	author       int
	origin       string
	codec        channel.Codec
}

func parsePeer(r *http.Request) (peer, error) {
	p := peer{}
	p.presentation, _ = strconv.Atoi(mux.Vars(r)["presentation"])
	q := r.URL.Query()
	author, err := strconv.Atoi(q.Get("author"))
	if err != nil || author <= 0 {
		return p, errors.New("author must be a positive integer")
	}
	p.author = author
	if p.origin = q.Get("origin"); p.origin == "" {
		return p, errors.New("origin is required")
	}
	if p.codec, err = channel.CodecByName(q.Get("codec")); err != nil {
		return p, err
	}
	return p, nil
}

func (rl *relay) handleConnections(w http.ResponseWriter, r *http.Request) {
	p, err := parsePeer(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ws, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.logger.Warn("upgrade", "error", err)
		return
	}
	defer ws.Close()

	log := rl.logger.With("presentation", p.presentation, "author", p.author, "origin", p.origin)
	log.Info("participant connected", "codec", p.codec.Name())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pubsub := rl.rdb.Subscribe(ctx, broadcastChannel(p.presentation), cursorChannel(p.presentation))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		log.Error("subscribe", "error", err)
		return
	}

	send := make(chan []byte, 256)
	go rl.writePump(ctx, ws, p.codec, send, cancel)
	go rl.forward(ctx, cancel, pubsub.Channel(), p, send, log)

	rl.announce(ctx, p, fieldsync.EventParticipantJoined, log)
	defer rl.announce(context.WithoutCancel(ctx), p, fieldsync.EventParticipantLeft, log)

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read", "error", err)
			}
			log.Info("participant disconnected")
			return
		}
		env, err := channel.Decode(p.codec, data)
		if err != nil {
			log.Warn("dropping frame", "error", err)
			continue
		}
		ch, payload, err := route(p, env)
		if err != nil {
			log.Warn("dropping frame", "error", err)
			continue
		}
		if err := rl.rdb.Publish(ctx, ch, payload).Err(); err != nil {
			log.Error("publish", "channel", ch, "error", err)
		}
	}
}

// route stamps an inbound frame with the sender's identity and picks the
// Redis channel it is published on.
func route(p peer, env channel.Envelope) (string, []byte, error) {
	switch env.Type {
	case channel.TypeEdit:
		if !env.Edit.Target.Valid() {
			return "", nil, fmt.Errorf("invalid target %q", env.Edit.Target)
		}
		payload, err := json.Marshal(Submission{Edit: *env.Edit, AuthorID: p.author, OriginID: p.origin})
		return editsChannel(p.presentation), payload, err
	case channel.TypeCursor:
		cu := *env.Cursor
		cu.AuthorID = p.author
		payload, err := channel.JSON.Marshal(channel.Envelope{Type: channel.TypeCursor, Cursor: &cu})
		return cursorChannel(p.presentation), payload, err
	}
	return "", nil, fmt.Errorf("%s frames are not accepted from participants", env.Type)
}

func (rl *relay) announce(ctx context.Context, p peer, t fieldsync.EventType, log *slog.Logger) {
	payload, err := channel.JSON.Marshal(channel.Envelope{
		Type:  channel.TypeEvent,
		Event: &fieldsync.Event{Type: t, AuthorID: p.author},
	})
	if err != nil {
		return
	}
	if err := rl.rdb.Publish(ctx, cursorChannel(p.presentation), payload).Err(); err != nil {
		log.Error("publish presence", "event", t, "error", err)
	}
}

// forward re-encodes frames published on Redis in the peer's codec. Frames
// are never skipped: a peer that cannot keep up is disconnected and resyncs
// when it reconnects.
func (rl *relay) forward(ctx context.Context, cancel context.CancelFunc, msgs <-chan *redis.Message, p peer, send chan<- []byte, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			data, err := reencode(p, []byte(msg.Payload))
			if err != nil {
				log.Warn("bad frame on redis", "channel", msg.Channel, "error", err)
				continue
			}
			if data == nil {
				continue
			}
			select {
			case send <- data:
			default:
				log.Warn("participant too slow, disconnecting", "channel", msg.Channel)
				cancel()
				return
			}
		}
	}
}

// reencode converts a Redis frame for delivery to p. It returns nil for
// frames p should not receive: its own presence events.
func reencode(p peer, payload []byte) ([]byte, error) {
	env, err := channel.Decode(channel.JSON, payload)
	if err != nil {
		return nil, err
	}
	if env.Type == channel.TypeEvent && env.Event.AuthorID == p.author &&
		(env.Event.Type == fieldsync.EventParticipantJoined || env.Event.Type == fieldsync.EventParticipantLeft) {
		return nil, nil
	}
	if p.codec == channel.JSON {
		return payload, nil
	}
	return p.codec.Marshal(env)
}

func (rl *relay) writePump(ctx context.Context, ws *websocket.Conn, codec channel.Codec, send <-chan []byte, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		ws.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(codec.MessageType(), data); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
