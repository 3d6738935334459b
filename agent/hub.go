package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"collabtext/fieldsync"
)

const uiWriteWait = 10 * time.Second

// controller is the part of the session the UI drives.
type controller interface {
	LocalEdit(ctx context.Context, key fieldsync.Key, content string, caret *fieldsync.Selection) error
	Select(ctx context.Context, key fieldsync.Key, sel fieldsync.Selection) error
	Blur(ctx context.Context, key fieldsync.Key) error
	Undo(ctx context.Context, key fieldsync.Key) error
	Redo(ctx context.Context, key fieldsync.Key) error
	Fields(ctx context.Context) ([]fieldsync.FieldView, error)
}

// Client is a connected editor UI.
type Client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub maintains the set of connected UIs and pushes field changes to them.
type Hub struct {
	ctrl       controller
	logger     *slog.Logger
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func newHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug("ui registered", "clients", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Debug("ui unregistered", "clients", len(h.clients))
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// publish is a fieldsync.Listener. It runs on the session goroutine and
// must not block.
func (h *Hub) publish(view fieldsync.FieldView, removed bool) {
	data, err := json.Marshal(fieldState(view, removed))
	if err != nil {
		h.logger.Error("encode field state", "field", view.Key, "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("ui hub saturated, dropping update", "field", view.Key)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (h *Hub) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ui upgrade", "error", err)
		return
	}
	client := &Client{conn: conn, send: make(chan []byte, 256)}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	// Updates published from here on queue up in client.send behind the
	// current state, which the write pump sends first.
	views, err := h.ctrl.Fields(r.Context())
	if err != nil {
		h.logger.Error("list fields", "error", err)
	}
	initial := make([][]byte, 0, len(views))
	for _, v := range views {
		data, err := json.Marshal(fieldState(v, false))
		if err != nil {
			continue
		}
		initial = append(initial, data)
	}
	go client.writePump(initial)
	go client.readPump(h)
}

func (c *Client) readPump(hub *Hub) {
	defer func() {
		select {
		case hub.unregister <- c:
		case <-hub.done:
		}
		c.conn.Close()
	}()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			hub.logger.Warn("decode ui command", "error", err)
			continue
		}
		if err := hub.dispatch(context.Background(), cmd); err != nil {
			hub.logger.Warn("ui command failed", "action", cmd.Action, "field", cmd.Key(), "error", err)
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, cmd Command) error {
	if err := cmd.validate(); err != nil {
		return err
	}
	key := cmd.Key()
	switch cmd.Action {
	case "edit":
		return h.ctrl.LocalEdit(ctx, key, cmd.Content, cmd.Selection)
	case "select":
		return h.ctrl.Select(ctx, key, *cmd.Selection)
	case "blur":
		return h.ctrl.Blur(ctx, key)
	case "undo":
		return h.ctrl.Undo(ctx, key)
	default:
		return h.ctrl.Redo(ctx, key)
	}
}

func (c *Client) writePump(initial [][]byte) {
	defer func() {
		c.conn.Close()
	}()
	for _, message := range initial {
		c.conn.SetWriteDeadline(time.Now().Add(uiWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	for {
		message, ok := <-c.send
		c.conn.SetWriteDeadline(time.Now().Add(uiWriteWait))
		if !ok {
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
