/*
Copyright (C) 2023-2024 Loomworks

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program. If not, see <https://www.gnu.org/licenses/>.
*/

// Package events feeds download lifecycle events to WebSocket clients. The
// feed is advisory: a congested client loses frames, never the registry.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loomworks/model-registry/pkg/download"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	clientBuffer   = 256
	broadcastSize  = 256
	progressPeriod = 500 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		// The registry binds to localhost; the GUI frontend connects from
		// file:// and dev-server origins.
		return true
	},
}

// Message is the envelope sent to clients.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans registry events out to connected WebSocket clients.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	mu      sync.RWMutex
	clients map[*client]struct{}

	progressMu   sync.Mutex
	lastProgress map[string]time.Time
}

// NewHub returns a Hub. Run must be started for clients to receive anything.
func NewHub() *Hub {
	return &Hub{
		register:     make(chan *client, 16),
		unregister:   make(chan *client, 16),
		broadcast:    make(chan []byte, broadcastSize),
		clients:      make(map[*client]struct{}),
		lastProgress: make(map[string]time.Time),
	}
}

// Run dispatches events until the context is done.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()

			log.Debug().Int("clients", n).Msg("Event feed client connected")

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*client, 0, len(h.clients))
			for c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.RUnlock()

			for _, c := range clients {
				select {
				case c.send <- msg:
				default:
					// Too slow, disconnect.
					h.drop(c)
				}
			}

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()

			return nil
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	log.Debug().Int("clients", n).Msg("Event feed client disconnected")
}

// Broadcast queues a message for every client. Messages are dropped when the
// hub itself is congested.
func (h *Hub) Broadcast(msgType string, data interface{}) {
	raw, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("Unable to marshal event")
		return
	}

	select {
	case h.broadcast <- raw:
	default:
		log.Debug().Str("type", msgType).Msg("Event feed congested, dropping message")
	}
}

// Publish implements download.Sink. Progress events are throttled per path so
// a fast source cannot flood the feed.
func (h *Hub) Publish(ev download.Lifecycle) {
	if ev.Type == download.LifecycleProgress {
		h.progressMu.Lock()
		last := h.lastProgress[ev.Path]
		now := time.Now()
		if now.Sub(last) < progressPeriod {
			h.progressMu.Unlock()
			return
		}
		h.lastProgress[ev.Path] = now
		h.progressMu.Unlock()
	} else {
		h.progressMu.Lock()
		delete(h.lastProgress, ev.Path)
		h.progressMu.Unlock()
	}

	h.Broadcast(ev.Type, ev)
}

// ServeHTTP upgrades the request to a WebSocket and attaches it to the hub.
func (h *Hub) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(rw, req, nil)
	if err != nil {
		log.Debug().Err(err).Msg("Event feed upgrade failed")
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}

	h.register <- c

	go c.writePump()
	go c.readPump(h)
}

// writePump flushes queued messages and keeps the connection alive with
// pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client input; the feed is one-way. Reading is still
// required to process control frames and detect disconnects.
func (c *client) readPump(h *Hub) {
	defer func() {
		// Non-blocking: after shutdown nobody drains the channel anymore.
		select {
		case h.unregister <- c:
		default:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
