package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tornadogo/mixer-indexer/internal/logging"
)

// Hub fans out broadcast messages to every connected websocket client. One
// Hub lives per Server, not a package global, so multiple Servers in the
// same test binary don't share subscriber state.
type Hub struct {
	log logging.Logger

	mu      sync.Mutex
	clients map[*wsClient]bool

	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub returns a Hub; call Run in a goroutine before accepting clients.
func NewHub(log logging.Logger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run services the Hub's channels until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = nil
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues msg for delivery to every connected client. Non-blocking:
// a full buffer drops the message rather than stalling the publisher.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warnf("Hub.Broadcast: buffer full, dropping message")
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("handleWebSocket: upgrade: %v", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 256)}
	s.hub.register <- client

	go func() {
		defer func() {
			s.hub.unregister <- client
			conn.Close()
		}()
		for msg, ok := <-client.send; ok; msg, ok = <-client.send {
			w, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			w.Close()
		}
		conn.WriteMessage(websocket.CloseMessage, []byte{})
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
