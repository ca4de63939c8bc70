package eventbus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	clientSendBuffer = 256
	pingInterval     = 30 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
)

// Hub fans Bus events of the predefined types (see Attach) out to
// connected websocket clients, for
// external dashboards that want a live feed without polling the event
// history endpoint. A slow client is dropped rather than allowed to
// block the broadcast to everyone else.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*hubClient]struct{}

	log *zap.Logger
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a Hub with a permissive CORS check suitable for a
// same-origin or locally proxied dashboard; callers embedding this in a
// multi-tenant deployment should replace CheckOrigin before use.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*hubClient]struct{}),
		log:     zap.L().Named("eventbus.hub"),
	}
}

// Attach subscribes the Hub to bus for the six predefined event types
// (system started/shutdown, plugin loaded/unloaded/error, config
// changed), so each such event is broadcast to connected websocket
// clients as JSON. Events of any other type are not relayed.
func (h *Hub) Attach(bus *Bus) {
	for _, t := range []Type{TypeSystemStarted, TypeSystemShutdown, TypePluginLoaded, TypePluginUnloaded, TypePluginError, TypeConfigChanged} {
		bus.Subscribe(t, h.broadcastEvent)
	}
}

func (h *Hub) broadcastEvent(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Warn("failed to serialize event for broadcast", zap.Error(err))
		return
	}
	h.Broadcast(data)
}

// ServeHTTP upgrades the request to a websocket connection and
// registers it with the hub until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &hubClient{conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writePump(client)
	go h.readPump(client)
}

// Broadcast sends message to every connected client, dropping (and
// disconnecting) any client whose send buffer is full.
func (h *Hub) Broadcast(message []byte) {
	h.mu.RLock()
	var stuck []*hubClient
	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			stuck = append(stuck, client)
		}
	}
	h.mu.RUnlock()

	if len(stuck) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range stuck {
		if _, ok := h.clients[client]; ok {
			close(client.send)
			delete(h.clients, client)
		}
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) writePump(client *hubClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(client *hubClient) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[client]; ok {
			close(client.send)
			delete(h.clients, client)
		}
		h.mu.Unlock()
		client.conn.Close()
	}()

	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
