package server

import (
	"encoding/json"
	"net/http"
	"sync"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// socketClient is one connected websocket consumer and the subscription ids
// it is bound to.
type socketClient struct {
	send          chan []byte
	subscriptions map[string]bool
}

// bindMessage is the inbound protocol: clients bind and unbind subscription
// ids after connecting.
type bindMessage struct {
	Action        string   `json:"action"` // bind, unbind
	Subscriptions []string `json:"subscriptions"`
}

// SocketHub routes notification bundles to websocket clients bound to the
// matching subscription id. It satisfies the dispatcher's delivery surface.
type SocketHub struct {
	logger  zerolog.Logger
	mu      sync.RWMutex
	bySub   map[string]map[*socketClient]struct{}
	clients map[*socketClient]struct{}
}

func NewSocketHub(logger zerolog.Logger) *SocketHub {
	return &SocketHub{
		logger:  logger.With().Str("component", "websocket").Logger(),
		bySub:   make(map[string]map[*socketClient]struct{}),
		clients: make(map[*socketClient]struct{}),
	}
}

func (h *SocketHub) register(client *socketClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("clients", total).Msg("websocket client connected")
}

func (h *SocketHub) unregister(client *socketClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	for id := range client.subscriptions {
		if set, ok := h.bySub[id]; ok {
			delete(set, client)
			if len(set) == 0 {
				delete(h.bySub, id)
			}
		}
	}
	delete(h.clients, client)
	close(client.send)
	h.logger.Debug().Int("clients", len(h.clients)).Msg("websocket client disconnected")
}

func (h *SocketHub) bind(client *socketClient, ids []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		if h.bySub[id] == nil {
			h.bySub[id] = make(map[*socketClient]struct{})
		}
		h.bySub[id][client] = struct{}{}
		client.subscriptions[id] = true
	}
}

func (h *SocketHub) unbind(client *socketClient, ids []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		if set, ok := h.bySub[id]; ok {
			delete(set, client)
			if len(set) == 0 {
				delete(h.bySub, id)
			}
		}
		delete(client.subscriptions, id)
	}
}

// BroadcastSubscription delivers a serialized notification bundle to every
// client bound to the subscription. Slow clients are skipped, not waited on.
func (h *SocketHub) BroadcastSubscription(subscriptionID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.bySub[subscriptionID] {
		select {
		case client.send <- payload:
		default:
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *SocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleConnect upgrades the connection and starts the read and write pumps.
func (h *SocketHub) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &socketClient{
		send:          make(chan []byte, 64),
		subscriptions: make(map[string]bool),
	}
	h.register(client)

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *SocketHub) readPump(client *socketClient, ws *gorillawebsocket.Conn) {
	defer func() {
		h.unregister(client)
		ws.Close()
	}()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg bindMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "bind":
			h.bind(client, msg.Subscriptions)
		case "unbind":
			h.unbind(client, msg.Subscriptions)
		}
	}
}

func (h *SocketHub) writePump(client *socketClient, ws *gorillawebsocket.Conn) {
	defer ws.Close()
	for message := range client.send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}
