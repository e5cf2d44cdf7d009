// Package websocket streams JSON events to WebSocket clients grouped by
// topic. A topic is usually one form session; every client watching it gets
// each published event.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	sendBuffer = 16
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingEvery  = pongWait * 9 / 10
)

// Conn is the part of a WebSocket connection the pumps use.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one subscriber of a topic. Send is closed when the client is
// unregistered.
type Client struct {
	Topic string
	Send  chan []byte
}

type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Client]struct{}
	log    zerolog.Logger

	upgrader gorillawebsocket.Upgrader
}

// NewHub creates a hub. allowOrigin decides cross-origin upgrades; nil
// accepts only same-origin requests.
func NewHub(log zerolog.Logger, allowOrigin func(origin string) bool) *Hub {
	h := &Hub{
		topics: make(map[string]map[*Client]struct{}),
		log:    log,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	if allowOrigin != nil {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return o == "" || allowOrigin(o)
		}
	}
	return h
}

// Register subscribes a new client to topic.
func (h *Hub) Register(topic string) *Client {
	c := &Client{Topic: topic, Send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]struct{})
	}
	h.topics[topic][c] = struct{}{}
	return c
}

// Unregister removes c and closes its Send channel. It is idempotent.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	subs, ok := h.topics[c.Topic]
	if !ok {
		return
	}
	if _, ok := subs[c]; !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.topics, c.Topic)
	}
	close(c.Send)
}

// Publish sends v as JSON to every client of topic and returns how many
// received it. Clients whose buffer is full miss the event.
func (h *Hub) Publish(topic string, v interface{}) int {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Str("topic", topic).Msg("marshal event")
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.topics[topic] {
		select {
		case c.Send <- data:
			n++
		default:
			h.log.Warn().Str("topic", topic).Msg("client too slow, event dropped")
		}
	}
	return n
}

// CloseTopic unregisters every client of topic, ending their connections.
func (h *Hub) CloseTopic(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.topics[topic] {
		h.removeLocked(c)
	}
}

// TopicCount is the number of clients subscribed to topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Serve upgrades the request, sends initial and then streams topic until the
// topic is closed or the peer goes away. It returns once the connection is
// set up.
func (h *Hub) Serve(c echo.Context, topic string, initial interface{}) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	ws.SetReadLimit(512)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	client := h.Register(topic)
	if initial != nil {
		if data, err := json.Marshal(initial); err == nil {
			client.Send <- data
		}
	}

	conn := &gorillaConn{ws}
	go h.writePump(client, conn, func() error {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		return ws.WriteMessage(gorillawebsocket.PingMessage, nil)
	})
	go h.readPump(client, conn)
	return nil
}

// readPump discards inbound messages and unregisters the client when the
// peer disconnects.
func (h *Hub) readPump(c *Client, conn Conn) {
	defer h.Unregister(c)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards c.Send to conn. A closed Send ends the connection with a
// close frame. ping, when set, runs periodically to keep the peer alive.
func (h *Hub) writePump(c *Client, conn Conn, ping func() error) {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.Send:
			if !ok {
				conn.WriteMessage(gorillawebsocket.CloseMessage,
					gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, "closed"))
				return
			}
			if err := conn.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
				h.Unregister(c)
				return
			}
		case <-ticker.C:
			if ping == nil {
				continue
			}
			if err := ping(); err != nil {
				h.Unregister(c)
				return
			}
		}
	}
}

type gorillaConn struct {
	*gorillawebsocket.Conn
}

func (g *gorillaConn) WriteMessage(messageType int, data []byte) error {
	g.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return g.Conn.WriteMessage(messageType, data)
}
