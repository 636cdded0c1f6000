package api

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/agent-supervisor/backend/internal/eventbus"
)

// pushClient is one connected push-channel subscriber. It owns a
// dedicated write goroutine and an Event Bus subscription that is
// cancelled when the client disconnects.
type pushClient struct {
	conn   *websocket.Conn
	send   chan []byte
	cancel eventbus.Cancel

	mu       sync.Mutex
	closed   bool
	sessions map[string]bool // empty set = no filter, deliver everything
}

func newPushClient(conn *websocket.Conn) *pushClient {
	c := &pushClient{conn: conn, send: make(chan []byte, 64)}
	go c.writePump()
	return c
}

func (c *pushClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *pushClient) close() {
	if c.cancel != nil {
		c.cancel()
	}
	// The bus-forwarding goroutine may still hold an event it read before
	// cancel closed its subscription; the closed flag keeps its enqueue
	// from hitting a closed channel.
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	close(c.send)
}

func (c *pushClient) setFilter(sessions []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(sessions) == 0 {
		c.sessions = nil
		return
	}
	c.sessions = make(map[string]bool, len(sessions))
	for _, s := range sessions {
		c.sessions[s] = true
	}
}

func (c *pushClient) accepts(sessionKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		return true
	}
	return c.sessions[sessionKey]
}

func (c *pushClient) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("api: push client too slow, dropping message")
	}
}

// controlMessage is the closed set of client-originated push messages:
// {type:"ping"} and {type:"subscribe", sessions:[...]}.
type controlMessage struct {
	Type     string   `json:"type"`
	Sessions []string `json:"sessions"`
}

// serverEnvelope wraps the non-Event control messages the server sends:
// the connect greeting and pong replies. Event values themselves are
// marshaled and sent as-is, without this envelope.
type serverEnvelope struct {
	Type    string `json:"type"`
	Clients int    `json:"clients,omitempty"`
}

// runPushClient pumps bus events to one client, filtering by the
// client's current session subscription, until the connection's read
// loop returns (client disconnect or protocol error).
func (s *Server) runPushClient(conn *websocket.Conn) {
	c := newPushClient(conn)
	ch, cancel := s.bus.Subscribe()
	c.cancel = cancel

	defer func() {
		s.removePushClient(c)
	}()
	s.addPushClient(c)

	greeting, _ := json.Marshal(serverEnvelope{Type: "connected", Clients: s.pushClientCount()})
	c.enqueue(greeting)

	go func() {
		for evt := range ch {
			if !c.accepts(evt.SessionKey) {
				continue
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			c.enqueue(data)
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			pong, _ := json.Marshal(serverEnvelope{Type: "pong"})
			c.enqueue(pong)
		case "subscribe":
			c.setFilter(msg.Sessions)
		}
	}
}

func (s *Server) addPushClient(c *pushClient) {
	s.pushMu.Lock()
	s.pushClients[c] = true
	s.pushMu.Unlock()
}

func (s *Server) removePushClient(c *pushClient) {
	s.pushMu.Lock()
	if _, ok := s.pushClients[c]; ok {
		delete(s.pushClients, c)
		c.close()
	}
	s.pushMu.Unlock()
}

func (s *Server) pushClientCount() int {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	return len(s.pushClients)
}
