package push

import (
	"sync"

	"github.com/gorilla/websocket"
)

// client wraps one websocket connection with a write mutex — gorilla's
// websocket.Conn forbids concurrent writers, and both the event relay loop
// and the periodic metrics ticker in Hub.ServeHTTP write to the same
// connection.
type client struct {
	conn *websocket.Conn
	hub  *Hub

	mu sync.Mutex
}

func (c *client) send(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteJSON(v)
}

// readLoop pumps inbound client requests until the connection closes,
// closing done so Hub.ServeHTTP's select loop can return.
func (c *client) readLoop(done chan<- struct{}) {
	defer close(done)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.hub.handleRequest(c, msg)
	}
}
