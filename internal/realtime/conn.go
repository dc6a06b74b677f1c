package realtime

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
	sendBuffer = 16
)

var (
	errSubscriberClosed = errors.New("subscriber closed")
	errSubscriberStuck  = errors.New("subscriber send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Access is already gated by the bearer token; the browser origin
	// carries no extra signal here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn adapts one websocket connection to the Subscriber interface.
// Outbound events go through a buffered channel drained by a dedicated
// writer, so a slow client never delays a broadcast to its peers.
type Conn struct {
	ws        *websocket.Conn
	projectID string
	registry  *Registry
	send      chan Event
	done      chan struct{}
	once      sync.Once
}

// ServeWS upgrades the request, registers the connection under
// projectID and blocks until the client goes away. Inbound frames are
// read and discarded; their only purpose is liveness detection.
func ServeWS(registry *Registry, projectID string, w http.ResponseWriter, r *http.Request) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	conn := &Conn{
		ws:        ws,
		projectID: projectID,
		registry:  registry,
		send:      make(chan Event, sendBuffer),
		done:      make(chan struct{}),
	}
	registry.Connect(projectID, conn)

	go conn.writeLoop()
	conn.readLoop()
	return nil
}

// Notify queues an event for delivery. It never blocks: a closed or
// backed-up connection returns an error so the registry drops it.
func (c *Conn) Notify(event Event) error {
	select {
	case <-c.done:
		return errSubscriberClosed
	default:
	}
	select {
	case c.send <- event:
		return nil
	default:
		return errSubscriberStuck
	}
}

func (c *Conn) readLoop() {
	defer c.shutdown()
	c.ws.SetReadLimit(512)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.shutdown()
	for {
		select {
		case <-c.done:
			return
		case event := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// shutdown deregisters the connection exactly once and closes the
// transport. Safe to call from both loops.
func (c *Conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.registry.Disconnect(c.projectID, c)
		_ = c.ws.Close()
	})
}
