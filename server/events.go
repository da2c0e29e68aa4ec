package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chimeworks/chime/notify"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// eventClient is one WebSocket subscription to a job's event stream.
type eventClient struct {
	conn      *websocket.Conn
	events    chan notify.Event
	jobID     string
	closeOnce sync.Once
	done      chan struct{}
}

// handleJobEvents streams state transitions for one job over WebSocket.
// Authorization happens before the upgrade so unauthorized callers get a
// plain HTTP error. The stream ends after the terminal event; a job that
// already finished yields exactly that one event.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}

	events, err := s.engine.Subscribe(r.Context(), jobID, owner)
	if err != nil {
		handleError(w, s.logger, err, "failed to subscribe to job")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.engine.Unsubscribe(jobID, events)
		s.logger.Warnw("WebSocket upgrade failed", "job_id", shortID(jobID), "error", err)
		return
	}

	client := &eventClient{
		conn:   conn,
		events: events,
		jobID:  jobID,
		done:   make(chan struct{}),
	}

	s.logger.Debugw("Event subscriber connected", "job_id", shortID(jobID), "owner", owner)

	go client.readPump()
	client.writePump()

	s.engine.Unsubscribe(jobID, events)
	client.close()
	s.logger.Debugw("Event subscriber disconnected", "job_id", shortID(jobID))
}

// close shuts the connection down exactly once.
func (c *eventClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump drains the connection so pong frames are processed and client
// disconnects are noticed. Subscribers never send application messages.
func (c *eventClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards events to the peer with periodic pings. Returns after
// the terminal event has been written or the connection is gone.
func (c *eventClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case ev, ok := <-c.events:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Terminal() {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
