package app

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"livecode/api/internal/auth"
	"livecode/api/internal/collab"
	"livecode/api/internal/protocol"
	"livecode/api/internal/util"
)

// ChannelOptions tunes the participant WebSocket.
type ChannelOptions struct {
	SendBuffer     int
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
}

func (o ChannelOptions) withDefaults() ChannelOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1 << 20
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	return o
}

func (o ChannelOptions) pingPeriod() time.Duration {
	return o.PongWait * 9 / 10
}

// wsConn is one participant channel. Outbound messages are queued on send and
// written by writePump; a full queue closes the connection.
type wsConn struct {
	id      string
	ws      *websocket.Conn
	hub     *collab.Hub
	claims  *auth.Claims
	options ChannelOptions

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	sessions map[string]struct{}
}

func newWSConn(ws *websocket.Conn, hub *collab.Hub, claims *auth.Claims, options ChannelOptions) *wsConn {
	return &wsConn{
		id:       util.NewID("conn"),
		ws:       ws,
		hub:      hub,
		claims:   claims,
		options:  options,
		send:     make(chan []byte, options.SendBuffer),
		done:     make(chan struct{}),
		sessions: make(map[string]struct{}),
	}
}

func (c *wsConn) ID() string {
	return c.id
}

// Send never blocks. It is called with session locks held.
func (c *wsConn) Send(msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("encode %s for %s: %v", msg.Kind(), c.id, err)
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		log.Printf("send buffer full for %s; closing connection", c.id)
		c.close()
		return false
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *wsConn) track(sessionID string) {
	c.mu.Lock()
	c.sessions[sessionID] = struct{}{}
	c.mu.Unlock()
}

func (c *wsConn) untrack(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

func (c *wsConn) tracked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (s *HTTPServer) handleChannel(w http.ResponseWriter, r *http.Request) {
	claims, err := s.service.Identify(r)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	conn := newWSConn(ws, s.service.Hub(), claims, s.channel)
	go conn.writePump()
	conn.readPump()
}

func (c *wsConn) readPump() {
	defer func() {
		c.close()
		for _, sessionID := range c.tracked() {
			c.hub.Disconnect(sessionID, c.id)
		}
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(c.options.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.options.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.options.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("websocket read error for %s: %v", c.id, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.options.PongWait))

		msg, err := protocol.Decode(data)
		if err != nil {
			c.Send(protocol.Error{Code: string(collab.CodeInvalidMessage), Message: err.Error()})
			continue
		}
		c.dispatch(msg)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.options.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.options.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.options.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.options.WriteWait),
			)
			return
		}
	}
}

func (c *wsConn) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Join:
		if c.claims != nil {
			m.UserID = c.claims.Sub
			if c.claims.Name != "" {
				m.DisplayName = c.claims.Name
			}
		}
		joined, err := c.hub.Join(context.Background(), c, m)
		if err != nil {
			c.fail("", err)
			return
		}
		c.track(joined.SessionID)
	case protocol.Leave:
		if err := c.hub.Leave(m.SessionID, c.id); err != nil {
			c.fail(m.SessionID, err)
			return
		}
		c.untrack(m.SessionID)
	case protocol.Heartbeat:
		if err := c.hub.Heartbeat(m.SessionID, c.id); err != nil {
			c.fail(m.SessionID, err)
		}
	case protocol.Edit:
		if _, err := c.hub.Edit(m.SessionID, c.id, m); err != nil {
			c.fail(m.SessionID, err)
		}
	case protocol.ResyncRequest:
		if _, err := c.hub.Resync(m.SessionID, c.id); err != nil {
			c.fail(m.SessionID, err)
		}
	case protocol.SaveRequest:
		go c.save(m.SessionID)
	default:
		c.Send(protocol.Error{
			Code:    string(collab.CodeInvalidMessage),
			Message: "unexpected message kind " + string(msg.Kind()),
		})
	}
}

// save runs outside the read loop so edits keep flowing while git works.
func (c *wsConn) save(sessionID string) {
	result, err := c.hub.Save(context.Background(), sessionID, c.id)
	if collab.IsCode(err, collab.CodeSaveFailed) {
		// The session already broadcast save-failed to every participant.
		return
	}
	if err != nil {
		c.fail(sessionID, err)
		return
	}
	if result.Skipped {
		c.Send(protocol.RepositoryUpdated{
			SessionID:   sessionID,
			Version:     result.Version,
			CommittedAt: result.CommittedAt,
			Commit:      result.Commit,
		})
	}
}

func (c *wsConn) fail(sessionID string, err error) {
	if collab.IsCode(err, collab.CodeSessionClosed) || collab.IsCode(err, collab.CodeSessionNotFound) {
		c.untrack(sessionID)
	}
	c.Send(errorMessage(sessionID, err))
}
