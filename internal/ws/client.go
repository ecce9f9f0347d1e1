package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/hyper-ai-inc/devspace/internal/events"
	"github.com/hyper-ai-inc/devspace/internal/fs"
	"github.com/hyper-ai-inc/devspace/internal/id"
	"github.com/hyper-ai-inc/devspace/internal/ports"
	"github.com/hyper-ai-inc/devspace/internal/process"
	"github.com/hyper-ai-inc/devspace/internal/sessions"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// Client is one websocket connection.
type Client struct {
	gw     *Gateway
	conn   *websocket.Conn
	id     string
	userID string
	log    logrus.FieldLogger

	// Set before the pumps start and never changed.
	projectID string
	sub       *events.Subscription

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	alive        atomic.Bool
	lastActivity atomic.Int64

	mu       sync.Mutex
	sessions map[string]struct{} // nil once the connection is closed
}

func newClient(g *Gateway, conn *websocket.Conn, userID string) *Client {
	c := &Client{
		gw:       g,
		conn:     conn,
		id:       id.New(),
		userID:   userID,
		out:      make(chan []byte, g.cfg.SendBuffer),
		done:     make(chan struct{}),
		sessions: make(map[string]struct{}),
	}
	c.log = g.log.WithFields(logrus.Fields{"connection_id": c.id, "user_id": userID})
	c.alive.Store(true)
	c.touch()
	return c
}

// ID returns the connection id, which is also the owner id of the
// terminal sessions it creates.
func (c *Client) ID() string {
	return c.id
}

func (c *Client) subscribe(projectID string) {
	c.projectID = projectID
	c.sub = c.gw.broker.SubscribeConn(projectID, c.id, c.gw.cfg.SendBuffer)
	c.log = c.log.WithField("project_id", projectID)
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Client) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActivity.Load()))
}

// ReadPump reads messages from the WebSocket
func (c *Client) ReadPump() {
	defer c.close()

	pongWait := 2 * c.gw.cfg.HeartbeatInterval
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("websocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()

		if messageType != websocket.TextMessage {
			c.send(errorMessage("", CodeInvalidMessage, "binary frames are not supported"))
			continue
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(errorMessage("", CodeInvalidMessage, "malformed JSON message"))
			continue
		}
		c.handle(msg)
	}
}

// WritePump is the only writer of data frames. It forwards replies and
// project events, and runs the heartbeat and idle checks.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.gw.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	var subC <-chan events.Event
	if c.sub != nil {
		subC = c.sub.C()
	}

	for {
		select {
		case <-c.done:
			return

		case data := <-c.out:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}

		case ev, ok := <-subC:
			if !ok {
				if errors.Is(c.sub.Err(), events.ErrSlowConsumer) {
					c.log.Warn("dropping stalled websocket consumer")
					c.closeWith(websocket.CloseTryAgainLater, "slow consumer")
				}
				return
			}
			if ev.Type == events.TerminalExit {
				c.forgetSession(ev.SessionID)
			}
			data, err := json.Marshal(fromEvent(ev))
			if err != nil {
				c.log.WithError(err).WithField("type", ev.Type).Error("failed to encode event")
				continue
			}
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}

		case now := <-ticker.C:
			if !c.alive.Swap(false) {
				c.log.Info("heartbeat missed, terminating connection")
				return
			}
			if c.idleFor(now) > c.gw.cfg.IdleTimeout {
				c.log.Info("websocket idle timeout")
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
				return
			}
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// send queues msg for the write pump. A full queue closes the connection.
func (c *Client) send(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.WithError(err).WithField("type", msg.Type).Error("failed to encode reply")
		return
	}
	select {
	case <-c.done:
	case c.out <- data:
	default:
		c.log.Warn("reply queue full, closing connection")
		c.closeWith(websocket.CloseTryAgainLater, "slow consumer")
	}
}

func (c *Client) sendError(requestID string, err error) {
	c.send(errorMessage(requestID, errorCode(err), err.Error()))
}

func (c *Client) closeWith(code int, reason string) {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
	c.close()
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		c.gw.unregister(c)
	})
}

func (c *Client) addSession(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions == nil {
		return false
	}
	c.sessions[sessionID] = struct{}{}
	return true
}

// ownsSession reports whether sessionID belongs to the subscribed project
// and was created on this connection.
func (c *Client) ownsSession(sessionID string) bool {
	if project, err := id.ProjectOf(sessionID); err != nil || project != c.projectID {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[sessionID]
	return ok
}

func (c *Client) forgetSession(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

// takeSessions returns the owned session ids and refuses further ones.
func (c *Client) takeSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for sessionID := range c.sessions {
		ids = append(ids, sessionID)
	}
	c.sessions = nil
	return ids
}

func (c *Client) handle(msg ClientMessage) {
	switch msg.Type {
	case TypePing:
		c.send(ServerMessage{Type: TypePong, RequestID: msg.RequestID, Timestamp: time.Now().UTC()})
		return
	case TypeChatMessage,
		TypeTerminalCreate, TypeTerminalInput, TypeTerminalResize, TypeTerminalDestroy,
		TypeProcessStart, TypeProcessStop:
	default:
		c.send(errorMessage(msg.RequestID, CodeUnknownType, "unknown message type: "+msg.Type))
		return
	}

	if c.sub == nil {
		c.send(errorMessage(msg.RequestID, CodeUnauthorized, "connection is not subscribed to a project"))
		return
	}

	switch msg.Type {
	case TypeChatMessage:
		c.handleChat(msg)
	case TypeTerminalCreate:
		c.handleTerminalCreate(msg)
	case TypeTerminalInput:
		if !c.ownsSession(msg.SessionID) {
			c.sendError(msg.RequestID, sessions.ErrSessionNotFound)
			return
		}
		if err := c.gw.terminals.Write(msg.SessionID, []byte(msg.Data)); err != nil {
			c.sendError(msg.RequestID, err)
		}
	case TypeTerminalResize:
		if !c.ownsSession(msg.SessionID) {
			c.sendError(msg.RequestID, sessions.ErrSessionNotFound)
			return
		}
		if err := c.gw.terminals.Resize(msg.SessionID, msg.Cols, msg.Rows); err != nil {
			c.sendError(msg.RequestID, err)
		}
	case TypeTerminalDestroy:
		if !c.ownsSession(msg.SessionID) {
			c.sendError(msg.RequestID, sessions.ErrSessionNotFound)
			return
		}
		c.forgetSession(msg.SessionID)
		if err := c.gw.terminals.Destroy(msg.SessionID); err != nil {
			c.sendError(msg.RequestID, err)
		}
	case TypeProcessStart:
		go c.handleProcessStart(msg)
	case TypeProcessStop:
		go c.handleProcessStop(msg)
	}
}

func (c *Client) handleChat(msg ClientMessage) {
	if len(msg.Message) == 0 {
		c.send(errorMessage(msg.RequestID, CodeBadRequest, "chat message is empty"))
		return
	}
	if len(msg.Message) > maxChatMessageBytes {
		c.send(errorMessage(msg.RequestID, CodeBadRequest, "chat message too large"))
		return
	}
	c.gw.broker.Publish(events.Event{
		Type:      events.ChatMessage,
		ProjectID: c.projectID,
		Origin:    c.id,
		Data:      ChatData{UserID: c.userID, Message: msg.Message},
	})
}

func (c *Client) handleTerminalCreate(msg ClientMessage) {
	cols, rows := msg.Cols, msg.Rows
	if cols == 0 {
		cols = defaultTerminalCols
	}
	if rows == 0 {
		rows = defaultTerminalRows
	}

	s, err := c.gw.terminals.Create(c.projectID, cols, rows, c.id)
	if err != nil {
		c.sendError(msg.RequestID, err)
		return
	}
	if !c.addSession(s.ID) {
		// Closed while the shell was starting.
		c.gw.terminals.Destroy(s.ID)
		return
	}
	c.log.WithField("session_id", s.ID).Info("terminal session created")
	c.send(ServerMessage{
		Type:      TypeTerminalCreated,
		RequestID: msg.RequestID,
		ProjectID: c.projectID,
		SessionID: s.ID,
		Timestamp: time.Now().UTC(),
		Data:      TerminalCreatedData{SessionID: s.ID, Cols: cols, Rows: rows},
	})
}

func (c *Client) handleProcessStart(msg ClientMessage) {
	ctx, cancel := context.WithTimeout(c.gw.ctx, processRequestTimeout)
	defer cancel()

	var (
		rec process.Record
		err error
	)
	if msg.Command == "" {
		rec, err = c.gw.processes.StartDevServer(ctx, c.projectID)
	} else {
		rec, err = c.gw.processes.Start(ctx, c.projectID, msg.Command, msg.Args, msg.Env)
	}
	if err != nil {
		c.sendError(msg.RequestID, err)
		return
	}
	c.send(ServerMessage{
		Type:      TypeProcessStarted,
		RequestID: msg.RequestID,
		ProjectID: c.projectID,
		Timestamp: time.Now().UTC(),
		Data:      rec,
	})
}

func (c *Client) handleProcessStop(msg ClientMessage) {
	ctx, cancel := context.WithTimeout(c.gw.ctx, processRequestTimeout)
	defer cancel()

	if err := c.gw.processes.Stop(ctx, c.projectID); err != nil {
		c.sendError(msg.RequestID, err)
		return
	}
	c.send(ServerMessage{
		Type:      TypeProcessStopped,
		RequestID: msg.RequestID,
		ProjectID: c.projectID,
		Timestamp: time.Now().UTC(),
	})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound),
		errors.Is(err, process.ErrProcessNotFound),
		errors.Is(err, fs.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, sessions.ErrInvalidSize),
		errors.Is(err, fs.ErrInvalidProjectID),
		errors.Is(err, fs.ErrInvalidPath),
		errors.Is(err, fs.ErrPathTraversal),
		errors.Is(err, fs.ErrSymlinkDenied):
		return CodeBadRequest
	case errors.Is(err, ports.ErrNoAvailablePorts):
		return CodeNoPorts
	case errors.Is(err, process.ErrNoRunnableConfiguration):
		return CodeNoRunnableConfig
	case errors.Is(err, sessions.ErrShuttingDown):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
