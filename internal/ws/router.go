// Package ws is the realtime gateway: one authenticated websocket per
// client, multiplexing terminal sessions, process control, chat relay and
// project event fan-out.
package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/hyper-ai-inc/devspace/internal/auth"
	"github.com/hyper-ai-inc/devspace/internal/events"
	"github.com/hyper-ai-inc/devspace/internal/fs"
	"github.com/hyper-ai-inc/devspace/internal/logging"
	"github.com/hyper-ai-inc/devspace/internal/metrics"
	"github.com/hyper-ai-inc/devspace/internal/process"
	"github.com/hyper-ai-inc/devspace/internal/sessions"
)

// TerminalService is the part of the session service the gateway drives.
type TerminalService interface {
	Create(projectID string, cols, rows uint16, ownerID string) (*sessions.Session, error)
	Write(id string, data []byte) error
	Resize(id string, cols, rows uint16) error
	Destroy(id string) error
}

// ProcessService is the part of the process manager the gateway drives.
type ProcessService interface {
	Start(ctx context.Context, projectID, command string, args, env []string) (process.Record, error)
	StartDevServer(ctx context.Context, projectID string) (process.Record, error)
	Stop(ctx context.Context, projectID string) error
}

// Watcher tracks which projects have live subscribers.
type Watcher interface {
	Acquire(projectID string) error
	Release(projectID string)
}

// Config tunes connection handling.
type Config struct {
	// AllowedOrigins is the Origin allow-list. "*" allows every origin and
	// a "scheme://host:*" entry allows any port on that host.
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	SendBuffer        int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithLogger(l logrus.FieldLogger) Option {
	return func(g *Gateway) { g.log = logging.Component(l, "gateway") }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = mt }
}

func WithWatcher(w Watcher) Option {
	return func(g *Gateway) { g.watcher = w }
}

// Gateway accepts websocket connections and routes their messages.
type Gateway struct {
	cfg       Config
	upgrader  websocket.Upgrader
	verifier  auth.Verifier
	access    auth.AccessChecker
	broker    *events.Broker
	terminals TerminalService
	processes ProcessService
	watcher   Watcher
	metrics   *metrics.Metrics
	log       logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	closing   bool
	conns     map[string]*Client
	byUser    map[string]map[string]*Client
	byProject map[string]map[string]*Client
	wg        sync.WaitGroup
}

// NewGateway creates a gateway publishing through broker.
func NewGateway(cfg Config, verifier auth.Verifier, access auth.AccessChecker, broker *events.Broker, terminals TerminalService, processes ProcessService, opts ...Option) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:       cfg.withDefaults(),
		verifier:  verifier,
		access:    access,
		broker:    broker,
		terminals: terminals,
		processes: processes,
		log:       logging.Discard(),
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[string]*Client),
		byUser:    make(map[string]map[string]*Client),
		byProject: make(map[string]map[string]*Client),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// checkOrigin validates the Origin header against the allow-list.
func (g *Gateway) checkOrigin(r *http.Request) bool {
	return originAllowed(r.Header.Get("Origin"), g.cfg.AllowedOrigins)
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		// No Origin header - reject (browsers always send Origin for cross-origin)
		return false
	}
	if len(allowed) == 0 {
		// No allowed origins configured - reject all (fail secure)
		return false
	}

	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == origin || a == "*" {
			return true
		}
		// "http://localhost:*" matches any numeric port
		if strings.HasSuffix(a, ":*") {
			prefix := strings.TrimSuffix(a, "*")
			if rest, ok := strings.CutPrefix(origin, prefix); ok && rest != "" && isNumeric(rest) {
				return true
			}
		}
	}
	return false
}

// isNumeric checks if a string contains only digits
func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// HandleWebSocket upgrades the request, authenticates the caller and, when
// the caller may use the requested project, subscribes the connection to it.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	closing := g.closing
	g.mu.RUnlock()
	if closing {
		http.Error(w, "E80201: Server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.metrics.ConnectionRejected("upgrade")
		g.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	identity, err := g.verifier.VerifyIdentity(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		code, reason := closeCodeFor(err)
		g.metrics.ConnectionRejected(reason)
		g.log.WithError(err).WithField("close_code", code).Info("websocket authentication failed")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	c := newClient(g, conn, identity.Subject)
	log := g.log.WithFields(logrus.Fields{"connection_id": c.id, "user_id": c.userID})

	if projectID := r.URL.Query().Get("projectId"); projectID != "" {
		if err := g.authorize(r.Context(), identity, projectID); err != nil {
			// The connection stays up without a project; control messages
			// will be refused.
			log.WithError(err).WithField("project_id", projectID).Warn("project subscription denied")
		} else {
			c.subscribe(projectID)
		}
	}

	if c.sub != nil && g.watcher != nil {
		if err := g.watcher.Acquire(c.projectID); err != nil {
			log.WithError(err).Warn("failed to start file watcher")
		}
	}
	if !g.register(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		if c.sub != nil {
			c.sub.Close()
			if g.watcher != nil {
				g.watcher.Release(c.projectID)
			}
		}
		conn.Close()
		return
	}
	log.WithField("project_id", c.projectID).Info("websocket connected")

	// The pumps are not running yet, so this is the only writer.
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(ServerMessage{
		Type:      TypeConnected,
		Timestamp: time.Now().UTC(),
		Data: ConnectedData{
			ConnectionID: c.id,
			UserID:       c.userID,
			ProjectID:    c.projectID,
			Subscribed:   c.sub != nil,
		},
	}); err != nil {
		c.close()
		return
	}

	go c.WritePump()
	go c.ReadPump()
}

func (g *Gateway) authorize(ctx context.Context, identity auth.Identity, projectID string) error {
	if err := fs.ValidateProjectID(projectID); err != nil {
		return err
	}
	return auth.Authorize(ctx, g.access, identity, projectID)
}

func closeCodeFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return CloseMissingToken, "missing token"
	case errors.Is(err, auth.ErrSubjectNotFound):
		return CloseSubjectNotFound, "subject not found"
	default:
		return CloseInvalidToken, "invalid token"
	}
}

func (g *Gateway) register(c *Client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}

	g.conns[c.id] = c
	addTo(g.byUser, c.userID, c)
	if c.projectID != "" {
		addTo(g.byProject, c.projectID, c)
	}
	g.wg.Add(1)
	g.metrics.ConnectionOpened()
	return true
}

func (g *Gateway) unregister(c *Client) {
	g.mu.Lock()
	if _, ok := g.conns[c.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.conns, c.id)
	removeFrom(g.byUser, c.userID, c.id)
	if c.projectID != "" {
		removeFrom(g.byProject, c.projectID, c.id)
	}
	g.mu.Unlock()

	if c.sub != nil {
		c.sub.Close()
		if g.watcher != nil {
			g.watcher.Release(c.projectID)
		}
	}
	for _, sessionID := range c.takeSessions() {
		if err := g.terminals.Destroy(sessionID); err != nil {
			g.log.WithError(err).WithField("session_id", sessionID).Warn("failed to destroy session on disconnect")
		}
	}

	g.metrics.ConnectionClosed()
	g.log.WithFields(logrus.Fields{
		"connection_id": c.id,
		"user_id":       c.userID,
		"project_id":    c.projectID,
	}).Info("websocket disconnected")
	g.wg.Done()
}

func addTo(index map[string]map[string]*Client, key string, c *Client) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]*Client)
		index[key] = set
	}
	set[c.id] = c
}

func removeFrom(index map[string]map[string]*Client, key, connID string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(index, key)
	}
}

// Broadcast publishes a collaborator event to every subscriber of projectID.
func (g *Gateway) Broadcast(projectID string, eventType events.Type, data interface{}) {
	g.broker.Publish(events.Event{
		Type:      eventType,
		ProjectID: projectID,
		Data:      data,
	})
}

// Connections returns the number of open connections.
func (g *Gateway) Connections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// UserConnections returns the number of open connections for userID.
func (g *Gateway) UserConnections(userID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byUser[userID])
}

// ProjectConnections returns the number of connections subscribed to
// projectID.
func (g *Gateway) ProjectConnections(projectID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byProject[projectID])
}

// Shutdown refuses new connections, closes the open ones and waits for
// their cleanup or ctx.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	open := make([]*Client, 0, len(g.conns))
	for _, c := range g.conns {
		open = append(open, c)
	}
	g.mu.Unlock()

	g.cancel()
	for _, c := range open {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
