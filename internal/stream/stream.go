// Package stream serves a read-only server-sent event feed of project
// events for consumers that do not speak the websocket protocol.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	sse "github.com/tmaxmax/go-sse"

	"github.com/hyper-ai-inc/devspace/internal/events"
	"github.com/hyper-ai-inc/devspace/internal/logging"
)

const subscriberBuffer = 128

// streamable lists the event types published on the feed. Terminal output
// belongs to a single connection and chat to the gateway, so neither is
// streamed.
var streamable = map[events.Type]bool{
	events.FileChanged:   true,
	events.ProcessStatus: true,
	events.ProcessOutput: true,
	events.AgentStatus:   true,
	events.ProjectStatus: true,
}

// Streamable reports whether events of type t appear on the feed.
func Streamable(t events.Type) bool {
	return streamable[t]
}

// Hub fans project events out to SSE clients and keeps a short replay
// window for reconnects.
type Hub struct {
	provider  *sse.Joe
	keepAlive time.Duration
	log       logrus.FieldLogger
}

// NewHub creates a hub replaying events younger than replayTTL.
func NewHub(replayTTL, keepAlive time.Duration, log logrus.FieldLogger) (*Hub, error) {
	replayer, err := sse.NewValidReplayer(replayTTL, false)
	if err != nil {
		return nil, err
	}
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Hub{
		provider:  &sse.Joe{Replayer: replayer},
		keepAlive: keepAlive,
		log:       logging.Component(log, "stream"),
	}, nil
}

// Publish forwards ev to subscribers of its project if its type is
// streamable. It has the shape of events.Broker.OnPublish.
func (h *Hub) Publish(ev events.Event) {
	if !Streamable(ev.Type) || ev.ProjectID == "" || ev.ID == "" {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).WithField("type", ev.Type).Error("failed to encode event")
		return
	}

	msg := &sse.Message{ID: sse.ID(ev.ID), Type: sse.Type(string(ev.Type))}
	msg.AppendData(string(payload))
	if err := h.provider.Publish(msg, []string{ev.ProjectID}); err != nil && !errors.Is(err, sse.ErrProviderClosed) {
		h.log.WithError(err).WithField("project", ev.ProjectID).Warn("failed to publish event")
	}
}

// channelMessageWriter hands messages from the provider goroutine to the
// request goroutine without blocking the provider.
type channelMessageWriter struct {
	ch chan *sse.Message
}

func (w *channelMessageWriter) Send(message *sse.Message) error {
	select {
	case w.ch <- message.Clone():
		return nil
	default:
		return errors.New("sse subscriber is backpressured")
	}
}

func (w *channelMessageWriter) Flush() error {
	return nil
}

// Serve streams projectID's events to the client until the request ends.
// Callers are responsible for authorization.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, projectID string) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, "E80301: Streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := sse.Subscription{
		Topics:      []string{projectID},
		LastEventID: sess.LastEventID,
	}
	if !sub.LastEventID.IsSet() {
		// EventSource cannot set headers on the first connect.
		if raw := strings.TrimSpace(r.URL.Query().Get("lastEventId")); raw != "" {
			if id, err := sse.NewID(raw); err == nil {
				sub.LastEventID = id
			}
		}
	}

	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := sess.Send(ready); err != nil {
		return
	}
	_ = sess.Flush()

	writer := &channelMessageWriter{ch: make(chan *sse.Message, subscriberBuffer)}
	sub.Client = writer

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	subscribeErr := make(chan error, 1)
	go func() {
		subscribeErr <- h.provider.Subscribe(ctx, sub)
	}()

	log := h.log.WithField("project", projectID)
	log.Debug("sse client subscribed")
	defer log.Debug("sse client unsubscribed")

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-subscribeErr:
			if err != nil && !errors.Is(err, sse.ErrProviderClosed) {
				log.WithError(err).Info("sse subscription ended")
			}
			return
		case message := <-writer.ch:
			if err := sess.Send(message); err != nil {
				return
			}
			_ = sess.Flush()
		case <-ticker.C:
			ping := &sse.Message{}
			ping.AppendComment("keepalive")
			if err := sess.Send(ping); err != nil {
				return
			}
			_ = sess.Flush()
		}
	}
}

// Shutdown disconnects every client.
func (h *Hub) Shutdown(ctx context.Context) error {
	err := h.provider.Shutdown(ctx)
	if errors.Is(err, sse.ErrProviderClosed) {
		return nil
	}
	return err
}
