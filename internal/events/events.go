// Package events is the project-keyed publish/subscribe broker that carries
// terminal, process, file and chat events from the services to the gateway.
//
// Each subscription owns a buffered channel. A publisher whose subscriber
// buffer is full waits for room, which throttles terminal and process
// readers to the pace of their consumers. A subscriber that accepts nothing
// for StallTimeout is dropped and its channel closed, and Err reports
// ErrSlowConsumer. Events from a single producer goroutine are delivered to
// every subscriber in publication order.
package events

import (
	"errors"
	"sync"
	"time"

	"github.com/hyper-ai-inc/devspace/internal/id"
)

// Type names an event on the wire.
type Type string

const (
	TerminalOutput Type = "terminal:output"
	TerminalExit   Type = "terminal:exit"
	ProcessOutput  Type = "process:output"
	ProcessStatus  Type = "process:status"
	AgentStatus    Type = "agent:status"
	FileChanged    Type = "file:changed"
	ProjectStatus  Type = "project:status"
	ChatMessage    Type = "chat:message"
)

var (
	ErrSlowConsumer = errors.New("subscriber stalled")
	ErrClosed       = errors.New("subscription closed")
)

// Event is one server-originated notification scoped to a project.
type Event struct {
	ID        string      `json:"id"`
	Type      Type        `json:"type"`
	ProjectID string      `json:"projectId"`
	SessionID string      `json:"sessionId,omitempty"`
	Time      time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`

	// Origin identifies the publishing connection, if any, so fan-out can
	// skip the sender.
	Origin string `json:"-"`
	// Target, if set, restricts delivery to one connection.
	Target string `json:"-"`
}

// DeliverableTo reports whether a connection should receive ev.
func (ev Event) DeliverableTo(connID string) bool {
	if ev.Origin != "" && ev.Origin == connID {
		return false
	}
	return ev.Target == "" || ev.Target == connID
}

// Publisher is what the services need from the broker.
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }

// DefaultStallTimeout is how long a publisher waits on a full subscriber
// before dropping it.
const DefaultStallTimeout = 10 * time.Second

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})

// Broker fans events out to subscribers of each project.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}

	// StallTimeout bounds the wait for room in one subscriber's buffer.
	StallTimeout time.Duration

	// OnDrop, if set, is called after a stalled subscriber is removed.
	OnDrop func(projectID string)
	// OnPublish, if set, is called with every event after it is stamped
	// and before it is delivered.
	OnPublish func(Event)
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics:       make(map[string]map[*Subscription]struct{}),
		StallTimeout: DefaultStallTimeout,
	}
}

// Subscribe registers a new subscriber for projectID with the given buffer.
// It receives every event of the project.
func (b *Broker) Subscribe(projectID string, buffer int) *Subscription {
	return b.SubscribeConn(projectID, "", buffer)
}

// SubscribeConn registers a subscriber on behalf of connection connID. Only
// events deliverable to connID are queued, so a connection never buffers
// another connection's terminal output or its own chat messages.
func (b *Broker) SubscribeConn(projectID, connID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	sub := &Subscription{
		broker:    b,
		projectID: projectID,
		connID:    connID,
		ch:        make(chan Event, buffer),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	subs, ok := b.topics[projectID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[projectID] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Publish stamps ev with an id and time and delivers it to every subscriber
// of ev.ProjectID. It blocks while a subscriber's buffer is full, for at most
// StallTimeout per subscriber.
func (b *Broker) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = id.Event()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if b.OnPublish != nil {
		b.OnPublish(ev)
	}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.topics[ev.ProjectID]))
	for sub := range b.topics[ev.ProjectID] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.connID != "" && !ev.DeliverableTo(sub.connID) {
			continue
		}
		if sub.deliver(ev, b.StallTimeout) {
			continue
		}
		if sub.closeWith(ErrSlowConsumer) && b.OnDrop != nil {
			b.OnDrop(sub.projectID)
		}
	}
}

// Subscribers returns the number of live subscriptions for projectID.
func (b *Broker) Subscribers(projectID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[projectID])
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[sub.projectID]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.topics, sub.projectID)
	}
}

// Subscription is one consumer's view of a project's events.
type Subscription struct {
	broker    *Broker
	projectID string
	connID    string
	ch        chan Event

	// sendMu serializes senders so ch is never closed under one.
	sendMu sync.Mutex
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// ProjectID returns the subscribed project.
func (s *Subscription) ProjectID() string {
	return s.projectID
}

// Err reports why the subscription ended: ErrClosed after Close,
// ErrSlowConsumer after a drop, nil while live.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeWith(ErrClosed)
}

// deliver queues ev, waiting up to stall for room. It returns false only
// when the subscriber stalled; a closed subscription swallows the event.
func (s *Subscription) deliver(ev Event, stall time.Duration) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.ch <- ev:
		return true
	default:
	}
	if stall <= 0 {
		return false
	}

	timer := time.NewTimer(stall)
	defer timer.Stop()
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return true
	case <-timer.C:
		return false
	}
}

// closeWith ends the subscription and reports whether this call did so.
func (s *Subscription) closeWith(err error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.err = err
	close(s.done)
	s.mu.Unlock()

	// done wakes any blocked sender, so this wait is short.
	s.sendMu.Lock()
	close(s.ch)
	s.sendMu.Unlock()

	s.broker.remove(s)
	return true
}
