// Package notify publishes timer transition events so other clients of a
// task can refresh without polling. Publishing is strictly best effort:
// the write that triggered the event has already succeeded, and a lost
// event only delays a refresh.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// EventType names a timer transition.
type EventType string

const (
	EventGlobalStarted EventType = "global_started"
	EventGlobalStopped EventType = "global_stopped"
	EventItemStarted   EventType = "item_started"
	EventItemStopped   EventType = "item_stopped"
	EventPaused        EventType = "paused"
	EventResumed       EventType = "resumed"
	EventEntryDeleted  EventType = "entry_deleted"
	EventEntryUpdated  EventType = "entry_updated"
)

// Event is one timer transition on one task.
type Event struct {
	Scope   string    `json:"scope"`
	Type    EventType `json:"type"`
	ItemID  string    `json:"itemId,omitempty"`
	EntryID string    `json:"entryId,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher delivers transition events.
type Publisher interface {
	Publish(event Event) error
	Close()
}

// Noop is the default publisher when notifications are not configured.
type Noop struct{}

func (Noop) Publish(Event) error { return nil }
func (Noop) Close()              {}

// NATSPublisher publishes events to a NATS subject, one per task:
// <subjectPrefix>.<scope>.
type NATSPublisher struct {
	conn          *nats.Conn
	subjectPrefix string
}

// NewNATSPublisher connects to NATS and returns a publisher.
func NewNATSPublisher(url, subjectPrefix string) (*NATSPublisher, error) {
	if subjectPrefix == "" {
		subjectPrefix = "timekeeper.events"
	}
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	slog.Info("NATS publisher initialized", "url", url, "subject_prefix", subjectPrefix)
	return &NATSPublisher{conn: conn, subjectPrefix: subjectPrefix}, nil
}

// Publish sends one event.
func (p *NATSPublisher) Publish(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.subjectPrefix + "." + event.Scope
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
