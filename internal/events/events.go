// Package events publishes build lifecycle events to NATS when configured.
// Publishing is fire-and-forget: a broken broker never fails a build.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/bookpub/internal/config"
	"git.home.luguber.info/inful/bookpub/internal/logfields"
	"github.com/nats-io/nats.go"
)

// BuildEvent is the JSON payload published per lifecycle transition.
type BuildEvent struct {
	JobID     string    `json:"job_id"`
	Service   string    `json:"service"`
	Book      string    `json:"book"`
	Outcome   string    `json:"outcome"` // started|succeeded|failed
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher emits build events. The zero value (or nil) is a disabled
// publisher.
type Publisher struct {
	conn    *nats.Conn
	subject string
}

// Connect establishes the NATS connection. Returns nil when no URL is
// configured, which callers treat as "publishing disabled".
func Connect(cfg config.NATSConfig) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	conn, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	slog.Info("NATS event publishing enabled", logfields.URL(cfg.URL), slog.String("subject", cfg.Subject))
	return &Publisher{conn: conn, subject: cfg.Subject}, nil
}

// Publish emits one event on <subject>.<service>.<outcome>. Failures are
// logged and swallowed.
func (p *Publisher) Publish(ev BuildEvent) {
	if p == nil || p.conn == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Failed to marshal build event", logfields.Error(err))
		return
	}
	subject := fmt.Sprintf("%s.%s.%s", p.subject, ev.Service, ev.Outcome)
	if err := p.conn.Publish(subject, data); err != nil {
		slog.Warn("Failed to publish build event", slog.String("subject", subject), logfields.Error(err))
	}
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	_ = p.conn.Drain()
}
