// ABOUTME: NATS publisher for outcome events.
// ABOUTME: Events go to "<subject>.<tenant>" as JSON.

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes outcome events to NATS subjects.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// Connect dials a NATS server for publishing outcome events.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("coven-router"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return nc, nil
}

// NewNATSPublisher creates a publisher on nc. An empty subject uses DefaultSubject.
func NewNATSPublisher(nc *nats.Conn, subject string, logger *slog.Logger) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{nc: nc, subject: strings.TrimSuffix(subject, "."), logger: logger}
}

// Subject returns the subject used for a tenant's events.
func (p *NATSPublisher) Subject(tenantID string) string {
	return p.subject + "." + subjectToken(tenantID)
}

// PublishOutcome publishes the event to the tenant's subject.
func (p *NATSPublisher) PublishOutcome(_ context.Context, event *OutcomeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding outcome event: %w", err)
	}

	subject := p.Subject(event.TenantID)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}

	p.logger.Debug("published outcome event", "subject", subject, "run_id", event.RunID)
	return nil
}

// subjectToken makes a tenant id safe to use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
