package natsclient

import (
	"context"
	"encoding/json"

	"github.com/c360/tokenstream/errors"
	"github.com/c360/tokenstream/session"
)

// subjectPrefix roots every session event subject.
const subjectPrefix = "tokenstream.sessions"

// EventPublisher fans session lifecycle events out over NATS. It
// implements session.Publisher; the manager calls it whenever a
// session reaches a terminal state.
type EventPublisher struct {
	client *Client
}

// NewEventPublisher creates a publisher over an established client.
func NewEventPublisher(client *Client) (*EventPublisher, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "EventPublisher", "New",
			"NATS client is required")
	}
	return &EventPublisher{client: client}, nil
}

// PublishSessionEvent publishes a terminal session snapshot on
// tokenstream.sessions.<state>, so subscribers can filter by outcome.
func (p *EventPublisher) PublishSessionEvent(ctx context.Context, snap session.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "EventPublisher", "PublishSessionEvent", "marshal snapshot")
	}

	subject := SessionSubject(string(snap.State))
	if err := p.client.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "EventPublisher", "PublishSessionEvent",
			"publish to "+subject)
	}
	return nil
}

// SessionSubject returns the subject for a session state.
func SessionSubject(state string) string {
	if state == "" {
		state = "unknown"
	}
	return subjectPrefix + "." + state
}
