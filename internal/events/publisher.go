// Package events announces resolved classification turns on NATS.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"classifier-chat/internal/domain"
)

// DefaultSubject is where resolved turns are published.
const DefaultSubject = "classifier.turn.resolved"

// conn is the part of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
}

// TurnEvent is the JSON payload published for each resolved turn.
type TurnEvent struct {
	ConversationID string `json:"conversation_id"`
	ProductURL     string `json:"product_url"`
	Outcome        string `json:"outcome"`
	Reply          string `json:"reply"`
	RequestedAt    string `json:"requested_at"`
	ResolvedAt     string `json:"resolved_at"`
	LatencyMS      int64  `json:"latency_ms"`
}

type Publisher struct {
	conn    conn
	subject string
}

// Connect dials NATS with reconnects enabled.
func Connect(url, token string, logger *slog.Logger) (*nats.Conn, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("events: nats url must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name("classifier-chat"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: nats connect: %w", err)
	}
	return nc, nil
}

func NewPublisher(c conn, subject string) (*Publisher, error) {
	if c == nil {
		return nil, errors.New("events: connection must not be nil")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{conn: c, subject: subject}, nil
}

func (p *Publisher) Subject() string {
	return p.subject
}

// TurnResolved publishes turn. Delivery is fire-and-forget.
func (p *Publisher) TurnResolved(_ context.Context, turn domain.Turn) error {
	payload, err := json.Marshal(newTurnEvent(turn))
	if err != nil {
		return fmt.Errorf("events: marshal turn: %w", err)
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		return fmt.Errorf("events: publish %s: %w", p.subject, err)
	}
	return nil
}

func newTurnEvent(turn domain.Turn) TurnEvent {
	return TurnEvent{
		ConversationID: turn.ConversationID,
		ProductURL:     turn.Request.Content,
		Outcome:        string(turn.Reply.Kind),
		Reply:          turn.Reply.Content,
		RequestedAt:    turn.Request.Timestamp.UTC().Format(time.RFC3339Nano),
		ResolvedAt:     turn.Reply.Timestamp.UTC().Format(time.RFC3339Nano),
		LatencyMS:      turn.Reply.Timestamp.Sub(turn.Request.Timestamp).Milliseconds(),
	}
}
