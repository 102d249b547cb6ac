// Package notify delivers borrower notifications. Every notifier reports
// delivery failure as false and logs the cause; none of them retries.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"smartlibrary/internal/util"
	"smartlibrary/pkg/domain"
)

// Message is the payload handed to a delivery backend.
type Message struct {
	ID        string                  `json:"id"`
	Kind      domain.NotificationKind `json:"kind"`
	Recipient string                  `json:"recipient"`
	Subject   string                  `json:"subject"`
	Body      string                  `json:"body"`
	CreatedAt time.Time               `json:"createdAt"`
}

func newMessage(kind domain.NotificationKind, recipient, subject, body string) (Message, bool) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return Message{}, false
	}
	return Message{
		ID:        util.NewID(),
		Kind:      kind,
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}, true
}

func (m Message) encode() ([]byte, error) {
	return json.Marshal(m)
}

// LogNotifier writes messages to the structured log. It backs development
// setups without a broker.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Send logs the message and reports success for any non-empty recipient.
func (n *LogNotifier) Send(ctx context.Context, kind domain.NotificationKind, recipient, subject, body string) bool {
	msg, ok := newMessage(kind, recipient, subject, body)
	if !ok {
		n.logger.WarnContext(ctx, "notification dropped, empty recipient", "type", string(kind))
		return false
	}
	n.logger.InfoContext(ctx, "notification",
		"id", msg.ID,
		"type", string(msg.Kind),
		"recipient", msg.Recipient,
		"subject", msg.Subject,
		"body_bytes", len(msg.Body),
	)
	return true
}
