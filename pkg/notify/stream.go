package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"smartlibrary/pkg/domain"
)

const defaultStreamMaxLen = 10000

// StreamConfig configures the Redis stream notifier.
type StreamConfig struct {
	Stream string
	MaxLen int64
	// Timeout bounds a single XADD.
	Timeout time.Duration
	Logger  *slog.Logger
}

// StreamNotifier appends messages to a Redis stream read by the mail
// delivery workers through a consumer group.
type StreamNotifier struct {
	client  redis.UniversalClient
	stream  string
	maxLen  int64
	timeout time.Duration
	logger  *slog.Logger
}

func NewStreamNotifier(client redis.UniversalClient, cfg StreamConfig) (*StreamNotifier, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("notification stream required")
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamNotifier{client: client, stream: stream, maxLen: maxLen, timeout: timeout, logger: logger}, nil
}

// Send adds one entry to the stream.
func (n *StreamNotifier) Send(ctx context.Context, kind domain.NotificationKind, recipient, subject, body string) bool {
	msg, ok := newMessage(kind, recipient, subject, body)
	if !ok {
		n.logger.WarnContext(ctx, "notification dropped, empty recipient", "type", string(kind))
		return false
	}
	addCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.client.XAdd(addCtx, &redis.XAddArgs{
		Stream: n.stream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":         msg.ID,
			"kind":       string(msg.Kind),
			"recipient":  msg.Recipient,
			"subject":    msg.Subject,
			"body":       msg.Body,
			"created_at": msg.CreatedAt.Format(time.RFC3339Nano),
		},
	}).Err(); err != nil {
		n.logger.WarnContext(ctx, "stream publish failed", "id", msg.ID, "type", string(kind), "err", err)
		return false
	}
	return true
}
