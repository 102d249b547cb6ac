package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"smartlibrary/pkg/domain"
)

// channel is the slice of *amqp.Channel the notifier uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// AMQPConfig configures the broker-backed notifier.
type AMQPConfig struct {
	URL            string
	Queue          string
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

// AMQPNotifier publishes messages to a durable RabbitMQ queue consumed by
// the mail delivery service.
type AMQPNotifier struct {
	url     string
	queue   string
	timeout time.Duration
	logger  *slog.Logger
	dial    func(url, queue string) (channel, closer, error)

	mu   sync.Mutex
	conn closer
	ch   channel
}

// closer is the connection handle closed on shutdown.
type closer interface {
	Close() error
}

// NewAMQPNotifier connects to the broker and declares the queue.
func NewAMQPNotifier(cfg AMQPConfig) (*AMQPNotifier, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	queue := strings.TrimSpace(cfg.Queue)
	if queue == "" {
		queue = "smartlibrary.notifications"
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := &AMQPNotifier{url: url, queue: queue, timeout: timeout, logger: logger, dial: dialAMQP}
	if err := n.connect(); err != nil {
		return nil, err
	}
	return n, nil
}

func dialAMQP(url, queue string) (channel, closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return ch, conn, nil
}

// connect drops the previous connection, which a channel-level exception
// leaves open, and dials a fresh one. Callers hold mu.
func (n *AMQPNotifier) connect() error {
	if n.conn != nil {
		if err := n.conn.Close(); err != nil {
			n.logger.Debug("close stale amqp connection", "err", err)
		}
		n.conn, n.ch = nil, nil
	}
	ch, conn, err := n.dial(n.url, n.queue)
	if err != nil {
		return err
	}
	n.ch = ch
	n.conn = conn
	return nil
}

// Send publishes one persistent message. A closed channel is redialled
// once before giving up.
func (n *AMQPNotifier) Send(ctx context.Context, kind domain.NotificationKind, recipient, subject, body string) bool {
	msg, ok := newMessage(kind, recipient, subject, body)
	if !ok {
		n.logger.WarnContext(ctx, "notification dropped, empty recipient", "type", string(kind))
		return false
	}
	payload, err := msg.encode()
	if err != nil {
		n.logger.ErrorContext(ctx, "encode notification", "err", err)
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch == nil || n.ch.IsClosed() {
		if err := n.connect(); err != nil {
			n.logger.WarnContext(ctx, "amqp reconnect failed", "err", err)
			return false
		}
	}
	pubCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	err = n.ch.PublishWithContext(pubCtx, "", n.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.CreatedAt,
		Type:         string(msg.Kind),
		Body:         payload,
	})
	if err != nil {
		n.logger.WarnContext(ctx, "amqp publish failed", "id", msg.ID, "type", string(kind), "err", err)
		return false
	}
	return true
}

// Close shuts the broker connection.
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	err := n.conn.Close()
	n.conn, n.ch = nil, nil
	return err
}
