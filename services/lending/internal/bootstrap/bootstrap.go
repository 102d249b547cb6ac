// Package bootstrap builds the lending service's dependency graph from
// configuration. It is shared by the HTTP server and lendingctl.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"smartlibrary/internal/ratelimit"
	"smartlibrary/pkg/lease"
	"smartlibrary/pkg/notify"
	"smartlibrary/pkg/store"
	"smartlibrary/services/lending/internal/app"
	"smartlibrary/services/lending/internal/config"
	"smartlibrary/services/lending/internal/security"
)

const (
	sweepLeaseKey    = "smartlibrary:lending:sweep-lease"
	borrowLimitKey   = "smartlibrary:lending:ratelimit:borrow"
	alertPrefix      = "smartlibrary:lending:alerts"
	redisPingTimeout = 3 * time.Second
)

// Deps holds every long-lived collaborator. Close releases them in reverse
// order of construction.
type Deps struct {
	Store         *store.GormStore
	Redis         redis.UniversalClient
	Notifier      app.Notifier
	App           *app.App
	SweepLease    app.Lease
	BorrowLimiter *ratelimit.FixedWindowLimiter
	Alerter       *security.AuditAlerter

	closers []func() error
}

// Open connects to the database, Redis and the notification backend.
func Open(ctx context.Context, cfg config.FileConfig, logger *slog.Logger) (*Deps, error) {
	d := &Deps{}
	ok := false
	defer func() {
		if !ok {
			_ = d.Close()
		}
	}()

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.Store = st
	d.closers = append(d.closers, st.Close)

	if strings.TrimSpace(cfg.RedisAddr) != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		d.closers = append(d.closers, client.Close)
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		d.Redis = client

		l, err := lease.NewRedisLease(client, sweepLeaseKey)
		if err != nil {
			return nil, err
		}
		d.SweepLease = l
		alerter, err := security.NewAuditAlerter(client, alertPrefix)
		if err != nil {
			return nil, err
		}
		d.Alerter = alerter
		if cfg.BorrowRateLimitPerMinute > 0 {
			limiter, err := ratelimit.NewFixedWindowLimiter(client, borrowLimitKey, cfg.BorrowRateLimitPerMinute, time.Minute)
			if err != nil {
				return nil, fmt.Errorf("init borrow limiter: %w", err)
			}
			d.BorrowLimiter = limiter
		}
	}

	n, err := NewNotifier(cfg, d.Redis, logger)
	if err != nil {
		return nil, err
	}
	d.Notifier = n
	if c, isCloser := n.(interface{ Close() error }); isCloser {
		d.closers = append(d.closers, c.Close)
	}

	a, err := app.New(app.Config{
		Store:           st,
		Notifier:        n,
		DefaultLoanDays: cfg.DefaultLoanDays,
		DailyFee:        cfg.DailyFeeAmount(),
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init app: %w", err)
	}
	d.App = a
	ok = true
	return d, nil
}

// NewNotifier builds the configured delivery backend.
func NewNotifier(cfg config.FileConfig, client redis.UniversalClient, logger *slog.Logger) (app.Notifier, error) {
	switch cfg.Notifier {
	case "", config.NotifierLog:
		return notify.NewLogNotifier(logger), nil
	case config.NotifierAMQP:
		n, err := notify.NewAMQPNotifier(notify.AMQPConfig{URL: cfg.AMQPURL, Queue: cfg.AMQPQueue, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("init amqp notifier: %w", err)
		}
		return n, nil
	case config.NotifierStream:
		if client == nil {
			return nil, errors.New("stream notifier requires redis")
		}
		n, err := notify.NewStreamNotifier(client, notify.StreamConfig{Stream: cfg.NotifyStream, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("init stream notifier: %w", err)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unknown notifier %q", cfg.Notifier)
	}
}

// NewScheduler builds the sweep scheduler with the configured timings.
func (d *Deps) NewScheduler(cfg config.FileConfig, logger *slog.Logger) *app.Scheduler {
	interval, grace, ttl := cfg.SweepDurations()
	return app.NewScheduler(d.App, app.SchedulerConfig{
		Interval:     interval,
		MisfireGrace: grace,
		LeaseTTL:     ttl,
		Lease:        d.SweepLease,
		Logger:       logger,
	})
}

// Close releases all resources.
func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
