package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"smartlibrary/pkg/domain"
	"smartlibrary/pkg/store"
)

const DefaultLoanDays = 14

// DefaultDailyFee is charged per overdue day when a penalty is first created.
var DefaultDailyFee = decimal.New(500, -2)

// Notifier delivers one message to a borrower. Delivery failure is reported
// as false, never as an error.
type Notifier interface {
	Send(ctx context.Context, kind domain.NotificationKind, recipient, subject, body string) bool
}

// UserDirectory resolves borrower contact details. A missing user is
// reported with an error matching ErrNotFound.
type UserDirectory interface {
	ContactInfo(ctx context.Context, userID int64) (domain.ContactInfo, error)
}

// Config holds runtime configuration for the lending core.
type Config struct {
	Store           store.Store
	Directory       UserDirectory
	Notifier        Notifier
	DefaultLoanDays int
	DailyFee        decimal.Decimal
	// Now overrides the clock, mainly for tests.
	Now    func() time.Time
	Logger *slog.Logger
}

// App is the lending service: catalog, loans, penalties and the overdue sweep.
type App struct {
	store     store.Store
	directory UserDirectory
	notifier  Notifier
	loanDays  int
	dailyFee  decimal.Decimal
	now       func() time.Time
	logger    *slog.Logger
}

// New constructs the application. Directory defaults to the store.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("notifier required")
	}
	dir := cfg.Directory
	if dir == nil {
		dir = cfg.Store
	}
	loanDays := cfg.DefaultLoanDays
	if loanDays == 0 {
		loanDays = DefaultLoanDays
	}
	if loanDays < 0 {
		return nil, fmt.Errorf("default loan days out of range: %d", loanDays)
	}
	fee := cfg.DailyFee
	if fee.IsZero() {
		fee = DefaultDailyFee
	}
	if fee.IsNegative() {
		return nil, fmt.Errorf("daily fee must not be negative: %s", fee)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		store:     cfg.Store,
		directory: dir,
		notifier:  cfg.Notifier,
		loanDays:  loanDays,
		dailyFee:  fee.Round(2),
		now:       now,
		logger:    logger,
	}, nil
}

// DefaultLoanDays is the loan period used when the borrower names none.
func (a *App) DefaultLoanDays() int {
	return a.loanDays
}

func (a *App) clock() time.Time {
	return a.now().UTC()
}
