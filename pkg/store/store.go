package store

import (
	"context"
	"errors"
	"time"

	"smartlibrary/pkg/domain"
)

var (
	// ErrConflict is returned when a transaction kept losing to concurrent
	// writers (deadlock, serialization failure, lock timeout) after retries.
	ErrConflict = errors.New("store: concurrent update conflict")
	// ErrDuplicate is returned when a write violates a unique constraint.
	ErrDuplicate = errors.New("store: duplicate key")
	// ErrNotFound is returned by lookups that have no (value, ok) form.
	ErrNotFound = errors.New("not found")
)

// Store defines persistence operations for the lending backend. Reads run
// outside any transaction; every write goes through WithTx.
type Store interface {
	// WithTx runs fn in a single transaction. fn may be re-run when the
	// database reports a transient conflict unless WithoutRetry is given.
	WithTx(ctx context.Context, fn func(Tx) error, opts ...TxOption) error

	// books
	GetBook(ctx context.Context, id int64) (domain.Book, bool, error)
	ListBooks(ctx context.Context) ([]domain.Book, error)

	// borrows
	GetBorrow(ctx context.Context, id int64) (domain.Borrow, bool, error)
	ListBorrows(ctx context.Context) ([]domain.Borrow, error)
	ListBorrowsByUser(ctx context.Context, userID int64) ([]domain.Borrow, error)

	// penalties
	ListPenalties(ctx context.Context) ([]domain.Penalty, error)
	ListPenaltiesByUser(ctx context.Context, userID int64) ([]domain.Penalty, error)

	// notification log
	ListNotificationLogs(ctx context.Context, limit int) ([]domain.NotificationLogEntry, error)

	// users
	SaveUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id int64) (domain.User, bool, error)
	// ContactInfo returns ErrNotFound when the user does not exist.
	ContactInfo(ctx context.Context, userID int64) (domain.ContactInfo, error)

	Close() error
}

// Tx is the set of operations available inside one transaction. Lock*
// methods take a row lock held until the transaction ends.
type Tx interface {
	GetBook(id int64) (domain.Book, bool, error)
	LockBook(id int64) (domain.Book, bool, error)
	CreateBook(b *domain.Book) error
	UpdateBook(b domain.Book) error
	// DeleteBook removes the book together with its closed loan history.
	DeleteBook(id int64) error
	CountOpenBorrows(bookID int64) (int64, error)

	CreateBorrow(b *domain.Borrow) error
	GetBorrow(id int64) (domain.Borrow, bool, error)
	LockBorrow(id int64) (domain.Borrow, bool, error)
	UpdateBorrow(b domain.Borrow) error
	// MarkOverdue flags a still-open loan as overdue. It reports false when
	// the loan was closed in the meantime.
	MarkOverdue(id int64) (bool, error)
	ListOverdue(now time.Time) ([]domain.Borrow, error)
	ListDueSoon(from, until time.Time) ([]domain.Borrow, error)

	LockPenalty(id int64) (domain.Penalty, bool, error)
	LockPenaltyByBorrow(borrowID int64) (domain.Penalty, bool, error)
	CreatePenalty(p *domain.Penalty) error
	UpdatePenalty(p domain.Penalty) error

	AppendNotificationLog(e *domain.NotificationLogEntry) error

	// Savepoint runs fn in a nested transaction. An error rolls back only
	// the work done inside fn.
	Savepoint(fn func(Tx) error) error
}

type txOptions struct {
	retry bool
}

// TxOption tunes a WithTx call.
type TxOption func(*txOptions)

// WithoutRetry runs the transaction once. Use it when fn has side effects
// outside the database.
func WithoutRetry() TxOption {
	return func(o *txOptions) { o.retry = false }
}
