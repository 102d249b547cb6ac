package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"smartlibrary/pkg/domain"
)

const migrateLockID int64 = 51420337

const sqlitePrefix = "sqlite://"

type GormStoreOptions struct {
	MaxAttempts int
	LockTimeout time.Duration
	LogLevel    gormlogger.LogLevel
}

type GormStoreOption func(*GormStoreOptions)

// WithMaxAttempts bounds how many times a conflicting transaction is re-run.
func WithMaxAttempts(n int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.MaxAttempts = n
	}
}

// WithLockTimeout sets the postgres lock_timeout applied to each transaction.
func WithLockTimeout(d time.Duration) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.LockTimeout = d
	}
}

// WithSQLLogLevel overrides the gorm logger level.
func WithSQLLogLevel(level gormlogger.LogLevel) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.LogLevel = level
	}
}

// GormStore implements Store using GORM on Postgres, or SQLite for
// development and tests.
type GormStore struct {
	db          *gorm.DB
	postgres    bool
	maxAttempts int
	lockTimeout time.Duration
}

// NewGormStore opens the DB and runs auto-migrations. A databaseURL of the
// form sqlite://path selects SQLite; anything else is a postgres DSN.
func NewGormStore(databaseURL string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{
		MaxAttempts: defaultMaxAttempts,
		LockTimeout: 5 * time.Second,
		LogLevel:    gormlogger.Warn,
	}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  opts.LogLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	cfg := &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	isPostgres := !strings.HasPrefix(databaseURL, sqlitePrefix)
	if isPostgres {
		db, err = gorm.Open(postgres.Open(databaseURL), cfg)
	} else {
		db, err = gorm.Open(sqlite.Open(sqliteDSN(strings.TrimPrefix(databaseURL, sqlitePrefix))), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &GormStore{db: db, postgres: isPostgres, maxAttempts: opts.MaxAttempts, lockTimeout: opts.LockTimeout}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	// WAL lets readers proceed next to the single writer; immediate
	// transactions queue writers on the busy timeout.
	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=10000&_txlock=immediate"
}

func (s *GormStore) migrate() error {
	if !s.postgres {
		if err := s.db.AutoMigrate(&UserModel{}, &BookModel{}, &BorrowModel{}, &PenaltyModel{}, &NotificationLogModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	return withMigrationLock(s.db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &BookModel{}, &BorrowModel{}, &PenaltyModel{}, &NotificationLogModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public' AND table_name = 'books'
					AND constraint_name = 'books_copies_check'
				) THEN
					ALTER TABLE books
					ADD CONSTRAINT books_copies_check
					CHECK (total_copies >= 1 AND available_copies >= 0 AND available_copies <= total_copies);
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public' AND table_name = 'borrows'
					AND constraint_name = 'borrows_returned_status_check'
				) THEN
					ALTER TABLE borrows
					ADD CONSTRAINT borrows_returned_status_check
					CHECK ((returned_at IS NULL) = (status <> 'returned'));
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public' AND table_name = 'borrows'
					AND constraint_name = 'borrows_book_id_fkey'
				) THEN
					ALTER TABLE borrows
					ADD CONSTRAINT borrows_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES books(id) ON DELETE RESTRICT;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public' AND table_name = 'penalties'
					AND constraint_name = 'penalties_borrow_id_fkey'
				) THEN
					ALTER TABLE penalties
					ADD CONSTRAINT penalties_borrow_id_fkey
					FOREIGN KEY (borrow_id) REFERENCES borrows(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public' AND table_name = 'notification_logs'
					AND constraint_name = 'notification_logs_borrow_id_fkey'
				) THEN
					ALTER TABLE notification_logs
					ADD CONSTRAINT notification_logs_borrow_id_fkey
					FOREIGN KEY (borrow_id) REFERENCES borrows(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure constraints: %w", err)
		}
		return nil
	})
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn inside a transaction, re-running it on transient conflicts.
func (s *GormStore) WithTx(ctx context.Context, fn func(Tx) error, opts ...TxOption) error {
	o := txOptions{retry: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	attempts := s.maxAttempts
	if !o.retry {
		attempts = 1
	}
	return retryOnConflict(ctx, attempts, func() error {
		return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
			if s.postgres && s.lockTimeout > 0 {
				if err := db.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())).Error; err != nil {
					return fmt.Errorf("set lock timeout: %w", err)
				}
			}
			return fn(&gormTx{db: db, postgres: s.postgres})
		})
	})
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(ctx context.Context, id int64) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ListBooks returns the catalog ordered by title.
func (s *GormStore) ListBooks(ctx context.Context) ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.WithContext(ctx).Order("title ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// GetBorrow retrieves a borrow record.
func (s *GormStore) GetBorrow(ctx context.Context, id int64) (domain.Borrow, bool, error) {
	var model BorrowModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Borrow{}, false, nil
		}
		return domain.Borrow{}, false, err
	}
	return borrowFromModel(model), true, nil
}

// ListBorrows returns every borrow, newest first.
func (s *GormStore) ListBorrows(ctx context.Context) ([]domain.Borrow, error) {
	return s.listBorrows(ctx)
}

// ListBorrowsByUser returns the borrows of one user, newest first.
func (s *GormStore) ListBorrowsByUser(ctx context.Context, userID int64) ([]domain.Borrow, error) {
	return s.listBorrows(ctx, "user_id = ?", userID)
}

func (s *GormStore) listBorrows(ctx context.Context, conds ...any) ([]domain.Borrow, error) {
	var models []BorrowModel
	tx := s.db.WithContext(ctx).Order("borrowed_at DESC, id DESC")
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	return borrowsFromModels(models), nil
}

// ListPenalties returns every penalty, newest first.
func (s *GormStore) ListPenalties(ctx context.Context) ([]domain.Penalty, error) {
	var models []PenaltyModel
	if err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	return penaltiesFromModels(models), nil
}

// ListPenaltiesByUser returns penalties on loans owned by userID.
func (s *GormStore) ListPenaltiesByUser(ctx context.Context, userID int64) ([]domain.Penalty, error) {
	var models []PenaltyModel
	err := s.db.WithContext(ctx).
		Joins("JOIN borrows ON borrows.id = penalties.borrow_id").
		Where("borrows.user_id = ?", userID).
		Order("penalties.created_at DESC, penalties.id DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return penaltiesFromModels(models), nil
}

// ListNotificationLogs returns the most recent delivery attempts.
func (s *GormStore) ListNotificationLogs(ctx context.Context, limit int) ([]domain.NotificationLogEntry, error) {
	var models []NotificationLogModel
	tx := s.db.WithContext(ctx).Order("sent_at DESC, id DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.NotificationLogEntry, 0, len(models))
	for _, m := range models {
		res = append(res, notificationFromModel(m))
	}
	return res, nil
}

// SaveUser inserts a user, or updates it when ID is set.
func (s *GormStore) SaveUser(ctx context.Context, u *domain.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	model := userToModel(*u)
	if err := s.db.WithContext(ctx).Save(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("user %q: %w", u.Username, ErrDuplicate)
		}
		return err
	}
	u.ID = model.ID
	return nil
}

// GetUser returns a user by ID.
func (s *GormStore) GetUser(ctx context.Context, id int64) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ContactInfo resolves the mail address and display name of a borrower.
// A user without an email yields an empty Email, not an error.
func (s *GormStore) ContactInfo(ctx context.Context, userID int64) (domain.ContactInfo, error) {
	u, ok, err := s.GetUser(ctx, userID)
	if err != nil {
		return domain.ContactInfo{}, err
	}
	if !ok {
		return domain.ContactInfo{}, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	info := domain.ContactInfo{DisplayName: u.DisplayName}
	if info.DisplayName == "" {
		info.DisplayName = u.Username
	}
	if u.Email != nil {
		info.Email = *u.Email
	}
	return info, nil
}
