package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"smartlibrary/pkg/domain"
	"smartlibrary/pkg/store"
)

func TestSweepWorkedExample(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.addUser(t, "ana", strPtr("ana@example.com"))
	book := env.addBook(t, 1)
	borrowID := openOverdueLoan(t, env, user.ID, book.ID, 3)

	report, err := env.app.RunSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Overdue != 1 || report.PenaltiesChanged != 1 || report.OverdueSent != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	penalties, err := env.app.ListPenaltiesByUser(ctx, user.ID)
	if err != nil || len(penalties) != 1 {
		t.Fatalf("expected one penalty, got %d err=%v", len(penalties), err)
	}
	if penalties[0].DaysOverdue != 3 || penalties[0].Amount.StringFixed(2) != "15.00" {
		t.Fatalf("unexpected penalty %+v", penalties[0])
	}
	loan, err := env.app.GetBorrow(ctx, borrowID, admin)
	if err != nil || loan.Status != domain.BorrowOverdue {
		t.Fatalf("expected overdue status, got %+v err=%v", loan, err)
	}
	if env.book(t, book.ID).AvailableCopies != 0 {
		t.Fatalf("overdue status must not touch stock")
	}
	if env.notifier.count(domain.NotifyOverdue) != 1 {
		t.Fatalf("expected one overdue mail")
	}
	if body := env.notifier.sent[0].body; !strings.Contains(body, "15.00") || !strings.Contains(body, book.Title) {
		t.Fatalf("unexpected mail body %q", body)
	}

	if _, err := env.app.PayPenalty(ctx, penalties[0].ID, domain.Actor{UserID: user.ID, Role: domain.RoleUser}); err != nil {
		t.Fatalf("pay: %v", err)
	}
	env.clock.Advance(24 * time.Hour)
	report, err = env.app.RunSweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if report.PenaltiesChanged != 0 {
		t.Fatalf("paid penalty must not change, report %+v", report)
	}
	penalties, _ = env.app.ListPenaltiesByUser(ctx, user.ID)
	if penalties[0].Amount.StringFixed(2) != "15.00" || penalties[0].DaysOverdue != 3 {
		t.Fatalf("paid penalty changed: %+v", penalties[0])
	}
}

func TestSweepAccruesDaily(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.addUser(t, "ana", strPtr("ana@example.com"))
	book := env.addBook(t, 1)
	openOverdueLoan(t, env, user.ID, book.ID, 1)

	if _, err := env.app.RunSweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	report, err := env.app.RunSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.PenaltiesChanged != 0 {
		t.Fatalf("same-day sweep must not rewrite penalty: %+v", report)
	}
	env.clock.Advance(48 * time.Hour)
	report, err = env.app.RunSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.PenaltiesChanged != 1 {
		t.Fatalf("expected accrual after two days: %+v", report)
	}
	penalties, _ := env.app.ListPenaltiesByUser(ctx, user.ID)
	if penalties[0].DaysOverdue != 3 || penalties[0].Amount.StringFixed(2) != "15.00" {
		t.Fatalf("unexpected penalty %+v", penalties[0])
	}
}

func TestSweepMissingContact(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	noEmail := env.addUser(t, "ghost", nil)
	book := env.addBook(t, 2)
	if _, err := env.app.OpenLoan(ctx, noEmail.ID, book.ID, 1); err != nil {
		t.Fatalf("open loan: %v", err)
	}
	// No user row at all for this borrower.
	if _, err := env.app.OpenLoan(ctx, 4242, book.ID, 1); err != nil {
		t.Fatalf("open loan: %v", err)
	}
	env.clock.Advance(3 * 24 * time.Hour)

	report, err := env.app.RunSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Overdue != 2 || report.Failed != 2 || report.OverdueSent != 0 || report.PenaltiesChanged != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	logs, err := env.app.ListNotifications(ctx, admin, 10)
	if err != nil || len(logs) != 2 {
		t.Fatalf("expected two log rows, got %d err=%v", len(logs), err)
	}
	for _, entry := range logs {
		if entry.Success || entry.Error == nil || *entry.Error != "missing contact" || entry.Email != nil {
			t.Fatalf("unexpected log row %+v", entry)
		}
	}
}

func TestSweepDueSoonAndDeliveryFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.addUser(t, "ana", strPtr("ana@example.com"))
	book := env.addBook(t, 3)
	if _, err := env.app.OpenLoan(ctx, user.ID, book.ID, 1); err != nil {
		t.Fatalf("open loan: %v", err)
	}
	far, err := env.app.OpenLoan(ctx, user.ID, book.ID, 14)
	if err != nil {
		t.Fatalf("open loan: %v", err)
	}
	env.clock.Advance(time.Hour)

	report, err := env.app.RunSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Overdue != 0 || report.DueSoon != 1 || report.DueSoonSent != 1 || report.PenaltiesChanged != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if env.notifier.count(domain.NotifyDueSoon) != 1 {
		t.Fatalf("expected one due-soon mail")
	}

	env.notifier.fail = true
	report, err = env.app.RunSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.DueSoonSent != 0 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	logs, _ := env.app.ListNotifications(ctx, admin, 10)
	if len(logs) != 2 {
		t.Fatalf("expected two log rows, got %d", len(logs))
	}
	latest := logs[0]
	if latest.Success || latest.Error == nil || *latest.Error != "delivery failed" || latest.Email == nil {
		t.Fatalf("unexpected failure row %+v", latest)
	}
	for _, entry := range logs {
		if entry.BorrowID == far.BorrowID {
			t.Fatalf("loan due in two weeks was notified")
		}
	}
}

func TestSweepIgnoresReturnedLoans(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.addUser(t, "ana", strPtr("ana@example.com"))
	book := env.addBook(t, 1)
	borrowID := openOverdueLoan(t, env, user.ID, book.ID, 2)
	if _, err := env.app.CloseLoan(ctx, borrowID, domain.Actor{UserID: user.ID, Role: domain.RoleUser}); err != nil {
		t.Fatalf("close: %v", err)
	}
	report, err := env.app.RunSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Overdue != 0 || len(env.notifier.sent) != 0 {
		t.Fatalf("returned loan swept: %+v", report)
	}
	loan, _ := env.app.GetBorrow(ctx, borrowID, admin)
	if loan.Status != domain.BorrowReturned {
		t.Fatalf("returned loan changed status to %s", loan.Status)
	}
}

type brokenDirectory struct{}

func (brokenDirectory) ContactInfo(context.Context, int64) (domain.ContactInfo, error) {
	return domain.ContactInfo{}, errors.New("directory unreachable")
}

func TestSweepDirectoryOutageIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.app.directory = brokenDirectory{}
	book := env.addBook(t, 1)
	openOverdueLoan(t, env, alice.UserID, book.ID, 1)

	report, err := env.app.RunSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Failed != 1 || report.PenaltiesChanged != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	logs, _ := env.app.ListNotifications(ctx, admin, 10)
	if len(logs) != 1 || logs[0].Error == nil || !strings.Contains(*logs[0].Error, "directory unreachable") {
		t.Fatalf("unexpected log rows %+v", logs)
	}
}

// faultyStore fails notification log writes for one borrow, and book
// reads when bookErr is set.
type faultyStore struct {
	*store.GormStore
	failBorrow int64
	bookErr    error
}

func (s *faultyStore) WithTx(ctx context.Context, fn func(store.Tx) error, opts ...store.TxOption) error {
	return s.GormStore.WithTx(ctx, func(tx store.Tx) error {
		return fn(&faultyTx{Tx: tx, failBorrow: s.failBorrow, bookErr: s.bookErr})
	}, opts...)
}

type faultyTx struct {
	store.Tx
	failBorrow int64
	bookErr    error
}

func (t *faultyTx) GetBook(id int64) (domain.Book, bool, error) {
	if t.bookErr != nil {
		return domain.Book{}, false, t.bookErr
	}
	return t.Tx.GetBook(id)
}

func (t *faultyTx) AppendNotificationLog(e *domain.NotificationLogEntry) error {
	if e.BorrowID == t.failBorrow {
		return errors.New("disk full")
	}
	return t.Tx.AppendNotificationLog(e)
}

func (t *faultyTx) Savepoint(fn func(store.Tx) error) error {
	return t.Tx.Savepoint(func(inner store.Tx) error {
		return fn(&faultyTx{Tx: inner, failBorrow: t.failBorrow, bookErr: t.bookErr})
	})
}

func TestSweepIsolatesFailingLoan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.addUser(t, "ana", strPtr("ana@example.com"))
	book := env.addBook(t, 2)
	bad, err := env.app.OpenLoan(ctx, user.ID, book.ID, 1)
	if err != nil {
		t.Fatalf("open loan: %v", err)
	}
	good, err := env.app.OpenLoan(ctx, user.ID, book.ID, 1)
	if err != nil {
		t.Fatalf("open loan: %v", err)
	}
	env.clock.Advance(3 * 24 * time.Hour)
	env.app.store = &faultyStore{GormStore: env.store, failBorrow: bad.BorrowID}

	report, err := env.app.RunSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Failed != 1 || report.OverdueSent != 1 || report.PenaltiesChanged != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	badLoan, _ := env.app.GetBorrow(ctx, bad.BorrowID, admin)
	if badLoan.Status != domain.BorrowActive {
		t.Fatalf("failed loan must roll back to its savepoint, status=%s", badLoan.Status)
	}
	goodLoan, _ := env.app.GetBorrow(ctx, good.BorrowID, admin)
	if goodLoan.Status != domain.BorrowOverdue {
		t.Fatalf("healthy loan not processed, status=%s", goodLoan.Status)
	}
	penalties, _ := env.app.ListPenalties(ctx, admin)
	if len(penalties) != 1 || penalties[0].BorrowID != good.BorrowID {
		t.Fatalf("unexpected penalties %+v", penalties)
	}
}

func TestSweepBookLookupFailureFailsLoan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.addUser(t, "ana", strPtr("ana@example.com"))
	book := env.addBook(t, 1)
	receipt, err := env.app.OpenLoan(ctx, user.ID, book.ID, 1)
	if err != nil {
		t.Fatalf("open loan: %v", err)
	}
	env.clock.Advance(3 * 24 * time.Hour)
	env.app.store = &faultyStore{GormStore: env.store, bookErr: errors.New("catalog offline")}

	report, err := env.app.RunSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Failed != 1 || report.OverdueSent != 0 || report.PenaltiesChanged != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := env.notifier.count(domain.NotifyOverdue); got != 0 {
		t.Fatalf("no mail expected when the book cannot be read, sent %d", got)
	}
	logs, _ := env.app.ListNotifications(ctx, admin, 10)
	if len(logs) != 1 || logs[0].BorrowID != receipt.BorrowID || logs[0].Error == nil ||
		!strings.Contains(*logs[0].Error, "catalog offline") {
		t.Fatalf("unexpected log rows %+v", logs)
	}
}

func TestTruncateUTF8KeepsRunesWhole(t *testing.T) {
	long := strings.Repeat("a", 499) + "é" + "tail"
	got := truncateUTF8(long, 500)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated reason is not valid utf-8: %q", got[len(got)-4:])
	}
	if len(got) != 499 {
		t.Fatalf("len = %d, want 499", len(got))
	}
	if truncateUTF8("short", 500) != "short" {
		t.Fatalf("short reason must be unchanged")
	}

	env := newTestEnv(t)
	ctx := context.Background()
	book := env.addBook(t, 1)
	receipt, err := env.app.OpenLoan(ctx, alice.UserID, book.ID, 1)
	if err != nil {
		t.Fatalf("open loan: %v", err)
	}
	loan := domain.Borrow{ID: receipt.BorrowID, UserID: alice.UserID, BookID: book.ID}
	cause := errors.New(strings.Repeat("ü", 400))
	err = env.store.WithTx(ctx, func(tx store.Tx) error {
		env.app.recordLoanFailure(tx, loan, domain.NotifyOverdue, cause, false, env.clock.Now())
		return nil
	})
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	logs, _ := env.app.ListNotifications(ctx, admin, 10)
	if len(logs) != 1 || logs[0].Error == nil {
		t.Fatalf("unexpected log rows %+v", logs)
	}
	if reason := *logs[0].Error; len(reason) > 500 || !utf8.ValidString(reason) {
		t.Fatalf("stored reason len=%d valid=%v", len(reason), utf8.ValidString(reason))
	}
}
