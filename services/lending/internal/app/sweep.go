package app

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"smartlibrary/pkg/domain"
	"smartlibrary/pkg/store"
)

const (
	dueSoonWindow = 24 * time.Hour

	logMissingContact = "missing contact"
	logDeliveryFailed = "delivery failed"

	maxReasonBytes = 500
)

// SweepReport summarises one overdue sweep.
type SweepReport struct {
	StartedAt        time.Time `json:"startedAt"`
	Overdue          int       `json:"overdue"`
	DueSoon          int       `json:"dueSoon"`
	PenaltiesChanged int       `json:"penaltiesChanged"`
	OverdueSent      int       `json:"overdueSent"`
	DueSoonSent      int       `json:"dueSoonSent"`
	Failed           int       `json:"failed"`
}

// loanOutcome is merged into the report only once its savepoint committed.
type loanOutcome struct {
	skipped        bool
	penaltyChanged bool
	sent           bool
	failed         bool
}

// attempt is one delivery made during the run, kept so a rolled back run
// can still account for mail that physically left.
type attempt struct {
	borrowID int64
	kind     domain.NotificationKind
	email    string
}

// RunSweep marks overdue loans, accrues their penalties and notifies
// borrowers of overdue and due-soon loans. All writes commit together; a
// failing loan is rolled back to its savepoint, recorded and skipped.
func (a *App) RunSweep(ctx context.Context) (SweepReport, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	now := a.clock()
	report := SweepReport{StartedAt: now}
	var delivered []attempt

	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		overdue, err := tx.ListOverdue(now)
		if err != nil {
			return fmt.Errorf("list overdue: %w", err)
		}
		dueSoon, err := tx.ListDueSoon(now, now.Add(dueSoonWindow))
		if err != nil {
			return fmt.Errorf("list due soon: %w", err)
		}
		report.Overdue = len(overdue)
		report.DueSoon = len(dueSoon)

		for _, loan := range overdue {
			var out loanOutcome
			sentBefore := len(delivered)
			err := tx.Savepoint(func(sp store.Tx) error {
				var err error
				out, err = a.sweepOverdueLoan(ctx, sp, loan, now, &delivered)
				return err
			})
			if err != nil {
				a.recordLoanFailure(tx, loan, domain.NotifyOverdue, err, len(delivered) > sentBefore, now)
				report.Failed++
				continue
			}
			if out.skipped {
				report.Overdue--
				continue
			}
			if out.penaltyChanged {
				report.PenaltiesChanged++
			}
			if out.sent {
				report.OverdueSent++
			}
			if out.failed {
				report.Failed++
			}
		}

		for _, loan := range dueSoon {
			var out loanOutcome
			sentBefore := len(delivered)
			err := tx.Savepoint(func(sp store.Tx) error {
				var err error
				out, err = a.notifyLoan(ctx, sp, loan, domain.NotifyDueSoon, nil, now, &delivered)
				return err
			})
			if err != nil {
				a.recordLoanFailure(tx, loan, domain.NotifyDueSoon, err, len(delivered) > sentBefore, now)
				report.Failed++
				continue
			}
			if out.sent {
				report.DueSoonSent++
			}
			if out.failed {
				report.Failed++
			}
		}
		return nil
	}, store.WithoutRetry())
	if err != nil {
		for _, d := range delivered {
			a.logger.Error("notification delivered but its log entry was rolled back",
				"borrow_id", d.borrowID, "type", string(d.kind), "email", d.email)
		}
		return SweepReport{}, fmt.Errorf("sweep: %w", err)
	}

	a.logger.Info("overdue sweep finished",
		"overdue", report.Overdue,
		"due_soon", report.DueSoon,
		"penalty_changed", report.PenaltiesChanged,
		"overdue_sent", report.OverdueSent,
		"due_soon_sent", report.DueSoonSent,
		"failed", report.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report, nil
}

func (a *App) sweepOverdueLoan(ctx context.Context, tx store.Tx, loan domain.Borrow, now time.Time, delivered *[]attempt) (loanOutcome, error) {
	stillOpen, err := tx.MarkOverdue(loan.ID)
	if err != nil {
		return loanOutcome{}, fmt.Errorf("mark overdue: %w", err)
	}
	if !stillOpen {
		// Returned between the listing and the row lock.
		return loanOutcome{skipped: true}, nil
	}
	loan.Status = domain.BorrowOverdue
	penalty, changed, err := UpsertForBorrow(tx, loan, now, a.dailyFee)
	if err != nil {
		return loanOutcome{}, err
	}
	out, err := a.notifyLoan(ctx, tx, loan, domain.NotifyOverdue, penalty, now, delivered)
	out.penaltyChanged = changed
	return out, err
}

// notifyLoan resolves the borrower, sends one message and appends the
// attempt to the notification log.
func (a *App) notifyLoan(ctx context.Context, tx store.Tx, loan domain.Borrow, kind domain.NotificationKind, penalty *domain.Penalty, now time.Time, delivered *[]attempt) (loanOutcome, error) {
	entry := domain.NotificationLogEntry{BorrowID: loan.ID, Kind: kind, SentAt: now}

	contact, err := a.directory.ContactInfo(ctx, loan.UserID)
	switch {
	case err != nil && !errors.Is(err, ErrNotFound):
		reason := fmt.Sprintf("contact lookup: %v", err)
		entry.Message = logMissingContact
		entry.Error = &reason
		a.logger.Warn("contact lookup failed", "borrow_id", loan.ID, "user_id", loan.UserID, "err", fmt.Errorf("%w: %v", ErrExternalService, err))
		return loanOutcome{failed: true}, appendLog(tx, &entry)
	case err != nil || contact.Email == "":
		reason := logMissingContact
		entry.Message = logMissingContact
		entry.Error = &reason
		return loanOutcome{failed: true}, appendLog(tx, &entry)
	}

	title := fmt.Sprintf("Book #%d", loan.BookID)
	book, ok, err := tx.GetBook(loan.BookID)
	if err != nil {
		return loanOutcome{}, fmt.Errorf("load book %d: %w", loan.BookID, err)
	}
	if ok {
		title = book.Title
	}
	subject, body := composeMessage(kind, contact, title, loan.DueDate, penalty)

	email := contact.Email
	entry.Email = &email
	sent := a.notifier.Send(ctx, kind, email, subject, body)
	if sent {
		*delivered = append(*delivered, attempt{borrowID: loan.ID, kind: kind, email: email})
		entry.Message = "mail sent"
		entry.Success = true
	} else {
		reason := logDeliveryFailed
		entry.Message = "mail not sent"
		entry.Error = &reason
	}
	if err := appendLog(tx, &entry); err != nil {
		return loanOutcome{}, err
	}
	return loanOutcome{sent: sent, failed: !sent}, nil
}

// recordLoanFailure logs a loan whose processing was rolled back. The row
// is best effort; a failure here only produces a log record.
func (a *App) recordLoanFailure(tx store.Tx, loan domain.Borrow, kind domain.NotificationKind, cause error, wasDelivered bool, now time.Time) {
	a.logger.Warn("sweep loan failed", "borrow_id", loan.ID, "type", string(kind), "delivered", wasDelivered, "err", cause)
	reason := truncateUTF8(cause.Error(), maxReasonBytes)
	entry := domain.NotificationLogEntry{
		BorrowID: loan.ID,
		Kind:     kind,
		Message:  "processing failed",
		Success:  wasDelivered,
		Error:    &reason,
		SentAt:   now,
	}
	err := tx.Savepoint(func(sp store.Tx) error {
		return sp.AppendNotificationLog(&entry)
	})
	if err != nil {
		a.logger.Error("record sweep failure", "borrow_id", loan.ID, "err", err)
	}
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func appendLog(tx store.Tx, entry *domain.NotificationLogEntry) error {
	if err := tx.AppendNotificationLog(entry); err != nil {
		return fmt.Errorf("append notification log: %w", err)
	}
	return nil
}

func composeMessage(kind domain.NotificationKind, to domain.ContactInfo, title string, due time.Time, penalty *domain.Penalty) (string, string) {
	name := to.DisplayName
	if name == "" {
		name = "reader"
	}
	dueText := due.UTC().Format("2006-01-02")
	if kind == domain.NotifyDueSoon {
		return "Library: due date approaching", fmt.Sprintf(
			"Hello %s,\n\nThe loan of '%s' is due soon.\nDue date: %s\n\nPlease remember to return it.\n",
			name, title, dueText)
	}
	body := fmt.Sprintf(
		"Hello %s,\n\nThe due date of '%s' has passed.\nDue date: %s\n",
		name, title, dueText)
	if penalty != nil && !penalty.IsPaid && penalty.DaysOverdue > 0 {
		body += fmt.Sprintf("Days overdue: %d\nPenalty so far: %s\n", penalty.DaysOverdue, penalty.Amount.StringFixed(2))
	}
	body += "\nPlease return it as soon as possible.\n"
	return "Library: overdue book return", body
}
