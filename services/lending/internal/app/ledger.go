package app

import (
	"context"
	"fmt"
	"time"

	"smartlibrary/pkg/domain"
	"smartlibrary/pkg/store"
)

// LoanReceipt is the result of opening a loan.
type LoanReceipt struct {
	BorrowID int64     `json:"borrowId"`
	DueDate  time.Time `json:"dueDate"`
}

// ReturnReceipt is the result of closing a loan. Penalty is set when the
// return was late.
type ReturnReceipt struct {
	ReturnedAt time.Time       `json:"returnedAt"`
	Penalty    *domain.Penalty `json:"penalty,omitempty"`
}

// OpenLoan lends one copy of bookID to userID for loanDays days.
func (a *App) OpenLoan(ctx context.Context, userID, bookID int64, loanDays int) (LoanReceipt, error) {
	if loanDays <= 0 {
		return LoanReceipt{}, fmt.Errorf("loan days %d: %w", loanDays, ErrInvalidArgument)
	}
	if userID <= 0 {
		return LoanReceipt{}, fmt.Errorf("user id %d: %w", userID, ErrInvalidArgument)
	}
	now := a.clock()
	due := now.AddDate(0, 0, loanDays)
	if !due.After(now) {
		return LoanReceipt{}, fmt.Errorf("loan days %d overflow the due date: %w", loanDays, ErrInvalidArgument)
	}
	var loan domain.Borrow
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := ReserveCopy(tx, bookID); err != nil {
			return err
		}
		loan = domain.Borrow{
			UserID:     userID,
			BookID:     bookID,
			BorrowedAt: now,
			DueDate:    due,
			Status:     domain.BorrowActive,
		}
		if err := tx.CreateBorrow(&loan); err != nil {
			return fmt.Errorf("insert borrow: %w", err)
		}
		return nil
	})
	if err != nil {
		return LoanReceipt{}, err
	}
	a.logger.Info("loan opened", "borrow_id", loan.ID, "user_id", userID, "book_id", bookID, "due_date", loan.DueDate)
	return LoanReceipt{BorrowID: loan.ID, DueDate: loan.DueDate}, nil
}

// CloseLoan returns a borrowed copy. Only the borrower or an admin may close
// a loan. A late return creates or refreshes the loan's penalty.
func (a *App) CloseLoan(ctx context.Context, borrowID int64, actor domain.Actor) (ReturnReceipt, error) {
	now := a.clock()
	var receipt ReturnReceipt
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		loan, ok, err := tx.LockBorrow(borrowID)
		if err != nil {
			return fmt.Errorf("lock borrow %d: %w", borrowID, err)
		}
		if !ok {
			return fmt.Errorf("borrow %d: %w", borrowID, ErrNotFound)
		}
		if !actor.IsAdmin() && loan.UserID != actor.UserID {
			return fmt.Errorf("borrow %d: %w", borrowID, ErrForbidden)
		}
		if !loan.Open() {
			return fmt.Errorf("borrow %d: %w", borrowID, ErrAlreadyReturned)
		}
		loan.ReturnedAt = &now
		loan.Status = domain.BorrowReturned
		if err := tx.UpdateBorrow(loan); err != nil {
			return fmt.Errorf("update borrow %d: %w", borrowID, err)
		}
		if _, err := ReleaseCopy(tx, loan.BookID); err != nil {
			return err
		}
		penalty, _, err := UpsertForBorrow(tx, loan, now, a.dailyFee)
		if err != nil {
			return err
		}
		receipt = ReturnReceipt{ReturnedAt: now}
		if penalty != nil && penalty.DaysOverdue > 0 {
			receipt.Penalty = penalty
		}
		return nil
	})
	if err != nil {
		return ReturnReceipt{}, err
	}
	a.logger.Info("loan closed", "borrow_id", borrowID, "actor_id", actor.UserID, "late", receipt.Penalty != nil)
	return receipt, nil
}

// GetBorrow returns one loan, visible to its borrower or an admin.
func (a *App) GetBorrow(ctx context.Context, borrowID int64, actor domain.Actor) (domain.Borrow, error) {
	loan, ok, err := a.store.GetBorrow(ctx, borrowID)
	if err != nil {
		return domain.Borrow{}, err
	}
	if !ok {
		return domain.Borrow{}, fmt.Errorf("borrow %d: %w", borrowID, ErrNotFound)
	}
	if !actor.IsAdmin() && loan.UserID != actor.UserID {
		return domain.Borrow{}, fmt.Errorf("borrow %d: %w", borrowID, ErrForbidden)
	}
	return loan, nil
}

// ListByUser returns a user's loans, newest first.
func (a *App) ListByUser(ctx context.Context, userID int64) ([]domain.Borrow, error) {
	return a.store.ListBorrowsByUser(ctx, userID)
}

// ListAll returns every loan. Admin only.
func (a *App) ListAll(ctx context.Context, actor domain.Actor) ([]domain.Borrow, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	return a.store.ListBorrows(ctx)
}
