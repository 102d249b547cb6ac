package app

import (
	"context"
	"fmt"

	"smartlibrary/pkg/domain"
	"smartlibrary/pkg/store"
)

// PayPenalty settles a penalty. The borrower or an admin may pay; a paid
// penalty is frozen from then on.
func (a *App) PayPenalty(ctx context.Context, penaltyID int64, actor domain.Actor) (domain.Penalty, error) {
	now := a.clock()
	var paid domain.Penalty
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		p, ok, err := tx.LockPenalty(penaltyID)
		if err != nil {
			return fmt.Errorf("lock penalty %d: %w", penaltyID, err)
		}
		if !ok {
			return fmt.Errorf("penalty %d: %w", penaltyID, ErrNotFound)
		}
		if !actor.IsAdmin() {
			// Owner is immutable; read it without locking the borrow row.
			loan, ok, err := tx.GetBorrow(p.BorrowID)
			if err != nil {
				return fmt.Errorf("load borrow %d: %w", p.BorrowID, err)
			}
			if !ok || loan.UserID != actor.UserID {
				return fmt.Errorf("penalty %d: %w", penaltyID, ErrForbidden)
			}
		}
		if p.IsPaid {
			return fmt.Errorf("penalty %d: %w", penaltyID, ErrAlreadyPaid)
		}
		p.IsPaid = true
		p.UpdatedAt = now
		if err := tx.UpdatePenalty(p); err != nil {
			return fmt.Errorf("update penalty %d: %w", penaltyID, err)
		}
		paid = p
		return nil
	})
	if err != nil {
		return domain.Penalty{}, err
	}
	a.logger.Info("penalty paid", "penalty_id", penaltyID, "actor_id", actor.UserID, "amount", paid.Amount.StringFixed(2))
	return paid, nil
}

// ListPenaltiesByUser returns penalties on the user's loans.
func (a *App) ListPenaltiesByUser(ctx context.Context, userID int64) ([]domain.Penalty, error) {
	return a.store.ListPenaltiesByUser(ctx, userID)
}

// ListPenalties returns every penalty. Admin only.
func (a *App) ListPenalties(ctx context.Context, actor domain.Actor) ([]domain.Penalty, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	return a.store.ListPenalties(ctx)
}

// ListNotifications returns recent delivery attempts. Admin only.
func (a *App) ListNotifications(ctx context.Context, actor domain.Actor, limit int) ([]domain.NotificationLogEntry, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return a.store.ListNotificationLogs(ctx, limit)
}
