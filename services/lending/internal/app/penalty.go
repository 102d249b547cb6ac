package app

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"smartlibrary/pkg/domain"
	"smartlibrary/pkg/store"
)

// DaysOverdue counts whole UTC calendar days from the due date to now.
// Returns 0 when now is on or before the due date.
func DaysOverdue(due, now time.Time) int {
	days := int(civilDate(now).Sub(civilDate(due)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

func civilDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// PenaltyAmount is fee times days, rounded to cents.
func PenaltyAmount(fee decimal.Decimal, days int) decimal.Decimal {
	return fee.Mul(decimal.NewFromInt(int64(days))).Round(2)
}

// UpsertForBorrow brings the loan's penalty in line with how late it is at
// now. A paid penalty is never touched. The returned penalty is nil when none
// exists; changed reports whether a row was written.
func UpsertForBorrow(tx store.Tx, loan domain.Borrow, now time.Time, defaultFee decimal.Decimal) (*domain.Penalty, bool, error) {
	days := DaysOverdue(loan.DueDate, now)
	p, ok, err := tx.LockPenaltyByBorrow(loan.ID)
	if err != nil {
		return nil, false, fmt.Errorf("lock penalty for borrow %d: %w", loan.ID, err)
	}
	if !ok {
		if days == 0 {
			return nil, false, nil
		}
		fee := defaultFee.Round(2)
		p = domain.Penalty{
			BorrowID:    loan.ID,
			DaysOverdue: days,
			DailyFee:    fee,
			Amount:      PenaltyAmount(fee, days),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.CreatePenalty(&p); err != nil {
			return nil, false, fmt.Errorf("create penalty for borrow %d: %w", loan.ID, err)
		}
		return &p, true, nil
	}
	if p.IsPaid {
		return &p, false, nil
	}
	amount := PenaltyAmount(p.DailyFee, days)
	if p.DaysOverdue == days && p.Amount.Equal(amount) {
		return &p, false, nil
	}
	p.DaysOverdue = days
	p.Amount = amount
	p.UpdatedAt = now
	if err := tx.UpdatePenalty(p); err != nil {
		return nil, false, fmt.Errorf("update penalty %d: %w", p.ID, err)
	}
	return &p, true, nil
}
