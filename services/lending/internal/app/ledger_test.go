package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestOpenCloseWorkedExample(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	book := env.addBook(t, 1)
	now := env.clock.Now()

	receipt, err := env.app.OpenLoan(ctx, alice.UserID, book.ID, 14)
	if err != nil {
		t.Fatalf("open loan: %v", err)
	}
	if !receipt.DueDate.Equal(now.AddDate(0, 0, 14)) {
		t.Fatalf("unexpected due date %s", receipt.DueDate)
	}
	if got := env.book(t, book.ID).AvailableCopies; got != 0 {
		t.Fatalf("expected 0 available, got %d", got)
	}

	if _, err := env.app.OpenLoan(ctx, bob.UserID, book.ID, 14); !errors.Is(err, ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}

	ret, err := env.app.CloseLoan(ctx, receipt.BorrowID, alice)
	if err != nil {
		t.Fatalf("close loan: %v", err)
	}
	if ret.Penalty != nil {
		t.Fatalf("on-time return must not create a penalty: %+v", ret.Penalty)
	}
	if got := env.book(t, book.ID).AvailableCopies; got != 1 {
		t.Fatalf("expected 1 available, got %d", got)
	}
	loan, err := env.app.GetBorrow(ctx, receipt.BorrowID, alice)
	if err != nil {
		t.Fatalf("get borrow: %v", err)
	}
	if loan.ReturnedAt == nil || loan.Status != "returned" {
		t.Fatalf("loan not closed: %+v", loan)
	}
}

func TestOpenLoanValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	book := env.addBook(t, 1)
	for _, days := range []int{0, -3} {
		if _, err := env.app.OpenLoan(ctx, alice.UserID, book.ID, days); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("days=%d: expected ErrInvalidArgument, got %v", days, err)
		}
	}
	if _, err := env.app.OpenLoan(ctx, alice.UserID, book.ID+1000, 14); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := env.book(t, book.ID).AvailableCopies; got != 1 {
		t.Fatalf("failed opens must not touch stock, available=%d", got)
	}
}

func TestOpenLoanAcceptsLongPeriod(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	book := env.addBook(t, 1)
	now := env.clock.Now()

	receipt, err := env.app.OpenLoan(ctx, alice.UserID, book.ID, 400)
	if err != nil {
		t.Fatalf("open 400-day loan: %v", err)
	}
	if !receipt.DueDate.Equal(now.AddDate(0, 0, 400)) {
		t.Fatalf("unexpected due date %s", receipt.DueDate)
	}
	loan, err := env.app.GetBorrow(ctx, receipt.BorrowID, alice)
	if err != nil {
		t.Fatalf("get borrow: %v", err)
	}
	if !loan.DueDate.Equal(receipt.DueDate) {
		t.Fatalf("stored due date %s, want %s", loan.DueDate, receipt.DueDate)
	}
}

func TestLastCopyRace(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, 1)

	const borrowers = 8
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  int
		outOfStock int
		other      []error
	)
	for i := 0; i < borrowers; i++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			_, err := env.app.OpenLoan(context.Background(), user, book.ID, 14)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrOutOfStock):
				outOfStock++
			default:
				other = append(other, err)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if successes != 1 || outOfStock != borrowers-1 {
		t.Fatalf("expected 1 success and %d out of stock, got %d/%d", borrowers-1, successes, outOfStock)
	}
	if got := env.book(t, book.ID).AvailableCopies; got != 0 {
		t.Fatalf("expected 0 available, got %d", got)
	}
}

func TestDoubleCloseReleasesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	book := env.addBook(t, 2)
	receipt, err := env.app.OpenLoan(ctx, alice.UserID, book.ID, 14)
	if err != nil {
		t.Fatalf("open loan: %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		closed   int
		returned int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.app.CloseLoan(context.Background(), receipt.BorrowID, alice)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				closed++
			case errors.Is(err, ErrAlreadyReturned):
				returned++
			default:
				t.Errorf("unexpected close error: %v", err)
			}
		}()
	}
	wg.Wait()

	if closed != 1 || returned != 3 {
		t.Fatalf("expected 1 close and 3 already returned, got %d/%d", closed, returned)
	}
	if got := env.book(t, book.ID).AvailableCopies; got != 2 {
		t.Fatalf("expected 2 available, got %d", got)
	}
}

func TestCloseByNonOwnerIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	book := env.addBook(t, 1)
	receipt, err := env.app.OpenLoan(ctx, alice.UserID, book.ID, 14)
	if err != nil {
		t.Fatalf("open loan: %v", err)
	}

	if _, err := env.app.CloseLoan(ctx, receipt.BorrowID, bob); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	loan, err := env.app.GetBorrow(ctx, receipt.BorrowID, admin)
	if err != nil {
		t.Fatalf("get borrow: %v", err)
	}
	if !loan.Open() || env.book(t, book.ID).AvailableCopies != 0 {
		t.Fatalf("forbidden close mutated state: %+v", loan)
	}
	if _, err := env.app.GetBorrow(ctx, receipt.BorrowID, bob); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden reading someone else's loan, got %v", err)
	}

	if _, err := env.app.CloseLoan(ctx, receipt.BorrowID, admin); err != nil {
		t.Fatalf("admin close: %v", err)
	}
	if _, err := env.app.CloseLoan(ctx, receipt.BorrowID+50, admin); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLateReturnCreatesPenalty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	book := env.addBook(t, 1)
	receipt, err := env.app.OpenLoan(ctx, alice.UserID, book.ID, 7)
	if err != nil {
		t.Fatalf("open loan: %v", err)
	}
	env.clock.Advance(10 * 24 * time.Hour)

	ret, err := env.app.CloseLoan(ctx, receipt.BorrowID, alice)
	if err != nil {
		t.Fatalf("close loan: %v", err)
	}
	if ret.Penalty == nil {
		t.Fatalf("expected penalty on late return")
	}
	if ret.Penalty.DaysOverdue != 3 || ret.Penalty.Amount.StringFixed(2) != "15.00" {
		t.Fatalf("unexpected penalty %+v", ret.Penalty)
	}
	mine, err := env.app.ListPenaltiesByUser(ctx, alice.UserID)
	if err != nil || len(mine) != 1 {
		t.Fatalf("expected one penalty, got %d err=%v", len(mine), err)
	}
}

func TestListAllRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	book := env.addBook(t, 3)
	for _, user := range []int64{alice.UserID, bob.UserID} {
		if _, err := env.app.OpenLoan(ctx, user, book.ID, 14); err != nil {
			t.Fatalf("open loan: %v", err)
		}
	}
	if _, err := env.app.ListAll(ctx, alice); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	all, err := env.app.ListAll(ctx, admin)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 loans, got %d err=%v", len(all), err)
	}
	mine, err := env.app.ListByUser(ctx, alice.UserID)
	if err != nil || len(mine) != 1 || mine[0].UserID != alice.UserID {
		t.Fatalf("unexpected user listing %+v err=%v", mine, err)
	}
}
