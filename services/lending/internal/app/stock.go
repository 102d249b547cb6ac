package app

import (
	"fmt"

	"smartlibrary/pkg/domain"
	"smartlibrary/pkg/store"
)

// ClampCounts floors total to 1 and pulls available into [0, total].
func ClampCounts(total, available int) (int, int) {
	if total < 1 {
		total = 1
	}
	if available < 0 {
		available = 0
	}
	if available > total {
		available = total
	}
	return total, available
}

func lockBook(tx store.Tx, bookID int64) (domain.Book, error) {
	book, ok, err := tx.LockBook(bookID)
	if err != nil {
		return domain.Book{}, fmt.Errorf("lock book %d: %w", bookID, err)
	}
	if !ok {
		return domain.Book{}, fmt.Errorf("book %d: %w", bookID, ErrNotFound)
	}
	return book, nil
}

// ReserveCopy takes one copy of the book under its row lock.
func ReserveCopy(tx store.Tx, bookID int64) (domain.Book, error) {
	book, err := lockBook(tx, bookID)
	if err != nil {
		return domain.Book{}, err
	}
	if book.AvailableCopies < 1 {
		return domain.Book{}, fmt.Errorf("book %d: %w", bookID, ErrOutOfStock)
	}
	book.TotalCopies, book.AvailableCopies = ClampCounts(book.TotalCopies, book.AvailableCopies-1)
	if err := tx.UpdateBook(book); err != nil {
		return domain.Book{}, fmt.Errorf("update book %d: %w", bookID, err)
	}
	return book, nil
}

// ReleaseCopy puts one copy back, never exceeding the total.
func ReleaseCopy(tx store.Tx, bookID int64) (domain.Book, error) {
	book, err := lockBook(tx, bookID)
	if err != nil {
		return domain.Book{}, err
	}
	book.TotalCopies, book.AvailableCopies = ClampCounts(book.TotalCopies, book.AvailableCopies+1)
	if err := tx.UpdateBook(book); err != nil {
		return domain.Book{}, fmt.Errorf("update book %d: %w", bookID, err)
	}
	return book, nil
}

func applyCounts(book *domain.Book, total, available *int) {
	t, av := book.TotalCopies, book.AvailableCopies
	if total != nil {
		t = *total
	}
	if available != nil {
		av = *available
	}
	book.TotalCopies, book.AvailableCopies = ClampCounts(t, av)
}

// ensureDeletable refuses while any loan of the book is unreturned. The
// book row must already be locked so no loan can open concurrently.
func ensureDeletable(tx store.Tx, bookID int64) error {
	open, err := tx.CountOpenBorrows(bookID)
	if err != nil {
		return fmt.Errorf("count open borrows: %w", err)
	}
	if open > 0 {
		return fmt.Errorf("book %d has %d open loans: %w", bookID, open, ErrInUse)
	}
	return nil
}
