package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"smartlibrary/pkg/domain"
	"smartlibrary/pkg/store"
)

// BookInput carries catalog fields. Nil fields are left unchanged on update;
// an empty ISBN clears it.
type BookInput struct {
	Title           *string `json:"title"`
	Author          *string `json:"author"`
	ISBN            *string `json:"isbn"`
	TotalCopies     *int    `json:"totalCopies"`
	AvailableCopies *int    `json:"availableCopies"`
}

// CreateBook adds a title to the catalog. Total defaults to 1 and available
// to total.
func (a *App) CreateBook(ctx context.Context, actor domain.Actor, in BookInput) (domain.Book, error) {
	if !actor.IsAdmin() {
		return domain.Book{}, ErrForbidden
	}
	title, err := requiredText("title", in.Title)
	if err != nil {
		return domain.Book{}, err
	}
	author, err := requiredText("author", in.Author)
	if err != nil {
		return domain.Book{}, err
	}
	book := domain.Book{
		Title:       title,
		Author:      author,
		ISBN:        normalizeISBN(in.ISBN),
		TotalCopies: 1,
		CreatedAt:   a.clock(),
	}
	if in.TotalCopies != nil {
		book.TotalCopies = *in.TotalCopies
	}
	book.AvailableCopies = book.TotalCopies
	applyCounts(&book, nil, in.AvailableCopies)

	err = a.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.CreateBook(&book)
	})
	if err != nil {
		return domain.Book{}, translateStoreErr(err)
	}
	a.logger.Info("book created", "book_id", book.ID, "title", book.Title, "total_copies", book.TotalCopies)
	return book, nil
}

// UpdateBook applies a partial update. Counts are re-clamped.
func (a *App) UpdateBook(ctx context.Context, actor domain.Actor, bookID int64, in BookInput) (domain.Book, error) {
	if !actor.IsAdmin() {
		return domain.Book{}, ErrForbidden
	}
	var book domain.Book
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		book, err = lockBook(tx, bookID)
		if err != nil {
			return err
		}
		if in.Title != nil {
			if book.Title, err = requiredText("title", in.Title); err != nil {
				return err
			}
		}
		if in.Author != nil {
			if book.Author, err = requiredText("author", in.Author); err != nil {
				return err
			}
		}
		if in.ISBN != nil {
			book.ISBN = normalizeISBN(in.ISBN)
		}
		applyCounts(&book, in.TotalCopies, in.AvailableCopies)
		return tx.UpdateBook(book)
	})
	if err != nil {
		return domain.Book{}, translateStoreErr(err)
	}
	return book, nil
}

// DeleteBook removes a title that has no unreturned loans.
func (a *App) DeleteBook(ctx context.Context, actor domain.Actor, bookID int64) error {
	if !actor.IsAdmin() {
		return ErrForbidden
	}
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := lockBook(tx, bookID); err != nil {
			return err
		}
		if err := ensureDeletable(tx, bookID); err != nil {
			return err
		}
		return tx.DeleteBook(bookID)
	})
	if err != nil {
		return err
	}
	a.logger.Info("book deleted", "book_id", bookID, "actor_id", actor.UserID)
	return nil
}

// GetBook returns one catalog entry.
func (a *App) GetBook(ctx context.Context, bookID int64) (domain.Book, error) {
	book, ok, err := a.store.GetBook(ctx, bookID)
	if err != nil {
		return domain.Book{}, err
	}
	if !ok {
		return domain.Book{}, fmt.Errorf("book %d: %w", bookID, ErrNotFound)
	}
	return book, nil
}

// ListBooks returns the catalog.
func (a *App) ListBooks(ctx context.Context) ([]domain.Book, error) {
	return a.store.ListBooks(ctx)
}

func requiredText(field string, v *string) (string, error) {
	if v == nil {
		return "", fmt.Errorf("%s required: %w", field, ErrInvalidArgument)
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return "", fmt.Errorf("%s required: %w", field, ErrInvalidArgument)
	}
	if len(s) > 200 {
		return "", fmt.Errorf("%s too long: %w", field, ErrInvalidArgument)
	}
	return s, nil
}

func normalizeISBN(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}

func translateStoreErr(err error) error {
	if errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("%w: %v", ErrDuplicateISBN, err)
	}
	return err
}
