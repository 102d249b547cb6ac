package app

import (
	"errors"

	"smartlibrary/pkg/store"
)

var (
	// ErrNotFound indicates the referenced book, borrow, penalty or user does not exist.
	ErrNotFound = store.ErrNotFound

	// ErrConflict indicates lock contention outlasted every retry.
	ErrConflict = store.ErrConflict

	ErrOutOfStock        = errors.New("out of stock")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrAlreadyReturned   = errors.New("already returned")
	ErrForbidden         = errors.New("forbidden")
	ErrInUse             = errors.New("book has unreturned loans")
	ErrExternalService   = errors.New("external service failure")
	ErrAlreadyPaid       = errors.New("penalty already paid")
	ErrDuplicateISBN     = errors.New("isbn already registered")
	ErrDuplicateUsername = errors.New("username already taken")
	ErrSweepInProgress   = errors.New("sweep already running")
)
