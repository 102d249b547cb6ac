package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type BorrowStatus string

const (
	BorrowActive   BorrowStatus = "active"
	BorrowOverdue  BorrowStatus = "overdue"
	BorrowReturned BorrowStatus = "returned"
)

type NotificationKind string

const (
	NotifyOverdue NotificationKind = "overdue"
	NotifyDueSoon NotificationKind = "due_soon"
)

// Actor is the authenticated caller of a lending operation.
type Actor struct {
	UserID int64    `json:"userId"`
	Role   UserRole `json:"role"`
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

type Book struct {
	ID              int64     `json:"id"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	ISBN            *string   `json:"isbn"`
	TotalCopies     int       `json:"totalCopies"`
	AvailableCopies int       `json:"availableCopies"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Available reports whether at least one copy can be lent.
func (b Book) Available() bool {
	return b.AvailableCopies > 0
}

type Borrow struct {
	ID         int64        `json:"id"`
	UserID     int64        `json:"userId"`
	BookID     int64        `json:"bookId"`
	BorrowedAt time.Time    `json:"borrowedAt"`
	DueDate    time.Time    `json:"dueDate"`
	ReturnedAt *time.Time   `json:"returnedAt"`
	Status     BorrowStatus `json:"status"`
}

// Open reports whether the loan still holds a copy of the book.
func (b Borrow) Open() bool {
	return b.ReturnedAt == nil
}

type Penalty struct {
	ID          int64           `json:"id"`
	BorrowID    int64           `json:"borrowId"`
	DaysOverdue int             `json:"daysOverdue"`
	DailyFee    decimal.Decimal `json:"dailyFee"`
	Amount      decimal.Decimal `json:"amount"`
	IsPaid      bool            `json:"isPaid"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type NotificationLogEntry struct {
	ID       int64            `json:"id"`
	BorrowID int64            `json:"borrowId"`
	Kind     NotificationKind `json:"type"`
	Email    *string          `json:"email"`
	Message  string           `json:"message"`
	Success  bool             `json:"success"`
	Error    *string          `json:"error"`
	SentAt   time.Time        `json:"sentAt"`
}

type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	Email       *string   `json:"email"`
	Role        UserRole  `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ContactInfo is what the notifier needs to reach a borrower.
type ContactInfo struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}
