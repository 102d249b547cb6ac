package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// GORM models used for persistence. Timestamps are written by the caller so
// the lending clock stays the single source of time.
type UserModel struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	Username    string    `gorm:"size:80;uniqueIndex;not null"`
	DisplayName string    `gorm:"size:120;not null"`
	Email       *string   `gorm:"size:255"`
	Role        string    `gorm:"size:20;not null"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime:false"`
}

func (UserModel) TableName() string { return "users" }

type BookModel struct {
	ID              int64     `gorm:"primaryKey;autoIncrement"`
	Title           string    `gorm:"size:200;not null;index"`
	Author          string    `gorm:"size:200;not null;index"`
	ISBN            *string   `gorm:"column:isbn;size:32;uniqueIndex"`
	TotalCopies     int       `gorm:"not null"`
	AvailableCopies int       `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null;autoCreateTime:false"`
}

func (BookModel) TableName() string { return "books" }

type BorrowModel struct {
	ID         int64      `gorm:"primaryKey;autoIncrement"`
	UserID     int64      `gorm:"not null;index"`
	BookID     int64      `gorm:"not null;index"`
	BorrowedAt time.Time  `gorm:"not null"`
	DueDate    time.Time  `gorm:"not null;index"`
	ReturnedAt *time.Time `gorm:"index"`
	Status     string     `gorm:"size:20;not null;index"`
}

func (BorrowModel) TableName() string { return "borrows" }

type PenaltyModel struct {
	ID          int64           `gorm:"primaryKey;autoIncrement"`
	BorrowID    int64           `gorm:"not null;uniqueIndex"`
	DaysOverdue int             `gorm:"not null"`
	DailyFee    decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	Amount      decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	IsPaid      bool            `gorm:"not null"`
	CreatedAt   time.Time       `gorm:"not null;autoCreateTime:false"`
	UpdatedAt   time.Time       `gorm:"not null;autoUpdateTime:false"`
}

func (PenaltyModel) TableName() string { return "penalties" }

type NotificationLogModel struct {
	ID       int64     `gorm:"primaryKey;autoIncrement"`
	BorrowID int64     `gorm:"not null;index"`
	Type     string    `gorm:"size:50;not null"`
	Email    *string   `gorm:"size:255"`
	Message  string    `gorm:"type:text;not null"`
	Success  bool      `gorm:"not null"`
	Error    *string   `gorm:"size:500"`
	SentAt   time.Time `gorm:"not null;index"`
}

func (NotificationLogModel) TableName() string { return "notification_logs" }
