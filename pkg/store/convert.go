package store

import (
	"time"

	"smartlibrary/pkg/domain"
)

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		Role:        string(u.Role),
		CreatedAt:   u.CreatedAt.UTC(),
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:          m.ID,
		Username:    m.Username,
		DisplayName: m.DisplayName,
		Email:       m.Email,
		Role:        domain.UserRole(m.Role),
		CreatedAt:   m.CreatedAt.UTC(),
	}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:              b.ID,
		Title:           b.Title,
		Author:          b.Author,
		ISBN:            b.ISBN,
		TotalCopies:     b.TotalCopies,
		AvailableCopies: b.AvailableCopies,
		CreatedAt:       b.CreatedAt.UTC(),
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:              m.ID,
		Title:           m.Title,
		Author:          m.Author,
		ISBN:            m.ISBN,
		TotalCopies:     m.TotalCopies,
		AvailableCopies: m.AvailableCopies,
		CreatedAt:       m.CreatedAt.UTC(),
	}
}

func borrowToModel(b domain.Borrow) BorrowModel {
	return BorrowModel{
		ID:         b.ID,
		UserID:     b.UserID,
		BookID:     b.BookID,
		BorrowedAt: b.BorrowedAt.UTC(),
		DueDate:    b.DueDate.UTC(),
		ReturnedAt: utcPtr(b.ReturnedAt),
		Status:     string(b.Status),
	}
}

func borrowFromModel(m BorrowModel) domain.Borrow {
	return domain.Borrow{
		ID:         m.ID,
		UserID:     m.UserID,
		BookID:     m.BookID,
		BorrowedAt: m.BorrowedAt.UTC(),
		DueDate:    m.DueDate.UTC(),
		ReturnedAt: utcPtr(m.ReturnedAt),
		Status:     domain.BorrowStatus(m.Status),
	}
}

func borrowsFromModels(models []BorrowModel) []domain.Borrow {
	res := make([]domain.Borrow, 0, len(models))
	for _, m := range models {
		res = append(res, borrowFromModel(m))
	}
	return res
}

func penaltyToModel(p domain.Penalty) PenaltyModel {
	return PenaltyModel{
		ID:          p.ID,
		BorrowID:    p.BorrowID,
		DaysOverdue: p.DaysOverdue,
		DailyFee:    p.DailyFee,
		Amount:      p.Amount,
		IsPaid:      p.IsPaid,
		CreatedAt:   p.CreatedAt.UTC(),
		UpdatedAt:   p.UpdatedAt.UTC(),
	}
}

func penaltyFromModel(m PenaltyModel) domain.Penalty {
	return domain.Penalty{
		ID:          m.ID,
		BorrowID:    m.BorrowID,
		DaysOverdue: m.DaysOverdue,
		DailyFee:    m.DailyFee,
		Amount:      m.Amount,
		IsPaid:      m.IsPaid,
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
	}
}

func penaltiesFromModels(models []PenaltyModel) []domain.Penalty {
	res := make([]domain.Penalty, 0, len(models))
	for _, m := range models {
		res = append(res, penaltyFromModel(m))
	}
	return res
}

func notificationToModel(e domain.NotificationLogEntry) NotificationLogModel {
	return NotificationLogModel{
		ID:       e.ID,
		BorrowID: e.BorrowID,
		Type:     string(e.Kind),
		Email:    e.Email,
		Message:  e.Message,
		Success:  e.Success,
		Error:    e.Error,
		SentAt:   e.SentAt.UTC(),
	}
}

func notificationFromModel(m NotificationLogModel) domain.NotificationLogEntry {
	return domain.NotificationLogEntry{
		ID:       m.ID,
		BorrowID: m.BorrowID,
		Kind:     domain.NotificationKind(m.Type),
		Email:    m.Email,
		Message:  m.Message,
		Success:  m.Success,
		Error:    m.Error,
		SentAt:   m.SentAt.UTC(),
	}
}
