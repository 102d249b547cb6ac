package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"smartlibrary/pkg/domain"
)

// gormTx implements Tx on one open gorm transaction.
type gormTx struct {
	db       *gorm.DB
	postgres bool
}

// forUpdate adds SELECT ... FOR UPDATE. SQLite has no row locks; there the
// immediate write transaction already excludes other writers.
func (t *gormTx) forUpdate() *gorm.DB {
	if t.postgres {
		return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return t.db
}

func (t *gormTx) GetBook(id int64) (domain.Book, bool, error) {
	var model BookModel
	if err := t.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

func (t *gormTx) LockBook(id int64) (domain.Book, bool, error) {
	var model BookModel
	if err := t.forUpdate().First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

func (t *gormTx) CreateBook(b *domain.Book) error {
	model := bookToModel(*b)
	if err := t.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("isbn: %w", ErrDuplicate)
		}
		return err
	}
	b.ID = model.ID
	return nil
}

func (t *gormTx) UpdateBook(b domain.Book) error {
	err := t.db.Model(&BookModel{}).Where("id = ?", b.ID).Updates(map[string]any{
		"title":            b.Title,
		"author":           b.Author,
		"isbn":             b.ISBN,
		"total_copies":     b.TotalCopies,
		"available_copies": b.AvailableCopies,
	}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("isbn: %w", ErrDuplicate)
	}
	return err
}

func (t *gormTx) DeleteBook(id int64) error {
	history := func() *gorm.DB {
		return t.db.Model(&BorrowModel{}).Select("id").Where("book_id = ?", id)
	}
	if err := t.db.Where("borrow_id IN (?)", history()).Delete(&NotificationLogModel{}).Error; err != nil {
		return err
	}
	if err := t.db.Where("borrow_id IN (?)", history()).Delete(&PenaltyModel{}).Error; err != nil {
		return err
	}
	if err := t.db.Where("book_id = ?", id).Delete(&BorrowModel{}).Error; err != nil {
		return err
	}
	return t.db.Delete(&BookModel{}, "id = ?", id).Error
}

func (t *gormTx) CountOpenBorrows(bookID int64) (int64, error) {
	var count int64
	err := t.db.Model(&BorrowModel{}).
		Where("book_id = ? AND returned_at IS NULL", bookID).
		Count(&count).Error
	return count, err
}

func (t *gormTx) CreateBorrow(b *domain.Borrow) error {
	model := borrowToModel(*b)
	if err := t.db.Create(&model).Error; err != nil {
		return err
	}
	b.ID = model.ID
	return nil
}

func (t *gormTx) GetBorrow(id int64) (domain.Borrow, bool, error) {
	return t.findBorrow(t.db, id)
}

func (t *gormTx) LockBorrow(id int64) (domain.Borrow, bool, error) {
	return t.findBorrow(t.forUpdate(), id)
}

func (t *gormTx) findBorrow(db *gorm.DB, id int64) (domain.Borrow, bool, error) {
	var model BorrowModel
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Borrow{}, false, nil
		}
		return domain.Borrow{}, false, err
	}
	return borrowFromModel(model), true, nil
}

func (t *gormTx) UpdateBorrow(b domain.Borrow) error {
	return t.db.Model(&BorrowModel{}).Where("id = ?", b.ID).Updates(map[string]any{
		"due_date":    b.DueDate.UTC(),
		"returned_at": utcPtr(b.ReturnedAt),
		"status":      string(b.Status),
	}).Error
}

func (t *gormTx) MarkOverdue(id int64) (bool, error) {
	res := t.db.Model(&BorrowModel{}).
		Where("id = ? AND returned_at IS NULL", id).
		Update("status", string(domain.BorrowOverdue))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (t *gormTx) ListOverdue(now time.Time) ([]domain.Borrow, error) {
	var models []BorrowModel
	err := t.db.Where("returned_at IS NULL AND due_date < ?", now.UTC()).
		Order("due_date ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return borrowsFromModels(models), nil
}

func (t *gormTx) ListDueSoon(from, until time.Time) ([]domain.Borrow, error) {
	var models []BorrowModel
	err := t.db.Where("returned_at IS NULL AND due_date >= ? AND due_date <= ?", from.UTC(), until.UTC()).
		Order("due_date ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return borrowsFromModels(models), nil
}

func (t *gormTx) LockPenalty(id int64) (domain.Penalty, bool, error) {
	return t.lockPenalty("id = ?", id)
}

func (t *gormTx) LockPenaltyByBorrow(borrowID int64) (domain.Penalty, bool, error) {
	return t.lockPenalty("borrow_id = ?", borrowID)
}

func (t *gormTx) lockPenalty(cond string, arg int64) (domain.Penalty, bool, error) {
	var model PenaltyModel
	if err := t.forUpdate().Where(cond, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Penalty{}, false, nil
		}
		return domain.Penalty{}, false, err
	}
	return penaltyFromModel(model), true, nil
}

func (t *gormTx) CreatePenalty(p *domain.Penalty) error {
	model := penaltyToModel(*p)
	if err := t.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("penalty for borrow %d: %w", p.BorrowID, ErrDuplicate)
		}
		return err
	}
	p.ID = model.ID
	return nil
}

func (t *gormTx) UpdatePenalty(p domain.Penalty) error {
	return t.db.Model(&PenaltyModel{}).Where("id = ?", p.ID).Updates(map[string]any{
		"days_overdue": p.DaysOverdue,
		"daily_fee":    p.DailyFee,
		"amount":       p.Amount,
		"is_paid":      p.IsPaid,
		"updated_at":   p.UpdatedAt.UTC(),
	}).Error
}

func (t *gormTx) AppendNotificationLog(e *domain.NotificationLogEntry) error {
	model := notificationToModel(*e)
	if err := t.db.Create(&model).Error; err != nil {
		return err
	}
	e.ID = model.ID
	return nil
}

func (t *gormTx) Savepoint(fn func(Tx) error) error {
	return t.db.Transaction(func(db *gorm.DB) error {
		return fn(&gormTx{db: db, postgres: t.postgres})
	})
}
