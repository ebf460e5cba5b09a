package postgres

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/viralforge/authcore/internal/domain"
	"github.com/viralforge/authcore/internal/ports"
)

// UserRepository is the Postgres UserCredentialStore.
type UserRepository struct {
	db    *gorm.DB
	nowFn func() time.Time
}

func NewUserRepository(db *gorm.DB, nowFn func() time.Time) *UserRepository {
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &UserRepository{db: db, nowFn: nowFn}
}

// FindByIdentifier matches a username or an email, case-insensitively.
func (r *UserRepository) FindByIdentifier(ctx context.Context, identifier string) (ports.UserCredential, error) {
	ident := strings.ToLower(strings.TrimSpace(identifier))
	if ident == "" {
		return ports.UserCredential{}, domain.ErrNotFound
	}
	var row userModel
	err := r.db.WithContext(ctx).
		Where("LOWER(username) = ? OR LOWER(email) = ?", ident, ident).
		Order("user_id ASC").
		Take(&row).Error
	if err != nil {
		if isNotFound(err) {
			return ports.UserCredential{}, domain.ErrNotFound
		}
		return ports.UserCredential{}, err
	}
	return toCredential(row)
}

func (r *UserRepository) GetByID(ctx context.Context, userID string) (ports.UserCredential, error) {
	var row userModel
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error; err != nil {
		if isNotFound(err) {
			return ports.UserCredential{}, domain.ErrNotFound
		}
		return ports.UserCredential{}, err
	}
	return toCredential(row)
}

// Save inserts the user or replaces every mutable column of an existing one.
func (r *UserRepository) Save(ctx context.Context, credential ports.UserCredential) error {
	if strings.TrimSpace(credential.User.ID) == "" {
		return domain.ErrInvalidInput
	}
	row, err := fromCredential(credential)
	if err != nil {
		return err
	}
	now := r.nowFn()
	row.CreatedAt, row.UpdatedAt = now, now
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"email", "username", "password_hash", "roles", "permissions", "is_active", "updated_at",
		}),
	}).Create(&row).Error
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	return err
}
