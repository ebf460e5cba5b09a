package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/viralforge/authcore/internal/domain"
)

// EnrollmentRepository is the Postgres MFA EnrollmentRepository. Method
// secrets live in the method_data column and never leave the core.
type EnrollmentRepository struct {
	db    *gorm.DB
	nowFn func() time.Time
}

func NewEnrollmentRepository(db *gorm.DB, nowFn func() time.Time) *EnrollmentRepository {
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &EnrollmentRepository{db: db, nowFn: nowFn}
}

func (r *EnrollmentRepository) Create(ctx context.Context, enrollment domain.MFAEnrollment) error {
	row, err := fromEnrollment(enrollment)
	if err != nil {
		return err
	}
	row.UpdatedAt = r.nowFn()
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

func (r *EnrollmentRepository) Update(ctx context.Context, enrollment domain.MFAEnrollment) error {
	row, err := fromEnrollment(enrollment)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).
		Model(&mfaEnrollmentModel{}).
		Where("enrollment_id = ?", row.EnrollmentID).
		Updates(map[string]any{
			"status":       row.Status,
			"device_info":  row.DeviceInfo,
			"usage_count":  row.UsageCount,
			"last_used_at": row.LastUsedAt,
			"verified_at":  row.VerifiedAt,
			"method_data":  row.MethodData,
			"updated_at":   r.nowFn(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *EnrollmentRepository) Get(ctx context.Context, enrollmentID string) (domain.MFAEnrollment, error) {
	var row mfaEnrollmentModel
	if err := r.db.WithContext(ctx).Where("enrollment_id = ?", enrollmentID).Take(&row).Error; err != nil {
		if isNotFound(err) {
			return domain.MFAEnrollment{}, domain.ErrNotFound
		}
		return domain.MFAEnrollment{}, err
	}
	return toEnrollment(row)
}

func (r *EnrollmentRepository) ListByUser(ctx context.Context, userID string) ([]domain.MFAEnrollment, error) {
	var rows []mfaEnrollmentModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("enrolled_at ASC, enrollment_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.MFAEnrollment, 0, len(rows))
	for _, row := range rows {
		e, err := toEnrollment(row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
