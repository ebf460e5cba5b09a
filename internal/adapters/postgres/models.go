package postgres

import "time"

type userModel struct {
	UserID       string    `gorm:"column:user_id;primaryKey"`
	Email        string    `gorm:"column:email"`
	Username     string    `gorm:"column:username"`
	PasswordHash string    `gorm:"column:password_hash"`
	Roles        string    `gorm:"column:roles;type:jsonb"`
	Permissions  string    `gorm:"column:permissions;type:jsonb"`
	IsActive     bool      `gorm:"column:is_active"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (userModel) TableName() string { return "users" }

type mfaEnrollmentModel struct {
	EnrollmentID string     `gorm:"column:enrollment_id;primaryKey"`
	UserID       string     `gorm:"column:user_id"`
	Method       string     `gorm:"column:method"`
	Status       string     `gorm:"column:status"`
	DeviceInfo   *string    `gorm:"column:device_info;type:jsonb"`
	EnrolledAt   time.Time  `gorm:"column:enrolled_at"`
	UsageCount   int        `gorm:"column:usage_count"`
	LastUsedAt   *time.Time `gorm:"column:last_used_at"`
	VerifiedAt   *time.Time `gorm:"column:verified_at"`
	MethodData   string     `gorm:"column:method_data;type:jsonb"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

func (mfaEnrollmentModel) TableName() string { return "mfa_enrollments" }
