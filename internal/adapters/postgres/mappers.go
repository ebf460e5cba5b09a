package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/viralforge/authcore/internal/domain"
	"github.com/viralforge/authcore/internal/ports"
)

func toCredential(row userModel) (ports.UserCredential, error) {
	roles, err := decodeStrings(row.Roles)
	if err != nil {
		return ports.UserCredential{}, fmt.Errorf("decode roles for %s: %w", row.UserID, err)
	}
	perms, err := decodeStrings(row.Permissions)
	if err != nil {
		return ports.UserCredential{}, fmt.Errorf("decode permissions for %s: %w", row.UserID, err)
	}
	return ports.UserCredential{
		User: domain.AuthUser{
			ID:          row.UserID,
			Email:       row.Email,
			Username:    row.Username,
			Roles:       roles,
			Permissions: perms,
		},
		PasswordHash: row.PasswordHash,
		Active:       row.IsActive,
	}, nil
}

func fromCredential(c ports.UserCredential) (userModel, error) {
	roles, err := encodeStrings(c.User.Roles)
	if err != nil {
		return userModel{}, err
	}
	perms, err := encodeStrings(c.User.Permissions)
	if err != nil {
		return userModel{}, err
	}
	return userModel{
		UserID:       c.User.ID,
		Email:        strings.ToLower(strings.TrimSpace(c.User.Email)),
		Username:     strings.TrimSpace(c.User.Username),
		PasswordHash: c.PasswordHash,
		Roles:        roles,
		Permissions:  perms,
		IsActive:     c.Active,
	}, nil
}

func toEnrollment(row mfaEnrollmentModel) (domain.MFAEnrollment, error) {
	e := domain.MFAEnrollment{
		ID:     row.EnrollmentID,
		UserID: row.UserID,
		Method: domain.MFAMethod(row.Method),
		Status: domain.EnrollmentStatus(row.Status),
		Metadata: domain.EnrollmentMetadata{
			EnrolledAt: row.EnrolledAt.UTC(),
			UsageCount: row.UsageCount,
			LastUsed:   row.LastUsedAt,
			VerifiedAt: row.VerifiedAt,
		},
	}
	if row.DeviceInfo != nil && *row.DeviceInfo != "" {
		var d domain.DeviceInfo
		if err := json.Unmarshal([]byte(*row.DeviceInfo), &d); err != nil {
			return domain.MFAEnrollment{}, fmt.Errorf("decode device info for %s: %w", row.EnrollmentID, err)
		}
		e.DeviceInfo = &d
	}
	if row.MethodData != "" {
		if err := json.Unmarshal([]byte(row.MethodData), &e.MethodData); err != nil {
			return domain.MFAEnrollment{}, fmt.Errorf("decode method data for %s: %w", row.EnrollmentID, err)
		}
	}
	return e, nil
}

func fromEnrollment(e domain.MFAEnrollment) (mfaEnrollmentModel, error) {
	data, err := json.Marshal(e.MethodData)
	if err != nil {
		return mfaEnrollmentModel{}, err
	}
	row := mfaEnrollmentModel{
		EnrollmentID: e.ID,
		UserID:       e.UserID,
		Method:       string(e.Method),
		Status:       string(e.Status),
		EnrolledAt:   e.Metadata.EnrolledAt,
		UsageCount:   e.Metadata.UsageCount,
		LastUsedAt:   e.Metadata.LastUsed,
		VerifiedAt:   e.Metadata.VerifiedAt,
		MethodData:   string(data),
	}
	if e.DeviceInfo != nil {
		raw, err := json.Marshal(e.DeviceInfo)
		if err != nil {
			return mfaEnrollmentModel{}, err
		}
		s := string(raw)
		row.DeviceInfo = &s
	}
	return row, nil
}

func encodeStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	raw, err := json.Marshal(v)
	return string(raw), err
}

func decodeStrings(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
