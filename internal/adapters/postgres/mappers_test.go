package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/viralforge/authcore/internal/domain"
	"github.com/viralforge/authcore/internal/ports"
)

func TestEnrollmentRowKeepsMethodSecrets(t *testing.T) {
	t.Parallel()
	enrolled := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := domain.MFAEnrollment{
		ID:         "enr-1",
		UserID:     "u-1",
		Method:     domain.MFABackupCodes,
		Status:     domain.EnrollmentActive,
		DeviceInfo: &domain.DeviceInfo{Name: "laptop"},
		Metadata:   domain.EnrollmentMetadata{EnrolledAt: enrolled, UsageCount: 2},
		MethodData: domain.MethodData{CodeHashes: []string{"h1", "h2"}, UsedCodes: []string{"h1"}, ParentEnrollmentID: "enr-0"},
	}

	row, err := fromEnrollment(in)
	require.NoError(t, err)
	require.Equal(t, "backup-codes", row.Method)
	require.NotNil(t, row.DeviceInfo)

	out, err := toEnrollment(row)
	require.NoError(t, err)
	require.Equal(t, in, out)

	row.MethodData = "{not json"
	_, err = toEnrollment(row)
	require.Error(t, err)
}

func TestUserRowNormalizesIdentifiers(t *testing.T) {
	t.Parallel()
	row, err := fromCredential(ports.UserCredential{
		User:         domain.AuthUser{ID: "u-1", Email: " Ada@Example.COM ", Username: "ada"},
		PasswordHash: "$2a$hash",
		Active:       true,
	})
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", row.Email)
	require.Equal(t, "[]", row.Roles)

	cred, err := toCredential(row)
	require.NoError(t, err)
	require.Equal(t, "u-1", cred.User.ID)
	require.Empty(t, cred.User.Roles)
	require.True(t, cred.Active)
}
