package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/viralforge/authcore/internal/domain"
	"github.com/viralforge/authcore/internal/ports"
)

// TokenManager issues access/refresh JWT pairs bound to a session id and
// honours session revocation. It implements ports.TokenManager.
type TokenManager struct {
	signer     ports.TokenSigner
	revoked    ports.SessionRevocationStore
	accessTTL  time.Duration
	refreshTTL time.Duration
	nowFn      func() time.Time
}

type TokenManagerConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	NowFn      func() time.Time
}

func NewTokenManager(signer ports.TokenSigner, revoked ports.SessionRevocationStore, cfg TokenManagerConfig) *TokenManager {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.NowFn == nil {
		cfg.NowFn = func() time.Time { return time.Now().UTC() }
	}
	return &TokenManager{
		signer:     signer,
		revoked:    revoked,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		nowFn:      cfg.NowFn,
	}
}

func (m *TokenManager) Issue(_ context.Context, user domain.AuthUser, sessionID string) (domain.AuthToken, error) {
	if user.ID == "" || sessionID == "" {
		return domain.AuthToken{}, domain.NewAuthError(domain.ErrorValidation, "user id and session id are required")
	}
	now := m.nowFn().Truncate(time.Second)
	base := ports.AuthClaims{
		UserID:      user.ID,
		Email:       user.Email,
		Username:    user.Username,
		Roles:       user.Roles,
		Permissions: user.Permissions,
		SessionID:   sessionID,
		IssuedAt:    now,
	}

	access := base
	access.Use = ports.TokenUseAccess
	access.TokenID = uuid.NewString()
	access.ExpiresAt = now.Add(m.accessTTL)
	accessRaw, err := m.signer.Sign(access)
	if err != nil {
		return domain.AuthToken{}, domain.WrapAuthError(domain.ErrorServer, "sign access token", err)
	}

	refresh := base
	refresh.Use = ports.TokenUseRefresh
	refresh.TokenID = uuid.NewString()
	refresh.ExpiresAt = now.Add(m.refreshTTL)
	refreshRaw, err := m.signer.Sign(refresh)
	if err != nil {
		return domain.AuthToken{}, domain.WrapAuthError(domain.ErrorServer, "sign refresh token", err)
	}

	return domain.AuthToken{
		AccessToken:  accessRaw,
		RefreshToken: refreshRaw,
		ExpiresAt:    access.ExpiresAt,
		TokenType:    "Bearer",
	}, nil
}

// Verify accepts only unrevoked access tokens.
func (m *TokenManager) Verify(ctx context.Context, accessToken string) (ports.AuthClaims, error) {
	return m.parse(ctx, accessToken, ports.TokenUseAccess)
}

// Refresh exchanges a refresh token for a new pair on the same session.
func (m *TokenManager) Refresh(ctx context.Context, refreshToken string) (domain.AuthToken, ports.AuthClaims, error) {
	claims, err := m.parse(ctx, refreshToken, ports.TokenUseRefresh)
	if err != nil {
		return domain.AuthToken{}, ports.AuthClaims{}, err
	}
	user := domain.AuthUser{
		ID:          claims.UserID,
		Email:       claims.Email,
		Username:    claims.Username,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
	}
	token, err := m.Issue(ctx, user, claims.SessionID)
	if err != nil {
		return domain.AuthToken{}, ports.AuthClaims{}, err
	}
	return token, claims, nil
}

// Revoke invalidates every token of the session until the longest lived one expires.
func (m *TokenManager) Revoke(ctx context.Context, sessionID string) error {
	if m.revoked == nil {
		return domain.NewAuthError(domain.ErrorMethodNotSupported, "token revocation is not configured")
	}
	if err := m.revoked.MarkRevoked(ctx, sessionID, m.nowFn().Add(m.refreshTTL)); err != nil {
		return domain.WrapAuthError(domain.ErrorServer, "mark session revoked", err)
	}
	return nil
}

func (m *TokenManager) parse(ctx context.Context, raw string, use ports.TokenUse) (ports.AuthClaims, error) {
	if raw == "" {
		return ports.AuthClaims{}, domain.NewAuthError(domain.ErrorTokenInvalid, "token is required")
	}
	claims, err := m.signer.ParseAndValidate(raw)
	if err != nil {
		if errors.Is(err, domain.ErrTokenExpired) {
			return ports.AuthClaims{}, domain.WrapAuthError(domain.ErrorTokenExpired, "token expired", err)
		}
		return ports.AuthClaims{}, domain.WrapAuthError(domain.ErrorTokenInvalid, "token rejected", err)
	}
	if claims.Use != use {
		return ports.AuthClaims{}, domain.NewAuthError(domain.ErrorTokenInvalid, fmt.Sprintf("expected %s token", use))
	}
	if m.revoked != nil && claims.SessionID != "" {
		revoked, err := m.revoked.IsRevoked(ctx, claims.SessionID)
		if err != nil {
			return ports.AuthClaims{}, domain.WrapAuthError(domain.ErrorServer, "check session revocation", err)
		}
		if revoked {
			return ports.AuthClaims{}, domain.NewAuthError(domain.ErrorTokenInvalid, "session has been revoked")
		}
	}
	return claims, nil
}
