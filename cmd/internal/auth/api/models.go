package authapi

import (
	"time"

	"warden/cmd/internal/auth/session"
)

type issueRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	DeviceID     string `json:"device_id"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
	Reason       string `json:"reason"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type sessionResponse struct {
	CredentialID     string    `json:"credential_id"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type meResponse struct {
	UserID      string    `json:"user_id"`
	TokenID     string    `json:"token_id"`
	DeviceID    string    `json:"device_id,omitempty"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func toSessionResponse(issued session.Issued) sessionResponse {
	return sessionResponse{
		CredentialID:     issued.CredentialID,
		AccessToken:      issued.AccessToken,
		AccessExpiresAt:  issued.AccessExp,
		RefreshToken:     issued.RefreshToken,
		RefreshExpiresAt: issued.RefreshExp,
	}
}

func toMeResponse(c session.AccessClaims) meResponse {
	roles, perms := c.Roles, c.Permissions
	if roles == nil {
		roles = []string{}
	}
	if perms == nil {
		perms = []string{}
	}
	return meResponse{
		UserID:      c.UserID,
		TokenID:     c.TokenID,
		DeviceID:    c.DeviceID,
		Roles:       roles,
		Permissions: perms,
		IssuedAt:    c.IssuedAt,
		ExpiresAt:   c.ExpiresAt,
	}
}
