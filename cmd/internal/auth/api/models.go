package api

import (
	"time"

	"agora/cmd/identity"
	"agora/cmd/internal/auth/session"
)

type registerRequest struct {
	Username    string `json:"username" validate:"required,min=3,max=32"`
	Email       string `json:"email" validate:"required,email,max=254"`
	Password    string `json:"password" validate:"required,max=1024"`
	DisplayName string `json:"display_name" validate:"max=64"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=1024"`
}

type accountResponse struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Bio         string    `json:"bio,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type handleResponse struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

type loginResponse struct {
	Account         handleResponse `json:"account"`
	SessionID       string         `json:"session_id"`
	DeviceID        string         `json:"device_id"`
	AccessToken     string         `json:"access_token"`
	AccessExpiresAt time.Time      `json:"access_expires_at"`
}

type refreshResponse struct {
	SessionID       string    `json:"session_id"`
	AccessToken     string    `json:"access_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
}

type sessionResponse struct {
	ID            string     `json:"id"`
	DeviceID      string     `json:"device_id,omitempty"`
	UserAgent     string     `json:"user_agent,omitempty"`
	IP            string     `json:"ip,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastUsedAt    time.Time  `json:"last_used_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Revoked       bool       `json:"revoked"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
	Current       bool       `json:"current"`
}

type sessionsResponse struct {
	Sessions []sessionResponse `json:"sessions"`
}

type deviceAccountsResponse struct {
	DeviceID string           `json:"device_id,omitempty"`
	Accounts []handleResponse `json:"accounts"`
}

func toAccountResponse(a identity.Account) accountResponse {
	return accountResponse{
		ID:          a.ID,
		Username:    a.Username,
		Email:       a.Email,
		DisplayName: a.DisplayName,
		Bio:         a.Bio,
		CreatedAt:   a.CreatedAt,
	}
}

func toHandleResponse(h identity.Handle) handleResponse {
	return handleResponse{ID: h.ID, Username: h.Username, DisplayName: h.DisplayName}
}

func toSessionResponse(s session.Session, currentHash string) sessionResponse {
	return sessionResponse{
		ID:            s.ID,
		DeviceID:      s.Meta.DeviceID,
		UserAgent:     s.Meta.UserAgent,
		IP:            s.Meta.IP,
		CreatedAt:     s.CreatedAt,
		LastUsedAt:    s.LastUsedAt,
		ExpiresAt:     s.ExpiresAt,
		Revoked:       s.Revoked,
		RevokedAt:     s.RevokedAt,
		RevokedReason: s.RevokedReason,
		Current:       currentHash != "" && !s.Revoked && s.TokenHash == currentHash,
	}
}
