package api

import (
	"errors"
	"net/http"

	"agora/cmd/identity"
	"agora/cmd/internal/auth/audit"
	"agora/cmd/internal/auth/session"
	"agora/cmd/security/token"
)

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	ctx := r.Context()
	m := h.meta(r)

	acct, err := h.Credentials.Register(ctx, identity.RegisterInput{
		Username:    req.Username,
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		h.Metrics.Registration("rejected")
		var opErr identity.OpError
		if field, ok := identity.IsConflict(err); ok {
			writeError(w, http.StatusConflict, "conflict", field+" already taken")
			return
		}
		if errors.As(err, &opErr) && identity.IsInvalidInput(err) {
			writeError(w, http.StatusBadRequest, "invalid_request", opErr.Msg)
			return
		}
		h.Log.Error("auth.register.fail", "err", err)
		writeServerError(w)
		return
	}

	h.Metrics.Registration("created")
	h.record(ctx, m, audit.Event{Action: audit.ActionRegister, AccountID: acct.ID})
	writeJSON(w, http.StatusCreated, toAccountResponse(acct))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	ctx := r.Context()
	m := h.meta(r)

	acct, err := h.Credentials.Authenticate(ctx, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.Metrics.Login("failed")
			h.record(ctx, m, audit.Event{Action: audit.ActionLoginFailed, Meta: map[string]any{"email": identity.NormalizeEmail(req.Email)}})
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}
		h.Log.Error("auth.login.lookup.fail", "err", err)
		writeServerError(w)
		return
	}

	cookieDevice, _ := h.Cookies.Device(r)
	deviceID, err := h.Devices.EnsureDevice(ctx, cookieDevice)
	if err != nil {
		h.Log.Error("auth.login.device.fail", "err", err)
		writeServerError(w)
		return
	}

	// Signing in on a device that went silent past the threshold first
	// retires the sessions it still carries.
	if revoked, outcomes, err := h.Devices.RevokeIfInactive(ctx, deviceID, h.InactivityThreshold); err != nil {
		h.Log.Error("auth.login.device_inactive.fail", "err", err, "device_id", deviceID)
		writeServerError(w)
		return
	} else if revoked {
		h.Metrics.Revoked(session.ReasonDeviceInactive, len(outcomes))
		h.record(ctx, m, audit.Event{Action: audit.ActionDeviceInactive, DeviceID: deviceID})
	}

	issued, err := h.Sessions.Create(ctx, acct.ID, session.Meta{DeviceID: deviceID, UserAgent: m.UserAgent, IP: m.IP})
	if err != nil {
		h.Log.Error("auth.login.session.fail", "err", err, "account_id", acct.ID)
		writeServerError(w)
		return
	}
	if err := h.Devices.LinkSession(ctx, deviceID, acct.ID, issued.SessionID); err != nil {
		// An unlinked session would escape device revocation; do not hand it out.
		if _, rerr := h.Sessions.RevokeByID(ctx, acct.ID, issued.SessionID, session.ReasonLogout); rerr != nil {
			h.Log.Error("auth.login.rollback.fail", "err", rerr, "session_id", issued.SessionID)
		}
		h.Log.Error("auth.login.link.fail", "err", err, "device_id", deviceID)
		writeServerError(w)
		return
	}
	if _, err := h.Devices.RecordActivity(ctx, deviceID); err != nil {
		h.Log.Warn("auth.login.activity.fail", "err", err, "device_id", deviceID)
	}

	now := h.Now()
	access, accessExp, err := h.Tokens.MintAccess(token.Identity{AccountID: acct.ID, Username: acct.Username}, now)
	if err != nil {
		h.Log.Error("auth.login.mint.fail", "err", err)
		writeServerError(w)
		return
	}

	h.Cookies.SetAccess(w, access, accessExp)
	h.Cookies.SetRefresh(w, issued.Secret, now)
	h.Cookies.SetDevice(w, deviceID, now)

	h.Metrics.Login("success")
	h.record(ctx, m, audit.Event{Action: audit.ActionLoginSuccess, AccountID: acct.ID, SessionID: issued.SessionID, DeviceID: deviceID})
	writeJSON(w, http.StatusOK, loginResponse{
		Account:         toHandleResponse(acct.Handle()),
		SessionID:       issued.SessionID,
		DeviceID:        deviceID,
		AccessToken:     access,
		AccessExpiresAt: accessExp,
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	m := h.meta(r)

	refreshInvalid := func(reason string) {
		h.Metrics.Refresh(reason)
		h.Cookies.ClearAuth(w)
		writeError(w, http.StatusUnauthorized, "refresh_invalid", "refresh token invalid")
	}

	raw, ok := h.Cookies.Refresh(r)
	if !ok {
		refreshInvalid("missing")
		return
	}

	sess, err := h.Sessions.Lookup(ctx, raw)
	switch {
	case errors.Is(err, session.ErrRefreshReused):
		h.Log.Warn("auth.refresh.reuse_suspected", "ip", m.IP)
		h.record(ctx, m, audit.Event{Action: audit.ActionRefreshReuse})
		refreshInvalid("reused")
		return
	case errors.Is(err, session.ErrRefreshInvalid):
		h.record(ctx, m, audit.Event{Action: audit.ActionRefreshFailed})
		refreshInvalid("invalid")
		return
	case err != nil:
		h.Log.Error("auth.refresh.lookup.fail", "err", err)
		writeServerError(w)
		return
	}

	deviceID := sess.Meta.DeviceID
	if deviceID == "" {
		deviceID, _ = h.Cookies.Device(r)
	}
	if deviceID != "" {
		revoked, outcomes, err := h.Devices.RevokeIfInactive(ctx, deviceID, h.InactivityThreshold)
		if err != nil {
			h.Log.Error("auth.refresh.device.fail", "err", err, "device_id", deviceID)
			writeServerError(w)
			return
		}
		if revoked {
			h.Metrics.Refresh("device_inactive")
			h.Metrics.Revoked(session.ReasonDeviceInactive, len(outcomes))
			h.record(ctx, m, audit.Event{Action: audit.ActionDeviceInactive, AccountID: sess.AccountID, SessionID: sess.ID, DeviceID: deviceID})
			h.Cookies.ClearAuth(w)
			writeError(w, http.StatusUnauthorized, "device_inactive", "device inactive; sign in again")
			return
		}
	}

	issued, err := h.Sessions.Rotate(ctx, sess.AccountID, raw)
	if err != nil {
		if errors.Is(err, session.ErrRefreshInvalid) {
			// Lost a race with a concurrent rotation or revocation.
			h.record(ctx, m, audit.Event{Action: audit.ActionRefreshFailed, AccountID: sess.AccountID, SessionID: sess.ID})
			refreshInvalid("invalid")
			return
		}
		h.Log.Error("auth.refresh.rotate.fail", "err", err, "session_id", sess.ID)
		writeServerError(w)
		return
	}
	if deviceID != "" {
		if _, err := h.Devices.RecordActivity(ctx, deviceID); err != nil {
			h.Log.Warn("auth.refresh.activity.fail", "err", err, "device_id", deviceID)
		}
	}

	acct, err := h.Credentials.Get(ctx, sess.AccountID)
	if err != nil {
		if identity.IsNotFound(err) {
			refreshInvalid("invalid")
			return
		}
		h.Log.Error("auth.refresh.account.fail", "err", err)
		writeServerError(w)
		return
	}

	now := h.Now()
	access, accessExp, err := h.Tokens.MintAccess(token.Identity{AccountID: acct.ID, Username: acct.Username}, now)
	if err != nil {
		h.Log.Error("auth.refresh.mint.fail", "err", err)
		writeServerError(w)
		return
	}
	h.Cookies.SetAccess(w, access, accessExp)
	h.Cookies.SetRefresh(w, issued.Secret, now)

	h.Metrics.Refresh("success")
	h.record(ctx, m, audit.Event{Action: audit.ActionRefreshSuccess, AccountID: acct.ID, SessionID: issued.SessionID, DeviceID: deviceID})
	writeJSON(w, http.StatusOK, refreshResponse{
		SessionID:       issued.SessionID,
		AccessToken:     access,
		AccessExpiresAt: accessExp,
	})
}

// handleLogout revokes the session behind the presented refresh cookie. It
// always clears the cookies, even when the secret is already dead.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	m := h.meta(r)

	if raw, ok := h.Cookies.Refresh(r); ok {
		revoked, err := h.Sessions.RevokeByToken(ctx, raw, session.ReasonLogout)
		if err != nil {
			h.Log.Error("auth.logout.fail", "err", err)
			writeServerError(w)
			return
		}
		h.revokedSessions(ctx, revoked, session.ReasonLogout)
		for _, s := range revoked {
			h.record(ctx, m, audit.Event{Action: audit.ActionLogout, AccountID: s.AccountID, SessionID: s.ID, DeviceID: s.Meta.DeviceID})
		}
	}

	h.Cookies.ClearAuth(w)
	w.WriteHeader(http.StatusNoContent)
}
