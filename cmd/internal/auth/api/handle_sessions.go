package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"agora/cmd/identity"
	"agora/cmd/internal/auth/audit"
	"agora/cmd/internal/auth/device"
	"agora/cmd/internal/auth/gate"
	"agora/cmd/internal/auth/session"
)

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	ident, _ := gate.IdentityFrom(r.Context())
	ctx := r.Context()

	revoked, err := h.Sessions.RevokeAll(ctx, ident.AccountID, session.ReasonLogoutAll)
	if err != nil {
		h.Log.Error("auth.logout_all.fail", "err", err, "account_id", ident.AccountID)
		writeServerError(w)
		return
	}
	h.revokedSessions(ctx, revoked, session.ReasonLogoutAll)
	h.record(ctx, h.meta(r), audit.Event{
		Action:    audit.ActionLogoutAll,
		AccountID: ident.AccountID,
		Meta:      map[string]any{"revoked": len(revoked)},
	})

	h.Cookies.ClearAuth(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	ident, _ := gate.IdentityFrom(r.Context())

	acct, err := h.Credentials.Get(r.Context(), ident.AccountID)
	if err != nil {
		if identity.IsNotFound(err) {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}
		h.Log.Error("auth.me.fail", "err", err)
		writeServerError(w)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(acct))
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ident, _ := gate.IdentityFrom(r.Context())

	list, err := h.Sessions.List(r.Context(), ident.AccountID)
	if err != nil {
		h.Log.Error("auth.sessions.list.fail", "err", err, "account_id", ident.AccountID)
		writeServerError(w)
		return
	}

	var currentHash string
	if raw, ok := h.Cookies.Refresh(r); ok {
		currentHash = h.Sessions.HashSecret(raw)
	}
	out := sessionsResponse{Sessions: make([]sessionResponse, 0, len(list))}
	for _, s := range list {
		out.Sessions = append(out.Sessions, toSessionResponse(s, currentHash))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	ident, _ := gate.IdentityFrom(r.Context())
	ctx := r.Context()
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	res, err := h.Sessions.RevokeByID(ctx, ident.AccountID, id, session.ReasonUserRevoked)
	if err != nil {
		h.Log.Error("auth.sessions.revoke.fail", "err", err, "session_id", id)
		writeServerError(w)
		return
	}
	if !res.Found {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if res.Changed {
		h.revokedSessions(ctx, []session.Session{res.Session}, session.ReasonUserRevoked)
		h.record(ctx, h.meta(r), audit.Event{
			Action:    audit.ActionSessionRevoked,
			AccountID: ident.AccountID,
			SessionID: id,
			DeviceID:  res.Session.Meta.DeviceID,
		})
	}

	if raw, ok := h.Cookies.Refresh(r); ok && h.Sessions.HashSecret(raw) == res.Session.TokenHash {
		h.Cookies.ClearAuth(w)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	ident, _ := gate.IdentityFrom(r.Context())
	ctx := r.Context()
	deviceID := strings.TrimSpace(chi.URLParam(r, "deviceId"))

	outcomes, err := h.Devices.RevokeAccountOnDevice(ctx, deviceID, ident.AccountID, session.ReasonDeviceRevoked)
	if err != nil {
		if errors.Is(err, device.ErrNotOwner) {
			writeError(w, http.StatusForbidden, "no_sessions_for_account", "no sessions for your account on this device")
			return
		}
		h.Log.Error("auth.device.revoke.fail", "err", err, "device_id", deviceID)
		writeServerError(w)
		return
	}

	changed := 0
	for _, o := range outcomes {
		if o.Changed {
			changed++
		}
	}
	h.Metrics.Revoked(session.ReasonDeviceRevoked, changed)
	h.record(ctx, h.meta(r), audit.Event{
		Action:    audit.ActionDeviceRevoked,
		AccountID: ident.AccountID,
		DeviceID:  deviceID,
		Meta:      map[string]any{"sessions": len(outcomes), "changed": changed},
	})

	if own, ok := h.Cookies.Device(r); ok && own == deviceID {
		h.Cookies.ClearAuth(w)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeviceAccounts lists the accounts signed in on the caller's device.
// Only handles are returned; switching accounts still goes through the
// refresh cookie.
func (h *Handler) handleDeviceAccounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := deviceAccountsResponse{Accounts: []handleResponse{}}

	deviceID, ok := h.Cookies.Device(r)
	if !ok || !device.ValidID(deviceID) {
		writeJSON(w, http.StatusOK, out)
		return
	}
	d, err := h.Devices.Get(ctx, deviceID)
	if errors.Is(err, device.ErrDeviceNotFound) {
		writeJSON(w, http.StatusOK, out)
		return
	}
	if err != nil {
		h.Log.Error("auth.device.accounts.fail", "err", err, "device_id", deviceID)
		writeServerError(w)
		return
	}
	out.DeviceID = d.ID

	for _, accountID := range d.AccountIDs() {
		acct, err := h.Credentials.Get(ctx, accountID)
		if identity.IsNotFound(err) {
			continue
		}
		if err != nil {
			h.Log.Error("auth.device.accounts.lookup.fail", "err", err, "account_id", accountID)
			writeServerError(w)
			return
		}
		out.Accounts = append(out.Accounts, toHandleResponse(acct.Handle()))
	}
	writeJSON(w, http.StatusOK, out)
}
