package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/auth"
)

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type identityView struct {
	ID             string   `json:"id"`
	OrganizationID string   `json:"organization_id"`
	Roles          []string `json:"roles"`
	Permissions    []string `json:"permissions"`
	AccessLevel    string   `json:"access_level"`
}

type authResponse struct {
	AccessToken      string             `json:"access_token"`
	RefreshToken     string             `json:"refresh_token"`
	TokenType        string             `json:"token_type"`
	ExpiresIn        int64              `json:"expires_in"`
	RefreshExpiresIn int64              `json:"refresh_expires_in"`
	User             *identityView      `json:"user,omitempty"`
	Organization     *auth.Organization `json:"organization,omitempty"`
}

type sessionView struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func viewIdentity(id auth.Identity) *identityView {
	return &identityView{
		ID:             id.UserID,
		OrganizationID: id.OrganizationID,
		Roles:          id.Roles,
		Permissions:    id.Permissions,
		AccessLevel:    id.AccessLevel(),
	}
}

func tokensResponse(p auth.TokenPair) authResponse {
	return authResponse{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        p.ExpiresIn(),
		RefreshExpiresIn: p.RefreshExpiresIn(),
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if strings.TrimSpace(req.Login) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "login and password are required")
		return
	}

	res, err := a.svc.Login(r.Context(), req.Login, req.Password)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	ctx := auth.ContextWithIdentity(r.Context(), res.Identity)
	_ = audit.LogEvent(ctx, audit.EventLogin, map[string]any{
		"session_id": res.Identity.SessionID,
		"remote_ip":  clientIP(r),
	})

	out := tokensResponse(res.Tokens)
	out.User = viewIdentity(res.Identity)
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	reg, err := a.accounts.Register(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	ctx := auth.ContextWithIdentity(r.Context(), reg.Auth.Identity)
	_ = audit.LogEvent(ctx, audit.EventRegistered, map[string]any{
		"organization": reg.Organization.Name,
		"login":        reg.Superuser.Login,
	})

	out := tokensResponse(reg.Auth.Tokens)
	out.User = viewIdentity(reg.Auth.Identity)
	out.Organization = &reg.Organization
	writeJSON(w, http.StatusCreated, out)
}

func (a *API) decodeRefresh(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return "", false
	}
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "refresh_token is required")
		return "", false
	}
	return token, true
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, ok := a.decodeRefresh(w, r)
	if !ok {
		return
	}
	pair, err := a.svc.Refresh(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrRefreshTokenRevoked) {
			_ = audit.LogEvent(r.Context(), audit.EventRefreshReplay, map[string]any{"remote_ip": clientIP(r)})
		}
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokensResponse(pair))
}

func (a *API) handleRefreshAccess(w http.ResponseWriter, r *http.Request) {
	token, ok := a.decodeRefresh(w, r)
	if !ok {
		return
	}
	pair, err := a.svc.RefreshAccess(r.Context(), token)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokensResponse(pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := a.decodeRefresh(w, r)
	if !ok {
		return
	}
	if err := a.svc.Logout(r.Context(), token); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogout, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	n, err := a.svc.LogoutAll(r.Context(), id.UserID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogoutAll, map[string]any{"revoked": n})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (a *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, viewIdentity(identity(r)))
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if err := a.svc.Require(id, auth.PermSessionView); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	rows, err := a.svc.Sessions(r.Context(), id.UserID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	out := make([]sessionView, 0, len(rows))
	for _, row := range rows {
		out = append(out, sessionView{SessionID: row.SessionID, CreatedAt: row.CreatedAt, ExpiresAt: row.ExpiresAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}
