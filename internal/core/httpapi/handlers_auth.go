package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/haasonsaas/r-core/internal/core/apierrors"
	"github.com/haasonsaas/r-core/internal/core/audit"
	"github.com/haasonsaas/r-core/internal/core/auth"
	"github.com/haasonsaas/r-core/internal/core/permissions"
	"github.com/haasonsaas/r-core/pkg/coreapi"
)

func scopeStrings(scopes []permissions.Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

func parseScopes(raw []string) []permissions.Scope {
	out := make([]permissions.Scope, len(raw))
	for i, s := range raw {
		out[i] = permissions.Scope(s)
	}
	return out
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeError(w, apierrors.New(apierrors.KindInternal, "auth not configured"))
		return
	}

	var req coreapi.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, apierrors.New(apierrors.KindInvalidRequest, "username and password are required"))
		return
	}

	token, user, err := s.auth.Login(req.Username, req.Password, auth.DefaultTokenTTL)
	if err != nil {
		if s.audit != nil {
			s.audit.Log(r.Context(), audit.Event{
				Action:       audit.ActionAuthFailed,
				Severity:     audit.SeverityWarning,
				Username:     req.Username,
				ClientIP:     clientIP(r),
				RequestID:    RequestIDFromContext(r.Context()),
				Success:      false,
				ErrorMessage: apierrors.FromError(err).Message,
			})
		}
		writeError(w, err)
		return
	}

	if s.audit != nil {
		s.audit.Log(r.Context(), audit.Event{
			Action:    audit.ActionAuthLogin,
			UserID:    user.UserID,
			Username:  user.Username,
			AuthType:  string(auth.AuthTypePassword),
			ClientIP:  clientIP(r),
			RequestID: RequestIDFromContext(r.Context()),
			Success:   true,
		})
	}
	writeJSON(w, http.StatusOK, coreapi.TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(auth.DefaultTokenTTL.Seconds()),
		Scopes:      scopeStrings(user.Scopes),
	})
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, apierrors.New(apierrors.KindAuthMissing, "authentication required"))
		return
	}
	writeJSON(w, http.StatusOK, coreapi.IntrospectResponse{
		Username: identity.Username,
		Scopes:   scopeStrings(identity.Scopes),
		AuthType: string(identity.AuthType),
	})
}

func keyInfo(k *auth.APIKey) coreapi.APIKeyInfo {
	return coreapi.APIKeyInfo{
		KeyID:      k.KeyID,
		Name:       k.Name,
		Scopes:     scopeStrings(k.Scopes),
		CreatedAt:  k.CreatedAt,
		ExpiresAt:  k.ExpiresAt,
		LastUsedAt: k.LastUsedAt,
	}
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.User == nil {
		writeError(w, apierrors.New(apierrors.KindAuthMissing, "authentication required"))
		return
	}

	var req coreapi.CreateKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	// A key may carry at most the scopes its creator holds.
	checker := identity.Checker()
	scopes := parseScopes(req.Scopes)
	if len(scopes) == 0 {
		scopes = identity.Scopes
	}
	for _, scope := range scopes {
		if !checker.HasScope(scope) {
			writeError(w, &apierrors.CoreError{
				Kind:          apierrors.KindPermissionDenied,
				Message:       "cannot grant scope " + string(scope),
				RequiredScope: string(scope),
			})
			return
		}
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	raw, rec, err := s.auth.Store().IssueAPIKey(identity.User, scopes, req.Name, ttl)
	if err != nil {
		writeError(w, err)
		return
	}

	if s.audit != nil {
		s.audit.Log(r.Context(), audit.Event{
			Action:     audit.ActionAPIKeyCreated,
			UserID:     identity.User.UserID,
			Username:   identity.Username,
			RequestID:  RequestIDFromContext(r.Context()),
			Resource:   "api_key",
			ResourceID: rec.KeyID,
			Success:    true,
		})
	}
	writeJSON(w, http.StatusCreated, coreapi.CreateKeyResponse{
		Key:   raw,
		KeyID: rec.KeyID,
		Info:  keyInfo(rec),
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.User == nil {
		writeError(w, apierrors.New(apierrors.KindAuthMissing, "authentication required"))
		return
	}

	keys := s.auth.Store().ListAPIKeys(identity.User.UserID)
	infos := make([]coreapi.APIKeyInfo, 0, len(keys))
	for _, k := range keys {
		infos = append(infos, keyInfo(k))
	}
	writeJSON(w, http.StatusOK, coreapi.KeysResponse{Keys: infos})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.User == nil {
		writeError(w, apierrors.New(apierrors.KindAuthMissing, "authentication required"))
		return
	}

	keyID := r.PathValue("key_id")
	checker := identity.Checker()

	var target *auth.APIKey
	for _, k := range s.auth.Store().ListAPIKeys(identity.User.UserID) {
		if k.KeyID == keyID {
			target = k
			break
		}
	}
	if target == nil && checker.HasScope(permissions.ScopeAdmin) {
		// Admins may revoke any key, not just their own.
		target = s.auth.Store().FindAPIKeyByID(keyID)
	}
	if target == nil {
		writeError(w, apierrors.New(apierrors.KindNotFound, "api key not found: "+keyID))
		return
	}

	s.auth.Store().RevokeAPIKey(target.KeyHash)
	if s.audit != nil {
		s.audit.Log(r.Context(), audit.Event{
			Action:     audit.ActionAPIKeyRevoked,
			UserID:     identity.User.UserID,
			Username:   identity.Username,
			RequestID:  RequestIDFromContext(r.Context()),
			Resource:   "api_key",
			ResourceID: keyID,
			Success:    true,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	if !identity.Checker().HasScope(permissions.ScopeAdmin) {
		writeError(w, &apierrors.CoreError{
			Kind:          apierrors.KindPermissionDenied,
			Message:       "requires scope admin",
			RequiredScope: string(permissions.ScopeAdmin),
		})
		return
	}
	if s.audit == nil {
		writeJSON(w, http.StatusOK, coreapi.AuditEventsResponse{Events: []map[string]any{}})
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	filter := audit.Filter{Action: audit.Action(r.URL.Query().Get("action"))}

	events, err := s.audit.Recent(limit, filter)
	if err != nil {
		writeError(w, apierrors.Wrap(apierrors.KindInternal, "read audit log", err))
		return
	}

	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, map[string]any{
			"id":        e.ID,
			"timestamp": e.Timestamp,
			"action":    string(e.Action),
			"severity":  string(e.Severity),
			"username":  e.Username,
			"path":      e.Path,
			"success":   e.Success,
			"error":     e.ErrorMessage,
		})
	}
	writeJSON(w, http.StatusOK, coreapi.AuditEventsResponse{Events: out})
}
