package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/sessions"
)

const (
	sessionName = "dispatch-session"
	ownerKey    = "owner_id"
)

type ctxKey struct{}

// NewSessionStore returns the cookie store used for browser sessions.
func NewSessionStore(secret string, secure bool) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   30 * 24 * 60 * 60,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

// OwnerFromContext returns the identity placed by RequireIdentity.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ctxKey{}).(string)
	return owner, ok && owner != ""
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}

// verifyToken validates an HMAC signed identity token issued by the
// identity provider and returns its subject.
func (h *Handler) verifyToken(tokenString string) (string, error) {
	if len(h.JWTSecret) == 0 {
		return "", errors.New("bearer authentication is not configured")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return h.JWTSecret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	// Older tokens carry the user id instead of a subject
	switch id := claims["userId"].(type) {
	case string:
		if id != "" {
			return id, nil
		}
	case float64:
		return strconv.FormatInt(int64(id), 10), nil
	}
	return "", errors.New("token has no subject")
}

func (h *Handler) identify(r *http.Request) (string, bool) {
	if tok := bearerToken(r); tok != "" {
		owner, err := h.verifyToken(tok)
		if err != nil {
			return "", false
		}
		return owner, true
	}

	if h.Sessions == nil {
		return "", false
	}
	session, err := h.Sessions.Get(r, sessionName)
	if err != nil {
		return "", false
	}
	owner, ok := session.Values[ownerKey].(string)
	return owner, ok && owner != ""
}

// RequireIdentity rejects requests that carry neither a valid bearer token
// nor a session.
func (h *Handler) RequireIdentity(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := h.identify(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, owner)))
	}
}

// LoginHandler exchanges a bearer identity token for a cookie session so
// the browser and its service worker can call the API.
func (h *Handler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	owner, err := h.verifyToken(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if h.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Sessions are not configured")
		return
	}

	session, _ := h.Sessions.Get(r, sessionName)
	session.Values[ownerKey] = owner
	if err := session.Save(r, w); err != nil {
		h.Logger.WithError(err).Error("failed to save session")
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "owner_id": owner})
}

// LogoutHandler clears the session cookie. Without a session store there is
// nothing to clear.
func (h *Handler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if h.Sessions == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}
	session, _ := h.Sessions.Get(r, sessionName)
	delete(session.Values, ownerKey)
	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		h.Logger.WithError(err).Warn("failed to clear session")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
