package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"notification-dispatch-go/internal/models"
)

const signatureHeader = "X-Dispatch-Signature"

// Sign returns the hex HMAC-SHA256 of body under secret, as expected in
// X-Dispatch-Signature.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(body []byte, sig, secret string) bool {
	if secret == "" || sig == "" {
		return false
	}
	sig = strings.TrimPrefix(strings.TrimSpace(sig), "sha256=")
	return hmac.Equal([]byte(sig), []byte(Sign(body, secret)))
}

// InternalDispatchHandler accepts signed dispatch intents from other services
// and may target any owner.
func (h *Handler) InternalDispatchHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if !validSignature(body, r.Header.Get(signatureHeader), h.InternalSecret) {
		h.Logger.WithField("remote", r.RemoteAddr).Warn("rejected internal dispatch with bad signature")
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var req models.DispatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	h.dispatch(w, r, strings.TrimSpace(req.OwnerID), req.Notification)
}
