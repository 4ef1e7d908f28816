package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"notification-dispatch-go/internal/devices"
	"notification-dispatch-go/internal/dispatch"
	"notification-dispatch-go/internal/models"
	"notification-dispatch-go/internal/push"
	"notification-dispatch-go/internal/store"

	"github.com/gorilla/sessions"
	"github.com/sirupsen/logrus"
)

// Dispatcher is the part of dispatch.Engine the handlers need.
type Dispatcher interface {
	Dispatch(ctx context.Context, ownerID string, n models.Notification) (models.DispatchResult, error)
}

type Handler struct {
	Devices        *devices.Service
	Dispatcher     Dispatcher
	Sessions       sessions.Store
	Logger         logrus.FieldLogger
	VAPIDPublicKey string
	JWTSecret      []byte
	InternalSecret string
	Started        time.Time
}

func NewHandler(svc *devices.Service, d Dispatcher, sessionStore sessions.Store, logger logrus.FieldLogger) *Handler {
	return &Handler{
		Devices:    svc,
		Dispatcher: d,
		Sessions:   sessionStore,
		Logger:     logger,
		Started:    time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrInvalidPayload), errors.Is(err, push.ErrMalformedSubscription):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrEndpointOwnedByOther):
		return http.StatusConflict
	case errors.Is(err, store.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail logs server side failures and answers with a client safe message.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, status, http.StatusText(status))
		return
	}
	writeError(w, status, err.Error())
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "dispatch service healthy",
		"meta": map[string]any{
			"uptime_seconds": int(time.Since(h.Started).Seconds()),
			"timestamp":      time.Now().UTC(),
		},
	})
}
