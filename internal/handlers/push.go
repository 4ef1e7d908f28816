package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"notification-dispatch-go/internal/devices"
	"notification-dispatch-go/internal/models"

	"github.com/gorilla/mux"
)

const maxBodyBytes = 64 << 10

var testNotification = models.Notification{
	Title: "Test notification",
	Body:  "Push notifications are working on this device.",
	URL:   "/",
	Tag:   "test-notification",
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

// VAPIDKeyHandler returns the public key browsers need to subscribe.
func (h *Handler) VAPIDKeyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": h.VAPIDPublicKey})
}

// SubscribeHandler registers a browser push subscription for the caller.
// The body is either {"subscription": {...}, "deviceName": "", "deviceType": ""}
// or a bare PushSubscription.
func (h *Handler) SubscribeHandler(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	var req struct {
		Subscription json.RawMessage `json:"subscription"`
		DeviceName   string          `json:"deviceName"`
		DeviceType   string          `json:"deviceType"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	raw := []byte(req.Subscription)
	if len(raw) == 0 || string(raw) == "null" {
		raw = body
	}

	d, err := h.Devices.Register(r.Context(), owner, devices.RegisterInput{
		Subscription: raw,
		DeviceName:   req.DeviceName,
		DeviceType:   req.DeviceType,
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "Device registered for push notifications",
		"device":  d,
	})
}

func (h *Handler) ListDevicesHandler(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())

	list, err := h.Devices.List(r.Context(), owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []models.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "devices": list})
}

func (h *Handler) UnregisterDeviceHandler(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())

	if err := h.Devices.Unregister(r.Context(), owner, mux.Vars(r)["id"]); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Device unregistered"})
}

// SendHandler dispatches a notification to the caller's own devices.
func (h *Handler) SendHandler(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	var n models.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	h.dispatch(w, r, owner, n)
}

func (h *Handler) TestHandler(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())
	h.dispatch(w, r, owner, testNotification)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, owner string, n models.Notification) {
	res, err := h.Dispatcher.Dispatch(r.Context(), owner, n)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"message":  fmt.Sprintf("%d of %d devices notified", res.Sent, res.Total),
		"sent":     res.Sent,
		"total":    res.Total,
		"outcomes": res.Outcomes,
	})
}
