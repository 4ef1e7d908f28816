package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// NewRouter wires every route. The internal dispatch route only exists when
// a shared secret is configured.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.Use(h.recoverer)
	r.Use(h.requestLogger)

	r.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/session", h.LoginHandler).Methods(http.MethodPost)
	api.HandleFunc("/session", h.LogoutHandler).Methods(http.MethodDelete)

	api.HandleFunc("/push/vapid-public-key", h.VAPIDKeyHandler).Methods(http.MethodGet)
	api.HandleFunc("/push/subscribe", h.RequireIdentity(h.SubscribeHandler)).Methods(http.MethodPost)
	api.HandleFunc("/push/devices", h.RequireIdentity(h.ListDevicesHandler)).Methods(http.MethodGet)
	api.HandleFunc("/push/devices/{id}", h.RequireIdentity(h.UnregisterDeviceHandler)).Methods(http.MethodDelete)
	api.HandleFunc("/push/send", h.RequireIdentity(h.SendHandler)).Methods(http.MethodPost)
	api.HandleFunc("/push/test", h.RequireIdentity(h.TestHandler)).Methods(http.MethodPost)

	if h.InternalSecret != "" {
		r.HandleFunc("/internal/dispatch", h.InternalDispatchHandler).Methods(http.MethodPost)
	}
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		h.Logger.WithFields(logrus.Fields{
			"request_id": reqID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"duration":   time.Since(start).String(),
		}).Debug("request")
	})
}

func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				h.Logger.WithField("panic", p).WithField("path", r.URL.Path).Error("handler panicked")
				writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
