package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"notification-dispatch-go/internal/models"

	"github.com/SherClockHolmes/webpush-go"
)

// Sender delivers one encrypted message to one subscription.
type Sender interface {
	Send(ctx context.Context, sub models.Subscription, payload []byte) error
}

// SendError is returned by VAPIDSender for every failed delivery.
type SendError struct {
	Kind       models.FailureKind
	StatusCode int
	Err        error
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("push %s failure: status %d: %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("push %s failure: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Classify maps any send error to the reconciliation kind. Only an explicit
// "gone" answer from the push service is permanent.
func Classify(err error) models.FailureKind {
	if errors.Is(err, ErrMalformedSubscription) {
		return models.FailureMalformed
	}
	var sendErr *SendError
	if errors.As(err, &sendErr) && sendErr.Kind == models.FailurePermanent {
		return models.FailurePermanent
	}
	return models.FailureTransient
}

func classifyStatus(code int) (models.FailureKind, bool) {
	switch {
	case code == http.StatusNotFound, code == http.StatusGone:
		return models.FailurePermanent, true
	case code >= 400:
		return models.FailureTransient, true
	default:
		return "", false
	}
}

type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	Subject    string
	TTL        int
	Urgency    string
	Timeout    time.Duration
}

type VAPIDSender struct {
	cfg    VAPIDConfig
	client *http.Client
}

func NewVAPIDSender(cfg VAPIDConfig) *VAPIDSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30
	}
	return &VAPIDSender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (s *VAPIDSender) PublicKey() string {
	return s.cfg.PublicKey
}

func (s *VAPIDSender) Send(ctx context.Context, sub models.Subscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, Encode(sub), &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      strings.TrimPrefix(s.cfg.Subject, "mailto:"),
		VAPIDPublicKey:  s.cfg.PublicKey,
		VAPIDPrivateKey: s.cfg.PrivateKey,
		TTL:             s.cfg.TTL,
		Urgency:         parseUrgency(s.cfg.Urgency),
	})
	if err != nil {
		return &SendError{Kind: models.FailureTransient, Err: err}
	}
	defer resp.Body.Close()

	kind, failed := classifyStatus(resp.StatusCode)
	if !failed {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &SendError{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("push service rejected message: %s", strings.TrimSpace(string(body))),
	}
}

func parseUrgency(s string) webpush.Urgency {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "very-low":
		return webpush.UrgencyVeryLow
	case "low":
		return webpush.UrgencyLow
	case "high":
		return webpush.UrgencyHigh
	default:
		return webpush.UrgencyNormal
	}
}

// GenerateVAPIDKeys returns a fresh (private, public) key pair.
func GenerateVAPIDKeys() (string, string, error) {
	return webpush.GenerateVAPIDKeys()
}
