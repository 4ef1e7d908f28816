package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"notification-dispatch-go/internal/models"

	"github.com/SherClockHolmes/webpush-go"
)

var ErrMalformedSubscription = errors.New("malformed push subscription")

// rawSubscription mirrors PushSubscription.toJSON() in the browser.
type rawSubscription struct {
	Endpoint       string   `json:"endpoint"`
	ExpirationTime *float64 `json:"expirationTime,omitempty"`
	Keys           struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Decode parses a subscription object as posted by a browser.
func Decode(raw []byte) (models.Subscription, error) {
	var in rawSubscription
	if err := json.Unmarshal(raw, &in); err != nil {
		return models.Subscription{}, fmt.Errorf("%w: %v", ErrMalformedSubscription, err)
	}

	sub := models.Subscription{
		Endpoint: strings.TrimSpace(in.Endpoint),
		Keys: models.Keys{
			P256dh: strings.TrimSpace(in.Keys.P256dh),
			Auth:   strings.TrimSpace(in.Keys.Auth),
		},
	}
	if err := Validate(sub); err != nil {
		return models.Subscription{}, err
	}
	return sub, nil
}

// Validate checks that sub carries everything the transport needs.
func Validate(sub models.Subscription) error {
	switch {
	case sub.Endpoint == "":
		return fmt.Errorf("%w: endpoint is required", ErrMalformedSubscription)
	case sub.Keys.P256dh == "":
		return fmt.Errorf("%w: keys.p256dh is required", ErrMalformedSubscription)
	case sub.Keys.Auth == "":
		return fmt.Errorf("%w: keys.auth is required", ErrMalformedSubscription)
	}

	u, err := url.Parse(sub.Endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("%w: endpoint must be an absolute http(s) URL", ErrMalformedSubscription)
	}
	return nil
}

// Encode converts a stored credential into the transport's representation.
func Encode(sub models.Subscription) *webpush.Subscription {
	return &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}
}
