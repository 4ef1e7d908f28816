package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"notification-dispatch-go/internal/models"
)

var ErrInvalidPayload = errors.New("invalid notification payload")

// Web push services accept 4096 byte records; leave room for encryption overhead.
const maxPayloadSize = 3993

var vibratePattern = []int{200, 100, 200}

// message is the JSON document the service worker receives.
type message struct {
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Icon               string         `json:"icon"`
	Badge              string         `json:"badge"`
	Tag                string         `json:"tag"`
	URL                string         `json:"url"`
	Data               map[string]any `json:"data"`
	Vibrate            []int          `json:"vibrate"`
	RequireInteraction bool           `json:"requireInteraction"`
	Timestamp          int64          `json:"timestamp"`
}

// Validate checks the caller supplied fields.
func Validate(n models.Notification) error {
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(n.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidPayload)
	}
	return nil
}

// BuildPayload renders the canonical message shared by every device of one dispatch.
func BuildPayload(n models.Notification, defaultIcon, defaultTag string, at time.Time) ([]byte, error) {
	if err := Validate(n); err != nil {
		return nil, err
	}

	msg := message{
		Title:     strings.TrimSpace(n.Title),
		Body:      strings.TrimSpace(n.Body),
		Icon:      firstNonEmpty(n.Icon, defaultIcon),
		Badge:     defaultIcon,
		Tag:       firstNonEmpty(n.Tag, defaultTag),
		URL:       firstNonEmpty(n.URL, "/"),
		Data:      make(map[string]any, len(n.Data)+1),
		Vibrate:   vibratePattern,
		Timestamp: at.UnixMilli(),
	}
	maps.Copy(msg.Data, n.Data)
	msg.Data["url"] = msg.URL

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("%w: encoded message is %d bytes, limit is %d", ErrInvalidPayload, len(payload), maxPayloadSize)
	}
	return payload, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
