package devices

import (
	"strings"

	"notification-dispatch-go/internal/models"
)

// DetectType guesses the form factor from a User-Agent header.
func DetectType(ua string) models.DeviceType {
	ua = strings.ToLower(ua)
	switch {
	case strings.Contains(ua, "ipad"), strings.Contains(ua, "tablet"),
		strings.Contains(ua, "android") && !strings.Contains(ua, "mobile"):
		return models.DeviceTablet
	case strings.Contains(ua, "mobi"), strings.Contains(ua, "iphone"), strings.Contains(ua, "android"):
		return models.DeviceMobile
	default:
		return models.DeviceDesktop
	}
}

// DefaultName builds a label such as "Chrome on Android" for devices
// registered without one.
func DefaultName(ua string) string {
	lower := strings.ToLower(ua)

	browser := "Browser"
	// Order matters: Edge and Opera also advertise Chrome, Chrome advertises Safari.
	switch {
	case strings.Contains(lower, "edg/"):
		browser = "Edge"
	case strings.Contains(lower, "opr/"), strings.Contains(lower, "opera"):
		browser = "Opera"
	case strings.Contains(lower, "firefox/"), strings.Contains(lower, "fxios"):
		browser = "Firefox"
	case strings.Contains(lower, "chrome/"), strings.Contains(lower, "crios"):
		browser = "Chrome"
	case strings.Contains(lower, "safari/"):
		browser = "Safari"
	}

	platform := ""
	switch {
	case strings.Contains(lower, "android"):
		platform = "Android"
	case strings.Contains(lower, "iphone"), strings.Contains(lower, "ipad"):
		platform = "iOS"
	case strings.Contains(lower, "windows"):
		platform = "Windows"
	case strings.Contains(lower, "mac os"), strings.Contains(lower, "macintosh"):
		platform = "macOS"
	case strings.Contains(lower, "linux"):
		platform = "Linux"
	}

	if platform == "" {
		return browser
	}
	return browser + " on " + platform
}
