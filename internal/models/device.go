package models

import (
	"strings"
	"time"
)

type DeviceType string

const (
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceDesktop DeviceType = "desktop"
)

// ParseDeviceType normalizes a client supplied type. ok is false for anything
// outside mobile/tablet/desktop.
func ParseDeviceType(s string) (DeviceType, bool) {
	switch DeviceType(strings.ToLower(strings.TrimSpace(s))) {
	case DeviceMobile:
		return DeviceMobile, true
	case DeviceTablet:
		return DeviceTablet, true
	case DeviceDesktop:
		return DeviceDesktop, true
	default:
		return "", false
	}
}

// Device binds one push subscription to the identity that registered it.
type Device struct {
	ID           string       `json:"id"`
	OwnerID      string       `json:"owner_id"`
	DeviceName   string       `json:"device_name"`
	DeviceType   DeviceType   `json:"device_type"`
	Subscription Subscription `json:"subscription"`
	IsActive     bool         `json:"is_active"`
	RegisteredAt time.Time    `json:"registered_at"`
	LastUsed     time.Time    `json:"last_used"`
}
