package models

// Notification is what a caller asks to have delivered to every active device
// of one identity.
type Notification struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	URL   string         `json:"url,omitempty"`
	Icon  string         `json:"icon,omitempty"`
	Tag   string         `json:"tag,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

type FailureKind string

const (
	// FailurePermanent means the subscription is gone and will never work again.
	FailurePermanent FailureKind = "permanent"
	FailureTransient FailureKind = "transient"
	// FailureMalformed means the stored credential could not be handed to the transport.
	FailureMalformed FailureKind = "malformed"
)

type Outcome struct {
	DeviceID   string      `json:"device_id"`
	DeviceName string      `json:"device_name,omitempty"`
	Success    bool        `json:"success"`
	ErrorKind  FailureKind `json:"error_kind,omitempty"`
}

type DispatchResult struct {
	Sent     int       `json:"sent"`
	Total    int       `json:"total"`
	Outcomes []Outcome `json:"outcomes"`
}

// DispatchRequest is a trusted dispatch intent addressed to any owner, as
// received from other services.
type DispatchRequest struct {
	OwnerID      string       `json:"owner_id"`
	Notification Notification `json:"notification"`
}
