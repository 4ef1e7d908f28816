package models

// Keys is the encryption material of a push subscription.
type Keys struct {
	P256dh string `json:"p256dh"` // client public key
	Auth   string `json:"auth"`   // authentication secret
}

// Subscription is the web push credential of one browser/OS installation.
// Endpoint is unique across all registrations.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}
