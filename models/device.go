package models

// DeviceStatus is the last observed reachability of a device.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

// Device is one physical installation of an identity, reachable over the LAN.
type Device struct {
	DeviceID          string       `json:"device_id"`
	IdentityID        string       `json:"identity_id"`
	DeviceName        string       `json:"device_name"`
	Ed25519PublicKey  string       `json:"ed25519_public_key,omitempty"`
	KeyFingerprint    string       `json:"key_fingerprint,omitempty"`
	Status            DeviceStatus `json:"status"`
	AddedTimestamp    int64        `json:"added_timestamp"`
	LastSeenTimestamp int64        `json:"last_seen_timestamp,omitempty"`
	Address           string       `json:"address,omitempty"`
	Port              int          `json:"port,omitempty"`
}
