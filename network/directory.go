package network

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"gosession/crypto"
	"gosession/models"
	"gosession/storage"
)

// Directory maps identities to the devices that carry them. Endpoints come
// from discovery and outbound dials; signing keys are pinned on the first
// successful handshake.
type Directory struct {
	store         *storage.Store
	localDeviceID string
	log           *logrus.Entry
}

// NewDirectory returns a Directory over store. Our own device is never
// returned as a destination.
func NewDirectory(store *storage.Store, localDeviceID string, log *logrus.Entry) (*Directory, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if localDeviceID == "" {
		return nil, errors.New("local device ID is required")
	}
	if log == nil {
		log = logrus.WithField("component", "directory")
	}
	return &Directory{store: store, localDeviceID: localDeviceID, log: log}, nil
}

// Observe records a device announced on the LAN. Pinned keys are kept.
func (d *Directory) Observe(device models.Device) error {
	if device.DeviceID == d.localDeviceID {
		return nil
	}
	if device.Status == "" {
		device.Status = models.DeviceOnline
	}
	if device.LastSeenTimestamp == 0 {
		device.LastSeenTimestamp = time.Now().UnixMilli()
	}
	logger := d.log.WithFields(logrus.Fields{
		"device_id": device.DeviceID,
		"identity":  device.IdentityID,
		"address":   net.JoinHostPort(device.Address, strconv.Itoa(device.Port)),
	})

	existing, err := d.store.GetDevice(device.DeviceID)
	switch {
	case err == nil && existing.IdentityID != device.IdentityID && existing.Ed25519PublicKey != "":
		logger.Warn("announcement for a pinned device under another identity ignored")
		return nil
	case err == nil && existing.IdentityID == device.IdentityID && existing.DeviceName == device.DeviceName:
		if existing.Address != device.Address || existing.Port != device.Port {
			if err := d.store.UpdateDeviceEndpoint(device.DeviceID, device.Address, device.Port, device.LastSeenTimestamp); err != nil {
				return err
			}
			logger.Debug("device endpoint changed")
		}
		return d.store.UpdateDeviceStatus(device.DeviceID, device.Status, device.LastSeenTimestamp)
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return err
	}

	// Discovery is unauthenticated; keys are only learned from a handshake.
	device.Ed25519PublicKey = ""
	device.KeyFingerprint = ""
	if err := d.store.UpsertDevice(device); err != nil {
		return err
	}
	logger.Debug("device observed")
	return nil
}

// DevicesFor lists the devices of identity, online and recently seen first.
func (d *Directory) DevicesFor(identity string) ([]models.Device, error) {
	devices, err := d.store.ListDevicesForIdentity(identity)
	if err != nil {
		return nil, err
	}
	out := devices[:0]
	for _, device := range devices {
		if device.DeviceID == d.localDeviceID {
			continue
		}
		out = append(out, device)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if (out[i].Status == models.DeviceOnline) != (out[j].Status == models.DeviceOnline) {
			return out[i].Status == models.DeviceOnline
		}
		return out[i].LastSeenTimestamp > out[j].LastSeenTimestamp
	})
	return out, nil
}

// KnownKey implements KnownKeyLookup.
func (d *Directory) KnownKey(deviceID string) (string, string, bool) {
	device, err := d.store.GetDevice(deviceID)
	if err != nil {
		return "", "", false
	}
	return device.IdentityID, device.Ed25519PublicKey, true
}

// RecordLink pins the peer's signing key and marks the device online.
// address is the endpoint we dialed, empty for inbound links.
func (d *Directory) RecordLink(link *Link, address string) error {
	device := models.Device{
		DeviceID:          link.PeerDeviceID(),
		IdentityID:        link.PeerIdentityID(),
		DeviceName:        link.PeerDeviceName(),
		Status:            models.DeviceOnline,
		LastSeenTimestamp: time.Now().UnixMilli(),
	}
	if host, port, ok := splitEndpoint(address); ok {
		device.Address = host
		device.Port = port
	}
	pinned := ""
	if existing, err := d.store.GetDevice(device.DeviceID); err == nil {
		pinned = existing.Ed25519PublicKey
	}
	if err := d.store.UpsertDevice(device); err != nil {
		return fmt.Errorf("record link to %q: %w", device.DeviceID, err)
	}

	key := link.PeerPublicKey()
	if key == "" || key == pinned {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return fmt.Errorf("record link to %q: decode peer key: %w", device.DeviceID, err)
	}
	if err := d.store.UpdateDeviceIdentityKey(device.DeviceID, key, crypto.KeyFingerprint(raw)); err != nil {
		return fmt.Errorf("pin key of %q: %w", device.DeviceID, err)
	}
	d.log.WithFields(logrus.Fields{"device_id": device.DeviceID, "identity": device.IdentityID}).Info("device key pinned")
	return nil
}

// MarkOffline records that the last link to a device closed.
func (d *Directory) MarkOffline(deviceID string) error {
	err := d.store.UpdateDeviceStatus(deviceID, models.DeviceOffline, time.Now().UnixMilli())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// Reachable reports whether any device of identity has a known endpoint.
func (d *Directory) Reachable(identity string) bool {
	devices, err := d.DevicesFor(identity)
	if err != nil {
		return false
	}
	for _, device := range devices {
		if device.Address != "" && device.Port > 0 {
			return true
		}
	}
	return false
}

// RefreshIdentity forgets the signing keys pinned for every device of
// identity, so the next handshake pins whatever key the contact now uses.
func (d *Directory) RefreshIdentity(ctx context.Context, identity string) error {
	devices, err := d.store.ListDevicesForIdentity(identity)
	if err != nil {
		return err
	}
	for _, device := range devices {
		if err := ctx.Err(); err != nil {
			return err
		}
		if device.DeviceID == d.localDeviceID {
			continue
		}
		if device.Ed25519PublicKey == "" {
			continue
		}
		if err := d.store.UpdateDeviceIdentityKey(device.DeviceID, "", ""); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	d.log.WithFields(logrus.Fields{"identity": identity, "devices": len(devices)}).Info("pinned device keys cleared")
	return nil
}

func splitEndpoint(address string) (string, int, bool) {
	if address == "" {
		return "", 0, false
	}
	host, portText, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, false
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 {
		return "", 0, false
	}
	return host, port, true
}
