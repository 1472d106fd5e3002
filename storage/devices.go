package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"gosession/models"
)

const deviceColumns = `
	device_id,
	identity_id,
	device_name,
	ed25519_public_key,
	key_fingerprint,
	status,
	added_timestamp,
	last_seen_timestamp,
	last_known_ip,
	last_known_port`

// UpsertDevice inserts a device or refreshes its descriptive columns.
// The added timestamp of an existing row is preserved.
func (s *Store) UpsertDevice(device models.Device) error {
	if device.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if device.IdentityID == "" {
		return errors.New("identity_id is required")
	}
	if device.DeviceName == "" {
		device.DeviceName = device.DeviceID
	}
	if device.Status == "" {
		device.Status = models.DeviceOffline
	}
	if err := validateDeviceStatus(device.Status); err != nil {
		return err
	}
	if device.AddedTimestamp == 0 {
		device.AddedTimestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			identity_id = excluded.identity_id,
			device_name = excluded.device_name,
			ed25519_public_key = CASE WHEN excluded.ed25519_public_key = '' THEN devices.ed25519_public_key ELSE excluded.ed25519_public_key END,
			key_fingerprint = CASE WHEN excluded.key_fingerprint = '' THEN devices.key_fingerprint ELSE excluded.key_fingerprint END,
			status = excluded.status,
			last_seen_timestamp = COALESCE(excluded.last_seen_timestamp, devices.last_seen_timestamp),
			last_known_ip = COALESCE(excluded.last_known_ip, devices.last_known_ip),
			last_known_port = COALESCE(excluded.last_known_port, devices.last_known_port)`,
		device.DeviceID,
		device.IdentityID,
		device.DeviceName,
		device.Ed25519PublicKey,
		device.KeyFingerprint,
		string(device.Status),
		device.AddedTimestamp,
		nullInt64FromValue(device.LastSeenTimestamp),
		nullStringFromValue(device.Address),
		nullInt64FromValue(int64(device.Port)),
	)
	if err != nil {
		return fmt.Errorf("upsert device %q: %w", device.DeviceID, err)
	}

	return nil
}

// GetDevice fetches a device by id.
func (s *Store) GetDevice(deviceID string) (*models.Device, error) {
	row := s.db.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, deviceID)

	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", deviceID, err)
	}

	return device, nil
}

// ListDevicesForIdentity returns every known device of an identity.
func (s *Store) ListDevicesForIdentity(identityID string) ([]models.Device, error) {
	rows, err := s.db.Query(
		`SELECT `+deviceColumns+`
		FROM devices
		WHERE identity_id = ?
		ORDER BY device_id`,
		identityID,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices for %q: %w", identityID, err)
	}
	defer rows.Close()

	devices := make([]models.Device, 0)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}

	return devices, nil
}

// UpdateDeviceEndpoint stores the last address a device was reachable at.
func (s *Store) UpdateDeviceEndpoint(deviceID, ip string, port int, lastSeen int64) error {
	if lastSeen == 0 {
		lastSeen = nowUnixMilli()
	}
	return s.execDeviceUpdate(
		deviceID,
		`UPDATE devices
		SET last_known_ip = ?, last_known_port = ?, last_seen_timestamp = ?
		WHERE device_id = ?`,
		nullStringFromValue(ip),
		nullInt64FromValue(int64(port)),
		lastSeen,
		deviceID,
	)
}

// UpdateDeviceStatus records online/offline transitions.
func (s *Store) UpdateDeviceStatus(deviceID string, status models.DeviceStatus, lastSeen int64) error {
	if err := validateDeviceStatus(status); err != nil {
		return err
	}
	if lastSeen == 0 {
		lastSeen = nowUnixMilli()
	}
	return s.execDeviceUpdate(
		deviceID,
		`UPDATE devices SET status = ?, last_seen_timestamp = ? WHERE device_id = ?`,
		string(status),
		lastSeen,
		deviceID,
	)
}

// UpdateDeviceIdentityKey replaces the pinned signing key of a device.
// Passing two empty values unpins it.
func (s *Store) UpdateDeviceIdentityKey(deviceID, publicKey, fingerprint string) error {
	if (publicKey == "") != (fingerprint == "") {
		return errors.New("public key and fingerprint must be set together")
	}
	return s.execDeviceUpdate(
		deviceID,
		`UPDATE devices SET ed25519_public_key = ?, key_fingerprint = ? WHERE device_id = ?`,
		publicKey,
		fingerprint,
		deviceID,
	)
}

func (s *Store) execDeviceUpdate(deviceID, query string, args ...any) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update device %q: %w", deviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for device %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func scanDevice(row scanner) (*models.Device, error) {
	var (
		device   models.Device
		status   string
		lastSeen sql.NullInt64
		ip       sql.NullString
		port     sql.NullInt64
	)
	if err := row.Scan(
		&device.DeviceID,
		&device.IdentityID,
		&device.DeviceName,
		&device.Ed25519PublicKey,
		&device.KeyFingerprint,
		&status,
		&device.AddedTimestamp,
		&lastSeen,
		&ip,
		&port,
	); err != nil {
		return nil, err
	}

	device.Status = models.DeviceStatus(status)
	device.LastSeenTimestamp = lastSeen.Int64
	device.Address = ip.String
	device.Port = int(port.Int64)
	return &device, nil
}
