// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"

	"github.com/loom-im/loom/lib/ref"
)

// TrackingStatus records whether a tracked user's device list is
// current or needs a fresh /keys/query.
type TrackingStatus int

const (
	TrackingOutdated TrackingStatus = iota
	TrackingUpToDate
)

// UserIdentity is the persistent record of a user the engine shares
// encrypted history with. A user identity exists iff at least one room
// currently requires sharing keys with them; RoomIDs is maintained by
// the device tracker and the identity is deleted when it empties.
type UserIdentity struct {
	UserID  ref.UserID
	Status  TrackingStatus
	RoomIDs []ref.RoomID
}

// UserIdentity reads one tracked user, including their shared-room
// set. The second return is false if the user is not tracked.
func (t *Txn) UserIdentity(userID ref.UserID) (UserIdentity, bool, error) {
	identity := UserIdentity{UserID: userID}
	found := false
	err := t.query("SELECT tracking_status FROM user_identities WHERE user_id = ?",
		func(stmt *sqlite.Stmt) error {
			found = true
			identity.Status = TrackingStatus(stmt.ColumnInt(0))
			return nil
		}, userID.String())
	if err != nil {
		return UserIdentity{}, false, fmt.Errorf("storage: reading user identity %s: %w", userID, err)
	}
	if !found {
		return UserIdentity{}, false, nil
	}

	err = t.query("SELECT room_id FROM user_rooms WHERE user_id = ? ORDER BY room_id",
		func(stmt *sqlite.Stmt) error {
			roomID, err := ref.ParseRoomID(stmt.ColumnText(0))
			if err != nil {
				return fmt.Errorf("stored shared room ID: %w", err)
			}
			identity.RoomIDs = append(identity.RoomIDs, roomID)
			return nil
		}, userID.String())
	if err != nil {
		return UserIdentity{}, false, fmt.Errorf("storage: reading shared rooms for %s: %w", userID, err)
	}
	return identity, true, nil
}

// PutUserIdentity inserts or replaces a tracked user and their
// shared-room set.
func (t *Txn) PutUserIdentity(identity UserIdentity) error {
	if !t.writable {
		return errReadOnly
	}
	err := t.exec(`INSERT INTO user_identities (user_id, tracking_status) VALUES (?, ?)
			ON CONFLICT(user_id) DO UPDATE SET tracking_status = excluded.tracking_status`,
		identity.UserID.String(), int(identity.Status))
	if err != nil {
		return fmt.Errorf("storage: writing user identity %s: %w", identity.UserID, err)
	}
	if err := t.exec("DELETE FROM user_rooms WHERE user_id = ?", identity.UserID.String()); err != nil {
		return fmt.Errorf("storage: clearing shared rooms for %s: %w", identity.UserID, err)
	}
	for _, roomID := range identity.RoomIDs {
		err := t.exec("INSERT OR IGNORE INTO user_rooms (user_id, room_id) VALUES (?, ?)",
			identity.UserID.String(), roomID.String())
		if err != nil {
			return fmt.Errorf("storage: writing shared room for %s: %w", identity.UserID, err)
		}
	}
	return nil
}

// DeleteUserIdentity removes a tracked user, their shared-room set,
// and all their stored devices. Called by the device tracker when the
// user's last shared room goes away.
func (t *Txn) DeleteUserIdentity(userID ref.UserID) error {
	if !t.writable {
		return errReadOnly
	}
	for _, query := range []string{
		"DELETE FROM user_rooms WHERE user_id = ?",
		"DELETE FROM devices WHERE user_id = ?",
		"DELETE FROM user_identities WHERE user_id = ?",
	} {
		if err := t.exec(query, userID.String()); err != nil {
			return fmt.Errorf("storage: deleting user identity %s: %w", userID, err)
		}
	}
	return nil
}

// UsersSharingRoom returns the tracked users whose shared-room set
// contains roomID.
func (t *Txn) UsersSharingRoom(roomID ref.RoomID) ([]ref.UserID, error) {
	var users []ref.UserID
	err := t.query("SELECT user_id FROM user_rooms WHERE room_id = ? ORDER BY user_id",
		func(stmt *sqlite.Stmt) error {
			userID, err := ref.ParseUserID(stmt.ColumnText(0))
			if err != nil {
				return fmt.Errorf("stored user ID: %w", err)
			}
			users = append(users, userID)
			return nil
		}, roomID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: listing users sharing %s: %w", roomID, err)
	}
	return users, nil
}

// SetTrackingStatus updates a tracked user's device-list freshness.
func (t *Txn) SetTrackingStatus(userID ref.UserID, status TrackingStatus) error {
	if !t.writable {
		return errReadOnly
	}
	err := t.exec("UPDATE user_identities SET tracking_status = ? WHERE user_id = ?",
		int(status), userID.String())
	if err != nil {
		return fmt.Errorf("storage: updating tracking status for %s: %w", userID, err)
	}
	return nil
}

// OutdatedUsers returns the tracked users whose device lists need a
// fresh /keys/query.
func (t *Txn) OutdatedUsers() ([]ref.UserID, error) {
	var users []ref.UserID
	err := t.query("SELECT user_id FROM user_identities WHERE tracking_status = ? ORDER BY user_id",
		func(stmt *sqlite.Stmt) error {
			userID, err := ref.ParseUserID(stmt.ColumnText(0))
			if err != nil {
				return fmt.Errorf("stored user ID: %w", err)
			}
			users = append(users, userID)
			return nil
		}, int(TrackingOutdated))
	if err != nil {
		return nil, fmt.Errorf("storage: listing outdated users: %w", err)
	}
	return users, nil
}

// DeviceIdentity is the persistent record of one device's verified
// identity keys. The ed25519 key of a stored device is pinned: the
// device tracker never overwrites it, it only deletes the record when
// the server stops listing the device.
type DeviceIdentity struct {
	UserID      ref.UserID
	DeviceID    ref.DeviceID
	Curve25519  ref.Curve25519
	Ed25519     ref.Ed25519
	Algorithms  []string
	DisplayName string
}

// Device reads one stored device. The second return is false if the
// device is unknown.
func (t *Txn) Device(userID ref.UserID, deviceID ref.DeviceID) (DeviceIdentity, bool, error) {
	var device DeviceIdentity
	found := false
	err := t.query(`SELECT user_id, device_id, curve25519, ed25519, algorithms, display_name
			FROM devices WHERE user_id = ? AND device_id = ?`,
		func(stmt *sqlite.Stmt) error {
			found = true
			return scanDevice(stmt, &device)
		}, userID.String(), deviceID.String())
	if err != nil {
		return DeviceIdentity{}, false, fmt.Errorf("storage: reading device %s/%s: %w", userID, deviceID, err)
	}
	return device, found, nil
}

// DevicesForUser returns every stored device of one user.
func (t *Txn) DevicesForUser(userID ref.UserID) ([]DeviceIdentity, error) {
	var devices []DeviceIdentity
	err := t.query(`SELECT user_id, device_id, curve25519, ed25519, algorithms, display_name
			FROM devices WHERE user_id = ? ORDER BY device_id`,
		func(stmt *sqlite.Stmt) error {
			var device DeviceIdentity
			if err := scanDevice(stmt, &device); err != nil {
				return err
			}
			devices = append(devices, device)
			return nil
		}, userID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: listing devices for %s: %w", userID, err)
	}
	return devices, nil
}

// PutDevice inserts or updates a stored device. The caller (device
// tracker) is responsible for the pinning check — PutDevice itself
// replaces whatever is stored.
func (t *Txn) PutDevice(device DeviceIdentity) error {
	if !t.writable {
		return errReadOnly
	}
	err := t.exec(`INSERT INTO devices
			(user_id, device_id, curve25519, ed25519, algorithms, display_name)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, device_id) DO UPDATE SET
			 curve25519 = excluded.curve25519,
			 ed25519 = excluded.ed25519,
			 algorithms = excluded.algorithms,
			 display_name = excluded.display_name`,
		device.UserID.String(), device.DeviceID.String(),
		device.Curve25519.String(), device.Ed25519.String(),
		strings.Join(device.Algorithms, ","), device.DisplayName)
	if err != nil {
		return fmt.Errorf("storage: writing device %s/%s: %w", device.UserID, device.DeviceID, err)
	}
	return nil
}

// DeleteDevice removes a stored device (the server no longer lists it).
func (t *Txn) DeleteDevice(userID ref.UserID, deviceID ref.DeviceID) error {
	if !t.writable {
		return errReadOnly
	}
	err := t.exec("DELETE FROM devices WHERE user_id = ? AND device_id = ?",
		userID.String(), deviceID.String())
	if err != nil {
		return fmt.Errorf("storage: deleting device %s/%s: %w", userID, deviceID, err)
	}
	return nil
}

func scanDevice(stmt *sqlite.Stmt, device *DeviceIdentity) error {
	userID, err := ref.ParseUserID(stmt.ColumnText(0))
	if err != nil {
		return fmt.Errorf("stored device user ID: %w", err)
	}
	deviceID, err := ref.ParseDeviceID(stmt.ColumnText(1))
	if err != nil {
		return fmt.Errorf("stored device ID: %w", err)
	}
	device.UserID = userID
	device.DeviceID = deviceID
	device.Curve25519 = ref.Curve25519(stmt.ColumnText(2))
	device.Ed25519 = ref.Ed25519(stmt.ColumnText(3))
	if algorithms := stmt.ColumnText(4); algorithms != "" {
		device.Algorithms = strings.Split(algorithms, ",")
	}
	device.DisplayName = stmt.ColumnText(5)
	return nil
}
