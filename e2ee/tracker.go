// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/loom-im/loom/homeserver"
	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/olm"
	"github.com/loom-im/loom/storage"
)

// Member pairs a user with their current membership in one room.
type Member struct {
	UserID     ref.UserID
	Membership string
}

// TrackerConfig carries the dependencies for a device tracker.
type TrackerConfig struct {
	Session   *homeserver.Session
	DB        *storage.DB
	LocalUser ref.UserID

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DeviceTracker maintains which users the engine shares room keys
// with, and the verified device list of each. Network fetches happen
// outside storage transactions; all writes go through the caller's
// transaction so they commit or roll back with the rest of a sync
// cycle.
type DeviceTracker struct {
	session   *homeserver.Session
	db        *storage.DB
	localUser ref.UserID
	logger    *slog.Logger
}

// NewDeviceTracker creates a device tracker.
func NewDeviceTracker(config TrackerConfig) (*DeviceTracker, error) {
	if config.Session == nil {
		return nil, fmt.Errorf("e2ee: TrackerConfig.Session is required")
	}
	if config.DB == nil {
		return nil, fmt.Errorf("e2ee: TrackerConfig.DB is required")
	}
	if config.LocalUser.IsZero() {
		return nil, fmt.Errorf("e2ee: TrackerConfig.LocalUser is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceTracker{
		session:   config.Session,
		db:        config.DB,
		localUser: config.LocalUser,
		logger:    logger,
	}, nil
}

// FetchMembers loads a room's full member list from the homeserver.
// Called once per room before tracking starts, outside any storage
// transaction.
func (t *DeviceTracker) FetchMembers(ctx context.Context, roomID ref.RoomID) ([]Member, error) {
	events, err := t.session.RoomMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(events))
	for _, event := range events {
		if event.Type != EventTypeMember || event.StateKey == nil {
			continue
		}
		userID, err := ref.ParseUserID(*event.StateKey)
		if err != nil {
			continue
		}
		var content MemberContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			continue
		}
		members = append(members, Member{UserID: userID, Membership: content.Membership})
	}
	return members, nil
}

// IsTracking reports whether the room already has tracked members.
func (t *DeviceTracker) IsTracking(txn *storage.Txn, roomID ref.RoomID) (bool, error) {
	users, err := txn.UsersSharingRoom(roomID)
	if err != nil {
		return false, err
	}
	return len(users) > 0, nil
}

// TrackRoom starts sharing the room with every member the visibility
// policy admits. No-op for unencrypted rooms.
func (t *DeviceTracker) TrackRoom(txn *storage.Txn, room storage.Room, members []Member) error {
	if !room.Encrypted {
		return nil
	}
	for _, member := range members {
		if !ShouldShareKey(member.Membership, room.HistoryVisibility) {
			continue
		}
		if _, err := t.addRoomToUser(txn, member.UserID, room.ID); err != nil {
			return err
		}
	}
	return nil
}

// WriteMemberChanges applies membership deltas to the sharing sets,
// returning the users who started and stopped sharing the room. When
// the local user leaves, every remaining member stops sharing: this
// device no longer needs any of their keys.
func (t *DeviceTracker) WriteMemberChanges(txn *storage.Txn, room storage.Room, changes []Member) (added, removed []ref.UserID, err error) {
	if !room.Encrypted {
		return nil, nil, nil
	}
	for _, change := range changes {
		if change.UserID == t.localUser && (change.Membership == MembershipLeave || change.Membership == MembershipBan) {
			users, err := txn.UsersSharingRoom(room.ID)
			if err != nil {
				return nil, nil, err
			}
			for _, userID := range users {
				wasRemoved, err := t.removeRoomFromUser(txn, userID, room.ID)
				if err != nil {
					return nil, nil, err
				}
				if wasRemoved && !slices.Contains(removed, userID) {
					removed = append(removed, userID)
				}
			}
			continue
		}

		if ShouldShareKey(change.Membership, room.HistoryVisibility) {
			wasAdded, err := t.addRoomToUser(txn, change.UserID, room.ID)
			if err != nil {
				return nil, nil, err
			}
			if wasAdded {
				added = append(added, change.UserID)
			}
		} else {
			wasRemoved, err := t.removeRoomFromUser(txn, change.UserID, room.ID)
			if err != nil {
				return nil, nil, err
			}
			if wasRemoved {
				removed = append(removed, change.UserID)
			}
		}
	}
	return added, removed, nil
}

// WriteHistoryVisibility recomputes sharing for the given members
// under the room's new visibility (already set on room).
func (t *DeviceTracker) WriteHistoryVisibility(txn *storage.Txn, room storage.Room, members []Member) (added, removed []ref.UserID, err error) {
	return t.WriteMemberChanges(txn, room, members)
}

// MarkOutdated flags a user's device list as stale, if the user is
// tracked at all. Driven by the sync response's device_lists section.
func (t *DeviceTracker) MarkOutdated(txn *storage.Txn, userID ref.UserID) error {
	_, ok, err := txn.UserIdentity(userID)
	if err != nil || !ok {
		return err
	}
	return txn.SetTrackingStatus(userID, storage.TrackingOutdated)
}

func (t *DeviceTracker) addRoomToUser(txn *storage.Txn, userID ref.UserID, roomID ref.RoomID) (bool, error) {
	identity, ok, err := txn.UserIdentity(userID)
	if err != nil {
		return false, err
	}
	if !ok {
		identity = storage.UserIdentity{
			UserID:  userID,
			Status:  storage.TrackingOutdated,
			RoomIDs: []ref.RoomID{roomID},
		}
		return true, txn.PutUserIdentity(identity)
	}
	if slices.Contains(identity.RoomIDs, roomID) {
		return false, nil
	}
	identity.RoomIDs = append(identity.RoomIDs, roomID)
	return true, txn.PutUserIdentity(identity)
}

func (t *DeviceTracker) removeRoomFromUser(txn *storage.Txn, userID ref.UserID, roomID ref.RoomID) (bool, error) {
	identity, ok, err := txn.UserIdentity(userID)
	if err != nil || !ok {
		return false, err
	}
	index := slices.Index(identity.RoomIDs, roomID)
	if index < 0 {
		return false, nil
	}
	identity.RoomIDs = slices.Delete(identity.RoomIDs, index, index+1)
	if len(identity.RoomIDs) == 0 {
		// An identity exists only while some room shares keys with it.
		return true, txn.DeleteUserIdentity(userID)
	}
	return true, txn.PutUserIdentity(identity)
}

// DevicesForRoomMembers returns the verified devices of every user
// sharing the room, refreshing outdated users through /keys/query
// first. Users behind unreachable servers stay outdated and contribute
// their stored devices.
func (t *DeviceTracker) DevicesForRoomMembers(ctx context.Context, roomID ref.RoomID) ([]storage.DeviceIdentity, error) {
	txn, err := t.db.ReadTxn(ctx)
	if err != nil {
		return nil, err
	}
	users, err := txn.UsersSharingRoom(roomID)
	if err != nil {
		txn.Abort()
		return nil, err
	}
	var outdated []ref.UserID
	for _, userID := range users {
		identity, ok, err := txn.UserIdentity(userID)
		if err != nil {
			txn.Abort()
			return nil, err
		}
		if ok && identity.Status == storage.TrackingOutdated {
			outdated = append(outdated, userID)
		}
	}
	txn.Abort()

	if len(outdated) > 0 {
		if err := t.RefreshUsers(ctx, outdated); err != nil {
			return nil, err
		}
	}

	txn, err = t.db.ReadTxn(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Abort()
	var devices []storage.DeviceIdentity
	for _, userID := range users {
		userDevices, err := txn.DevicesForUser(userID)
		if err != nil {
			return nil, err
		}
		devices = append(devices, userDevices...)
	}
	return devices, nil
}

// RefreshUsers queries the device lists of the given users, verifies
// the response, and persists the result. Users absent from the
// response (federation failures) keep their outdated status.
func (t *DeviceTracker) RefreshUsers(ctx context.Context, users []ref.UserID) error {
	request := homeserver.QueryKeysRequest{DeviceKeys: make(map[string][]string, len(users))}
	for _, userID := range users {
		request.DeviceKeys[userID.String()] = []string{}
	}
	response, err := t.session.QueryKeys(ctx, request)
	if err != nil {
		return err
	}

	verified, listed := t.verifyQueryResponse(response)

	txn, err := t.db.ReadWriteTxn(ctx)
	if err != nil {
		return err
	}
	defer txn.Abort()
	for userID, listedIDs := range listed {
		if err := t.writeQueriedDevices(txn, userID, verified[userID], listedIDs); err != nil {
			return err
		}
		if err := txn.SetTrackingStatus(userID, storage.TrackingUpToDate); err != nil {
			return err
		}
	}
	return txn.Complete()
}

// verifyQueryResponse filters a /keys/query response down to devices
// that pass every check: consistent user/device IDs, both key types
// present, a valid self-signature, and a curve25519 key unique within
// the response. Rejects are logged and dropped, never fatal.
func (t *DeviceTracker) verifyQueryResponse(response *homeserver.QueryKeysResponse) (verified map[ref.UserID][]storage.DeviceIdentity, listed map[ref.UserID][]ref.DeviceID) {
	curveKeyCount := make(map[string]int)
	for _, devices := range response.DeviceKeys {
		for deviceID, keys := range devices {
			curveKeyCount[keys.Keys["curve25519:"+deviceID.String()]]++
		}
	}

	verified = make(map[ref.UserID][]storage.DeviceIdentity)
	listed = make(map[ref.UserID][]ref.DeviceID)
	for userID, devices := range response.DeviceKeys {
		listed[userID] = make([]ref.DeviceID, 0, len(devices))
		for deviceID, keys := range devices {
			listed[userID] = append(listed[userID], deviceID)

			if keys.UserID != userID || keys.DeviceID != deviceID {
				t.logger.Debug("dropping device with inconsistent identifiers",
					"user_id", userID, "device_id", deviceID)
				continue
			}
			curveKey := keys.Keys["curve25519:"+deviceID.String()]
			signingKey := keys.Keys["ed25519:"+deviceID.String()]
			if curveKey == "" || signingKey == "" {
				t.logger.Debug("dropping device with missing keys",
					"user_id", userID, "device_id", deviceID)
				continue
			}
			if curveKeyCount[curveKey] > 1 {
				t.logger.Warn("dropping device with duplicated curve25519 key",
					"user_id", userID, "device_id", deviceID)
				continue
			}

			document, err := json.Marshal(keys)
			if err != nil {
				continue
			}
			signature := keys.Signatures[userID.String()]["ed25519:"+deviceID.String()]
			if signature == "" {
				t.logger.Debug("dropping unsigned device", "user_id", userID, "device_id", deviceID)
				continue
			}
			if err := olm.VerifyJSON(document, ref.Ed25519(signingKey), signature); err != nil {
				t.logger.Warn("dropping device with invalid self-signature",
					"user_id", userID, "device_id", deviceID, "error", err)
				continue
			}

			var displayName string
			if keys.Unsigned != nil {
				displayName = keys.Unsigned.DeviceDisplayName
			}
			verified[userID] = append(verified[userID], storage.DeviceIdentity{
				UserID:      userID,
				DeviceID:    deviceID,
				Curve25519:  ref.Curve25519(curveKey),
				Ed25519:     ref.Ed25519(signingKey),
				Algorithms:  keys.Algorithms,
				DisplayName: displayName,
			})
		}
	}
	return verified, listed
}

// writeQueriedDevices persists verified devices for one user, pinning
// stored ed25519 keys: a known device reporting a different signing
// key keeps its old record. Stored devices the server no longer lists
// are removed.
func (t *DeviceTracker) writeQueriedDevices(txn *storage.Txn, userID ref.UserID, verified []storage.DeviceIdentity, listedIDs []ref.DeviceID) error {
	for _, device := range verified {
		stored, ok, err := txn.Device(userID, device.DeviceID)
		if err != nil {
			return err
		}
		if ok && stored.Ed25519 != device.Ed25519 {
			t.logger.Warn("device signing key changed, keeping pinned key",
				"user_id", userID, "device_id", device.DeviceID,
				"pinned", Fingerprint(stored.Ed25519), "reported", Fingerprint(device.Ed25519))
			continue
		}
		if err := txn.PutDevice(device); err != nil {
			return err
		}
	}

	stored, err := txn.DevicesForUser(userID)
	if err != nil {
		return err
	}
	for _, device := range stored {
		if !slices.Contains(listedIDs, device.DeviceID) {
			if err := txn.DeleteDevice(userID, device.DeviceID); err != nil {
				return err
			}
		}
	}
	return nil
}
