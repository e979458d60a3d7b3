// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loom-im/loom/e2ee"
	"github.com/loom-im/loom/homeserver"
	"github.com/loom-im/loom/lib/codec"
	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/megolm"
	"github.com/loom-im/loom/olm"
	"github.com/loom-im/loom/storage"
)

// opShareRoomKey is the pending-operation kind for an interrupted
// room-key share.
const opShareRoomKey = "share_room_key"

// sharePayload is the CBOR-persisted body of a share operation: enough
// to re-deliver the session key to the room's current devices after a
// crash.
type sharePayload struct {
	RoomID     string `cbor:"room_id"`
	SessionID  string `cbor:"session_id"`
	SessionKey string `cbor:"session_key"`
}

// ShareRoomKey delivers a fresh outbound session's key to every device
// entitled to it, as pairwise-encrypted m.room_key messages batched
// into one send. The operation is persisted before the first network
// call and deleted after the send succeeds, so a crash in between
// replays the share instead of losing it.
func (s *Session) ShareRoomKey(ctx context.Context, room storage.Room, key megolm.SessionKey) error {
	encodedKey, err := key.Encode()
	if err != nil {
		return err
	}
	payload, err := codec.Marshal(sharePayload{
		RoomID:     room.ID.String(),
		SessionID:  key.SessionID.String(),
		SessionKey: encodedKey,
	})
	if err != nil {
		return fmt.Errorf("session: encoding share operation: %w", err)
	}
	txn, err := s.db.ReadWriteTxn(ctx)
	if err != nil {
		return err
	}
	operationID, err := txn.AddPendingOperation(room.ID, opShareRoomKey, payload)
	if err != nil {
		txn.Abort()
		return err
	}
	if err := txn.Complete(); err != nil {
		return err
	}

	if err := s.shareKeyToDevices(ctx, room, key); err != nil {
		// The pending operation stays; the next Start replays it.
		return err
	}
	return s.deletePendingOperation(ctx, operationID)
}

// shareKeyToDevices performs the actual delivery: establish an olm
// session to every recipient device (claiming one-time keys where
// needed), encrypt the m.room_key payload pairwise, and send the whole
// batch in one request. Advanced session state is persisted before the
// send: re-encrypting with rolled-back ratchet state would reuse
// message keys.
func (s *Session) shareKeyToDevices(ctx context.Context, room storage.Room, key megolm.SessionKey) error {
	devices, err := s.tracker.DevicesForRoomMembers(ctx, room.ID)
	if err != nil {
		return err
	}
	recipients := devices[:0]
	for _, device := range devices {
		if device.UserID == s.hs.UserID() && device.DeviceID == s.hs.DeviceID() {
			continue // our own copy is stored directly
		}
		recipients = append(recipients, device)
	}
	if len(recipients) == 0 {
		return nil
	}

	senderKeys := make([]ref.Curve25519, len(recipients))
	for i, device := range recipients {
		senderKeys[i] = device.Curve25519
	}
	unlock := s.locks.LockAll(senderKeys)
	defer unlock()

	sessions, missing, err := s.loadOlmSessions(ctx, recipients)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		if err := s.establishOlmSessions(ctx, missing, sessions); err != nil {
			return err
		}
	}

	encodedKey, err := key.Encode()
	if err != nil {
		return err
	}
	roomKey, err := json.Marshal(e2ee.RoomKeyContent{
		Algorithm:  e2ee.AlgorithmMegolm,
		RoomID:     room.ID,
		SessionID:  key.SessionID,
		SessionKey: encodedKey,
	})
	if err != nil {
		return fmt.Errorf("session: encoding room key: %w", err)
	}

	messages := homeserver.ToDeviceMessages{
		Messages: make(map[ref.UserID]map[ref.DeviceID]any),
	}
	var advanced []storage.OlmSessionRecord
	now := s.clock.Now().UnixMilli()
	for _, device := range recipients {
		olmSession, ok := sessions[device.Curve25519]
		if !ok {
			// No one-time key could be claimed; the device misses this
			// session and recovers via key backup.
			s.logger.Warn("no olm session for device, skipping key share",
				"user_id", device.UserID, "device_id", device.DeviceID)
			continue
		}
		plaintext, err := json.Marshal(olmPayload{
			Type:      e2ee.EventTypeRoomKey,
			Content:   roomKey,
			Sender:    s.hs.UserID().String(),
			Recipient: device.UserID.String(),
			RecipientKeys: map[string]string{
				"ed25519": device.Ed25519.String(),
			},
			Keys: map[string]string{
				"ed25519": s.signingKey.String(),
			},
		})
		if err != nil {
			return fmt.Errorf("session: encoding olm payload: %w", err)
		}
		messageType, body, err := olmSession.Encrypt(plaintext)
		if err != nil {
			return err
		}
		pickle, err := olmSession.Pickle()
		if err != nil {
			return err
		}
		advanced = append(advanced, storage.OlmSessionRecord{
			SenderKey: device.Curve25519,
			SessionID: olmSession.ID(),
			Pickle:    pickle,
			LastUsed:  now,
		})

		if messages.Messages[device.UserID] == nil {
			messages.Messages[device.UserID] = make(map[ref.DeviceID]any)
		}
		messages.Messages[device.UserID][device.DeviceID] = e2ee.OlmEncryptedContent{
			Algorithm: e2ee.AlgorithmOlm,
			SenderKey: s.identityKey,
			Ciphertext: map[ref.Curve25519]e2ee.OlmCiphertext{
				device.Curve25519: {Type: int(messageType), Body: body},
			},
		}
	}
	if len(advanced) == 0 {
		return nil
	}

	txn, err := s.db.ReadWriteTxn(ctx)
	if err != nil {
		return err
	}
	for _, record := range advanced {
		if err := txn.PutOlmSession(record); err != nil {
			txn.Abort()
			return err
		}
	}
	if err := txn.Complete(); err != nil {
		return err
	}

	return s.hs.SendToDevice(ctx, e2ee.EventTypeEncrypted, messages)
}

// loadOlmSessions returns the most recently used olm session per
// recipient device, and the devices that have none yet.
func (s *Session) loadOlmSessions(ctx context.Context, recipients []storage.DeviceIdentity) (map[ref.Curve25519]*olm.Session, []storage.DeviceIdentity, error) {
	txn, err := s.db.ReadTxn(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer txn.Abort()

	sessions := make(map[ref.Curve25519]*olm.Session)
	var missing []storage.DeviceIdentity
	for _, device := range recipients {
		records, err := txn.OlmSessions(device.Curve25519)
		if err != nil {
			return nil, nil, err
		}
		found := false
		for _, record := range records {
			session, err := olm.UnpickleSession(record.Pickle)
			if err != nil {
				s.logger.Error("unreadable olm session pickle",
					"sender_key", device.Curve25519, "error", err)
				continue
			}
			sessions[device.Curve25519] = session
			found = true
			break
		}
		if !found {
			missing = append(missing, device)
		}
	}
	return sessions, missing, nil
}

// establishOlmSessions claims one one-time key per sessionless device
// and bootstraps outbound olm sessions. Devices the claim cannot serve
// are skipped, not fatal.
func (s *Session) establishOlmSessions(ctx context.Context, devices []storage.DeviceIdentity, sessions map[ref.Curve25519]*olm.Session) error {
	request := homeserver.ClaimKeysRequest{
		OneTimeKeys: make(map[ref.UserID]map[ref.DeviceID]string),
	}
	byID := make(map[ref.UserID]map[ref.DeviceID]storage.DeviceIdentity)
	for _, device := range devices {
		if request.OneTimeKeys[device.UserID] == nil {
			request.OneTimeKeys[device.UserID] = make(map[ref.DeviceID]string)
			byID[device.UserID] = make(map[ref.DeviceID]storage.DeviceIdentity)
		}
		request.OneTimeKeys[device.UserID][device.DeviceID] = "signed_curve25519"
		byID[device.UserID][device.DeviceID] = device
	}

	response, err := s.hs.ClaimKeys(ctx, request)
	if err != nil {
		return err
	}
	for userID, deviceKeys := range response.OneTimeKeys {
		for deviceID, keys := range deviceKeys {
			device, ok := byID[userID][deviceID]
			if !ok {
				continue
			}
			oneTimeKey, ok := pickSignedKey(keys, device)
			if !ok {
				s.logger.Warn("claimed one-time key failed verification",
					"user_id", userID, "device_id", deviceID)
				continue
			}
			session, err := olm.NewOutboundSession(s.account, device.Curve25519, oneTimeKey)
			if err != nil {
				s.logger.Warn("olm session bootstrap failed",
					"user_id", userID, "device_id", deviceID, "error", err)
				continue
			}
			sessions[device.Curve25519] = session
		}
	}
	return nil
}

// pickSignedKey verifies a claimed one-time key's signature against
// the device's pinned signing key and returns the key.
func pickSignedKey(keys map[string]homeserver.SignedOneTimeKey, device storage.DeviceIdentity) (ref.Curve25519, bool) {
	for _, key := range keys {
		// The signature covers the whole key object; VerifyJSON strips
		// the signatures member itself.
		document, err := json.Marshal(key)
		if err != nil {
			continue
		}
		signature := key.Signatures[device.UserID.String()]["ed25519:"+device.DeviceID.String()]
		if signature == "" {
			continue
		}
		if err := olm.VerifyJSON(document, device.Ed25519, signature); err != nil {
			continue
		}
		return ref.Curve25519(key.Key), true
	}
	return "", false
}

// replayPendingOperations re-runs operations a previous process
// persisted but never completed, grouped by room in insertion order.
func (s *Session) replayPendingOperations(ctx context.Context) error {
	txn, err := s.db.ReadTxn(ctx)
	if err != nil {
		return err
	}
	operations, err := txn.PendingOperations()
	txn.Abort()
	if err != nil {
		return err
	}
	if len(operations) == 0 {
		return nil
	}

	byRoom := make(map[ref.RoomID][]storage.PendingOperation)
	var order []ref.RoomID
	for _, operation := range operations {
		if _, seen := byRoom[operation.RoomID]; !seen {
			order = append(order, operation.RoomID)
		}
		byRoom[operation.RoomID] = append(byRoom[operation.RoomID], operation)
	}

	for _, roomID := range order {
		for _, operation := range byRoom[roomID] {
			if err := s.replayOperation(ctx, operation); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) replayOperation(ctx context.Context, operation storage.PendingOperation) error {
	switch operation.Kind {
	case opShareRoomKey:
		var payload sharePayload
		if err := codec.Unmarshal(operation.Payload, &payload); err != nil {
			s.logger.Error("discarding undecodable pending operation",
				"id", operation.ID, "kind", operation.Kind, "error", err)
			return s.deletePendingOperation(ctx, operation.ID)
		}
		key, err := megolm.DecodeSessionKey(payload.SessionKey)
		if err != nil {
			s.logger.Error("discarding pending share with invalid key",
				"id", operation.ID, "error", err)
			return s.deletePendingOperation(ctx, operation.ID)
		}

		txn, err := s.db.ReadTxn(ctx)
		if err != nil {
			return err
		}
		room, found, err := txn.Room(operation.RoomID)
		txn.Abort()
		if err != nil {
			return err
		}
		if !found {
			return s.deletePendingOperation(ctx, operation.ID)
		}
		s.logger.Info("replaying interrupted key share",
			"room_id", operation.RoomID, "session_id", key.SessionID)
		if err := s.shareKeyToDevices(ctx, room, key); err != nil {
			return err
		}
		return s.deletePendingOperation(ctx, operation.ID)
	default:
		s.logger.Warn("unknown pending operation kind",
			"id", operation.ID, "kind", operation.Kind)
		return nil
	}
}

func (s *Session) deletePendingOperation(ctx context.Context, id int64) error {
	txn, err := s.db.ReadWriteTxn(ctx)
	if err != nil {
		return err
	}
	defer txn.Abort()
	if err := txn.DeletePendingOperation(id); err != nil {
		return err
	}
	return txn.Complete()
}
