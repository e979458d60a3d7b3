// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/loom-im/loom/e2ee"
	"github.com/loom-im/loom/homeserver"
	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/olm"
	"github.com/loom-im/loom/storage"
	"github.com/loom-im/loom/syncer"
)

// olmPayload is the plaintext inside an olm-encrypted to-device
// message. The sender and recipient bindings prevent a message
// encrypted for one device from being replayed to another.
type olmPayload struct {
	Type          ref.EventType     `json:"type"`
	Content       json.RawMessage   `json:"content"`
	Sender        string            `json:"sender"`
	Recipient     string            `json:"recipient"`
	RecipientKeys map[string]string `json:"recipient_keys"`
	Keys          map[string]string `json:"keys"`
}

// stagedRoomKey is a validated m.room_key awaiting the write phase.
type stagedRoomKey struct {
	senderKey ref.Curve25519
	content   e2ee.RoomKeyContent
}

// toDeviceStaged carries to-device processing results from the prepare
// phase into the cycle's write transaction.
type toDeviceStaged struct {
	accountPickle []byte // non-nil when a one-time key was consumed
	sessions      []storage.OlmSessionRecord
	roomKeys      []stagedRoomKey
}

// LockToDevice takes the pairwise-session locks for every sender in
// the cycle's to-device section, serializing against concurrent
// outgoing key shares on the same sessions.
func (s *Session) LockToDevice(events []homeserver.ToDeviceEvent) func() {
	var senderKeys []ref.Curve25519
	for _, event := range events {
		if event.Type != e2ee.EventTypeEncrypted {
			continue
		}
		var content e2ee.OlmEncryptedContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			continue
		}
		if !content.SenderKey.IsZero() {
			senderKeys = append(senderKeys, content.SenderKey)
		}
	}
	return s.locks.LockAll(senderKeys)
}

// PrepareToDevice decrypts the cycle's olm envelopes and stages the
// results. Undecryptable events are logged and dropped: a malformed or
// malicious envelope must not stall sync, and olm has no retry — the
// session state that could have decrypted it is gone.
func (s *Session) PrepareToDevice(ctx context.Context, events []homeserver.ToDeviceEvent) (syncer.ToDevicePreparation, error) {
	staged := &toDeviceStaged{}
	var roomsWithKeys []ref.RoomID

	txn, err := s.db.ReadTxn(ctx)
	if err != nil {
		return syncer.ToDevicePreparation{}, err
	}
	defer txn.Abort()

	for _, event := range events {
		if event.Type != e2ee.EventTypeEncrypted {
			continue
		}
		var content e2ee.OlmEncryptedContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			s.logger.Debug("malformed to-device envelope", "sender", event.Sender)
			continue
		}
		if content.Algorithm != e2ee.AlgorithmOlm {
			continue
		}
		ciphertext, ok := content.Ciphertext[s.identityKey]
		if !ok {
			// Encrypted for another of this user's devices.
			continue
		}

		payload, err := s.decryptOlmEnvelope(txn, staged, content.SenderKey, ciphertext)
		if err != nil {
			s.logger.Warn("dropping undecryptable to-device message",
				"sender", event.Sender, "sender_key", content.SenderKey, "error", err)
			continue
		}
		if err := s.verifyOlmPayload(event.Sender, payload); err != nil {
			s.logger.Warn("dropping misdirected to-device message",
				"sender", event.Sender, "error", err)
			continue
		}

		switch payload.Type {
		case e2ee.EventTypeRoomKey:
			var roomKey e2ee.RoomKeyContent
			if err := json.Unmarshal(payload.Content, &roomKey); err != nil {
				s.logger.Warn("malformed room key", "sender", event.Sender, "error", err)
				continue
			}
			if roomKey.Algorithm != e2ee.AlgorithmMegolm {
				continue
			}
			staged.roomKeys = append(staged.roomKeys, stagedRoomKey{
				senderKey: content.SenderKey,
				content:   roomKey,
			})
			roomsWithKeys = append(roomsWithKeys, roomKey.RoomID)
		case e2ee.EventTypeDummy:
			// Session-establishment ping; the staged session is the point.
		default:
			s.logger.Debug("ignoring to-device event", "type", payload.Type)
		}
	}

	return syncer.ToDevicePreparation{
		RoomsWithNewKeys: roomsWithKeys,
		Staged:           staged,
	}, nil
}

// decryptOlmEnvelope opens one olm ciphertext: pre-key messages first
// try the session they reference, then establish a fresh inbound
// session (consuming a one-time key); normal messages try the sender's
// stored sessions most recently used first.
func (s *Session) decryptOlmEnvelope(txn *storage.Txn, staged *toDeviceStaged, senderKey ref.Curve25519, ciphertext e2ee.OlmCiphertext) (*olmPayload, error) {
	records, err := txn.OlmSessions(senderKey)
	if err != nil {
		return nil, err
	}

	messageType := olm.MessageType(ciphertext.Type)
	now := s.clock.Now().UnixMilli()

	if messageType == olm.MessageTypePreKey {
		sessionID, err := olm.PreKeySessionID(ciphertext.Body)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			if record.SessionID != sessionID {
				continue
			}
			session, err := olm.UnpickleSession(record.Pickle)
			if err != nil {
				return nil, err
			}
			plaintext, err := session.Decrypt(messageType, ciphertext.Body)
			if err != nil {
				return nil, err
			}
			return s.stageSession(staged, session, senderKey, now, plaintext)
		}

		session, plaintext, err := olm.NewInboundSession(s.account, ciphertext.Body)
		if err != nil {
			return nil, err
		}
		// A one-time key was consumed; the account must be persisted in
		// the same transaction as the new session or the key is lost.
		staged.accountPickle, err = s.account.Pickle()
		if err != nil {
			return nil, err
		}
		return s.stageSession(staged, session, senderKey, now, plaintext)
	}

	var lastErr error = errors.New("no stored session for sender")
	for _, record := range records {
		session, err := olm.UnpickleSession(record.Pickle)
		if err != nil {
			lastErr = err
			continue
		}
		plaintext, err := session.Decrypt(messageType, ciphertext.Body)
		if err != nil {
			lastErr = err
			continue
		}
		return s.stageSession(staged, session, senderKey, now, plaintext)
	}
	return nil, lastErr
}

func (s *Session) stageSession(staged *toDeviceStaged, session *olm.Session, senderKey ref.Curve25519, now int64, plaintext []byte) (*olmPayload, error) {
	pickle, err := session.Pickle()
	if err != nil {
		return nil, err
	}
	staged.sessions = append(staged.sessions, storage.OlmSessionRecord{
		SenderKey: senderKey,
		SessionID: session.ID(),
		Pickle:    pickle,
		LastUsed:  now,
	})
	var payload olmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// verifyOlmPayload checks the plaintext's bindings: it must name this
// user and this device's signing key as the recipient, and the outer
// sender must match the plaintext's claimed sender.
func (s *Session) verifyOlmPayload(sender ref.UserID, payload *olmPayload) error {
	if payload.Recipient != s.hs.UserID().String() {
		return errors.New("payload recipient is not this user")
	}
	if payload.RecipientKeys["ed25519"] != s.signingKey.String() {
		return errors.New("payload recipient key is not this device")
	}
	if payload.Sender != sender.String() {
		return errors.New("payload sender does not match envelope sender")
	}
	return nil
}

// writeToDeviceStaged applies the staged to-device results inside the
// cycle's write transaction.
func (s *Session) writeToDeviceStaged(txn *storage.Txn, staged *toDeviceStaged) error {
	if staged == nil {
		return nil
	}
	if staged.accountPickle != nil {
		if err := txn.PutOlmAccountPickle(staged.accountPickle); err != nil {
			return err
		}
	}
	for _, record := range staged.sessions {
		if err := txn.PutOlmSession(record); err != nil {
			return err
		}
	}
	for _, roomKey := range staged.roomKeys {
		// Imported sessions are always backup candidates; a backup
		// enabled later flushes them on its first pass.
		err := e2ee.ImportRoomKey(txn, roomKey.senderKey, roomKey.content, true)
		if err != nil {
			s.logger.Warn("rejecting room key",
				"room_id", roomKey.content.RoomID, "session_id", roomKey.content.SessionID, "error", err)
		}
	}
	return nil
}
