// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loom-im/loom/lib/clock"
	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/megolm"
	"github.com/loom-im/loom/storage"
)

// KeySharer delivers a fresh outbound session's key material to every
// device entitled to it, as pairwise-encrypted m.room_key messages.
// Implemented by the session aggregate, which owns the olm machinery.
type KeySharer interface {
	ShareRoomKey(ctx context.Context, room storage.Room, key megolm.SessionKey) error
}

// ErrUnknownSession means no stored inbound session matches an
// encrypted event. Callers may try the key backup before giving up.
var ErrUnknownSession = errors.New("e2ee: no inbound session for encrypted event")

// RoomEncryptionConfig carries the dependencies for one room's
// encryption state.
type RoomEncryptionConfig struct {
	DB        *storage.DB
	Clock     clock.Clock
	Sharer    KeySharer
	SenderKey ref.Curve25519
	DeviceID  ref.DeviceID

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// RoomEncryption owns one room's outbound megolm session: creation,
// rotation, and the ordering between key sharing and encryption. The
// outbound session is single-writer; the sync pipeline never touches
// it.
type RoomEncryption struct {
	db        *storage.DB
	clock     clock.Clock
	sharer    KeySharer
	senderKey ref.Curve25519
	deviceID  ref.DeviceID
	logger    *slog.Logger

	mu          sync.Mutex
	outbound    *megolm.OutboundSession
	invalidated bool
}

// NewRoomEncryption creates the encryption state for one room.
func NewRoomEncryption(config RoomEncryptionConfig) (*RoomEncryption, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("e2ee: RoomEncryptionConfig.DB is required")
	}
	if config.Clock == nil {
		return nil, fmt.Errorf("e2ee: RoomEncryptionConfig.Clock is required")
	}
	if config.Sharer == nil {
		return nil, fmt.Errorf("e2ee: RoomEncryptionConfig.Sharer is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomEncryption{
		db:        config.DB,
		clock:     config.Clock,
		sharer:    config.Sharer,
		senderKey: config.SenderKey,
		deviceID:  config.DeviceID,
		logger:    logger,
	}, nil
}

// megolmPayload is the plaintext a megolm ciphertext carries: the
// event restored on decryption, bound to its room.
type megolmPayload struct {
	Type    ref.EventType   `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  ref.RoomID      `json:"room_id"`
}

// Encrypt produces m.room.encrypted content for one event, rotating
// the outbound session first when policy requires. On rotation the new
// session key is shared before the first Encrypt advances the ratchet,
// so the advertised chain index matches the first ciphertext.
func (r *RoomEncryption) Encrypt(ctx context.Context, room storage.Room, eventType ref.EventType, content json.RawMessage) (EncryptedContent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.outbound == nil {
		if err := r.loadOutbound(ctx, room.ID); err != nil {
			return EncryptedContent{}, err
		}
	}

	var rotationKey *megolm.SessionKey
	if r.invalidated || r.outbound == nil || r.needsRotation(room) {
		session, err := megolm.NewOutboundSession(room.ID)
		if err != nil {
			return EncryptedContent{}, err
		}
		// Capture the key before encrypting: Encrypt advances the
		// counter, and both the recipients and our own inbound copy
		// need the key at the index of the first message.
		key := session.SessionKey()
		if err := r.sharer.ShareRoomKey(ctx, room, key); err != nil {
			return EncryptedContent{}, fmt.Errorf("e2ee: sharing room key for %s: %w", room.ID, err)
		}
		if r.outbound != nil {
			r.logger.Info("rotated outbound session",
				"room_id", room.ID, "messages", r.outbound.MessageCount(),
				"age", r.clock.Now().Sub(r.outbound.CreatedAt()))
		}
		r.outbound = session
		r.invalidated = false
		rotationKey = &key
	}

	payload, err := json.Marshal(megolmPayload{Type: eventType, Content: content, RoomID: room.ID})
	if err != nil {
		return EncryptedContent{}, fmt.Errorf("e2ee: encoding event payload: %w", err)
	}
	ciphertext, err := r.outbound.Encrypt(payload)
	if err != nil {
		return EncryptedContent{}, err
	}

	if err := r.persistOutbound(ctx, room.ID, rotationKey); err != nil {
		return EncryptedContent{}, err
	}

	return EncryptedContent{
		Algorithm: AlgorithmMegolm,
		SenderKey: r.senderKey,
		DeviceID:  r.deviceID,
		SessionID: r.outbound.ID(),
		Ciphertext: ciphertext,
	}, nil
}

// Invalidate discards the outbound session so the next Encrypt
// creates and shares a fresh one. Called when room membership shrinks:
// the departed member must not be able to read future messages.
func (r *RoomEncryption) Invalidate(txn *storage.Txn, roomID ref.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbound = nil
	r.invalidated = true
	return txn.DeleteOutboundGroupSession(roomID)
}

func (r *RoomEncryption) needsRotation(room storage.Room) bool {
	if r.outbound.MessageCount() >= uint32(room.RotationMaxMessages) {
		return true
	}
	age := r.clock.Now().Sub(r.outbound.CreatedAt())
	return age >= time.Duration(room.RotationPeriodMS)*time.Millisecond
}

func (r *RoomEncryption) loadOutbound(ctx context.Context, roomID ref.RoomID) error {
	txn, err := r.db.ReadTxn(ctx)
	if err != nil {
		return err
	}
	defer txn.Abort()
	pickle, ok, err := txn.OutboundGroupSessionPickle(roomID)
	if err != nil || !ok {
		return err
	}
	session, err := megolm.UnpickleOutboundSession(pickle)
	if err != nil {
		// Unreadable pickle: rotate rather than wedge the room.
		r.logger.Error("discarding unreadable outbound session pickle", "room_id", roomID, "error", err)
		return nil
	}
	r.outbound = session
	return nil
}

// persistOutbound stores the advanced outbound session, and on
// rotation also stores our own inbound copy so this device can decrypt
// its own messages and feed the key backup. rotationKey is the session
// key captured at index 0, before the first Encrypt advanced the
// chain; nil when no rotation happened this call.
func (r *RoomEncryption) persistOutbound(ctx context.Context, roomID ref.RoomID, rotationKey *megolm.SessionKey) error {
	pickle, err := r.outbound.Pickle()
	if err != nil {
		return err
	}

	txn, err := r.db.ReadWriteTxn(ctx)
	if err != nil {
		return err
	}
	defer txn.Abort()
	if err := txn.PutOutboundGroupSessionPickle(roomID, pickle); err != nil {
		return err
	}
	if rotationKey != nil {
		inbound, err := megolm.NewInboundSession(*rotationKey)
		if err == nil {
			inboundPickle, pickleErr := inbound.Pickle()
			if pickleErr != nil {
				return pickleErr
			}
			err = txn.PutInboundGroupSession(storage.InboundSessionRecord{
				Key: storage.InboundSessionKey{
					RoomID:    roomID,
					SenderKey: r.senderKey,
					SessionID: r.outbound.ID(),
				},
				Pickle:      inboundPickle,
				NeedsBackup: true,
			})
		}
		if err != nil {
			return err
		}
	}
	return txn.Complete()
}

// DecryptedEvent is the plaintext event recovered from an
// m.room.encrypted ciphertext.
type DecryptedEvent struct {
	Type    ref.EventType
	Content json.RawMessage
	Index   uint32
}

// DecryptMegolmEvent opens an encrypted room event against the stored
// inbound sessions. Returns [ErrUnknownSession] when no session
// matches; a session that exists but cannot open the message returns
// the underlying *megolm.DecryptionError.
func DecryptMegolmEvent(txn *storage.Txn, roomID ref.RoomID, content EncryptedContent) (DecryptedEvent, error) {
	if content.Algorithm != AlgorithmMegolm {
		return DecryptedEvent{}, fmt.Errorf("e2ee: unsupported event algorithm %q", content.Algorithm)
	}

	record, ok, err := txn.InboundGroupSession(storage.InboundSessionKey{
		RoomID:    roomID,
		SenderKey: content.SenderKey,
		SessionID: content.SessionID,
	})
	if err != nil {
		return DecryptedEvent{}, err
	}
	if !ok {
		return DecryptedEvent{}, ErrUnknownSession
	}
	session, err := megolm.UnpickleInboundSession(record.Pickle)
	if err != nil {
		return DecryptedEvent{}, err
	}
	return DecryptWithSession(session, roomID, content)
}

// DecryptWithSession opens one encrypted event against an already
// loaded inbound session. The sync pipeline uses this form: sessions
// are loaded during the prepare phase and the decryption itself runs
// without a storage transaction.
func DecryptWithSession(session *megolm.InboundSession, roomID ref.RoomID, content EncryptedContent) (DecryptedEvent, error) {
	plaintext, index, err := session.Decrypt(content.Ciphertext)
	if err != nil {
		return DecryptedEvent{}, err
	}
	var payload megolmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return DecryptedEvent{}, fmt.Errorf("e2ee: parsing decrypted payload: %w", err)
	}
	if payload.RoomID != roomID {
		// A ciphertext replayed into a different room must not
		// masquerade as that room's traffic.
		return DecryptedEvent{}, fmt.Errorf("e2ee: decrypted payload bound to %s, not %s", payload.RoomID, roomID)
	}
	return DecryptedEvent{Type: payload.Type, Content: payload.Content, Index: index}, nil
}

// ImportRoomKey stores an inbound session received in an m.room_key
// message or recovered from backup. An existing session is replaced
// only by an export with a strictly earlier first known index.
func ImportRoomKey(txn *storage.Txn, senderKey ref.Curve25519, content RoomKeyContent, needsBackup bool) error {
	if content.Algorithm != AlgorithmMegolm {
		return fmt.Errorf("e2ee: unsupported room key algorithm %q", content.Algorithm)
	}
	sessionKey, err := megolm.DecodeSessionKey(content.SessionKey)
	if err != nil {
		return err
	}
	if sessionKey.SessionID != content.SessionID {
		return fmt.Errorf("e2ee: room key session ID mismatch")
	}
	session, err := megolm.NewInboundSession(sessionKey)
	if err != nil {
		return err
	}

	key := storage.InboundSessionKey{
		RoomID:    content.RoomID,
		SenderKey: senderKey,
		SessionID: content.SessionID,
	}
	existing, ok, err := txn.InboundGroupSession(key)
	if err != nil {
		return err
	}
	if ok {
		stored, err := megolm.UnpickleInboundSession(existing.Pickle)
		if err == nil && stored.FirstKnownIndex() <= session.FirstKnownIndex() {
			return nil
		}
	}

	pickle, err := session.Pickle()
	if err != nil {
		return err
	}
	return txn.PutInboundGroupSession(storage.InboundSessionRecord{
		Key:         key,
		Pickle:      pickle,
		NeedsBackup: needsBackup,
	})
}
