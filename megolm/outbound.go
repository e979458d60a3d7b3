// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package megolm

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/loom-im/loom/lib/codec"
	"github.com/loom-im/loom/lib/ref"
)

// messageEnvelope is the per-message wire unit for group messages.
// CBOR encoded, base64 at the JSON boundary. The signature lets
// recipients who only hold the exported chain state (not the sender's
// device keys) still authenticate the message to the session.
type messageEnvelope struct {
	Index      uint32 `json:"index"`
	Ciphertext []byte `json:"ciphertext"`
	MAC        []byte `json:"mac"`
	Signature  []byte `json:"signature"`
}

// SessionKey is the exported key material for a group session: chain
// state at a given index plus the session's public signing key. It is
// what travels inside pairwise-encrypted m.room_key messages and what
// the key backup stores.
type SessionKey struct {
	SessionID ref.SessionID `json:"session_id"`
	PublicKey []byte        `json:"public_key"`
	ChainKey  []byte        `json:"chain_key"`
	Index     uint32        `json:"index"`
}

// Encode serializes the session key for transport.
func (k SessionKey) Encode() (string, error) {
	raw, err := codec.Marshal(k)
	if err != nil {
		return "", fmt.Errorf("megolm: encoding session key: %w", err)
	}
	return encoding.EncodeToString(raw), nil
}

// DecodeSessionKey parses a serialized session key and checks it is
// internally consistent: the session ID must be the base64 of the
// public signing key, or an attacker could attach someone else's chain
// state to a session ID they don't control.
func DecodeSessionKey(body string) (SessionKey, error) {
	raw, err := encoding.DecodeString(body)
	if err != nil {
		return SessionKey{}, fmt.Errorf("megolm: session key is not valid base64: %w", err)
	}
	var key SessionKey
	if err := codec.Unmarshal(raw, &key); err != nil {
		return SessionKey{}, fmt.Errorf("megolm: decoding session key: %w", err)
	}
	if len(key.PublicKey) != ed25519.PublicKeySize || len(key.ChainKey) != 32 {
		return SessionKey{}, fmt.Errorf("megolm: session key has malformed key material")
	}
	if key.SessionID.String() != encoding.EncodeToString(key.PublicKey) {
		return SessionKey{}, fmt.Errorf("megolm: session ID does not match public key")
	}
	return key, nil
}

// OutboundSession encrypts messages for one room. Not safe for
// concurrent use — the per-room encryption layer serializes access.
type OutboundSession struct {
	id         ref.SessionID
	roomID     ref.RoomID
	signingKey ed25519.PrivateKey
	chainKey   []byte
	index      uint32
	createdAt  time.Time
}

// NewOutboundSession creates a fresh group session for a room with a
// random chain key and signing keypair.
func NewOutboundSession(roomID ref.RoomID) (*OutboundSession, error) {
	publicKey, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("megolm: generating signing key: %w", err)
	}
	chainKey := make([]byte, 32)
	if _, err := rand.Read(chainKey); err != nil {
		return nil, fmt.Errorf("megolm: generating chain key: %w", err)
	}
	return &OutboundSession{
		id:         ref.MustParseSessionID(encoding.EncodeToString(publicKey)),
		roomID:     roomID,
		signingKey: signingKey,
		chainKey:   chainKey,
		createdAt:  time.Now(),
	}, nil
}

// ID returns the session identifier: the base64 of the session's
// public signing key.
func (s *OutboundSession) ID() ref.SessionID { return s.id }

// RoomID returns the room this session encrypts for.
func (s *OutboundSession) RoomID() ref.RoomID { return s.roomID }

// CreatedAt returns when the session was created. Rotation policy
// compares this against the room's rotation period.
func (s *OutboundSession) CreatedAt() time.Time { return s.createdAt }

// MessageCount returns how many messages have been encrypted on this
// session. Rotation policy compares this against the room's message
// limit.
func (s *OutboundSession) MessageCount() uint32 { return s.index }

// Encrypt seals a plaintext at the current ratchet index, signs it,
// and advances the ratchet. The returned body is base64.
func (s *OutboundSession) Encrypt(plaintext []byte) (string, error) {
	index := s.index
	ciphertext, mac, err := seal(messageKey(s.chainKey), plaintext, associatedData(index))
	if err != nil {
		return "", err
	}
	envelope := messageEnvelope{
		Index:      index,
		Ciphertext: ciphertext,
		MAC:        mac,
		Signature:  ed25519.Sign(s.signingKey, signingInput(index, ciphertext, mac)),
	}

	s.chainKey = advanceChain(s.chainKey)
	s.index++

	raw, err := codec.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("megolm: encoding envelope: %w", err)
	}
	return encoding.EncodeToString(raw), nil
}

// SessionKey exports the chain state at the current index. A recipient
// receiving this export can decrypt messages from the current index
// onward, and nothing earlier.
func (s *OutboundSession) SessionKey() SessionKey {
	return SessionKey{
		SessionID: s.id,
		PublicKey: append([]byte{}, s.signingKey.Public().(ed25519.PublicKey)...),
		ChainKey:  append([]byte{}, s.chainKey...),
		Index:     s.index,
	}
}

type outboundPickle struct {
	RoomID     string `json:"room_id"`
	SigningKey []byte `json:"signing_key"`
	ChainKey   []byte `json:"chain_key"`
	Index      uint32 `json:"index"`
	CreatedAt  int64  `json:"created_at_ms"`
}

// Pickle serializes the session for storage. The pickle contains key
// material; callers store it only in the local database.
func (s *OutboundSession) Pickle() ([]byte, error) {
	return codec.Marshal(outboundPickle{
		RoomID:     s.roomID.String(),
		SigningKey: s.signingKey.Seed(),
		ChainKey:   s.chainKey,
		Index:      s.index,
		CreatedAt:  s.createdAt.UnixMilli(),
	})
}

// UnpickleOutboundSession restores a pickled outbound session.
func UnpickleOutboundSession(pickle []byte) (*OutboundSession, error) {
	var stored outboundPickle
	if err := codec.Unmarshal(pickle, &stored); err != nil {
		return nil, fmt.Errorf("megolm: decoding outbound session pickle: %w", err)
	}
	roomID, err := ref.ParseRoomID(stored.RoomID)
	if err != nil {
		return nil, fmt.Errorf("megolm: outbound session pickle: %w", err)
	}
	if len(stored.SigningKey) != ed25519.SeedSize || len(stored.ChainKey) != 32 {
		return nil, fmt.Errorf("megolm: outbound session pickle has malformed key material")
	}
	signingKey := ed25519.NewKeyFromSeed(stored.SigningKey)
	return &OutboundSession{
		id:         ref.MustParseSessionID(encoding.EncodeToString(signingKey.Public().(ed25519.PublicKey))),
		roomID:     roomID,
		signingKey: signingKey,
		chainKey:   stored.ChainKey,
		index:      stored.Index,
		createdAt:  time.UnixMilli(stored.CreatedAt),
	}, nil
}
