// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package megolm

import (
	"crypto/ed25519"
	"fmt"

	"github.com/loom-im/loom/lib/codec"
	"github.com/loom-im/loom/lib/ref"
)

// InboundSession decrypts group messages for one sender session. The
// struct is immutable after construction: Decrypt derives message keys
// from the stored first-known state without mutating it, so a session
// loaded from storage is safe to share between readers.
type InboundSession struct {
	id              ref.SessionID
	publicKey       ed25519.PublicKey
	firstKnownIndex uint32
	chainKey        []byte
}

// NewInboundSession builds an inbound session from an exported session
// key, as received in an m.room_key message or restored from backup.
func NewInboundSession(key SessionKey) (*InboundSession, error) {
	if len(key.PublicKey) != ed25519.PublicKeySize || len(key.ChainKey) != 32 {
		return nil, fmt.Errorf("megolm: session key has malformed key material")
	}
	if key.SessionID.String() != encoding.EncodeToString(key.PublicKey) {
		return nil, fmt.Errorf("megolm: session ID does not match public key")
	}
	return &InboundSession{
		id:              key.SessionID,
		publicKey:       append(ed25519.PublicKey{}, key.PublicKey...),
		firstKnownIndex: key.Index,
		chainKey:        append([]byte{}, key.ChainKey...),
	}, nil
}

// ID returns the session identifier.
func (s *InboundSession) ID() ref.SessionID { return s.id }

// FirstKnownIndex returns the earliest message index this session can
// decrypt. The key backup records it so a later, earlier-index export
// of the same session is recognized as strictly better.
func (s *InboundSession) FirstKnownIndex() uint32 { return s.firstKnownIndex }

// Decrypt opens a group message, returning the plaintext and its
// ratchet index. The index is what event-level replay detection keys
// on: megolm itself permits decrypting the same index twice.
func (s *InboundSession) Decrypt(body string) ([]byte, uint32, error) {
	raw, err := encoding.DecodeString(body)
	if err != nil {
		return nil, 0, decryptionError(ReasonBadMessageFormat, "body is not valid base64")
	}
	var envelope messageEnvelope
	if err := codec.Unmarshal(raw, &envelope); err != nil {
		return nil, 0, decryptionError(ReasonBadMessageFormat, "envelope: %v", err)
	}

	if !ed25519.Verify(s.publicKey, signingInput(envelope.Index, envelope.Ciphertext, envelope.MAC), envelope.Signature) {
		return nil, 0, decryptionError(ReasonBadSignature, "session signature verification failed")
	}
	if envelope.Index < s.firstKnownIndex {
		return nil, 0, decryptionError(ReasonUnknownMessageIndex,
			"message index %d precedes first known index %d", envelope.Index, s.firstKnownIndex)
	}

	chainKey := append([]byte{}, s.chainKey...)
	for index := s.firstKnownIndex; index < envelope.Index; index++ {
		chainKey = advanceChain(chainKey)
	}

	plaintext, err := open(messageKey(chainKey), envelope.Ciphertext, associatedData(envelope.Index), envelope.MAC)
	if err != nil {
		return nil, 0, err
	}
	return plaintext, envelope.Index, nil
}

// Export returns the session key at the first known index, suitable
// for the key backup.
func (s *InboundSession) Export() SessionKey {
	return SessionKey{
		SessionID: s.id,
		PublicKey: append([]byte{}, s.publicKey...),
		ChainKey:  append([]byte{}, s.chainKey...),
		Index:     s.firstKnownIndex,
	}
}

type inboundPickle struct {
	PublicKey       []byte `json:"public_key"`
	FirstKnownIndex uint32 `json:"first_known_index"`
	ChainKey        []byte `json:"chain_key"`
}

// Pickle serializes the session for storage.
func (s *InboundSession) Pickle() ([]byte, error) {
	return codec.Marshal(inboundPickle{
		PublicKey:       s.publicKey,
		FirstKnownIndex: s.firstKnownIndex,
		ChainKey:        s.chainKey,
	})
}

// UnpickleInboundSession restores a pickled inbound session.
func UnpickleInboundSession(pickle []byte) (*InboundSession, error) {
	var stored inboundPickle
	if err := codec.Unmarshal(pickle, &stored); err != nil {
		return nil, fmt.Errorf("megolm: decoding inbound session pickle: %w", err)
	}
	if len(stored.PublicKey) != ed25519.PublicKeySize || len(stored.ChainKey) != 32 {
		return nil, fmt.Errorf("megolm: inbound session pickle has malformed key material")
	}
	return &InboundSession{
		id:              ref.MustParseSessionID(encoding.EncodeToString(stored.PublicKey)),
		publicKey:       stored.PublicKey,
		firstKnownIndex: stored.FirstKnownIndex,
		chainKey:        stored.ChainKey,
	}, nil
}
