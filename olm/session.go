// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/loom-im/loom/lib/codec"
	"github.com/loom-im/loom/lib/ref"
)

// MessageType distinguishes session-establishing pre-key messages from
// normal messages on an established session.
type MessageType int

const (
	MessageTypePreKey MessageType = 0
	MessageTypeNormal MessageType = 1
)

// Ratchet bounds. A message more than maxSkip ahead of the receive
// chain, or requiring more stored skipped keys than maxStoredSkipped,
// is rejected rather than ground through.
const (
	maxSkip          = 256
	maxStoredSkipped = 100
)

// messageEnvelope is the per-message wire unit: the sender's current
// ratchet key, chain position, and the sealed payload. CBOR encoded,
// base64 at the JSON boundary.
type messageEnvelope struct {
	RatchetKey   []byte `json:"ratchet_key"`
	PrevChainLen uint32 `json:"prev_chain_len"`
	Index        uint32 `json:"index"`
	Ciphertext   []byte `json:"ciphertext"`
	MAC          []byte `json:"mac"`
}

// preKeyEnvelope wraps a messageEnvelope with the handshake keys a
// receiver needs to establish the session. Sent until the first
// message from the peer confirms the session on their side.
type preKeyEnvelope struct {
	IdentityKey []byte          `json:"identity_key"`
	BaseKey     []byte          `json:"base_key"`
	OneTimeKey  []byte          `json:"one_time_key"`
	Message     messageEnvelope `json:"message"`
}

type chain struct {
	key   []byte
	index uint32
}

type skippedKeyID struct {
	ratchetKey string
	index      uint32
}

type preKeyBootstrap struct {
	identityKey []byte
	baseKey     []byte
	oneTimeKey  []byte
}

// Session is a pairwise double-ratchet channel with one peer device.
// Not safe for concurrent use — callers hold the [LockSet] entry for
// the peer's sender key around every Encrypt/Decrypt.
type Session struct {
	id           ref.SessionID
	peerIdentity ref.Curve25519

	rootKey   []byte
	dhPrivate []byte
	dhPublic  []byte
	peerDH    []byte

	sendChain *chain
	recvChain *chain

	prevChainLen uint32
	skipped      map[skippedKeyID][]byte

	pendingPreKey *preKeyBootstrap
}

// ID returns the session identifier, derived from the handshake keys
// so both sides compute the same value.
func (s *Session) ID() ref.SessionID { return s.id }

// PeerIdentity returns the peer device's curve25519 identity key.
func (s *Session) PeerIdentity() ref.Curve25519 { return s.peerIdentity }

func sessionID(baseKey, oneTimeKey []byte) ref.SessionID {
	digest := sha256.Sum256(append(append([]byte{}, baseKey...), oneTimeKey...))
	return ref.MustParseSessionID(encoding.EncodeToString(digest[:]))
}

// NewOutboundSession establishes a session toward a peer device using
// its identity key and a one-time key claimed from the homeserver.
// The first messages sent are pre-key messages carrying the handshake
// until the peer replies.
func NewOutboundSession(account *Account, peerIdentity, peerOneTimeKey ref.Curve25519) (*Session, error) {
	theirIdentity, err := decodeCurveKey(peerIdentity.String())
	if err != nil {
		return nil, fmt.Errorf("olm: peer identity key: %w", err)
	}
	theirOneTime, err := decodeCurveKey(peerOneTimeKey.String())
	if err != nil {
		return nil, fmt.Errorf("olm: peer one-time key: %w", err)
	}

	basePrivate, basePublic, err := generateCurveKeypair()
	if err != nil {
		return nil, err
	}

	// Triple DH: identity/one-time, base/identity, base/one-time.
	secret, err := tripleDH(
		account.identityPrivate, theirOneTime,
		basePrivate, theirIdentity,
		basePrivate, theirOneTime,
	)
	if err != nil {
		return nil, err
	}
	rootKey, err := initialRoot(secret)
	if err != nil {
		return nil, err
	}

	session := &Session{
		id:           sessionID(basePublic, theirOneTime),
		peerIdentity: peerIdentity,
		rootKey:      rootKey,
		peerDH:       theirOneTime,
		skipped:      make(map[skippedKeyID][]byte),
		pendingPreKey: &preKeyBootstrap{
			identityKey: account.identityPublic,
			baseKey:     basePublic,
			oneTimeKey:  theirOneTime,
		},
	}
	if err := session.sendRatchetStep(); err != nil {
		return nil, err
	}
	return session, nil
}

// NewInboundSession establishes a session from a received pre-key
// message, consuming the one-time key it references, and decrypts the
// first payload.
func NewInboundSession(account *Account, body string) (*Session, []byte, error) {
	envelope, err := parsePreKeyEnvelope(body)
	if err != nil {
		return nil, nil, err
	}

	oneTimePrivate, ok := account.takeOneTimeKey(envelope.OneTimeKey)
	if !ok {
		return nil, nil, decryptionError(ReasonUnknownOneTimeKey, "pre-key message references an unknown or already-used one-time key")
	}

	secret, err := tripleDH(
		oneTimePrivate, envelope.IdentityKey,
		account.identityPrivate, envelope.BaseKey,
		oneTimePrivate, envelope.BaseKey,
	)
	if err != nil {
		return nil, nil, err
	}
	rootKey, err := initialRoot(secret)
	if err != nil {
		return nil, nil, err
	}

	oneTimePublic, err := curve25519.X25519(oneTimePrivate, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("olm: deriving one-time public key: %w", err)
	}

	session := &Session{
		id:           sessionID(envelope.BaseKey, envelope.OneTimeKey),
		peerIdentity: ref.Curve25519(encoding.EncodeToString(envelope.IdentityKey)),
		rootKey:      rootKey,
		dhPrivate:    oneTimePrivate,
		dhPublic:     oneTimePublic,
		skipped:      make(map[skippedKeyID][]byte),
	}

	plaintext, err := session.decryptEnvelope(envelope.Message)
	if err != nil {
		return nil, nil, err
	}
	return session, plaintext, nil
}

// PreKeySessionID extracts the session ID a pre-key message would
// establish, letting callers match it against existing sessions before
// consuming a one-time key.
func PreKeySessionID(body string) (ref.SessionID, error) {
	envelope, err := parsePreKeyEnvelope(body)
	if err != nil {
		return ref.SessionID{}, err
	}
	return sessionID(envelope.BaseKey, envelope.OneTimeKey), nil
}

func parsePreKeyEnvelope(body string) (*preKeyEnvelope, error) {
	raw, err := encoding.DecodeString(body)
	if err != nil {
		return nil, decryptionError(ReasonBadMessageFormat, "pre-key body is not valid base64")
	}
	var envelope preKeyEnvelope
	if err := codec.Unmarshal(raw, &envelope); err != nil {
		return nil, decryptionError(ReasonBadMessageFormat, "pre-key envelope: %v", err)
	}
	if len(envelope.IdentityKey) != 32 || len(envelope.BaseKey) != 32 || len(envelope.OneTimeKey) != 32 {
		return nil, decryptionError(ReasonBadMessageFormat, "pre-key envelope has malformed keys")
	}
	return &envelope, nil
}

// Encrypt seals a plaintext, advancing the send chain. The returned
// body is base64; the message type tells the receiver whether a
// handshake wrapper is present.
func (s *Session) Encrypt(plaintext []byte) (MessageType, string, error) {
	if s.sendChain == nil {
		if err := s.sendRatchetStep(); err != nil {
			return 0, "", err
		}
	}

	msgKey := messageKey(s.sendChain.key)
	envelope := messageEnvelope{
		RatchetKey:   s.dhPublic,
		PrevChainLen: s.prevChainLen,
		Index:        s.sendChain.index,
	}
	ciphertext, mac, err := seal(msgKey, plaintext, associatedData(envelope.RatchetKey, envelope.Index))
	if err != nil {
		return 0, "", err
	}
	envelope.Ciphertext = ciphertext
	envelope.MAC = mac

	s.sendChain.key = advanceChain(s.sendChain.key)
	s.sendChain.index++

	if s.pendingPreKey != nil {
		wrapped := preKeyEnvelope{
			IdentityKey: s.pendingPreKey.identityKey,
			BaseKey:     s.pendingPreKey.baseKey,
			OneTimeKey:  s.pendingPreKey.oneTimeKey,
			Message:     envelope,
		}
		raw, err := codec.Marshal(wrapped)
		if err != nil {
			return 0, "", fmt.Errorf("olm: encoding pre-key envelope: %w", err)
		}
		return MessageTypePreKey, encoding.EncodeToString(raw), nil
	}

	raw, err := codec.Marshal(envelope)
	if err != nil {
		return 0, "", fmt.Errorf("olm: encoding envelope: %w", err)
	}
	return MessageTypeNormal, encoding.EncodeToString(raw), nil
}

// Decrypt opens a message on an established session. A successful
// decrypt of any inbound message confirms the peer holds the session,
// so subsequent sends drop the handshake wrapper.
func (s *Session) Decrypt(messageType MessageType, body string) ([]byte, error) {
	var envelope messageEnvelope
	switch messageType {
	case MessageTypePreKey:
		wrapped, err := parsePreKeyEnvelope(body)
		if err != nil {
			return nil, err
		}
		envelope = wrapped.Message
	case MessageTypeNormal:
		raw, err := encoding.DecodeString(body)
		if err != nil {
			return nil, decryptionError(ReasonBadMessageFormat, "body is not valid base64")
		}
		if err := codec.Unmarshal(raw, &envelope); err != nil {
			return nil, decryptionError(ReasonBadMessageFormat, "envelope: %v", err)
		}
	default:
		return nil, decryptionError(ReasonBadMessageFormat, "unknown message type %d", messageType)
	}

	plaintext, err := s.decryptEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	s.pendingPreKey = nil
	return plaintext, nil
}

func (s *Session) decryptEnvelope(envelope messageEnvelope) ([]byte, error) {
	if len(envelope.RatchetKey) != 32 {
		return nil, decryptionError(ReasonBadMessageFormat, "malformed ratchet key")
	}

	// Out-of-order message from an older chain.
	skipID := skippedKeyID{ratchetKey: string(envelope.RatchetKey), index: envelope.Index}
	if msgKey, ok := s.skipped[skipID]; ok {
		plaintext, err := open(msgKey, envelope.Ciphertext, associatedData(envelope.RatchetKey, envelope.Index), envelope.MAC)
		if err != nil {
			return nil, err
		}
		delete(s.skipped, skipID)
		return plaintext, nil
	}

	if s.recvChain == nil || !bytes.Equal(envelope.RatchetKey, s.peerDH) {
		// New ratchet key from the peer: bank the remainder of the old
		// receive chain, then step the DH ratchet.
		if s.recvChain != nil {
			if err := s.skipReceiveKeys(envelope.PrevChainLen); err != nil {
				return nil, err
			}
		}
		if s.sendChain != nil {
			s.prevChainLen = s.sendChain.index
		}
		dhOutput, err := curve25519.X25519(s.dhPrivate, envelope.RatchetKey)
		if err != nil {
			return nil, decryptionError(ReasonBadMessageFormat, "ratchet key rejected: %v", err)
		}
		rootKey, chainKey, err := kdfRoot(s.rootKey, dhOutput)
		if err != nil {
			return nil, err
		}
		s.rootKey = rootKey
		s.peerDH = append([]byte{}, envelope.RatchetKey...)
		s.recvChain = &chain{key: chainKey}
		s.sendChain = nil
	}

	if envelope.Index < s.recvChain.index {
		return nil, decryptionError(ReasonReplayedMessage, "message index %d already consumed (chain at %d)",
			envelope.Index, s.recvChain.index)
	}
	if envelope.Index-s.recvChain.index > maxSkip {
		return nil, decryptionError(ReasonRatchetTooFar, "message index %d too far ahead of chain at %d",
			envelope.Index, s.recvChain.index)
	}

	// Bank skipped message keys for out-of-order delivery.
	for s.recvChain.index < envelope.Index {
		if len(s.skipped) >= maxStoredSkipped {
			return nil, decryptionError(ReasonRatchetTooFar, "too many skipped message keys")
		}
		s.skipped[skippedKeyID{ratchetKey: string(s.peerDH), index: s.recvChain.index}] = messageKey(s.recvChain.key)
		s.recvChain.key = advanceChain(s.recvChain.key)
		s.recvChain.index++
	}

	msgKey := messageKey(s.recvChain.key)
	plaintext, err := open(msgKey, envelope.Ciphertext, associatedData(envelope.RatchetKey, envelope.Index), envelope.MAC)
	if err != nil {
		return nil, err
	}
	s.recvChain.key = advanceChain(s.recvChain.key)
	s.recvChain.index++
	return plaintext, nil
}

// skipReceiveKeys banks the message keys remaining in the current
// receive chain up to length, so late messages from the old chain stay
// decryptable after a ratchet step.
func (s *Session) skipReceiveKeys(length uint32) error {
	if length > s.recvChain.index && length-s.recvChain.index > maxSkip {
		return decryptionError(ReasonRatchetTooFar, "previous chain length %d too far ahead of %d",
			length, s.recvChain.index)
	}
	for s.recvChain.index < length {
		if len(s.skipped) >= maxStoredSkipped {
			return decryptionError(ReasonRatchetTooFar, "too many skipped message keys")
		}
		s.skipped[skippedKeyID{ratchetKey: string(s.peerDH), index: s.recvChain.index}] = messageKey(s.recvChain.key)
		s.recvChain.key = advanceChain(s.recvChain.key)
		s.recvChain.index++
	}
	return nil
}

// sendRatchetStep generates a fresh ratchet keypair and derives a new
// send chain against the peer's current ratchet key.
func (s *Session) sendRatchetStep() error {
	private, public, err := generateCurveKeypair()
	if err != nil {
		return err
	}
	dhOutput, err := curve25519.X25519(private, s.peerDH)
	if err != nil {
		return fmt.Errorf("olm: send ratchet step: %w", err)
	}
	rootKey, chainKey, err := kdfRoot(s.rootKey, dhOutput)
	if err != nil {
		return err
	}
	s.dhPrivate = private
	s.dhPublic = public
	s.rootKey = rootKey
	s.sendChain = &chain{key: chainKey}
	return nil
}

func associatedData(ratchetKey []byte, index uint32) []byte {
	data := make([]byte, 0, len(ratchetKey)+4)
	data = append(data, ratchetKey...)
	data = binary.BigEndian.AppendUint32(data, index)
	return data
}

func tripleDH(priv1, pub1, priv2, pub2, priv3, pub3 []byte) ([]byte, error) {
	var secret []byte
	for _, pair := range [][2][]byte{{priv1, pub1}, {priv2, pub2}, {priv3, pub3}} {
		shared, err := curve25519.X25519(pair[0], pair[1])
		if err != nil {
			return nil, fmt.Errorf("olm: handshake DH: %w", err)
		}
		secret = append(secret, shared...)
	}
	return secret, nil
}

func decodeCurveKey(key string) ([]byte, error) {
	raw, err := encoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("not valid base64: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("key is %d bytes, want 32", len(raw))
	}
	return raw, nil
}
