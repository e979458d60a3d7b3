// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package megolm

import (
	"errors"
	"testing"
	"time"

	"github.com/loom-im/loom/lib/ref"
)

var testRoomID = ref.MustParseRoomID("!room:example.org")

func newSessionPair(t *testing.T) (*OutboundSession, *InboundSession) {
	t.Helper()
	outbound, err := NewOutboundSession(testRoomID)
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}
	inbound, err := NewInboundSession(outbound.SessionKey())
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	return outbound, inbound
}

func TestGroupSession_EncryptDecrypt(t *testing.T) {
	outbound, inbound := newSessionPair(t)

	if outbound.ID() != inbound.ID() {
		t.Errorf("session IDs differ: %s vs %s", outbound.ID(), inbound.ID())
	}

	for wantIndex := uint32(0); wantIndex < 5; wantIndex++ {
		body, err := outbound.Encrypt([]byte("message"))
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		plaintext, index, err := inbound.Decrypt(body)
		if err != nil {
			t.Fatalf("Decrypt at index %d: %v", wantIndex, err)
		}
		if string(plaintext) != "message" {
			t.Errorf("plaintext = %q", plaintext)
		}
		if index != wantIndex {
			t.Errorf("index = %d, want %d", index, wantIndex)
		}
	}
	if outbound.MessageCount() != 5 {
		t.Errorf("MessageCount = %d, want 5", outbound.MessageCount())
	}
}

func TestGroupSession_DecryptOutOfOrderAndRepeated(t *testing.T) {
	outbound, inbound := newSessionPair(t)

	body0, err := outbound.Encrypt([]byte("zero"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	body1, err := outbound.Encrypt([]byte("one"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// The hash ratchet can seek forward, back, and repeat: replay
	// detection happens at the event layer, not here.
	for _, step := range []struct {
		body string
		want string
	}{{body1, "one"}, {body0, "zero"}, {body1, "one"}} {
		plaintext, _, err := inbound.Decrypt(step.body)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if string(plaintext) != step.want {
			t.Errorf("plaintext = %q, want %q", plaintext, step.want)
		}
	}
}

func TestGroupSession_LateExportCannotDecryptEarlier(t *testing.T) {
	outbound, err := NewOutboundSession(testRoomID)
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}

	early, err := outbound.Encrypt([]byte("before export"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Export after one message: the recipient joins at index 1.
	inbound, err := NewInboundSession(outbound.SessionKey())
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	if inbound.FirstKnownIndex() != 1 {
		t.Fatalf("FirstKnownIndex = %d, want 1", inbound.FirstKnownIndex())
	}

	_, _, err = inbound.Decrypt(early)
	var decryptErr *DecryptionError
	if !errors.As(err, &decryptErr) {
		t.Fatalf("error = %v, want *DecryptionError", err)
	}
	if decryptErr.Reason != ReasonUnknownMessageIndex {
		t.Errorf("reason = %s, want %s", decryptErr.Reason, ReasonUnknownMessageIndex)
	}

	late, err := outbound.Encrypt([]byte("after export"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plaintext, index, err := inbound.Decrypt(late)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plaintext) != "after export" || index != 1 {
		t.Errorf("plaintext = %q at index %d", plaintext, index)
	}
}

func TestGroupSession_TamperedMessageRejected(t *testing.T) {
	outbound, inbound := newSessionPair(t)

	body, err := outbound.Encrypt([]byte("intact"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	raw, err := encoding.DecodeString(body)
	if err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	raw[len(raw)-1] ^= 0x01

	_, _, err = inbound.Decrypt(encoding.EncodeToString(raw))
	var decryptErr *DecryptionError
	if !errors.As(err, &decryptErr) {
		t.Fatalf("error = %v, want *DecryptionError", err)
	}
}

func TestGroupSession_WrongSessionRejected(t *testing.T) {
	outbound, _ := newSessionPair(t)
	_, otherInbound := newSessionPair(t)

	body, err := outbound.Encrypt([]byte("for the first session"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	_, _, err = otherInbound.Decrypt(body)
	var decryptErr *DecryptionError
	if !errors.As(err, &decryptErr) {
		t.Fatalf("error = %v, want *DecryptionError", err)
	}
	if decryptErr.Reason != ReasonBadSignature {
		t.Errorf("reason = %s, want %s", decryptErr.Reason, ReasonBadSignature)
	}
}

func TestSessionKey_EncodeDecodeRoundTrip(t *testing.T) {
	outbound, err := NewOutboundSession(testRoomID)
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}
	encoded, err := outbound.SessionKey().Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := DecodeSessionKey(encoded)
	if err != nil {
		t.Fatalf("DecodeSessionKey: %v", err)
	}
	if decoded.SessionID != outbound.ID() || decoded.Index != 0 {
		t.Errorf("decoded key = %+v", decoded)
	}
}

func TestDecodeSessionKey_RejectsMismatchedID(t *testing.T) {
	first, err := NewOutboundSession(testRoomID)
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}
	second, err := NewOutboundSession(testRoomID)
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}

	// Chain state from one session under another session's ID.
	forged := first.SessionKey()
	forged.SessionID = second.ID()
	encoded, err := forged.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := DecodeSessionKey(encoded); err == nil {
		t.Error("DecodeSessionKey accepted a session key with mismatched ID")
	}
}

func TestOutboundSession_PickleRoundTrip(t *testing.T) {
	outbound, err := NewOutboundSession(testRoomID)
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}
	if _, err := outbound.Encrypt([]byte("advance the ratchet")); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	pickle, err := outbound.Pickle()
	if err != nil {
		t.Fatalf("Pickle: %v", err)
	}
	restored, err := UnpickleOutboundSession(pickle)
	if err != nil {
		t.Fatalf("UnpickleOutboundSession: %v", err)
	}
	if restored.ID() != outbound.ID() || restored.RoomID() != outbound.RoomID() {
		t.Error("restored session identity mismatch")
	}
	if restored.MessageCount() != 1 {
		t.Errorf("restored MessageCount = %d, want 1", restored.MessageCount())
	}
	if !restored.CreatedAt().Equal(outbound.CreatedAt().Truncate(time.Millisecond)) {
		t.Errorf("restored CreatedAt = %v, want %v", restored.CreatedAt(), outbound.CreatedAt())
	}

	// A message from the restored session decrypts on an inbound end
	// built from the original's export.
	inbound, err := NewInboundSession(outbound.SessionKey())
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	body, err := restored.Encrypt([]byte("after restore"))
	if err != nil {
		t.Fatalf("restored Encrypt: %v", err)
	}
	plaintext, index, err := inbound.Decrypt(body)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plaintext) != "after restore" || index != 1 {
		t.Errorf("plaintext = %q at index %d", plaintext, index)
	}
}

func TestInboundSession_PickleRoundTrip(t *testing.T) {
	outbound, inbound := newSessionPair(t)

	pickle, err := inbound.Pickle()
	if err != nil {
		t.Fatalf("Pickle: %v", err)
	}
	restored, err := UnpickleInboundSession(pickle)
	if err != nil {
		t.Fatalf("UnpickleInboundSession: %v", err)
	}
	if restored.ID() != inbound.ID() || restored.FirstKnownIndex() != inbound.FirstKnownIndex() {
		t.Error("restored session identity mismatch")
	}

	body, err := outbound.Encrypt([]byte("still readable"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plaintext, _, err := restored.Decrypt(body)
	if err != nil {
		t.Fatalf("restored Decrypt: %v", err)
	}
	if string(plaintext) != "still readable" {
		t.Errorf("plaintext = %q", plaintext)
	}
}

func TestUnpickle_Malformed(t *testing.T) {
	if _, err := UnpickleOutboundSession([]byte("not cbor")); err == nil {
		t.Error("UnpickleOutboundSession should reject garbage")
	}
	if _, err := UnpickleInboundSession([]byte("not cbor")); err == nil {
		t.Error("UnpickleInboundSession should reject garbage")
	}
}
