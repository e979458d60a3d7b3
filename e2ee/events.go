// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"encoding/json"

	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/storage"
)

// Encryption algorithm identifiers.
const (
	AlgorithmOlm    = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolm = "m.megolm.v1.aes-sha2"
)

// Event types the encryption layer interprets.
const (
	EventTypeEncryption        = ref.EventType("m.room.encryption")
	EventTypeEncrypted         = ref.EventType("m.room.encrypted")
	EventTypeRoomKey           = ref.EventType("m.room_key")
	EventTypeDummy             = ref.EventType("m.dummy")
	EventTypeMember            = ref.EventType("m.room.member")
	EventTypeHistoryVisibility = ref.EventType("m.room.history_visibility")
)

// Membership values from m.room.member events.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// History visibility values from m.room.history_visibility events.
const (
	VisibilityWorldReadable = "world_readable"
	VisibilityShared        = "shared"
	VisibilityJoined        = "joined"
	VisibilityInvited       = "invited"
)

// ShouldShareKey decides whether a member with the given membership is
// entitled to room keys under the room's history visibility.
func ShouldShareKey(membership, visibility string) bool {
	switch visibility {
	case VisibilityWorldReadable:
		return true
	case VisibilityJoined:
		return membership == MembershipJoin
	case VisibilityInvited:
		return membership == MembershipInvite || membership == MembershipJoin
	default:
		// "shared" and anything unknown: any membership the user ever
		// held qualifies, except a ban.
		return membership != "" && membership != MembershipBan
	}
}

// MemberContent is the content of an m.room.member state event.
type MemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
}

// HistoryVisibilityContent is the content of an
// m.room.history_visibility state event.
type HistoryVisibilityContent struct {
	HistoryVisibility string `json:"history_visibility"`
}

// EncryptionContent is the content of an m.room.encryption state event.
type EncryptionContent struct {
	Algorithm          string `json:"algorithm"`
	RotationPeriodMS   int64  `json:"rotation_period_ms,omitempty"`
	RotationPeriodMsgs int    `json:"rotation_period_msgs,omitempty"`
}

// ParseEncryptionContent extracts rotation parameters from an
// m.room.encryption event, falling back to the defaults for absent or
// malformed content. A malformed event still marks the room encrypted:
// failing open to "unencrypted" on a parse error would downgrade the
// room.
func ParseEncryptionContent(raw json.RawMessage) (rotationPeriodMS int64, rotationMaxMessages int) {
	rotationPeriodMS = storage.DefaultRotationPeriodMS
	rotationMaxMessages = storage.DefaultRotationMaxMessages

	var content EncryptionContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return rotationPeriodMS, rotationMaxMessages
	}
	if content.RotationPeriodMS > 0 {
		rotationPeriodMS = content.RotationPeriodMS
	}
	if content.RotationPeriodMsgs > 0 {
		rotationMaxMessages = content.RotationPeriodMsgs
	}
	return rotationPeriodMS, rotationMaxMessages
}

// EncryptedContent is the content of an m.room.encrypted room event
// (megolm).
type EncryptedContent struct {
	Algorithm  string         `json:"algorithm"`
	SenderKey  ref.Curve25519 `json:"sender_key"`
	DeviceID   ref.DeviceID   `json:"device_id,omitempty"`
	SessionID  ref.SessionID  `json:"session_id"`
	Ciphertext string         `json:"ciphertext"`
}

// OlmCiphertext is one recipient's ciphertext in an olm-encrypted
// to-device message.
type OlmCiphertext struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// OlmEncryptedContent is the content of an olm-encrypted to-device
// m.room.encrypted message, keyed by recipient curve25519 key.
type OlmEncryptedContent struct {
	Algorithm  string                           `json:"algorithm"`
	SenderKey  ref.Curve25519                   `json:"sender_key"`
	Ciphertext map[ref.Curve25519]OlmCiphertext `json:"ciphertext"`
}

// RoomKeyContent is the plaintext of an m.room_key to-device message:
// the exported megolm session key for one room.
type RoomKeyContent struct {
	Algorithm  string        `json:"algorithm"`
	RoomID     ref.RoomID    `json:"room_id"`
	SessionID  ref.SessionID `json:"session_id"`
	SessionKey string        `json:"session_key"`
}
