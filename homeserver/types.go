// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package homeserver

import (
	"encoding/json"

	"github.com/loom-im/loom/lib/ref"
)

// AuthResponse is returned by Login.
type AuthResponse struct {
	UserID      ref.UserID   `json:"user_id"`
	AccessToken string       `json:"access_token"`
	DeviceID    ref.DeviceID `json:"device_id"`
}

// LoginRequest is the request body for password login.
type LoginRequest struct {
	Type                     string `json:"type"`
	User                     string `json:"user"`
	Password                 string `json:"password"`
	DeviceID                 string `json:"device_id,omitempty"`
	InitialDeviceDisplayName string `json:"initial_device_display_name,omitempty"`
}

// Event represents a Matrix room event from the server. Content stays
// raw JSON: the engine only decodes the event types it interprets
// (m.room.member, m.room.encryption, m.room.encrypted, ...) and passes
// everything else through untouched.
type Event struct {
	EventID        ref.EventID     `json:"event_id"`
	Type           ref.EventType   `json:"type"`
	Sender         ref.UserID      `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
	RoomID         ref.RoomID      `json:"room_id,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	Unsigned       *EventUnsigned  `json:"unsigned,omitempty"`
}

// EventUnsigned holds optional unsigned data attached to events.
type EventUnsigned struct {
	Age           int64           `json:"age,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	PrevContent   json.RawMessage `json:"prev_content,omitempty"`
}

// SyncOptions controls the behavior of the /sync endpoint.
type SyncOptions struct {
	Since      string // next_batch token from previous sync; empty for initial sync
	Timeout    int    // long-poll timeout in milliseconds; 0 for immediate return
	SetTimeout bool   // if true, send the timeout parameter (needed to distinguish "not set" from "0")
	Filter     string // filter ID or inline JSON filter
}

// SyncResponse is the top-level response from /sync. This is the
// authoritative input schema for the sync engine; fields not modeled
// here are dropped by the JSON decoder and never interpreted.
type SyncResponse struct {
	NextBatch              string             `json:"next_batch"`
	AccountData            AccountDataSection `json:"account_data"`
	DeviceLists            DeviceListsSection `json:"device_lists"`
	DeviceOneTimeKeysCount map[string]int     `json:"device_one_time_keys_count"`
	ToDevice               ToDeviceSection    `json:"to_device"`
	Rooms                  RoomsSection       `json:"rooms"`
}

// AccountDataSection contains global account data events from /sync.
type AccountDataSection struct {
	Events []AccountDataEvent `json:"events"`
}

// AccountDataEvent is a single account data event (e.g.,
// "m.secret_storage.default_key", "m.secret_storage.key.<id>").
type AccountDataEvent struct {
	Type    ref.EventType   `json:"type"`
	Content json.RawMessage `json:"content"`
}

// DeviceListsSection signals device-list changes since the previous
// sync token. Users in Changed need a fresh /keys/query before the
// next key share; users in Left no longer share any encrypted room.
type DeviceListsSection struct {
	Changed []ref.UserID `json:"changed"`
	Left    []ref.UserID `json:"left"`
}

// ToDeviceSection contains direct device-to-device events (olm
// envelopes, room key shares) from /sync.
type ToDeviceSection struct {
	Events []ToDeviceEvent `json:"events"`
}

// ToDeviceEvent is a single to-device event. There is no event ID and
// no room ID — delivery is exactly-once per device, queued server-side
// until the device syncs.
type ToDeviceEvent struct {
	Type    ref.EventType   `json:"type"`
	Sender  ref.UserID      `json:"sender"`
	Content json.RawMessage `json:"content"`
}

// RoomsSection contains per-room sync data grouped by membership state.
// Map keys are room IDs; encoding/json uses ref.RoomID's TextUnmarshaler
// for automatic validation at deserialization.
type RoomsSection struct {
	Join   map[ref.RoomID]JoinedRoom  `json:"join,omitempty"`
	Invite map[ref.RoomID]InvitedRoom `json:"invite,omitempty"`
	Leave  map[ref.RoomID]LeftRoom    `json:"leave,omitempty"`
}

// JoinedRoom contains sync data for a room the user has joined.
type JoinedRoom struct {
	Timeline    TimelineSection    `json:"timeline"`
	State       StateSection       `json:"state"`
	AccountData AccountDataSection `json:"account_data"`
	Summary     RoomSummary        `json:"summary"`
}

// InvitedRoom contains sync data for a room the user was invited to.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// LeftRoom contains sync data for a room the user has left.
type LeftRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// TimelineSection contains timeline events from a sync response.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch"`
	Limited   bool    `json:"limited"`
}

// StateSection contains state events from a sync response.
type StateSection struct {
	Events []Event `json:"events"`
}

// RoomSummary carries the server-computed membership summary.
type RoomSummary struct {
	Heroes             []ref.UserID `json:"m.heroes,omitempty"`
	JoinedMemberCount  *int         `json:"m.joined_member_count,omitempty"`
	InvitedMemberCount *int         `json:"m.invited_member_count,omitempty"`
}

// CreateFilterResponse is returned by CreateFilter.
type CreateFilterResponse struct {
	FilterID string `json:"filter_id"`
}

// WhoAmIResponse is returned by WhoAmI. DeviceID is a pointer because
// appservice tokens have no device and ref.DeviceID refuses to marshal
// its zero value.
type WhoAmIResponse struct {
	UserID   ref.UserID    `json:"user_id"`
	DeviceID *ref.DeviceID `json:"device_id,omitempty"`
}

// SendEventResponse is returned by SendEvent.
type SendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}

// RoomMembersResponse is returned by the /members endpoint.
type RoomMembersResponse struct {
	Chunk []Event `json:"chunk"`
}

// DeviceKeys is the signed identity key block for one device, as
// uploaded to and returned from /keys/upload and /keys/query.
type DeviceKeys struct {
	UserID     ref.UserID                   `json:"user_id"`
	DeviceID   ref.DeviceID                 `json:"device_id"`
	Algorithms []string                     `json:"algorithms"`
	Keys       map[string]string            `json:"keys"` // "<algorithm>:<deviceID>" → base64 key
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
	Unsigned   *DeviceKeysUnsigned          `json:"unsigned,omitempty"`
}

// DeviceKeysUnsigned carries server-added display metadata. Unsigned
// by definition: never used in any trust decision.
type DeviceKeysUnsigned struct {
	DeviceDisplayName string `json:"device_display_name,omitempty"`
}

// SignedOneTimeKey is a signed_curve25519 one-time key object.
type SignedOneTimeKey struct {
	Key        string                       `json:"key"`
	Fallback   bool                         `json:"fallback,omitempty"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// UploadKeysRequest publishes device identity keys and/or one-time keys.
type UploadKeysRequest struct {
	DeviceKeys  *DeviceKeys                 `json:"device_keys,omitempty"`
	OneTimeKeys map[string]SignedOneTimeKey `json:"one_time_keys,omitempty"` // "signed_curve25519:<keyID>"
}

// UploadKeysResponse reports the server's per-algorithm count of
// unclaimed one-time keys after the upload.
type UploadKeysResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

// QueryKeysRequest asks for the device list of the given users. Map
// values are device ID filters; an empty list means all devices.
type QueryKeysRequest struct {
	DeviceKeys map[string][]string `json:"device_keys"`
	Timeout    int                 `json:"timeout,omitempty"`
}

// QueryKeysResponse is returned by /keys/query. Failures lists
// unreachable remote servers; their users simply stay Outdated.
type QueryKeysResponse struct {
	DeviceKeys map[ref.UserID]map[ref.DeviceID]DeviceKeys `json:"device_keys"`
	Failures   map[string]json.RawMessage                 `json:"failures,omitempty"`
}

// ClaimKeysRequest claims one one-time key per target device.
// The inner map value is the key algorithm ("signed_curve25519").
type ClaimKeysRequest struct {
	OneTimeKeys map[ref.UserID]map[ref.DeviceID]string `json:"one_time_keys"`
	Timeout     int                                    `json:"timeout,omitempty"`
}

// ClaimKeysResponse is returned by /keys/claim. The innermost map is
// keyed by "<algorithm>:<keyID>".
type ClaimKeysResponse struct {
	OneTimeKeys map[ref.UserID]map[ref.DeviceID]map[string]SignedOneTimeKey `json:"one_time_keys"`
	Failures    map[string]json.RawMessage                                  `json:"failures,omitempty"`
}

// ToDeviceMessages is the request body for /sendToDevice: payloads
// batched per user, per device. The wildcard device ID "*" addresses
// every device of a user.
type ToDeviceMessages struct {
	Messages map[ref.UserID]map[ref.DeviceID]any `json:"messages"`
}

// RoomKeysVersionResponse describes the current server-side key backup.
type RoomKeysVersionResponse struct {
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
	Count     int             `json:"count"`
	ETag      string          `json:"etag"`
	Version   string          `json:"version"`
}

// BackupAuthData is the auth_data payload for the
// m.megolm_backup.v1.curve25519-aes-sha2 backup algorithm.
type BackupAuthData struct {
	PublicKey  string                       `json:"public_key"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// KeyBackupData is one backed-up megolm session.
type KeyBackupData struct {
	FirstMessageIndex uint32            `json:"first_message_index"`
	ForwardedCount    int               `json:"forwarded_count"`
	IsVerified        bool              `json:"is_verified"`
	SessionData       BackupSessionData `json:"session_data"`
}

// BackupSessionData is the encrypted payload of one backed-up session:
// an ephemeral-key ECDH envelope around the session key export.
type BackupSessionData struct {
	Ciphertext string `json:"ciphertext"`
	Ephemeral  string `json:"ephemeral"`
	MAC        string `json:"mac"`
}

// RoomKeysUpload is the request body for PUT /room_keys/keys.
type RoomKeysUpload struct {
	Rooms map[ref.RoomID]RoomKeyBackup `json:"rooms"`
}

// RoomKeyBackup holds the backed-up sessions of one room.
type RoomKeyBackup struct {
	Sessions map[ref.SessionID]KeyBackupData `json:"sessions"`
}

// RoomKeysUpdateResponse reports the backup state after an upload.
type RoomKeysUpdateResponse struct {
	Count int    `json:"count"`
	ETag  string `json:"etag"`
}

// DehydratedDeviceResponse is returned by GET /dehydrated_device.
type DehydratedDeviceResponse struct {
	DeviceID   ref.DeviceID        `json:"device_id"`
	DeviceData DehydratedDeviceData `json:"device_data"`
}

// DehydratedDeviceData is the encrypted device record stored
// server-side: an algorithm tag plus the sealed account pickle.
type DehydratedDeviceData struct {
	Algorithm string `json:"algorithm"`
	Account   string `json:"account"` // sealed pickle, base64
}

// DehydratedDeviceRequest is the request body for PUT /dehydrated_device.
type DehydratedDeviceRequest struct {
	DeviceData         DehydratedDeviceData `json:"device_data"`
	InitialDisplayName string               `json:"initial_device_display_name,omitempty"`
}

// DehydratedDeviceUpdateResponse is returned by PUT /dehydrated_device.
type DehydratedDeviceUpdateResponse struct {
	DeviceID ref.DeviceID `json:"device_id"`
}

// ClaimDehydratedDeviceRequest is the request body for the claim call.
type ClaimDehydratedDeviceRequest struct {
	DeviceID ref.DeviceID `json:"device_id"`
}

// ClaimDehydratedDeviceResponse reports whether the claim won the race
// against other sessions claiming the same dehydrated device.
type ClaimDehydratedDeviceResponse struct {
	Success bool `json:"success"`
}
