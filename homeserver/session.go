// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package homeserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/lib/secret"
)

// Session is an authenticated Matrix session. It wraps a Client with an
// access token for making authenticated API calls.
//
// The access token is stored in a secret.Buffer (mmap-backed, locked
// against swap, excluded from core dumps). The caller must call Close
// when the Session is no longer needed.
type Session struct {
	client      *Client
	accessToken *secret.Buffer
	userID      ref.UserID
	deviceID    ref.DeviceID

	// transactionCounter generates unique transaction IDs for idempotent sends.
	transactionCounter atomic.Int64
}

// UserID returns the fully-qualified Matrix user ID (e.g., "@alice:example.org").
func (s *Session) UserID() ref.UserID {
	return s.userID
}

// DeviceID returns the device ID for this session.
func (s *Session) DeviceID() ref.DeviceID {
	return s.deviceID
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool. Call this after a sync error to force
// the next request to establish a fresh TCP connection.
func (s *Session) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// Close releases the access token memory (zeros, unlocks, unmaps).
// Idempotent — safe to call multiple times.
func (s *Session) Close() error {
	if s.accessToken != nil {
		return s.accessToken.Close()
	}
	return nil
}

// WhoAmI validates the access token and returns the user ID.
// Useful for checking whether a stored token is still valid.
func (s *Session) WhoAmI(ctx context.Context) (ref.UserID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("homeserver: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.UserID{}, fmt.Errorf("homeserver: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// Sync performs an incremental sync with the homeserver.
// For initial sync, leave options.Since empty.
// For long-polling, set options.Timeout to the desired wait in milliseconds.
func (s *Session) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("homeserver: sync failed: %w", err)
	}

	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("homeserver: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// CreateFilter uploads a filter definition and returns the server-
// assigned filter ID. The engine negotiates its filter once and
// persists the ID alongside the sync cursor.
func (s *Session) CreateFilter(ctx context.Context, filter any) (string, error) {
	path := "/_matrix/client/v3/user/" + url.PathEscape(s.userID.String()) + "/filter"
	body, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, filter)
	if err != nil {
		return "", fmt.Errorf("homeserver: create filter failed: %w", err)
	}

	var response CreateFilterResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("homeserver: failed to parse filter response: %w", err)
	}
	return response.FilterID, nil
}

// SendEvent sends an event of any type to a room.
// Uses Matrix's idempotent PUT with a transaction ID.
// Returns the event ID.
func (s *Session) SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error) {
	transactionID := s.nextTransactionID()
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(transactionID),
	)

	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("homeserver: send event to %q failed: %w", roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("homeserver: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// SendToDevice sends direct device-to-device messages, batched per
// user and per device into a single idempotent PUT.
func (s *Session) SendToDevice(ctx context.Context, eventType ref.EventType, messages ToDeviceMessages) error {
	transactionID := s.nextTransactionID()
	path := fmt.Sprintf("/_matrix/client/v3/sendToDevice/%s/%s",
		url.PathEscape(eventType.String()),
		url.PathEscape(transactionID),
	)

	_, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, messages)
	if err != nil {
		return fmt.Errorf("homeserver: send to-device %s failed: %w", eventType, err)
	}
	return nil
}

// RoomMembers returns the m.room.member state events of a room.
func (s *Session) RoomMembers(ctx context.Context, roomID ref.RoomID) ([]Event, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/members", url.PathEscape(roomID.String()))
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("homeserver: get room members for %q failed: %w", roomID, err)
	}

	var response RoomMembersResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("homeserver: failed to parse room members response: %w", err)
	}
	return response.Chunk, nil
}

// UploadKeys publishes device identity keys and/or one-time keys.
func (s *Session) UploadKeys(ctx context.Context, request UploadKeysRequest) (*UploadKeysResponse, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("homeserver: keys upload failed: %w", err)
	}

	var response UploadKeysResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("homeserver: failed to parse keys upload response: %w", err)
	}
	return &response, nil
}

// QueryKeys fetches the current device list for the given users.
func (s *Session) QueryKeys(ctx context.Context, request QueryKeysRequest) (*QueryKeysResponse, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/query", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("homeserver: keys query failed: %w", err)
	}

	var response QueryKeysResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("homeserver: failed to parse keys query response: %w", err)
	}
	return &response, nil
}

// ClaimKeys claims one one-time key per target device for establishing
// fresh olm sessions.
func (s *Session) ClaimKeys(ctx context.Context, request ClaimKeysRequest) (*ClaimKeysResponse, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/claim", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("homeserver: keys claim failed: %w", err)
	}

	var response ClaimKeysResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("homeserver: failed to parse keys claim response: %w", err)
	}
	return &response, nil
}

// AccountData fetches a global account data event by type. Returns a
// *MatrixError with code M_NOT_FOUND if the event does not exist.
func (s *Session) AccountData(ctx context.Context, eventType ref.EventType) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/client/v3/user/%s/account_data/%s",
		url.PathEscape(s.userID.String()),
		url.PathEscape(eventType.String()),
	)
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("homeserver: get account data %s failed: %w", eventType, err)
	}
	return json.RawMessage(body), nil
}

// SetAccountData stores a global account data event.
func (s *Session) SetAccountData(ctx context.Context, eventType ref.EventType, content any) error {
	path := fmt.Sprintf("/_matrix/client/v3/user/%s/account_data/%s",
		url.PathEscape(s.userID.String()),
		url.PathEscape(eventType.String()),
	)
	_, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content)
	if err != nil {
		return fmt.Errorf("homeserver: set account data %s failed: %w", eventType, err)
	}
	return nil
}

// RoomKeysVersion fetches info about the current key backup version.
// Returns a *MatrixError with code M_NOT_FOUND when no backup exists.
func (s *Session) RoomKeysVersion(ctx context.Context) (*RoomKeysVersionResponse, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/room_keys/version", s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("homeserver: room keys version failed: %w", err)
	}

	var response RoomKeysVersionResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("homeserver: failed to parse room keys version response: %w", err)
	}
	return &response, nil
}

// PutRoomKeys uploads backed-up sessions to the given backup version.
func (s *Session) PutRoomKeys(ctx context.Context, version string, upload RoomKeysUpload) (*RoomKeysUpdateResponse, error) {
	query := url.Values{}
	query.Set("version", version)
	body, err := s.client.doRequest(ctx, http.MethodPut, "/_matrix/client/v3/room_keys/keys", s.accessToken, upload, query)
	if err != nil {
		return nil, fmt.Errorf("homeserver: room keys upload failed: %w", err)
	}

	var response RoomKeysUpdateResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("homeserver: failed to parse room keys upload response: %w", err)
	}
	return &response, nil
}

// RoomKeyForSession fetches one backed-up session from the server.
func (s *Session) RoomKeyForSession(ctx context.Context, version string, roomID ref.RoomID, sessionID ref.SessionID) (*KeyBackupData, error) {
	path := fmt.Sprintf("/_matrix/client/v3/room_keys/keys/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(sessionID.String()),
	)
	query := url.Values{}
	query.Set("version", version)
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("homeserver: room key fetch for %s/%s failed: %w", roomID, sessionID, err)
	}

	var response KeyBackupData
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("homeserver: failed to parse room key response: %w", err)
	}
	return &response, nil
}

// dehydratedDevicePath is the unstable prefix for the dehydrated
// device endpoints (MSC2697). Servers without the feature answer
// M_UNRECOGNIZED, which the dehydration layer swallows.
const dehydratedDevicePath = "/_matrix/client/unstable/org.matrix.msc2697.v2/dehydrated_device"

// DehydratedDevice fetches the current dehydrated device, if any.
func (s *Session) DehydratedDevice(ctx context.Context) (*DehydratedDeviceResponse, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, dehydratedDevicePath, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("homeserver: get dehydrated device failed: %w", err)
	}

	var response DehydratedDeviceResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("homeserver: failed to parse dehydrated device response: %w", err)
	}
	return &response, nil
}

// PutDehydratedDevice stores a new dehydrated device, replacing any
// previous one.
func (s *Session) PutDehydratedDevice(ctx context.Context, request DehydratedDeviceRequest) (ref.DeviceID, error) {
	body, err := s.client.doRequest(ctx, http.MethodPut, dehydratedDevicePath, s.accessToken, request)
	if err != nil {
		return ref.DeviceID{}, fmt.Errorf("homeserver: put dehydrated device failed: %w", err)
	}

	var response DehydratedDeviceUpdateResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.DeviceID{}, fmt.Errorf("homeserver: failed to parse dehydrated device update response: %w", err)
	}
	return response.DeviceID, nil
}

// ClaimDehydratedDevice atomically claims the dehydrated device so
// that exactly one new login inherits its identity.
func (s *Session) ClaimDehydratedDevice(ctx context.Context, deviceID ref.DeviceID) (bool, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, dehydratedDevicePath+"/claim", s.accessToken,
		ClaimDehydratedDeviceRequest{DeviceID: deviceID})
	if err != nil {
		return false, fmt.Errorf("homeserver: claim dehydrated device failed: %w", err)
	}

	var response ClaimDehydratedDeviceResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return false, fmt.Errorf("homeserver: failed to parse claim response: %w", err)
	}
	return response.Success, nil
}

// nextTransactionID generates a unique transaction ID for idempotent sends.
// Format: "loom-<timestamp_ms>-<counter>" to ensure uniqueness across restarts.
func (s *Session) nextTransactionID() string {
	counter := s.transactionCounter.Add(1)
	return fmt.Sprintf("loom-%d-%d", time.Now().UnixMilli(), counter)
}
