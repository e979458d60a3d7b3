// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/loom-im/loom/homeserver"
	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/olm"
	"github.com/loom-im/loom/storage"
)

var (
	trackedRoom = ref.MustParseRoomID("!tracked:example.org")
	localUser   = ref.MustParseUserID("@local:example.org")
	bobUser     = ref.MustParseUserID("@bob:example.org")
	carolUser   = ref.MustParseUserID("@carol:example.org")
)

func TestShouldShareKey(t *testing.T) {
	tests := []struct {
		membership string
		visibility string
		want       bool
	}{
		{MembershipLeave, VisibilityWorldReadable, true},
		{MembershipBan, VisibilityWorldReadable, true},
		{MembershipJoin, VisibilityJoined, true},
		{MembershipInvite, VisibilityJoined, false},
		{MembershipInvite, VisibilityInvited, true},
		{MembershipJoin, VisibilityInvited, true},
		{MembershipLeave, VisibilityInvited, false},
		{MembershipJoin, VisibilityShared, true},
		{MembershipLeave, VisibilityShared, true},
		{MembershipBan, VisibilityShared, false},
		{"", VisibilityShared, false},
		{MembershipJoin, "garbage_visibility", true},
	}
	for _, test := range tests {
		got := ShouldShareKey(test.membership, test.visibility)
		if got != test.want {
			t.Errorf("ShouldShareKey(%q, %q) = %v, want %v",
				test.membership, test.visibility, got, test.want)
		}
	}
}

type trackerFixture struct {
	tracker *DeviceTracker
	db      *storage.DB
	mux     *http.ServeMux
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := homeserver.NewClient(homeserver.ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	session, err := client.SessionFromToken(localUser, ref.MustParseDeviceID("LOOMDEV1"), "syt_test_token")
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	t.Cleanup(func() { session.Close() })

	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "engine.db")})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tracker, err := NewDeviceTracker(TrackerConfig{Session: session, DB: db, LocalUser: localUser})
	if err != nil {
		t.Fatalf("NewDeviceTracker: %v", err)
	}
	return &trackerFixture{tracker: tracker, db: db, mux: mux}
}

func encryptedRoom(visibility string) storage.Room {
	return storage.Room{
		ID:                  trackedRoom,
		Membership:          MembershipJoin,
		Encrypted:           true,
		Algorithm:           AlgorithmMegolm,
		RotationPeriodMS:    storage.DefaultRotationPeriodMS,
		RotationMaxMessages: storage.DefaultRotationMaxMessages,
		HistoryVisibility:   visibility,
	}
}

func (f *trackerFixture) write(t *testing.T, fn func(txn *storage.Txn) error) {
	t.Helper()
	txn, err := f.db.ReadWriteTxn(context.Background())
	if err != nil {
		t.Fatalf("ReadWriteTxn: %v", err)
	}
	if err := fn(txn); err != nil {
		txn.Abort()
		t.Fatalf("write: %v", err)
	}
	if err := txn.Complete(); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func (f *trackerFixture) sharingUsers(t *testing.T) []ref.UserID {
	t.Helper()
	txn, err := f.db.ReadTxn(context.Background())
	if err != nil {
		t.Fatalf("ReadTxn: %v", err)
	}
	defer txn.Abort()
	users, err := txn.UsersSharingRoom(trackedRoom)
	if err != nil {
		t.Fatalf("UsersSharingRoom: %v", err)
	}
	return users
}

func TestTrackRoom_AppliesVisibilityPolicy(t *testing.T) {
	fix := newTrackerFixture(t)
	room := encryptedRoom(VisibilityJoined)

	fix.write(t, func(txn *storage.Txn) error {
		return fix.tracker.TrackRoom(txn, room, []Member{
			{UserID: localUser, Membership: MembershipJoin},
			{UserID: bobUser, Membership: MembershipJoin},
			{UserID: carolUser, Membership: MembershipInvite},
		})
	})

	users := fix.sharingUsers(t)
	if len(users) != 2 {
		t.Fatalf("sharing users = %v, want local+bob", users)
	}
	for _, userID := range users {
		if userID == carolUser {
			t.Error("invited user shares keys under visibility=joined")
		}
	}
}

func TestTrackRoom_UnencryptedNoOp(t *testing.T) {
	fix := newTrackerFixture(t)
	room := encryptedRoom(VisibilityShared)
	room.Encrypted = false

	fix.write(t, func(txn *storage.Txn) error {
		return fix.tracker.TrackRoom(txn, room, []Member{{UserID: bobUser, Membership: MembershipJoin}})
	})
	if users := fix.sharingUsers(t); len(users) != 0 {
		t.Errorf("unencrypted room tracked users %v", users)
	}
}

func TestWriteMemberChanges_InviteToJoinUnderInvited(t *testing.T) {
	fix := newTrackerFixture(t)
	room := encryptedRoom(VisibilityInvited)

	fix.write(t, func(txn *storage.Txn) error {
		return fix.tracker.TrackRoom(txn, room, []Member{{UserID: bobUser, Membership: MembershipInvite}})
	})

	// invite → join: both qualify, sharing unchanged, no add reported.
	var added, removed []ref.UserID
	fix.write(t, func(txn *storage.Txn) error {
		var err error
		added, removed, err = fix.tracker.WriteMemberChanges(txn, room, []Member{
			{UserID: bobUser, Membership: MembershipJoin},
		})
		return err
	})
	if len(added) != 0 || len(removed) != 0 {
		t.Errorf("invite→join: added=%v removed=%v, want none", added, removed)
	}

	// join → leave: stops qualifying, identity cleaned up.
	fix.write(t, func(txn *storage.Txn) error {
		var err error
		added, removed, err = fix.tracker.WriteMemberChanges(txn, room, []Member{
			{UserID: bobUser, Membership: MembershipLeave},
		})
		return err
	})
	if len(removed) != 1 || removed[0] != bobUser {
		t.Errorf("join→leave: removed=%v, want bob", removed)
	}
	if users := fix.sharingUsers(t); len(users) != 0 {
		t.Errorf("users after leave = %v, want none", users)
	}
}

func TestWriteMemberChanges_LocalUserLeaveStripsEveryone(t *testing.T) {
	fix := newTrackerFixture(t)
	room := encryptedRoom(VisibilityShared)

	fix.write(t, func(txn *storage.Txn) error {
		return fix.tracker.TrackRoom(txn, room, []Member{
			{UserID: localUser, Membership: MembershipJoin},
			{UserID: bobUser, Membership: MembershipJoin},
			{UserID: carolUser, Membership: MembershipJoin},
		})
	})

	var removed []ref.UserID
	fix.write(t, func(txn *storage.Txn) error {
		var err error
		_, removed, err = fix.tracker.WriteMemberChanges(txn, room, []Member{
			{UserID: localUser, Membership: MembershipLeave},
		})
		return err
	})
	if len(removed) != 3 {
		t.Errorf("removed = %v, want all three users", removed)
	}
	if users := fix.sharingUsers(t); len(users) != 0 {
		t.Errorf("users after local leave = %v, want none", users)
	}
}

// signedDeviceKeys builds a /keys/query entry self-signed by a real
// olm account, optionally mutated before signing.
func signedDeviceKeys(t *testing.T, account *olm.Account, userID ref.UserID, deviceID ref.DeviceID) homeserver.DeviceKeys {
	t.Helper()
	curveKey, signingKey := account.IdentityKeys()
	keys := homeserver.DeviceKeys{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: []string{AlgorithmOlm, AlgorithmMegolm},
		Keys: map[string]string{
			"curve25519:" + deviceID.String(): curveKey.String(),
			"ed25519:" + deviceID.String():    signingKey.String(),
		},
	}
	document, err := json.Marshal(keys)
	if err != nil {
		t.Fatalf("marshaling device keys: %v", err)
	}
	signature, err := account.SignJSON(document)
	if err != nil {
		t.Fatalf("SignJSON: %v", err)
	}
	keys.Signatures = map[string]map[string]string{
		userID.String(): {"ed25519:" + deviceID.String(): signature},
	}
	return keys
}

func TestRefreshUsers_VerifiesAndPins(t *testing.T) {
	fix := newTrackerFixture(t)
	room := encryptedRoom(VisibilityShared)
	bobDevice := ref.MustParseDeviceID("BOBDEV1")

	bobAccount, err := olm.NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}

	response := homeserver.QueryKeysResponse{
		DeviceKeys: map[ref.UserID]map[ref.DeviceID]homeserver.DeviceKeys{
			bobUser: {bobDevice: signedDeviceKeys(t, bobAccount, bobUser, bobDevice)},
		},
	}
	fix.mux.HandleFunc("POST /_matrix/client/v3/keys/query", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(response)
	})

	fix.write(t, func(txn *storage.Txn) error {
		return fix.tracker.TrackRoom(txn, room, []Member{{UserID: bobUser, Membership: MembershipJoin}})
	})

	devices, err := fix.tracker.DevicesForRoomMembers(context.Background(), trackedRoom)
	if err != nil {
		t.Fatalf("DevicesForRoomMembers: %v", err)
	}
	if len(devices) != 1 || devices[0].DeviceID != bobDevice {
		t.Fatalf("devices = %v, want bob's device", devices)
	}
	pinnedKey := devices[0].Ed25519

	// The same device ID reappearing with a different signing key must
	// not displace the pinned record, even with a valid signature.
	impostor, err := olm.NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	response.DeviceKeys[bobUser][bobDevice] = signedDeviceKeys(t, impostor, bobUser, bobDevice)

	if err := fix.tracker.RefreshUsers(context.Background(), []ref.UserID{bobUser}); err != nil {
		t.Fatalf("RefreshUsers: %v", err)
	}

	txn, err := fix.db.ReadTxn(context.Background())
	if err != nil {
		t.Fatalf("ReadTxn: %v", err)
	}
	defer txn.Abort()
	stored, ok, err := txn.Device(bobUser, bobDevice)
	if err != nil || !ok {
		t.Fatalf("Device: ok=%v err=%v", ok, err)
	}
	if stored.Ed25519 != pinnedKey {
		t.Error("pinned signing key was overwritten by a key change")
	}
}

func TestRefreshUsers_DropsBadDevices(t *testing.T) {
	fix := newTrackerFixture(t)
	room := encryptedRoom(VisibilityShared)

	goodDevice := ref.MustParseDeviceID("GOODDEV")
	badSigDevice := ref.MustParseDeviceID("BADSIG")
	mismatchDevice := ref.MustParseDeviceID("MISMATCH")

	goodAccount, err := olm.NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	badAccount, err := olm.NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}

	// Valid structure, but signed by the wrong key.
	badKeys := signedDeviceKeys(t, badAccount, bobUser, badSigDevice)
	otherSigner, err := olm.NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	document, _ := json.Marshal(homeserver.DeviceKeys{
		UserID: bobUser, DeviceID: badSigDevice,
		Algorithms: badKeys.Algorithms, Keys: badKeys.Keys,
	})
	wrongSig, err := otherSigner.SignJSON(document)
	if err != nil {
		t.Fatalf("SignJSON: %v", err)
	}
	badKeys.Signatures[bobUser.String()]["ed25519:"+badSigDevice.String()] = wrongSig

	// Claims to belong to another user.
	mismatchAccount, err := olm.NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	mismatchKeys := signedDeviceKeys(t, mismatchAccount, carolUser, mismatchDevice)

	response := homeserver.QueryKeysResponse{
		DeviceKeys: map[ref.UserID]map[ref.DeviceID]homeserver.DeviceKeys{
			bobUser: {
				goodDevice:     signedDeviceKeys(t, goodAccount, bobUser, goodDevice),
				badSigDevice:   badKeys,
				mismatchDevice: mismatchKeys,
			},
		},
	}
	fix.mux.HandleFunc("POST /_matrix/client/v3/keys/query", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(response)
	})

	fix.write(t, func(txn *storage.Txn) error {
		return fix.tracker.TrackRoom(txn, room, []Member{{UserID: bobUser, Membership: MembershipJoin}})
	})
	devices, err := fix.tracker.DevicesForRoomMembers(context.Background(), trackedRoom)
	if err != nil {
		t.Fatalf("DevicesForRoomMembers: %v", err)
	}
	if len(devices) != 1 || devices[0].DeviceID != goodDevice {
		t.Errorf("devices = %v, want only the verifiable device", devices)
	}
}

func TestMarkOutdated_OnlyTrackedUsers(t *testing.T) {
	fix := newTrackerFixture(t)
	room := encryptedRoom(VisibilityShared)

	fix.write(t, func(txn *storage.Txn) error {
		if err := fix.tracker.TrackRoom(txn, room, []Member{{UserID: bobUser, Membership: MembershipJoin}}); err != nil {
			return err
		}
		if err := txn.SetTrackingStatus(bobUser, storage.TrackingUpToDate); err != nil {
			return err
		}
		// Untracked user: MarkOutdated must not create an identity.
		if err := fix.tracker.MarkOutdated(txn, carolUser); err != nil {
			return err
		}
		return fix.tracker.MarkOutdated(txn, bobUser)
	})

	txn, err := fix.db.ReadTxn(context.Background())
	if err != nil {
		t.Fatalf("ReadTxn: %v", err)
	}
	defer txn.Abort()
	identity, ok, err := txn.UserIdentity(bobUser)
	if err != nil || !ok {
		t.Fatalf("UserIdentity(bob): ok=%v err=%v", ok, err)
	}
	if identity.Status != storage.TrackingOutdated {
		t.Error("bob not marked outdated")
	}
	if _, ok, _ := txn.UserIdentity(carolUser); ok {
		t.Error("MarkOutdated created an identity for an untracked user")
	}
}

func TestFingerprint_StableAndGrouped(t *testing.T) {
	first := Fingerprint(ref.Ed25519("signing-key-a"))
	second := Fingerprint(ref.Ed25519("signing-key-a"))
	other := Fingerprint(ref.Ed25519("signing-key-b"))
	if first != second {
		t.Error("fingerprint not deterministic")
	}
	if first == other {
		t.Error("distinct keys share a fingerprint")
	}
	if len(first) != 19 { // four groups of four, three spaces
		t.Errorf("fingerprint %q has unexpected length %d", first, len(first))
	}
}
