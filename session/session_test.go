// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loom-im/loom/e2ee"
	"github.com/loom-im/loom/homeserver"
	"github.com/loom-im/loom/lib/clock"
	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/olm"
	"github.com/loom-im/loom/storage"
)

var (
	aliceUser   = ref.MustParseUserID("@alice:example.org")
	aliceDevice = ref.MustParseDeviceID("ALICEDEV")
	bobUser     = ref.MustParseUserID("@bob:example.org")
	bobDevice   = ref.MustParseDeviceID("BOBDEV")
	cryptoRoom  = ref.MustParseRoomID("!crypto:example.org")
)

// sessionFixture is one logged-in device against its own fake
// homeserver and its own database.
type sessionFixture struct {
	session *Session
	db      *storage.DB
	mux     *http.ServeMux
	clk     *clock.FakeClock

	mu      sync.Mutex
	uploads []homeserver.UploadKeysRequest
}

func newSessionFixture(t *testing.T, userID ref.UserID, deviceID ref.DeviceID) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		mux: http.NewServeMux(),
		clk: clock.Fake(time.Now()),
	}
	server := httptest.NewServer(f.mux)
	t.Cleanup(server.Close)

	// session.New publishes device keys on a fresh database.
	f.mux.HandleFunc("/_matrix/client/v3/keys/upload", func(w http.ResponseWriter, r *http.Request) {
		var request homeserver.UploadKeysRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.uploads = append(f.uploads, request)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(homeserver.UploadKeysResponse{
			OneTimeKeyCounts: map[string]int{"signed_curve25519": len(request.OneTimeKeys)},
		})
	})

	client, err := homeserver.NewClient(homeserver.ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	hs, err := client.SessionFromToken(userID, deviceID, "syt_test_token")
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	t.Cleanup(func() { hs.Close() })

	f.db, err = storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "session.db")})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { f.db.Close() })

	f.session, err = New(context.Background(), Config{
		Homeserver: hs,
		DB:         f.db,
		Clock:      f.clk,
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() { f.session.Close() })
	return f
}

func (f *sessionFixture) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func (f *sessionFixture) upload(t *testing.T, index int) homeserver.UploadKeysRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if index >= len(f.uploads) {
		t.Fatalf("upload %d not recorded, have %d", index, len(f.uploads))
	}
	return f.uploads[index]
}

func (f *sessionFixture) write(t *testing.T, fn func(txn *storage.Txn) error) {
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

func (f *sessionFixture) pendingOperations(t *testing.T) []storage.PendingOperation {
	t.Helper()
	txn, err := f.db.ReadTxn(context.Background())
	if err != nil {
		t.Fatalf("ReadTxn: %v", err)
	}
	defer txn.Abort()
	operations, err := txn.PendingOperations()
	if err != nil {
		t.Fatalf("PendingOperations: %v", err)
	}
	return operations
}

func TestNew_PublishesDeviceKeysOnFirstRun(t *testing.T) {
	f := newSessionFixture(t, aliceUser, aliceDevice)

	if got := f.uploadCount(); got != 1 {
		t.Fatalf("uploads after New = %d, want 1", got)
	}
	upload := f.upload(t, 0)
	if upload.DeviceKeys == nil {
		t.Fatal("first upload carries no device keys")
	}
	if upload.DeviceKeys.UserID != aliceUser || upload.DeviceKeys.DeviceID != aliceDevice {
		t.Errorf("device keys identify %s/%s, want %s/%s",
			upload.DeviceKeys.UserID, upload.DeviceKeys.DeviceID, aliceUser, aliceDevice)
	}
	if len(upload.OneTimeKeys) != olm.TargetOneTimeKeys {
		t.Errorf("published %d one-time keys, want %d", len(upload.OneTimeKeys), olm.TargetOneTimeKeys)
	}

	_, signingKey := f.session.IdentityKeys()
	document, err := json.Marshal(upload.DeviceKeys)
	if err != nil {
		t.Fatalf("marshaling device keys: %v", err)
	}
	signature := upload.DeviceKeys.Signatures[aliceUser.String()]["ed25519:"+aliceDevice.String()]
	if err := olm.VerifyJSON(document, signingKey, signature); err != nil {
		t.Errorf("device keys signature does not verify: %v", err)
	}
	for keyID, key := range upload.OneTimeKeys {
		keyDocument, err := json.Marshal(key)
		if err != nil {
			t.Fatalf("marshaling one-time key: %v", err)
		}
		keySignature := key.Signatures[aliceUser.String()]["ed25519:"+aliceDevice.String()]
		if err := olm.VerifyJSON(keyDocument, signingKey, keySignature); err != nil {
			t.Errorf("one-time key %s signature does not verify: %v", keyID, err)
		}
	}
}

func TestNew_RestoresAccountWithoutRepublishing(t *testing.T) {
	f := newSessionFixture(t, aliceUser, aliceDevice)
	identityKey, signingKey := f.session.IdentityKeys()

	restored, err := New(context.Background(), Config{
		Homeserver: f.session.hs,
		DB:         f.db,
		Clock:      f.clk,
	})
	if err != nil {
		t.Fatalf("session.New on existing database: %v", err)
	}
	defer restored.Close()

	if got := f.uploadCount(); got != 1 {
		t.Errorf("uploads after restore = %d, want 1", got)
	}
	gotIdentity, gotSigning := restored.IdentityKeys()
	if gotIdentity != identityKey || gotSigning != signingKey {
		t.Error("restored session has different identity keys")
	}
}

func TestAfterSyncCompleted_ReplenishesOneTimeKeys(t *testing.T) {
	f := newSessionFixture(t, aliceUser, aliceDevice)

	f.session.AfterSyncCompleted(context.Background(), map[string]int{"signed_curve25519": 10})

	if got := f.uploadCount(); got != 2 {
		t.Fatalf("uploads after replenishment = %d, want 2", got)
	}
	upload := f.upload(t, 1)
	if upload.DeviceKeys != nil {
		t.Error("replenishment upload re-published device keys")
	}
	want := olm.TargetOneTimeKeys - 10
	if len(upload.OneTimeKeys) != want {
		t.Errorf("replenished %d one-time keys, want %d", len(upload.OneTimeKeys), want)
	}
}

func TestAfterSyncCompleted_SkipsReplenishmentWhenStocked(t *testing.T) {
	f := newSessionFixture(t, aliceUser, aliceDevice)

	f.session.AfterSyncCompleted(context.Background(), map[string]int{
		"signed_curve25519": olm.TargetOneTimeKeys,
	})

	if got := f.uploadCount(); got != 1 {
		t.Errorf("uploads = %d, want 1 (no replenishment)", got)
	}
}

func TestVerifyOlmPayload(t *testing.T) {
	f := newSessionFixture(t, aliceUser, aliceDevice)
	_, signingKey := f.session.IdentityKeys()

	valid := olmPayload{
		Sender:        bobUser.String(),
		Recipient:     aliceUser.String(),
		RecipientKeys: map[string]string{"ed25519": signingKey.String()},
	}
	if err := f.session.verifyOlmPayload(bobUser, &valid); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}

	wrongRecipient := valid
	wrongRecipient.Recipient = "@mallory:example.org"
	if err := f.session.verifyOlmPayload(bobUser, &wrongRecipient); err == nil {
		t.Error("payload addressed to another user accepted")
	}

	wrongKey := valid
	wrongKey.RecipientKeys = map[string]string{"ed25519": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"}
	if err := f.session.verifyOlmPayload(bobUser, &wrongKey); err == nil {
		t.Error("payload bound to another device accepted")
	}

	forgedSender := valid
	forgedSender.Sender = "@mallory:example.org"
	if err := f.session.verifyOlmPayload(bobUser, &forgedSender); err == nil {
		t.Error("payload with mismatched sender accepted")
	}
}

func TestEncrypt_RejectsUnencryptedRoom(t *testing.T) {
	f := newSessionFixture(t, aliceUser, aliceDevice)
	f.write(t, func(txn *storage.Txn) error {
		return txn.PutRoom(storage.Room{
			ID:         cryptoRoom,
			Membership: e2ee.MembershipJoin,
		})
	})

	_, err := f.session.Encrypt(context.Background(), cryptoRoom, "m.room.message", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("Encrypt succeeded in an unencrypted room")
	}
}
