// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loom-im/loom/backup"
	"github.com/loom-im/loom/e2ee"
	"github.com/loom-im/loom/homeserver"
	"github.com/loom-im/loom/lib/clock"
	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/lib/secret"
	"github.com/loom-im/loom/olm"
	"github.com/loom-im/loom/ssss"
	"github.com/loom-im/loom/storage"
	"github.com/loom-im/loom/syncer"
)

// Config carries the dependencies for one logged-in session.
type Config struct {
	Homeserver *homeserver.Session
	DB         *storage.DB

	// Clock defaults to clock.Real(). Tests inject a fake to drive
	// rotation decisions.
	Clock clock.Clock

	// Filter is an optional /sync filter definition passed to the
	// sync engine.
	Filter any

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// RoomUpdate is one post-commit room notification. Emitted only after
// the cycle's transaction has committed, so an observer never sees
// state that could still roll back.
type RoomUpdate struct {
	RoomID     ref.RoomID
	Membership string
	NewEvents  int
}

// Session is the owning aggregate for one logged-in device. It holds
// exclusive ownership of the olm account, the device tracker, per-room
// encryption state, and the backup client, and it implements the sync
// engine's Handler.
type Session struct {
	hs     *homeserver.Session
	db     *storage.DB
	clock  clock.Clock
	logger *slog.Logger

	account     *olm.Account
	identityKey ref.Curve25519
	signingKey  ref.Ed25519
	locks       *olm.LockSet

	tracker    *e2ee.DeviceTracker
	backup     *backup.Client
	dehydrator *e2ee.Dehydrator
	engine     *syncer.Engine

	secretsMu sync.Mutex
	secrets   *ssss.Key

	roomsMu sync.Mutex
	rooms   map[ref.RoomID]*e2ee.RoomEncryption

	updates chan RoomUpdate
}

// New builds the aggregate. The olm account is loaded from storage or,
// for a first run, created and its device keys published.
func New(ctx context.Context, config Config) (*Session, error) {
	if config.Homeserver == nil {
		return nil, fmt.Errorf("session: Config.Homeserver is required")
	}
	if config.DB == nil {
		return nil, fmt.Errorf("session: Config.DB is required")
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		hs:      config.Homeserver,
		db:      config.DB,
		clock:   clk,
		logger:  logger,
		locks:   olm.NewLockSet(),
		rooms:   make(map[ref.RoomID]*e2ee.RoomEncryption),
		updates: make(chan RoomUpdate, 64),
	}

	if err := s.loadOrCreateAccount(ctx); err != nil {
		return nil, err
	}

	var err error
	s.tracker, err = e2ee.NewDeviceTracker(e2ee.TrackerConfig{
		Session:   config.Homeserver,
		DB:        config.DB,
		LocalUser: config.Homeserver.UserID(),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	s.backup, err = backup.New(backup.Config{
		Session: config.Homeserver,
		DB:      config.DB,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	s.dehydrator, err = e2ee.NewDehydrator(config.Homeserver, logger)
	if err != nil {
		return nil, err
	}
	s.engine, err = syncer.New(syncer.Config{
		Session: config.Homeserver,
		DB:      config.DB,
		Handler: s,
		Filter:  config.Filter,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Start replays any pending operations left over from a previous run,
// then starts the sync loop. Safe to call again after the loop stopped
// (the reconnect path).
func (s *Session) Start(ctx context.Context) error {
	if err := s.replayPendingOperations(ctx); err != nil {
		// Replay failures are not fatal for sync: the operations stay
		// persisted and get another attempt on the next Start.
		s.logger.Error("replaying pending operations", "error", err)
	}
	return s.engine.Start(ctx)
}

// Stop halts the sync loop, aborting any in-flight request.
func (s *Session) Stop() {
	s.engine.Stop()
}

// Close stops the loop and releases key material.
func (s *Session) Close() error {
	s.engine.Stop()
	s.secretsMu.Lock()
	if s.secrets != nil {
		s.secrets.Close()
		s.secrets = nil
	}
	s.secretsMu.Unlock()
	return s.backup.Close()
}

// SyncStatus returns the sync engine's lifecycle state.
func (s *Session) SyncStatus() syncer.Status { return s.engine.Status() }

// SyncErr returns the error that stopped the sync loop, if any.
func (s *Session) SyncErr() error { return s.engine.Err() }

// SyncUpdates returns the engine's status transition channel.
func (s *Session) SyncUpdates() <-chan syncer.Update { return s.engine.Updates() }

// Updates returns the post-commit room notification channel. Sends
// never block; a slow consumer loses intermediate updates, not the
// underlying storage state.
func (s *Session) Updates() <-chan RoomUpdate { return s.updates }

// Backup returns the key backup client, for settings surfaces.
func (s *Session) Backup() *backup.Client { return s.backup }

// IdentityKeys returns this device's public curve25519 and ed25519 keys.
func (s *Session) IdentityKeys() (ref.Curve25519, ref.Ed25519) {
	return s.identityKey, s.signingKey
}

func (s *Session) loadOrCreateAccount(ctx context.Context) error {
	txn, err := s.db.ReadTxn(ctx)
	if err != nil {
		return err
	}
	pickle, found, err := txn.OlmAccountPickle()
	txn.Abort()
	if err != nil {
		return err
	}

	if found {
		s.account, err = olm.UnpickleAccount(pickle)
		if err != nil {
			return fmt.Errorf("session: restoring olm account: %w", err)
		}
		s.identityKey, s.signingKey = s.account.IdentityKeys()
		return nil
	}

	s.account, err = olm.NewAccount()
	if err != nil {
		return err
	}
	s.identityKey, s.signingKey = s.account.IdentityKeys()
	if err := s.publishDeviceKeys(ctx); err != nil {
		return err
	}
	return s.persistAccount(ctx)
}

// publishDeviceKeys uploads this device's signed identity keys and an
// initial batch of one-time keys. Runs once, when the account is first
// created.
func (s *Session) publishDeviceKeys(ctx context.Context) error {
	if err := s.account.GenerateOneTimeKeys(olm.TargetOneTimeKeys); err != nil {
		return err
	}

	deviceKeys := homeserver.DeviceKeys{
		UserID:   s.hs.UserID(),
		DeviceID: s.hs.DeviceID(),
		Algorithms: []string{
			e2ee.AlgorithmOlm,
			e2ee.AlgorithmMegolm,
		},
		Keys: map[string]string{
			"curve25519:" + s.hs.DeviceID().String(): s.identityKey.String(),
			"ed25519:" + s.hs.DeviceID().String():    s.signingKey.String(),
		},
	}
	document, err := json.Marshal(deviceKeys)
	if err != nil {
		return fmt.Errorf("session: encoding device keys: %w", err)
	}
	signature, err := s.account.SignJSON(document)
	if err != nil {
		return err
	}
	deviceKeys.Signatures = map[string]map[string]string{
		s.hs.UserID().String(): {"ed25519:" + s.hs.DeviceID().String(): signature},
	}

	oneTimeKeys, err := s.signedOneTimeKeys()
	if err != nil {
		return err
	}
	_, err = s.hs.UploadKeys(ctx, homeserver.UploadKeysRequest{
		DeviceKeys:  &deviceKeys,
		OneTimeKeys: oneTimeKeys,
	})
	if err != nil {
		return err
	}
	s.account.MarkKeysPublished()
	return nil
}

// signedOneTimeKeys signs every unpublished one-time key for upload.
func (s *Session) signedOneTimeKeys() (map[string]homeserver.SignedOneTimeKey, error) {
	unpublished := s.account.UnpublishedOneTimeKeys()
	signed := make(map[string]homeserver.SignedOneTimeKey, len(unpublished))
	for keyID, key := range unpublished {
		document, err := json.Marshal(map[string]string{"key": key.String()})
		if err != nil {
			return nil, fmt.Errorf("session: encoding one-time key: %w", err)
		}
		signature, err := s.account.SignJSON(document)
		if err != nil {
			return nil, err
		}
		signed["signed_curve25519:"+keyID] = homeserver.SignedOneTimeKey{
			Key: key.String(),
			Signatures: map[string]map[string]string{
				s.hs.UserID().String(): {"ed25519:" + s.hs.DeviceID().String(): signature},
			},
		}
	}
	return signed, nil
}

func (s *Session) persistAccount(ctx context.Context) error {
	pickle, err := s.account.Pickle()
	if err != nil {
		return err
	}
	txn, err := s.db.ReadWriteTxn(ctx)
	if err != nil {
		return err
	}
	defer txn.Abort()
	if err := txn.PutOlmAccountPickle(pickle); err != nil {
		return err
	}
	return txn.Complete()
}

// roomEncryption returns the room's encryption state, creating it on
// first use. The session is the KeySharer for every room.
func (s *Session) roomEncryption(roomID ref.RoomID) (*e2ee.RoomEncryption, error) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	if existing, ok := s.rooms[roomID]; ok {
		return existing, nil
	}
	room, err := e2ee.NewRoomEncryption(e2ee.RoomEncryptionConfig{
		DB:        s.db,
		Clock:     s.clock,
		Sharer:    s,
		SenderKey: s.identityKey,
		DeviceID:  s.hs.DeviceID(),
		Logger:    s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.rooms[roomID] = room
	return room, nil
}

// Encrypt produces m.room.encrypted content for an event in the given
// room, creating, sharing, and rotating the outbound megolm session as
// the room's policy requires.
func (s *Session) Encrypt(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content json.RawMessage) (e2ee.EncryptedContent, error) {
	txn, err := s.db.ReadTxn(ctx)
	if err != nil {
		return e2ee.EncryptedContent{}, err
	}
	room, found, err := txn.Room(roomID)
	txn.Abort()
	if err != nil {
		return e2ee.EncryptedContent{}, err
	}
	if !found {
		return e2ee.EncryptedContent{}, fmt.Errorf("session: unknown room %s", roomID)
	}
	if !room.Encrypted {
		return e2ee.EncryptedContent{}, fmt.Errorf("session: room %s is not encrypted", roomID)
	}
	encryption, err := s.roomEncryption(roomID)
	if err != nil {
		return e2ee.EncryptedContent{}, err
	}
	return encryption.Encrypt(ctx, room, eventType, content)
}

// SendEncrypted encrypts and sends one event to an encrypted room.
func (s *Session) SendEncrypted(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content json.RawMessage) (ref.EventID, error) {
	encrypted, err := s.Encrypt(ctx, roomID, eventType, content)
	if err != nil {
		return ref.EventID{}, err
	}
	return s.hs.SendEvent(ctx, roomID, e2ee.EventTypeEncrypted, encrypted)
}

// UnlockWithPassphrase derives the secret-storage key from a
// passphrase and connects the key backup with the secrets it unlocks.
func (s *Session) UnlockWithPassphrase(ctx context.Context, passphrase *secret.Buffer) error {
	return s.unlockSecretStorage(ctx, func(keyID string, meta ssss.KeyMetadata) (*ssss.Key, error) {
		return ssss.KeyFromPassphrase(keyID, meta, passphrase)
	})
}

// UnlockWithRecoveryKey derives the secret-storage key from a recovery
// key string. A typo surfaces as ssss.ErrIncorrectParity before any
// derivation work.
func (s *Session) UnlockWithRecoveryKey(ctx context.Context, recoveryKey string) error {
	return s.unlockSecretStorage(ctx, func(keyID string, meta ssss.KeyMetadata) (*ssss.Key, error) {
		return ssss.KeyFromRecoveryKey(keyID, meta, recoveryKey)
	})
}

// unlockSecretStorage resolves the account's default secret-storage
// key, derives and verifies it, decrypts the backup private key, and
// connects the backup client. A backup public-key mismatch is a hard
// failure; an absent backup secret just leaves backup disabled.
func (s *Session) unlockSecretStorage(ctx context.Context, derive func(keyID string, meta ssss.KeyMetadata) (*ssss.Key, error)) error {
	pointerRaw, err := s.hs.AccountData(ctx, ssss.EventDefaultKey)
	if err != nil {
		return fmt.Errorf("session: reading default secret-storage key: %w", err)
	}
	var pointer ssss.DefaultKeyPointer
	if err := json.Unmarshal(pointerRaw, &pointer); err != nil || pointer.Key == "" {
		return fmt.Errorf("session: account has no default secret-storage key")
	}

	metaRaw, err := s.hs.AccountData(ctx, ref.EventType(ssss.EventKeyPrefix+pointer.Key))
	if err != nil {
		return fmt.Errorf("session: reading secret-storage key metadata: %w", err)
	}
	var meta ssss.KeyMetadata
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return fmt.Errorf("session: parsing secret-storage key metadata: %w", err)
	}

	key, err := derive(pointer.Key, meta)
	if err != nil {
		return err
	}

	s.secretsMu.Lock()
	if s.secrets != nil {
		s.secrets.Close()
	}
	s.secrets = key
	s.secretsMu.Unlock()

	privateKey, err := s.readSecret(ctx, backup.SecretName)
	if homeserver.IsMatrixError(err, homeserver.ErrCodeNotFound) {
		s.logger.Info("no backup key in secret storage, key backup disabled")
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.backup.SetPrivateKey(privateKey); err != nil {
		return err
	}
	return s.backup.Connect(ctx)
}

// readSecret fetches and decrypts one named secret from account data
// using the unlocked secret-storage key.
func (s *Session) readSecret(ctx context.Context, name string) ([]byte, error) {
	s.secretsMu.Lock()
	key := s.secrets
	s.secretsMu.Unlock()
	if key == nil {
		return nil, fmt.Errorf("session: secret storage is locked")
	}

	contentRaw, err := s.hs.AccountData(ctx, ref.EventType(name))
	if err != nil {
		return nil, err
	}
	var content ssss.SecretContent
	if err := json.Unmarshal(contentRaw, &content); err != nil {
		return nil, fmt.Errorf("session: parsing secret %s: %w", name, err)
	}
	envelope, ok := content.Encrypted[key.ID]
	if !ok {
		return nil, fmt.Errorf("session: secret %s is not encrypted under key %s", name, key.ID)
	}
	return key.DecryptSecret(name, envelope)
}

// RetrieveBackedUpSession fetches one room key from the server backup
// and imports it, so the room's pending events decrypt on the next
// cycle.
func (s *Session) RetrieveBackedUpSession(ctx context.Context, roomID ref.RoomID, sessionID ref.SessionID) error {
	inbound, senderKey, err := s.backup.RetrieveSession(ctx, roomID, sessionID)
	if err != nil {
		return err
	}
	exported, err := inbound.Export().Encode()
	if err != nil {
		return err
	}
	txn, err := s.db.ReadWriteTxn(ctx)
	if err != nil {
		return err
	}
	defer txn.Abort()
	err = e2ee.ImportRoomKey(txn, senderKey, e2ee.RoomKeyContent{
		Algorithm:  e2ee.AlgorithmMegolm,
		RoomID:     roomID,
		SessionID:  sessionID,
		SessionKey: exported,
	}, false)
	if err != nil {
		return err
	}
	return txn.Complete()
}

// Dehydrate parks a fresh device identity server-side, sealed to the
// given age recipient key, for the next login to claim.
func (s *Session) Dehydrate(ctx context.Context, recipientKey string) (ref.DeviceID, error) {
	return s.dehydrator.Dehydrate(ctx, recipientKey)
}

// Rehydrate claims the account's dehydrated device, if one exists,
// and returns its olm account for the caller to adopt.
func (s *Session) Rehydrate(ctx context.Context, privateKey *secret.Buffer) (*olm.Account, ref.DeviceID, bool, error) {
	return s.dehydrator.Rehydrate(ctx, privateKey)
}

func (s *Session) notifyRoom(update RoomUpdate) {
	select {
	case s.updates <- update:
	default:
	}
}
