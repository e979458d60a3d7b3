// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/curve25519"

	"github.com/loom-im/loom/homeserver"
	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/lib/secret"
	"github.com/loom-im/loom/megolm"
	"github.com/loom-im/loom/storage"
)

// Algorithm is the only backup algorithm this client speaks.
const Algorithm = "m.megolm_backup.v1.curve25519-aes-sha2"

// SecretName is the secret-storage name under which the backup private
// key is stored.
const SecretName = "m.megolm_backup.v1"

// flushBatchSize bounds sessions per upload request.
const flushBatchSize = 100

// ErrPublicKeyMismatch means the private key recovered from secret
// storage does not correspond to the server backup's public key.
// Uploading would store keys nobody can recover; the backup stays
// disabled until the user fixes their secret storage.
var ErrPublicKeyMismatch = errors.New("backup: private key does not match the server backup's public key")

// sessionPayload is the plaintext inside a backed-up session envelope.
type sessionPayload struct {
	Algorithm  string `json:"algorithm"`
	SenderKey  string `json:"sender_key"`
	SessionKey string `json:"session_key"`
}

const megolmAlgorithm = "m.megolm.v1.aes-sha2"

// Config carries the dependencies for a backup client.
type Config struct {
	Session *homeserver.Session
	DB      *storage.DB

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client keeps local inbound sessions mirrored into the server-side
// key backup and retrieves missed sessions from it.
type Client struct {
	session *homeserver.Session
	db      *storage.DB
	logger  *slog.Logger

	mu         sync.Mutex
	privateKey *secret.Buffer
	publicKey  []byte
	version    string
}

// New creates a backup client. Connect must run before Flush or
// RetrieveSession do anything.
func New(config Config) (*Client, error) {
	if config.Session == nil {
		return nil, fmt.Errorf("backup: Config.Session is required")
	}
	if config.DB == nil {
		return nil, fmt.Errorf("backup: Config.DB is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{session: config.Session, db: config.DB, logger: logger}, nil
}

// SetPrivateKey installs the backup private key recovered from secret
// storage. Connect verifies it against the server before use.
func (c *Client) SetPrivateKey(material []byte) error {
	if len(material) != 32 {
		return fmt.Errorf("backup: private key is %d bytes, want 32", len(material))
	}
	publicKey, err := curve25519.X25519(material, curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("backup: deriving public key: %w", err)
	}
	buffer, err := secret.NewFromBytes(material)
	if err != nil {
		return fmt.Errorf("backup: storing private key: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.privateKey != nil {
		c.privateKey.Close()
	}
	// Connect re-checks this against the server's auth data.
	if c.publicKey != nil && subtle.ConstantTimeCompare(c.publicKey, publicKey) != 1 {
		buffer.Close()
		return ErrPublicKeyMismatch
	}
	c.privateKey = buffer
	return nil
}

// Close releases the private key material.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.privateKey != nil {
		err := c.privateKey.Close()
		c.privateKey = nil
		return err
	}
	return nil
}

// Enabled reports whether a server backup exists and uploads can run.
func (c *Client) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version != ""
}

// Version returns the connected backup version, or empty when no
// backup exists.
func (c *Client) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Connect fetches the server's backup version and adopts it. No
// server backup disables the client without error. A version change
// since the last connect flags every local session for re-upload,
// since the new backup's contents are unknown. A private key that
// fails to match the server's public key is a hard error.
func (c *Client) Connect(ctx context.Context) error {
	version, err := c.session.RoomKeysVersion(ctx)
	if homeserver.IsMatrixError(err, homeserver.ErrCodeNotFound) {
		c.logger.Info("no server-side key backup exists, uploads disabled")
		c.mu.Lock()
		c.version = ""
		c.publicKey = nil
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("backup: fetching backup version: %w", err)
	}
	if version.Algorithm != Algorithm {
		return fmt.Errorf("backup: unsupported backup algorithm %q", version.Algorithm)
	}

	var authData homeserver.BackupAuthData
	if err := json.Unmarshal(version.AuthData, &authData); err != nil {
		return fmt.Errorf("backup: parsing backup auth data: %w", err)
	}
	publicKey, err := encoding.DecodeString(authData.PublicKey)
	if err != nil || len(publicKey) != 32 {
		return fmt.Errorf("backup: backup public key is malformed")
	}

	c.mu.Lock()
	if c.privateKey != nil {
		derived, err := curve25519.X25519(c.privateKey.Bytes(), curve25519.Basepoint)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("backup: deriving public key: %w", err)
		}
		if subtle.ConstantTimeCompare(derived, publicKey) != 1 {
			c.mu.Unlock()
			return ErrPublicKeyMismatch
		}
	}
	c.publicKey = publicKey
	c.version = version.Version
	c.mu.Unlock()

	return c.adoptVersion(ctx, version.Version)
}

// adoptVersion persists the connected version, flagging every session
// for re-upload when it changed.
func (c *Client) adoptVersion(ctx context.Context, version string) error {
	txn, err := c.db.ReadWriteTxn(ctx)
	if err != nil {
		return err
	}
	defer txn.Abort()

	meta, err := txn.SecretStorageMeta()
	if err != nil {
		return err
	}
	if meta.BackupVersion == version {
		txn.Abort()
		return nil
	}
	if meta.BackupVersion != "" {
		c.logger.Info("backup version changed, flagging all sessions for re-upload",
			"previous", meta.BackupVersion, "current", version)
		if err := txn.MarkAllSessionsForBackup(); err != nil {
			return err
		}
	}
	meta.BackupVersion = version
	if err := txn.SetSecretStorageMeta(meta); err != nil {
		return err
	}
	return txn.Complete()
}

// Flush uploads every session flagged as needing backup, in batches.
// A stale-version rejection reconnects (flagging everything for
// re-upload against the new version) and reports the error; the next
// flush retries.
func (c *Client) Flush(ctx context.Context) error {
	c.mu.Lock()
	version := c.version
	publicKey := append([]byte{}, c.publicKey...)
	c.mu.Unlock()
	if version == "" {
		return nil
	}

	for {
		records, err := c.readBatch(ctx)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		upload := homeserver.RoomKeysUpload{Rooms: make(map[ref.RoomID]homeserver.RoomKeyBackup)}
		for _, record := range records {
			data, err := c.sealRecord(publicKey, record)
			if err != nil {
				// A corrupt pickle must not wedge the whole backup.
				c.logger.Error("skipping unreadable session during backup",
					"room_id", record.Key.RoomID, "session_id", record.Key.SessionID, "error", err)
				continue
			}
			room, ok := upload.Rooms[record.Key.RoomID]
			if !ok {
				room = homeserver.RoomKeyBackup{Sessions: make(map[ref.SessionID]homeserver.KeyBackupData)}
				upload.Rooms[record.Key.RoomID] = room
			}
			room.Sessions[record.Key.SessionID] = data
		}

		if len(upload.Rooms) > 0 {
			if _, err := c.session.PutRoomKeys(ctx, version, upload); err != nil {
				if homeserver.IsMatrixError(err, homeserver.ErrCodeWrongRoomKeysVersion) {
					if connectErr := c.Connect(ctx); connectErr != nil {
						c.logger.Error("reconnecting after stale backup version", "error", connectErr)
					}
				}
				return fmt.Errorf("backup: uploading %d sessions: %w", len(records), err)
			}
		}

		if err := c.markBatch(ctx, records); err != nil {
			return err
		}
		c.logger.Debug("backed up sessions", "count", len(records))
		if len(records) < flushBatchSize {
			return nil
		}
	}
}

func (c *Client) readBatch(ctx context.Context) ([]storage.InboundSessionRecord, error) {
	txn, err := c.db.ReadTxn(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Abort()
	return txn.SessionsNeedingBackup(flushBatchSize)
}

func (c *Client) markBatch(ctx context.Context, records []storage.InboundSessionRecord) error {
	txn, err := c.db.ReadWriteTxn(ctx)
	if err != nil {
		return err
	}
	defer txn.Abort()
	for _, record := range records {
		if err := txn.MarkSessionBackedUp(record.Key); err != nil {
			return err
		}
	}
	return txn.Complete()
}

func (c *Client) sealRecord(publicKey []byte, record storage.InboundSessionRecord) (homeserver.KeyBackupData, error) {
	session, err := megolm.UnpickleInboundSession(record.Pickle)
	if err != nil {
		return homeserver.KeyBackupData{}, err
	}
	sessionKey, err := session.Export().Encode()
	if err != nil {
		return homeserver.KeyBackupData{}, err
	}
	payload, err := json.Marshal(sessionPayload{
		Algorithm:  megolmAlgorithm,
		SenderKey:  record.Key.SenderKey.String(),
		SessionKey: sessionKey,
	})
	if err != nil {
		return homeserver.KeyBackupData{}, fmt.Errorf("backup: encoding session payload: %w", err)
	}
	data, err := sealSessionData(publicKey, payload)
	if err != nil {
		return homeserver.KeyBackupData{}, err
	}
	return homeserver.KeyBackupData{
		FirstMessageIndex: session.FirstKnownIndex(),
		SessionData:       data,
	}, nil
}

// RetrieveSession fetches one session from the server backup and
// decrypts it with the private key. Used when a message arrives for a
// session this device never received the m.room_key for.
func (c *Client) RetrieveSession(ctx context.Context, roomID ref.RoomID, sessionID ref.SessionID) (*megolm.InboundSession, ref.Curve25519, error) {
	c.mu.Lock()
	version := c.version
	hasKey := c.privateKey != nil
	c.mu.Unlock()
	if version == "" || !hasKey {
		return nil, "", fmt.Errorf("backup: not connected with a private key")
	}

	data, err := c.session.RoomKeyForSession(ctx, version, roomID, sessionID)
	if err != nil {
		return nil, "", err
	}

	c.mu.Lock()
	payload, err := openSessionData(c.privateKey.Bytes(), data.SessionData)
	c.mu.Unlock()
	if err != nil {
		return nil, "", err
	}

	var parsed sessionPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, "", fmt.Errorf("backup: parsing session payload: %w", err)
	}
	if parsed.Algorithm != megolmAlgorithm {
		return nil, "", fmt.Errorf("backup: backed-up session has unsupported algorithm %q", parsed.Algorithm)
	}
	sessionKey, err := megolm.DecodeSessionKey(parsed.SessionKey)
	if err != nil {
		return nil, "", err
	}
	session, err := megolm.NewInboundSession(sessionKey)
	if err != nil {
		return nil, "", err
	}
	return session, ref.Curve25519(parsed.SenderKey), nil
}
