// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"

	"zombiezen.com/go/sqlite"
)

// Meta keys. The meta store is a flat string key-value table for
// small singletons: the sync cursor, the negotiated filter, and the
// secret-storage bookkeeping that must survive restarts.
const (
	metaNextBatch     = "sync.next_batch"
	metaFilterID      = "sync.filter_id"
	metaSSSSKeyID     = "ssss.key_id"
	metaBackupVersion = "ssss.backup_version"
)

// Cursor is the persisted sync position: the server-issued next_batch
// token plus the negotiated filter ID. A zero NextBatch means no sync
// has ever committed (initial sync).
type Cursor struct {
	NextBatch string
	FilterID  string
}

// Cursor reads the persisted sync cursor.
func (t *Txn) Cursor() (Cursor, error) {
	var cursor Cursor
	var err error
	if cursor.NextBatch, err = t.meta(metaNextBatch); err != nil {
		return Cursor{}, err
	}
	if cursor.FilterID, err = t.meta(metaFilterID); err != nil {
		return Cursor{}, err
	}
	return cursor, nil
}

// SetCursor writes the sync cursor. Called only from inside the sync
// cycle's write transaction, after every other store delta.
func (t *Txn) SetCursor(cursor Cursor) error {
	if err := t.setMeta(metaNextBatch, cursor.NextBatch); err != nil {
		return err
	}
	return t.setMeta(metaFilterID, cursor.FilterID)
}

// SecretStorageMeta records which secret-storage key the engine is
// unlocked with and which backup version that key was validated
// against. A server-side backup version change is detected by
// comparing the stored version with the freshly fetched one.
type SecretStorageMeta struct {
	KeyID         string
	BackupVersion string
}

// SecretStorageMeta reads the persisted secret-storage bookkeeping.
func (t *Txn) SecretStorageMeta() (SecretStorageMeta, error) {
	var meta SecretStorageMeta
	var err error
	if meta.KeyID, err = t.meta(metaSSSSKeyID); err != nil {
		return SecretStorageMeta{}, err
	}
	if meta.BackupVersion, err = t.meta(metaBackupVersion); err != nil {
		return SecretStorageMeta{}, err
	}
	return meta, nil
}

// SetSecretStorageMeta writes the secret-storage bookkeeping. The key
// ID and backup version are persisted together so that a crash cannot
// leave a key associated with an unvalidated version.
func (t *Txn) SetSecretStorageMeta(meta SecretStorageMeta) error {
	if err := t.setMeta(metaSSSSKeyID, meta.KeyID); err != nil {
		return err
	}
	return t.setMeta(metaBackupVersion, meta.BackupVersion)
}

func (t *Txn) meta(key string) (string, error) {
	var value string
	err := t.query("SELECT value FROM meta WHERE key = ?",
		func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnText(0)
			return nil
		}, key)
	if err != nil {
		return "", fmt.Errorf("storage: reading meta %s: %w", key, err)
	}
	return value, nil
}

func (t *Txn) setMeta(key, value string) error {
	if !t.writable {
		return errReadOnly
	}
	err := t.exec("INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("storage: writing meta %s: %w", key, err)
	}
	return nil
}
