// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"

	"zombiezen.com/go/sqlite"

	"github.com/loom-im/loom/lib/ref"
)

// OlmAccountPickle reads the pickled olm account. The second return is
// false if no account has ever been created.
func (t *Txn) OlmAccountPickle() ([]byte, bool, error) {
	var pickle []byte
	err := t.query("SELECT pickle FROM olm_account WHERE id = 1",
		func(stmt *sqlite.Stmt) error {
			pickle = columnBlob(stmt, 0)
			return nil
		})
	if err != nil {
		return nil, false, fmt.Errorf("storage: reading olm account: %w", err)
	}
	return pickle, pickle != nil, nil
}

// PutOlmAccountPickle writes the pickled olm account (single row).
func (t *Txn) PutOlmAccountPickle(pickle []byte) error {
	if !t.writable {
		return errReadOnly
	}
	err := t.exec(`INSERT INTO olm_account (id, pickle) VALUES (1, ?)
			ON CONFLICT(id) DO UPDATE SET pickle = excluded.pickle`, pickle)
	if err != nil {
		return fmt.Errorf("storage: writing olm account: %w", err)
	}
	return nil
}

// OlmSessionRecord is one pickled pairwise session with its sender
// identity key. LastUsed orders sessions so decryption tries the most
// recently used session first.
type OlmSessionRecord struct {
	SenderKey ref.Curve25519
	SessionID ref.SessionID
	Pickle    []byte
	LastUsed  int64 // Unix milliseconds
}

// OlmSessions returns the stored pairwise sessions for one sender
// identity key, most recently used first.
func (t *Txn) OlmSessions(senderKey ref.Curve25519) ([]OlmSessionRecord, error) {
	var sessions []OlmSessionRecord
	err := t.query(`SELECT sender_key, session_id, pickle, last_used
			FROM olm_sessions WHERE sender_key = ? ORDER BY last_used DESC`,
		func(stmt *sqlite.Stmt) error {
			sessionID, err := ref.ParseSessionID(stmt.ColumnText(1))
			if err != nil {
				return fmt.Errorf("stored olm session ID: %w", err)
			}
			sessions = append(sessions, OlmSessionRecord{
				SenderKey: ref.Curve25519(stmt.ColumnText(0)),
				SessionID: sessionID,
				Pickle:    columnBlob(stmt, 2),
				LastUsed:  stmt.ColumnInt64(3),
			})
			return nil
		}, senderKey.String())
	if err != nil {
		return nil, fmt.Errorf("storage: reading olm sessions for %s: %w", senderKey, err)
	}
	return sessions, nil
}

// PutOlmSession inserts or replaces a pickled pairwise session.
func (t *Txn) PutOlmSession(record OlmSessionRecord) error {
	if !t.writable {
		return errReadOnly
	}
	err := t.exec(`INSERT INTO olm_sessions (sender_key, session_id, pickle, last_used)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(sender_key, session_id) DO UPDATE SET
			 pickle = excluded.pickle, last_used = excluded.last_used`,
		record.SenderKey.String(), record.SessionID.String(), record.Pickle, record.LastUsed)
	if err != nil {
		return fmt.Errorf("storage: writing olm session %s: %w", record.SessionID, err)
	}
	return nil
}

// OutboundGroupSessionPickle reads a room's active outbound megolm
// session pickle. The second return is false if the room has none.
func (t *Txn) OutboundGroupSessionPickle(roomID ref.RoomID) ([]byte, bool, error) {
	var pickle []byte
	err := t.query("SELECT pickle FROM outbound_group_sessions WHERE room_id = ?",
		func(stmt *sqlite.Stmt) error {
			pickle = columnBlob(stmt, 0)
			return nil
		}, roomID.String())
	if err != nil {
		return nil, false, fmt.Errorf("storage: reading outbound session for %s: %w", roomID, err)
	}
	return pickle, pickle != nil, nil
}

// PutOutboundGroupSessionPickle writes a room's outbound session
// pickle, replacing any previous session (rotation).
func (t *Txn) PutOutboundGroupSessionPickle(roomID ref.RoomID, pickle []byte) error {
	if !t.writable {
		return errReadOnly
	}
	err := t.exec(`INSERT INTO outbound_group_sessions (room_id, pickle) VALUES (?, ?)
			ON CONFLICT(room_id) DO UPDATE SET pickle = excluded.pickle`,
		roomID.String(), pickle)
	if err != nil {
		return fmt.Errorf("storage: writing outbound session for %s: %w", roomID, err)
	}
	return nil
}

// DeleteOutboundGroupSession discards a room's outbound session,
// forcing a fresh session on the next encrypt.
func (t *Txn) DeleteOutboundGroupSession(roomID ref.RoomID) error {
	if !t.writable {
		return errReadOnly
	}
	if err := t.exec("DELETE FROM outbound_group_sessions WHERE room_id = ?", roomID.String()); err != nil {
		return fmt.Errorf("storage: deleting outbound session for %s: %w", roomID, err)
	}
	return nil
}

// InboundSessionKey identifies one inbound megolm session.
type InboundSessionKey struct {
	RoomID    ref.RoomID
	SenderKey ref.Curve25519
	SessionID ref.SessionID
}

// InboundSessionRecord is one pickled inbound megolm session.
// NeedsBackup is set on insert and on backup-version change, cleared
// when a backup flush confirms the session uploaded.
type InboundSessionRecord struct {
	Key         InboundSessionKey
	Pickle      []byte
	NeedsBackup bool
}

// InboundGroupSession reads one inbound session. The second return is
// false if no session matches the key.
func (t *Txn) InboundGroupSession(key InboundSessionKey) (InboundSessionRecord, bool, error) {
	var record InboundSessionRecord
	found := false
	err := t.query(`SELECT pickle, needs_backup FROM inbound_group_sessions
			WHERE room_id = ? AND sender_key = ? AND session_id = ?`,
		func(stmt *sqlite.Stmt) error {
			found = true
			record.Key = key
			record.Pickle = columnBlob(stmt, 0)
			record.NeedsBackup = stmt.ColumnInt(1) != 0
			return nil
		}, key.RoomID.String(), key.SenderKey.String(), key.SessionID.String())
	if err != nil {
		return InboundSessionRecord{}, false, fmt.Errorf("storage: reading inbound session %s: %w", key.SessionID, err)
	}
	return record, found, nil
}

// PutInboundGroupSession inserts or replaces an inbound session.
func (t *Txn) PutInboundGroupSession(record InboundSessionRecord) error {
	if !t.writable {
		return errReadOnly
	}
	err := t.exec(`INSERT INTO inbound_group_sessions
			(room_id, sender_key, session_id, pickle, needs_backup)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(room_id, sender_key, session_id) DO UPDATE SET
			 pickle = excluded.pickle, needs_backup = excluded.needs_backup`,
		record.Key.RoomID.String(), record.Key.SenderKey.String(),
		record.Key.SessionID.String(), record.Pickle, boolInt(record.NeedsBackup))
	if err != nil {
		return fmt.Errorf("storage: writing inbound session %s: %w", record.Key.SessionID, err)
	}
	return nil
}

// InboundSessionsForRoom returns every stored inbound session of a
// room, used to retry pending decryptions when a key arrives.
func (t *Txn) InboundSessionsForRoom(roomID ref.RoomID) ([]InboundSessionRecord, error) {
	return t.scanInboundSessions(`SELECT room_id, sender_key, session_id, pickle, needs_backup
		FROM inbound_group_sessions WHERE room_id = ?`, roomID.String())
}

// SessionsNeedingBackup returns up to limit inbound sessions flagged
// for backup upload.
func (t *Txn) SessionsNeedingBackup(limit int) ([]InboundSessionRecord, error) {
	return t.scanInboundSessions(`SELECT room_id, sender_key, session_id, pickle, needs_backup
		FROM inbound_group_sessions WHERE needs_backup = 1 LIMIT ?`, limit)
}

// MarkSessionBackedUp clears a session's needs-backup flag after a
// confirmed upload.
func (t *Txn) MarkSessionBackedUp(key InboundSessionKey) error {
	if !t.writable {
		return errReadOnly
	}
	err := t.exec(`UPDATE inbound_group_sessions SET needs_backup = 0
			WHERE room_id = ? AND sender_key = ? AND session_id = ?`,
		key.RoomID.String(), key.SenderKey.String(), key.SessionID.String())
	if err != nil {
		return fmt.Errorf("storage: marking session %s backed up: %w", key.SessionID, err)
	}
	return nil
}

// MarkAllSessionsForBackup flags every stored inbound session for
// re-upload. Called when the server-side backup version changes: the
// old version's contents cannot be assumed present in the new one.
func (t *Txn) MarkAllSessionsForBackup() error {
	if !t.writable {
		return errReadOnly
	}
	if err := t.exec("UPDATE inbound_group_sessions SET needs_backup = 1"); err != nil {
		return fmt.Errorf("storage: marking all sessions for backup: %w", err)
	}
	return nil
}

func (t *Txn) scanInboundSessions(query string, args ...any) ([]InboundSessionRecord, error) {
	var records []InboundSessionRecord
	err := t.query(query,
		func(stmt *sqlite.Stmt) error {
			roomID, err := ref.ParseRoomID(stmt.ColumnText(0))
			if err != nil {
				return fmt.Errorf("stored session room ID: %w", err)
			}
			sessionID, err := ref.ParseSessionID(stmt.ColumnText(2))
			if err != nil {
				return fmt.Errorf("stored session ID: %w", err)
			}
			records = append(records, InboundSessionRecord{
				Key: InboundSessionKey{
					RoomID:    roomID,
					SenderKey: ref.Curve25519(stmt.ColumnText(1)),
					SessionID: sessionID,
				},
				Pickle:      columnBlob(stmt, 3),
				NeedsBackup: stmt.ColumnInt(4) != 0,
			})
			return nil
		}, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: reading inbound sessions: %w", err)
	}
	return records, nil
}

// PendingOperation is a persisted record of an unfinished cross-
// cutting task (e.g. an interrupted room-key share), replayed on next
// startup. Payload is CBOR encoded by the owning layer.
type PendingOperation struct {
	ID      int64
	RoomID  ref.RoomID
	Kind    string
	Payload []byte
}

// AddPendingOperation persists an operation and returns its assigned ID.
func (t *Txn) AddPendingOperation(roomID ref.RoomID, kind string, payload []byte) (int64, error) {
	if !t.writable {
		return 0, errReadOnly
	}
	err := t.exec("INSERT INTO pending_operations (room_id, kind, payload) VALUES (?, ?, ?)",
		roomID.String(), kind, payload)
	if err != nil {
		return 0, fmt.Errorf("storage: adding pending operation: %w", err)
	}
	return t.conn.LastInsertRowID(), nil
}

// DeletePendingOperation removes a completed operation.
func (t *Txn) DeletePendingOperation(id int64) error {
	if !t.writable {
		return errReadOnly
	}
	if err := t.exec("DELETE FROM pending_operations WHERE id = ?", id); err != nil {
		return fmt.Errorf("storage: deleting pending operation %d: %w", id, err)
	}
	return nil
}

// PendingOperations returns every persisted operation in insertion
// order. The session layer groups them by room for replay.
func (t *Txn) PendingOperations() ([]PendingOperation, error) {
	var operations []PendingOperation
	err := t.query("SELECT id, room_id, kind, payload FROM pending_operations ORDER BY id",
		func(stmt *sqlite.Stmt) error {
			roomID, err := ref.ParseRoomID(stmt.ColumnText(1))
			if err != nil {
				return fmt.Errorf("stored operation room ID: %w", err)
			}
			operations = append(operations, PendingOperation{
				ID:      stmt.ColumnInt64(0),
				RoomID:  roomID,
				Kind:    stmt.ColumnText(2),
				Payload: columnBlob(stmt, 3),
			})
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("storage: listing pending operations: %w", err)
	}
	return operations, nil
}
