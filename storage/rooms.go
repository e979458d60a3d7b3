// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"

	"zombiezen.com/go/sqlite"

	"github.com/loom-im/loom/lib/ref"
)

// Default megolm rotation policy, applied when a room's
// m.room.encryption content is absent or malformed.
const (
	DefaultRotationPeriodMS    = 7 * 24 * 60 * 60 * 1000
	DefaultRotationMaxMessages = 100
)

// Room is the persistent record of a room the engine has seen.
type Room struct {
	ID         ref.RoomID
	Membership string // "join" or "leave"

	// Encryption parameters from the room's m.room.encryption state
	// event. Algorithm is empty for unencrypted rooms.
	Encrypted           bool
	Algorithm           string
	RotationPeriodMS    int64
	RotationMaxMessages int

	HistoryVisibility string
}

// Room reads one room record. The second return is false if the room
// is unknown.
func (t *Txn) Room(roomID ref.RoomID) (Room, bool, error) {
	var room Room
	found := false
	err := t.query(`SELECT room_id, membership, encrypted, algorithm,
			rotation_period_ms, rotation_max_messages, history_visibility
			FROM rooms WHERE room_id = ?`,
		func(stmt *sqlite.Stmt) error {
			found = true
			return scanRoom(stmt, &room)
		}, roomID.String())
	if err != nil {
		return Room{}, false, fmt.Errorf("storage: reading room %s: %w", roomID, err)
	}
	return room, found, nil
}

// Rooms returns every stored room record.
func (t *Txn) Rooms() ([]Room, error) {
	var rooms []Room
	err := t.query(`SELECT room_id, membership, encrypted, algorithm,
			rotation_period_ms, rotation_max_messages, history_visibility
			FROM rooms ORDER BY room_id`,
		func(stmt *sqlite.Stmt) error {
			var room Room
			if err := scanRoom(stmt, &room); err != nil {
				return err
			}
			rooms = append(rooms, room)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("storage: listing rooms: %w", err)
	}
	return rooms, nil
}

// PutRoom inserts or replaces a room record.
func (t *Txn) PutRoom(room Room) error {
	if !t.writable {
		return errReadOnly
	}
	err := t.exec(`INSERT INTO rooms
			(room_id, membership, encrypted, algorithm,
			 rotation_period_ms, rotation_max_messages, history_visibility)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(room_id) DO UPDATE SET
			 membership = excluded.membership,
			 encrypted = excluded.encrypted,
			 algorithm = excluded.algorithm,
			 rotation_period_ms = excluded.rotation_period_ms,
			 rotation_max_messages = excluded.rotation_max_messages,
			 history_visibility = excluded.history_visibility`,
		room.ID.String(), room.Membership, boolInt(room.Encrypted), room.Algorithm,
		room.RotationPeriodMS, room.RotationMaxMessages, room.HistoryVisibility)
	if err != nil {
		return fmt.Errorf("storage: writing room %s: %w", room.ID, err)
	}
	return nil
}

func scanRoom(stmt *sqlite.Stmt, room *Room) error {
	roomID, err := ref.ParseRoomID(stmt.ColumnText(0))
	if err != nil {
		return fmt.Errorf("stored room ID: %w", err)
	}
	room.ID = roomID
	room.Membership = stmt.ColumnText(1)
	room.Encrypted = stmt.ColumnInt(2) != 0
	room.Algorithm = stmt.ColumnText(3)
	room.RotationPeriodMS = stmt.ColumnInt64(4)
	room.RotationMaxMessages = stmt.ColumnInt(5)
	room.HistoryVisibility = stmt.ColumnText(6)
	return nil
}

// Invite is the persistent record of a pending room invite. State
// holds the invite_state stripped events, compressed.
type Invite struct {
	RoomID  ref.RoomID
	Inviter ref.UserID
	State   []byte // raw JSON of the stripped state events
}

// Invites returns every pending invite.
func (t *Txn) Invites() ([]Invite, error) {
	var invites []Invite
	err := t.query("SELECT room_id, inviter, state FROM invites ORDER BY room_id",
		func(stmt *sqlite.Stmt) error {
			roomID, err := ref.ParseRoomID(stmt.ColumnText(0))
			if err != nil {
				return fmt.Errorf("stored invite room ID: %w", err)
			}
			invite := Invite{RoomID: roomID}
			if inviter := stmt.ColumnText(1); inviter != "" {
				if invite.Inviter, err = ref.ParseUserID(inviter); err != nil {
					return fmt.Errorf("stored inviter: %w", err)
				}
			}
			if !stmt.ColumnIsNull(2) {
				state, err := decompressBlob(columnBlob(stmt, 2))
				if err != nil {
					return err
				}
				invite.State = state
			}
			invites = append(invites, invite)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("storage: listing invites: %w", err)
	}
	return invites, nil
}

// PutInvite inserts or replaces a pending invite.
func (t *Txn) PutInvite(invite Invite) error {
	if !t.writable {
		return errReadOnly
	}
	var state any
	if len(invite.State) > 0 {
		state = compressBlob(invite.State)
	}
	err := t.exec(`INSERT INTO invites (room_id, inviter, state) VALUES (?, ?, ?)
			ON CONFLICT(room_id) DO UPDATE SET
			 inviter = excluded.inviter, state = excluded.state`,
		invite.RoomID.String(), invite.Inviter.String(), state)
	if err != nil {
		return fmt.Errorf("storage: writing invite %s: %w", invite.RoomID, err)
	}
	return nil
}

// DeleteInvite removes a pending invite (the invite was accepted,
// rejected, or the room moved to join/leave).
func (t *Txn) DeleteInvite(roomID ref.RoomID) error {
	if !t.writable {
		return errReadOnly
	}
	if err := t.exec("DELETE FROM invites WHERE room_id = ?", roomID.String()); err != nil {
		return fmt.Errorf("storage: deleting invite %s: %w", roomID, err)
	}
	return nil
}

// TimelineEvent is one stored room event. JSON holds the full event
// body; for encrypted events that have been decrypted, JSON holds the
// decrypted form and Decrypted is true. Undecryptable encrypted events
// are stored with Decrypted false and retried when their session key
// arrives.
type TimelineEvent struct {
	RoomID    ref.RoomID
	EventID   ref.EventID
	OriginTS  int64
	JSON      []byte
	Decrypted bool
}

// PutTimelineEvent stores an event. Inserting an event ID that already
// exists for the room is a no-op, which makes re-applying a replayed
// sync response idempotent.
func (t *Txn) PutTimelineEvent(event TimelineEvent) error {
	if !t.writable {
		return errReadOnly
	}
	err := t.exec(`INSERT OR IGNORE INTO timeline
			(room_id, event_id, origin_ts, event, decrypted)
			VALUES (?, ?, ?, ?, ?)`,
		event.RoomID.String(), event.EventID.String(), event.OriginTS,
		compressBlob(event.JSON), boolInt(event.Decrypted))
	if err != nil {
		return fmt.Errorf("storage: writing event %s: %w", event.EventID, err)
	}
	return nil
}

// ReplaceTimelineEvent overwrites a stored event body, used when a
// previously undecryptable event is decrypted after its key arrives.
func (t *Txn) ReplaceTimelineEvent(event TimelineEvent) error {
	if !t.writable {
		return errReadOnly
	}
	err := t.exec(`UPDATE timeline SET event = ?, decrypted = ?
			WHERE room_id = ? AND event_id = ?`,
		compressBlob(event.JSON), boolInt(event.Decrypted),
		event.RoomID.String(), event.EventID.String())
	if err != nil {
		return fmt.Errorf("storage: replacing event %s: %w", event.EventID, err)
	}
	return nil
}

// TimelineEvents returns a room's stored events in origin timestamp
// order, limited to the most recent limit events (0 = all).
func (t *Txn) TimelineEvents(roomID ref.RoomID, limit int) ([]TimelineEvent, error) {
	query := `SELECT room_id, event_id, origin_ts, event, decrypted
		FROM timeline WHERE room_id = ? ORDER BY origin_ts`
	args := []any{roomID.String()}
	if limit > 0 {
		query = `SELECT * FROM (
			SELECT room_id, event_id, origin_ts, event, decrypted
			FROM timeline WHERE room_id = ? ORDER BY origin_ts DESC LIMIT ?
			) ORDER BY origin_ts`
		args = append(args, limit)
	}
	return t.scanTimeline(query, args...)
}

// PendingDecryption returns the room's stored encrypted events that
// have not yet been decrypted. The prepare phase retries these when a
// new inbound session arrives for the room.
func (t *Txn) PendingDecryption(roomID ref.RoomID) ([]TimelineEvent, error) {
	return t.scanTimeline(`SELECT room_id, event_id, origin_ts, event, decrypted
		FROM timeline WHERE room_id = ? AND decrypted = 0 ORDER BY origin_ts`,
		roomID.String())
}

func (t *Txn) scanTimeline(query string, args ...any) ([]TimelineEvent, error) {
	var events []TimelineEvent
	err := t.query(query,
		func(stmt *sqlite.Stmt) error {
			roomID, err := ref.ParseRoomID(stmt.ColumnText(0))
			if err != nil {
				return fmt.Errorf("stored event room ID: %w", err)
			}
			eventID, err := ref.ParseEventID(stmt.ColumnText(1))
			if err != nil {
				return fmt.Errorf("stored event ID: %w", err)
			}
			body, err := decompressBlob(columnBlob(stmt, 3))
			if err != nil {
				return err
			}
			events = append(events, TimelineEvent{
				RoomID:    roomID,
				EventID:   eventID,
				OriginTS:  stmt.ColumnInt64(2),
				JSON:      body,
				Decrypted: stmt.ColumnInt(4) != 0,
			})
			return nil
		}, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: reading timeline: %w", err)
	}
	return events, nil
}

// AccountData reads one stored global account data event. Returns nil
// content if the type has never been seen.
func (t *Txn) AccountData(eventType ref.EventType) ([]byte, error) {
	var content []byte
	err := t.query("SELECT content FROM account_data WHERE event_type = ?",
		func(stmt *sqlite.Stmt) error {
			content = columnBlob(stmt, 0)
			return nil
		}, eventType.String())
	if err != nil {
		return nil, fmt.Errorf("storage: reading account data %s: %w", eventType, err)
	}
	return content, nil
}

// PutAccountData stores a global account data event, replacing any
// previous content for the type.
func (t *Txn) PutAccountData(eventType ref.EventType, content []byte) error {
	if !t.writable {
		return errReadOnly
	}
	err := t.exec(`INSERT INTO account_data (event_type, content) VALUES (?, ?)
			ON CONFLICT(event_type) DO UPDATE SET content = excluded.content`,
		eventType.String(), content)
	if err != nil {
		return fmt.Errorf("storage: writing account data %s: %w", eventType, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
