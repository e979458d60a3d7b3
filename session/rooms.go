// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loom-im/loom/e2ee"
	"github.com/loom-im/loom/homeserver"
	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/megolm"
	"github.com/loom-im/loom/olm"
	"github.com/loom-im/loom/storage"
	"github.com/loom-im/loom/syncer"
)

// inboundKey identifies one inbound megolm session within a room.
type inboundKey struct {
	senderKey ref.Curve25519
	sessionID ref.SessionID
}

// encryptedItem is one undecrypted event flowing through the pipeline:
// either fresh from the response or a stored retry.
type encryptedItem struct {
	event   homeserver.Event
	content e2ee.EncryptedContent
	stored  bool // true for a retried event already in the timeline
}

// roomPreparation accumulates one room's prepare-phase output. The
// decrypted map is filled during afterPrepare, when no transaction is
// open.
type roomPreparation struct {
	room  storage.Room
	known bool

	needsMembers      bool
	visibilityChanged bool
	members           []e2ee.Member
	memberChanges     []e2ee.Member

	plainEvents []homeserver.Event
	encrypted   []encryptedItem
	sessions    map[inboundKey]*megolm.InboundSession
	decrypted   map[ref.EventID]e2ee.DecryptedEvent
}

// roomChanges is handed from the write phase to the after phase.
type roomChanges struct {
	membership string
	newEvents  int
}

// PrepareRoom reads everything the room's write phase will need:
// the stored room record, parsed state deltas, stored events awaiting
// decryption, and the inbound sessions covering this cycle's
// ciphertexts.
func (s *Session) PrepareRoom(ctx context.Context, txn *storage.Txn, delta syncer.RoomDelta) (any, error) {
	prep := &roomPreparation{
		sessions:  make(map[inboundKey]*megolm.InboundSession),
		decrypted: make(map[ref.EventID]e2ee.DecryptedEvent),
	}

	room, known, err := txn.Room(delta.RoomID)
	if err != nil {
		return nil, err
	}
	if !known {
		room = storage.Room{
			ID:                  delta.RoomID,
			RotationPeriodMS:    storage.DefaultRotationPeriodMS,
			RotationMaxMessages: storage.DefaultRotationMaxMessages,
		}
	}
	if !delta.Synthesized || !known {
		room.Membership = delta.Membership
	}
	prep.known = known

	for _, event := range stateEvents(delta) {
		applyStateEvent(&room, prep, event)
	}
	// State events in the timeline are newer than the state section
	// and fold in the same way.
	for _, event := range timelineEvents(delta) {
		if event.StateKey != nil {
			applyStateEvent(&room, prep, event)
		}
	}
	prep.room = room

	// A room seen encrypted for the first time needs its full member
	// list to seed key sharing; a visibility change needs it again to
	// recompute who still qualifies.
	if room.Encrypted && room.Membership == "join" && !delta.Synthesized {
		tracking, err := s.tracker.IsTracking(txn, room.ID)
		if err != nil {
			return nil, err
		}
		prep.needsMembers = !tracking || prep.visibilityChanged
	}

	for _, event := range timelineEvents(delta) {
		if event.StateKey != nil {
			continue
		}
		if event.Type == e2ee.EventTypeEncrypted {
			var content e2ee.EncryptedContent
			if err := json.Unmarshal(event.Content, &content); err == nil {
				prep.encrypted = append(prep.encrypted, encryptedItem{event: event, content: content})
				continue
			}
		}
		prep.plainEvents = append(prep.plainEvents, event)
	}

	// Stored events whose session may have arrived this cycle.
	if room.Encrypted {
		pending, err := txn.PendingDecryption(room.ID)
		if err != nil {
			return nil, err
		}
		for _, stored := range pending {
			var event homeserver.Event
			if err := json.Unmarshal(stored.JSON, &event); err != nil {
				continue
			}
			var content e2ee.EncryptedContent
			if err := json.Unmarshal(event.Content, &content); err != nil {
				continue
			}
			prep.encrypted = append(prep.encrypted, encryptedItem{event: event, content: content, stored: true})
		}
	}

	for _, item := range prep.encrypted {
		key := inboundKey{senderKey: item.content.SenderKey, sessionID: item.content.SessionID}
		if _, loaded := prep.sessions[key]; loaded {
			continue
		}
		record, found, err := txn.InboundGroupSession(storage.InboundSessionKey{
			RoomID:    room.ID,
			SenderKey: item.content.SenderKey,
			SessionID: item.content.SessionID,
		})
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		session, err := megolm.UnpickleInboundSession(record.Pickle)
		if err != nil {
			s.logger.Error("unreadable inbound session pickle",
				"room_id", room.ID, "session_id", item.content.SessionID, "error", err)
			continue
		}
		prep.sessions[key] = session
	}
	return prep, nil
}

// AfterPrepareRoom runs the work that must not hold a transaction:
// fetching the member list for newly tracked rooms, and the megolm
// decryptions themselves.
func (s *Session) AfterPrepareRoom(ctx context.Context, state *syncer.RoomState) error {
	prep := state.Preparation.(*roomPreparation)

	if prep.needsMembers {
		members, err := s.tracker.FetchMembers(ctx, prep.room.ID)
		if err != nil {
			return fmt.Errorf("session: fetching members of %s: %w", prep.room.ID, err)
		}
		prep.members = members
	}

	for _, item := range prep.encrypted {
		key := inboundKey{senderKey: item.content.SenderKey, sessionID: item.content.SessionID}
		session, ok := prep.sessions[key]
		if !ok {
			continue // key not arrived yet; the event stays pending
		}
		decrypted, err := e2ee.DecryptWithSession(session, prep.room.ID, item.content)
		if err != nil {
			s.logger.Warn("event failed to decrypt",
				"room_id", prep.room.ID, "event_id", item.event.EventID, "error", err)
			continue
		}
		prep.decrypted[item.event.EventID] = decrypted
	}
	return nil
}

// WriteRoom writes one room's delta inside the cycle's transaction:
// the room record, tracker updates, and timeline events in their
// decrypted form where a session was available.
func (s *Session) WriteRoom(txn *storage.Txn, state *syncer.RoomState) (any, error) {
	prep := state.Preparation.(*roomPreparation)
	room := prep.room

	if err := txn.PutRoom(room); err != nil {
		return nil, err
	}
	if room.Membership == "join" {
		if err := txn.DeleteInvite(room.ID); err != nil {
			return nil, err
		}
	}

	if prep.members != nil {
		if prep.visibilityChanged {
			// Re-evaluate every member under the new policy, dropping
			// the ones it no longer admits.
			_, removed, err := s.tracker.WriteHistoryVisibility(txn, room, prep.members)
			if err != nil {
				return nil, err
			}
			if len(removed) > 0 {
				if err := s.invalidateRoomSession(txn, room.ID); err != nil {
					return nil, err
				}
			}
		} else if err := s.tracker.TrackRoom(txn, room, prep.members); err != nil {
			return nil, err
		}
	}
	if len(prep.memberChanges) > 0 {
		_, removed, err := s.tracker.WriteMemberChanges(txn, room, prep.memberChanges)
		if err != nil {
			return nil, err
		}
		if len(removed) > 0 {
			// Someone lost access: the outbound session must not
			// encrypt for them again.
			if err := s.invalidateRoomSession(txn, room.ID); err != nil {
				return nil, err
			}
		}
	}

	changes := roomChanges{membership: room.Membership}
	for _, event := range prep.plainEvents {
		if event.EventID.IsZero() {
			continue
		}
		if err := txn.PutTimelineEvent(storage.TimelineEvent{
			RoomID:    room.ID,
			EventID:   event.EventID,
			OriginTS:  event.OriginServerTS,
			JSON:      mustMarshalEvent(event),
			Decrypted: true,
		}); err != nil {
			return nil, err
		}
		changes.newEvents++
	}
	for _, item := range prep.encrypted {
		if item.event.EventID.IsZero() {
			continue
		}
		decrypted, ok := prep.decrypted[item.event.EventID]
		record := storage.TimelineEvent{
			RoomID:   room.ID,
			EventID:  item.event.EventID,
			OriginTS: item.event.OriginServerTS,
		}
		if ok {
			clear := item.event
			clear.Type = decrypted.Type
			clear.Content = decrypted.Content
			record.JSON = mustMarshalEvent(clear)
			record.Decrypted = true
		} else {
			record.JSON = mustMarshalEvent(item.event)
		}
		if item.stored {
			if !ok {
				continue // still pending, nothing to rewrite
			}
			if err := txn.ReplaceTimelineEvent(record); err != nil {
				return nil, err
			}
		} else {
			if err := txn.PutTimelineEvent(record); err != nil {
				return nil, err
			}
		}
		changes.newEvents++
	}
	return changes, nil
}

// invalidateRoomSession forces the next Encrypt in the room to create
// and share a fresh outbound session.
func (s *Session) invalidateRoomSession(txn *storage.Txn, roomID ref.RoomID) error {
	encryption, err := s.roomEncryption(roomID)
	if err != nil {
		return err
	}
	return encryption.Invalidate(txn, roomID)
}

// AfterRoom emits the post-commit notification for one room.
func (s *Session) AfterRoom(state *syncer.RoomState) {
	changes, ok := state.Changes.(roomChanges)
	if !ok {
		return
	}
	s.notifyRoom(RoomUpdate{
		RoomID:     state.Delta.RoomID,
		Membership: changes.membership,
		NewEvents:  changes.newEvents,
	})
}

// WriteCycle writes the cross-room response sections: staged to-device
// results, account data, device-list changes, and invites.
func (s *Session) WriteCycle(txn *storage.Txn, response *homeserver.SyncResponse, toDevice syncer.ToDevicePreparation) error {
	if staged, ok := toDevice.Staged.(*toDeviceStaged); ok {
		if err := s.writeToDeviceStaged(txn, staged); err != nil {
			return err
		}
	}

	for _, event := range response.AccountData.Events {
		if err := txn.PutAccountData(event.Type, event.Content); err != nil {
			return err
		}
	}

	for _, userID := range response.DeviceLists.Changed {
		if err := s.tracker.MarkOutdated(txn, userID); err != nil {
			return err
		}
	}
	for _, userID := range response.DeviceLists.Left {
		identity, ok, err := txn.UserIdentity(userID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if len(identity.RoomIDs) > 0 {
			// The server hint can race with local membership state. As
			// long as some shared encrypted room remains, keep the
			// identity and force a re-query before the next share.
			if err := s.tracker.MarkOutdated(txn, userID); err != nil {
				return err
			}
			continue
		}
		// No shared encrypted room remains; the identity invariant
		// says the record goes away entirely.
		if err := txn.DeleteUserIdentity(userID); err != nil {
			return err
		}
	}

	for roomID, invited := range response.Rooms.Invite {
		invite := storage.Invite{RoomID: roomID}
		for _, event := range invited.InviteState.Events {
			if event.Type == e2ee.EventTypeMember && event.StateKey != nil &&
				*event.StateKey == s.hs.UserID().String() {
				invite.Inviter = event.Sender
			}
		}
		if state, err := json.Marshal(invited.InviteState.Events); err == nil {
			invite.State = state
		}
		if err := txn.PutInvite(invite); err != nil {
			return err
		}
	}
	for roomID := range response.Rooms.Leave {
		if err := txn.DeleteInvite(roomID); err != nil {
			return err
		}
	}
	return nil
}

// AfterSyncCompleted runs the best-effort tail of a cycle: one-time
// key replenishment and the key backup flush. Failures are logged;
// the state they would have cleared is retried next cycle.
func (s *Session) AfterSyncCompleted(ctx context.Context, oneTimeKeyCounts map[string]int) {
	if err := s.replenishOneTimeKeys(ctx, oneTimeKeyCounts["signed_curve25519"]); err != nil {
		s.logger.Warn("one-time key replenishment failed", "error", err)
	}
	if s.backup.Enabled() {
		if err := s.backup.Flush(ctx); err != nil {
			s.logger.Warn("key backup flush failed", "error", err)
		}
	}
}

func (s *Session) replenishOneTimeKeys(ctx context.Context, serverCount int) error {
	if serverCount >= olm.TargetOneTimeKeys {
		return nil
	}
	if err := s.account.GenerateOneTimeKeys(olm.TargetOneTimeKeys - serverCount); err != nil {
		return err
	}
	oneTimeKeys, err := s.signedOneTimeKeys()
	if err != nil {
		return err
	}
	if len(oneTimeKeys) == 0 {
		return nil
	}
	if _, err := s.hs.UploadKeys(ctx, homeserver.UploadKeysRequest{OneTimeKeys: oneTimeKeys}); err != nil {
		return err
	}
	s.account.MarkKeysPublished()
	return s.persistAccount(ctx)
}

// stateEvents returns the delta's state section.
func stateEvents(delta syncer.RoomDelta) []homeserver.Event {
	switch {
	case delta.Joined != nil:
		return delta.Joined.State.Events
	case delta.Left != nil:
		return delta.Left.State.Events
	default:
		return nil
	}
}

// timelineEvents returns the delta's timeline section.
func timelineEvents(delta syncer.RoomDelta) []homeserver.Event {
	switch {
	case delta.Joined != nil:
		return delta.Joined.Timeline.Events
	case delta.Left != nil:
		return delta.Left.Timeline.Events
	default:
		return nil
	}
}

// applyStateEvent folds one state event into the room record and the
// preparation's member-change list. Timeline state events count too:
// they are newer than the state section.
func applyStateEvent(room *storage.Room, prep *roomPreparation, event homeserver.Event) {
	switch event.Type {
	case e2ee.EventTypeEncryption:
		// Malformed content still marks the room encrypted; failing
		// open to "unencrypted" would downgrade the room.
		room.Encrypted = true
		room.Algorithm = e2ee.AlgorithmMegolm
		room.RotationPeriodMS, room.RotationMaxMessages = e2ee.ParseEncryptionContent(event.Content)
	case e2ee.EventTypeHistoryVisibility:
		var content e2ee.HistoryVisibilityContent
		if err := json.Unmarshal(event.Content, &content); err == nil && content.HistoryVisibility != "" {
			if content.HistoryVisibility != room.HistoryVisibility {
				room.HistoryVisibility = content.HistoryVisibility
				prep.visibilityChanged = true
			}
		}
	case e2ee.EventTypeMember:
		if event.StateKey == nil {
			return
		}
		userID, err := ref.ParseUserID(*event.StateKey)
		if err != nil {
			return
		}
		var content e2ee.MemberContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			return
		}
		prep.memberChanges = append(prep.memberChanges, e2ee.Member{
			UserID:     userID,
			Membership: content.Membership,
		})
	}
}

// mustMarshalEvent serializes an event for storage. Events arrived as
// JSON; re-encoding them cannot fail.
func mustMarshalEvent(event homeserver.Event) []byte {
	body, err := json.Marshal(event)
	if err != nil {
		panic(fmt.Sprintf("session: encoding event %s: %v", event.EventID, err))
	}
	return body
}
