// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"

	"github.com/loom-im/loom/homeserver"
	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/storage"
)

// RoomDelta is the parsed per-room slice of one sync response. Exactly
// one of Joined and Left is set, matching Membership; both are nil for
// a synthesized room.
type RoomDelta struct {
	RoomID     ref.RoomID
	Membership string // "join" or "leave"
	Joined     *homeserver.JoinedRoom
	Left       *homeserver.LeftRoom

	// Synthesized marks a room absent from the response but injected
	// into the cycle because a to-device message delivered a key for
	// it: its stored undecryptable events get a retry this cycle.
	Synthesized bool

	// Initial is true while no cursor has ever been committed.
	Initial bool
}

// RoomState is the per-room pipeline carrier for one cycle. The
// Preparation and Changes payloads are produced and consumed by the
// Handler; the engine only moves them between phases. A RoomState
// never outlives its cycle.
type RoomState struct {
	Delta       RoomDelta
	Preparation any
	Changes     any
}

// ToDevicePreparation is the outcome of to-device processing in the
// prepare phase.
type ToDevicePreparation struct {
	// RoomsWithNewKeys lists rooms that received an inbound session
	// this cycle. Rooms not otherwise present in the response are
	// synthesized so their pending events are retried.
	RoomsWithNewKeys []ref.RoomID

	// Staged carries the handler's deferred writes (advanced olm
	// pickles, imported room keys) into WriteCycle.
	Staged any
}

// Handler implements the work of each pipeline phase. The engine
// guarantees the calling discipline: LockToDevice's release runs after
// the write phase ends, win or lose; PrepareRoom and AfterPrepareRoom
// run concurrently across rooms; WriteCycle and WriteRoom run on a
// single write transaction that the engine commits or aborts as a
// whole; AfterRoom and AfterSyncCompleted run only after commit.
type Handler interface {
	// LockToDevice serializes this cycle's to-device processing
	// against concurrent outgoing pairwise encryption.
	LockToDevice(events []homeserver.ToDeviceEvent) (release func())

	// PrepareToDevice decrypts olm envelopes and stages the resulting
	// room keys and session updates for the write phase.
	PrepareToDevice(ctx context.Context, events []homeserver.ToDeviceEvent) (ToDevicePreparation, error)

	// PrepareRoom runs read-only preparation for one room. Each call
	// gets its own read transaction; calls run in parallel.
	PrepareRoom(ctx context.Context, txn *storage.Txn, delta RoomDelta) (preparation any, err error)

	// AfterPrepareRoom runs crypto-heavy work that must not hold a
	// storage transaction open.
	AfterPrepareRoom(ctx context.Context, state *RoomState) error

	// WriteCycle writes the cross-room sections: account data, device
	// list changes, invites, and the staged to-device results.
	WriteCycle(txn *storage.Txn, response *homeserver.SyncResponse, toDevice ToDevicePreparation) error

	// WriteRoom writes one room's delta. The returned changes value is
	// handed back to AfterRoom once the transaction has committed.
	WriteRoom(txn *storage.Txn, state *RoomState) (changes any, err error)

	// AfterRoom applies committed changes to in-memory state and
	// emits notifications.
	AfterRoom(state *RoomState)

	// AfterSyncCompleted runs best-effort maintenance after the cycle:
	// one-time-key replenishment, key-backup flush. Failures are the
	// handler's to log; the state they would have cleared is simply
	// still there next cycle.
	AfterSyncCompleted(ctx context.Context, oneTimeKeyCounts map[string]int)
}
