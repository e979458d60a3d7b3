// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/loom-im/loom/homeserver"
	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/storage"
)

// runCycle applies one sync response: parse, prepare (parallel, read
// transactions), afterPrepare (parallel, no transaction), write (one
// transaction including the cursor), after (post-commit), then
// best-effort maintenance. Any error before Complete aborts the whole
// cycle; the cursor only moves on commit.
func (e *Engine) runCycle(ctx context.Context, response *homeserver.SyncResponse, cursor *storage.Cursor) error {
	initial := cursor.NextBatch == ""
	states := parseRooms(response, initial)

	release := e.handler.LockToDevice(response.ToDevice.Events)
	released := false
	releaseOnce := func() {
		if !released {
			released = true
			release()
		}
	}
	defer releaseOnce()

	toDevice, err := e.handler.PrepareToDevice(ctx, response.ToDevice.Events)
	if err != nil {
		return err
	}
	states = synthesizeRooms(states, toDevice.RoomsWithNewKeys, initial)

	if err := e.forEachRoom(states, func(state *RoomState) error {
		txn, err := e.db.ReadTxn(ctx)
		if err != nil {
			return err
		}
		defer txn.Abort()
		preparation, err := e.handler.PrepareRoom(ctx, txn, state.Delta)
		if err != nil {
			return err
		}
		state.Preparation = preparation
		return nil
	}); err != nil {
		return err
	}

	if err := e.forEachRoom(states, func(state *RoomState) error {
		return e.handler.AfterPrepareRoom(ctx, state)
	}); err != nil {
		return err
	}

	txn, err := e.db.ReadWriteTxn(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()
	if err := e.handler.WriteCycle(txn, response, toDevice); err != nil {
		return err
	}
	for _, state := range states {
		changes, err := e.handler.WriteRoom(txn, state)
		if err != nil {
			return err
		}
		state.Changes = changes
	}
	cursor.NextBatch = response.NextBatch
	if err := txn.SetCursor(*cursor); err != nil {
		return err
	}
	if err := txn.Complete(); err != nil {
		return err
	}
	committed = true
	// The pairwise sessions are safe to touch again once the staged
	// to-device writes are durable; the post-commit phases may take
	// their time (AfterSyncCompleted does network maintenance).
	releaseOnce()

	for _, state := range states {
		e.handler.AfterRoom(state)
	}

	e.handler.AfterSyncCompleted(ctx, response.DeviceOneTimeKeysCount)
	return nil
}

// parseRooms turns the response's join/leave sections into pipeline
// entities. During initial sync, joined rooms with an empty timeline
// are skipped before any state is allocated: a fresh account can be in
// thousands of rooms the user never opened.
func parseRooms(response *homeserver.SyncResponse, initial bool) []*RoomState {
	states := make([]*RoomState, 0, len(response.Rooms.Join)+len(response.Rooms.Leave))
	for roomID, joined := range response.Rooms.Join {
		if initial && len(joined.Timeline.Events) == 0 {
			continue
		}
		joined := joined
		states = append(states, &RoomState{Delta: RoomDelta{
			RoomID:     roomID,
			Membership: "join",
			Joined:     &joined,
			Initial:    initial,
		}})
	}
	for roomID, left := range response.Rooms.Leave {
		left := left
		states = append(states, &RoomState{Delta: RoomDelta{
			RoomID:     roomID,
			Membership: "leave",
			Left:       &left,
			Initial:    initial,
		}})
	}
	// Map iteration order is random; keep the pipeline deterministic.
	sort.Slice(states, func(i, j int) bool {
		return states[i].Delta.RoomID.String() < states[j].Delta.RoomID.String()
	})
	return states
}

// synthesizeRooms injects rooms that received a key this cycle but no
// sync delta, so their stored undecryptable events get retried.
func synthesizeRooms(states []*RoomState, roomsWithNewKeys []ref.RoomID, initial bool) []*RoomState {
	present := make(map[ref.RoomID]bool, len(states))
	for _, state := range states {
		present[state.Delta.RoomID] = true
	}
	for _, roomID := range roomsWithNewKeys {
		if present[roomID] {
			continue
		}
		present[roomID] = true
		states = append(states, &RoomState{Delta: RoomDelta{
			RoomID:      roomID,
			Membership:  "join",
			Synthesized: true,
			Initial:     initial,
		}})
	}
	return states
}

// forEachRoom runs fn once per room on its own goroutine and joins the
// results. All rooms run to completion even when one fails, so no
// goroutine is left writing into a state the caller has abandoned.
func (e *Engine) forEachRoom(states []*RoomState, fn func(*RoomState) error) error {
	if len(states) == 0 {
		return nil
	}
	errs := make([]error, len(states))
	var group sync.WaitGroup
	for i, state := range states {
		group.Add(1)
		go func(i int, state *RoomState) {
			defer group.Done()
			errs[i] = fn(state)
		}(i, state)
	}
	group.Wait()
	return errors.Join(errs...)
}
