// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncer drives the Matrix /sync long-poll loop and the
// transactional pipeline that applies each response.
//
// The engine is a state machine: InitialSync when no cursor has ever
// been committed, CatchupSync while draining the server-side queue
// after a gap, Syncing in steady state, and Stopped on error or
// explicit Stop. Each response runs through five phases — parse,
// prepare, afterPrepare, write, after — with all storage writes of a
// cycle, including the advanced cursor, inside one transaction. A
// crash between response and commit replays the same response on the
// next run; every write path is idempotent for exactly that reason.
//
// The engine owns ordering and transactions only. What each phase
// does to a room is the [Handler]'s business, implemented by the
// session aggregate.
package syncer
