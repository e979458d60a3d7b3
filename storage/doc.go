// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage persists the sync engine's durable state in SQLite:
// the sync cursor, room and invite records, timeline events, tracked
// user and device identities, pickled crypto sessions, pending
// operations, and account data.
//
// All access goes through scoped transactions. [DB.ReadTxn] opens a
// read snapshot; [DB.ReadWriteTxn] opens an IMMEDIATE transaction that
// commits atomically on [Txn.Complete] or discards every write on
// [Txn.Abort]. The sync engine opens exactly one read-write
// transaction per sync cycle; the new cursor is written inside that
// same transaction, so a crash mid-cycle resumes from the last
// committed cursor and re-applies the cycle idempotently.
//
// Timeline event JSON is stored zstd-compressed. Crypto session state
// is stored as opaque pickles produced by the olm and megolm packages;
// storage never interprets pickle contents.
package storage
