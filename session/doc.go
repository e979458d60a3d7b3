// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns one logged-in device: the olm account, the
// device tracker, per-room encryption state, secret storage, key
// backup, and the sync engine driving them. It implements the sync
// pipeline's Handler, translating each sync response section into
// tracker, crypto, and storage mutations, and it implements the key
// sharing path that delivers fresh megolm sessions to room members
// over pairwise olm channels.
//
// Everything here is constructed once per login and torn down with
// Close. Nothing is ambient: collaborators receive the *Session by
// reference.
package session
