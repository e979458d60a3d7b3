// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package e2ee orchestrates room encryption: the device tracker that
// maintains verified device identities for every user the engine
// shares keys with, the per-room megolm session lifecycle with its
// rotation policy, and device dehydration.
//
// The device tracker is deliberately conservative. Device records
// enter storage only through a verified /keys/query response, and a
// stored ed25519 key is never replaced: a key change for a known
// device ID drops the update and keeps the old record, because a
// server that can rewrite device keys can otherwise silently insert
// itself into every future key share. Unverifiable devices are dropped
// without failing the sync — a malicious response must not poison
// stored state, but must not halt the engine either.
//
// Room key sharing is ordered before encryption: when the outbound
// session rotates, the fresh session key is handed to the [KeySharer]
// before the first Encrypt advances the ratchet, so recipients learn
// the session at the index the first ciphertext uses.
package e2ee
