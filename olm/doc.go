// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package olm implements the pairwise encryption layer: the device
// account (long-term identity keys plus one-time keys) and ratcheting
// 1:1 sessions between device identities. Pairwise sessions exist for
// exactly one purpose — transporting group-session key material as
// m.room_key to-device messages.
//
// [Account] holds the ed25519 signing key, the curve25519 identity
// key, and the pool of signed one-time keys published to the
// homeserver. [Session] is a double-ratchet channel established via a
// triple Diffie-Hellman handshake against a claimed one-time key.
// Sessions and accounts serialize to opaque pickles (deterministic
// CBOR) for storage; the pickle format is internal to this package.
//
// Session state is single-writer. [LockSet] provides the per-peer
// mutex table that serializes to-device decryption in a sync cycle
// against concurrent outgoing encrypts for the same sender key.
//
// Decryption failures are reported as [*DecryptionError] with a
// machine-readable reason code and are never retried with the same
// input.
package olm
