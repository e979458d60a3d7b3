// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package megolm implements the group encryption layer: one outbound
// session per room for encrypting, many inbound sessions per room
// (one per sender device and session) for decrypting.
//
// An [OutboundSession] holds a hash-ratchet chain key, a message
// counter, and an ed25519 signing keypair whose public key doubles as
// the session ID. Every encrypt advances the ratchet, so compromise of
// current state never reveals earlier message keys. The exported
// [SessionKey] — chain state at a given index plus the public signing
// key — is what travels to other devices inside pairwise-encrypted
// m.room_key messages and to the server-side key backup.
//
// An [InboundSession] is constructed from a SessionKey export. It can
// decrypt any message at or after its first known index, and never
// before it: earlier indices would require reversing the hash ratchet.
// Inbound sessions are immutable once stored.
//
// Rotation policy (age and message-count limits, membership shrink)
// lives with the per-room encryption orchestration, not here; this
// package only reports [OutboundSession.CreatedAt] and
// [OutboundSession.MessageCount].
package megolm
