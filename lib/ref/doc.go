// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated value types for Matrix identifiers.
//
// Raw strings from the wire (user IDs, room IDs, device IDs, event
// IDs, session IDs, public keys) are parsed into these types at the
// deserialization boundary and stay typed for the rest of their
// lifetime. All types implement encoding.TextMarshaler and
// encoding.TextUnmarshaler, so encoding/json (and lib/codec's CBOR
// modes) validate them automatically when they appear as struct
// fields or map keys.
//
// The zero value of every type is invalid; use IsZero to check.
// Parse* constructors validate, MustParse* variants panic and are for
// tests and static initialization only.
package ref
