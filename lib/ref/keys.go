// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// Curve25519 is an unpadded-base64 curve25519 public key as it appears
// on the Matrix wire ("sender_key", device identity keys, one-time
// keys). The key is opaque to this package — validation of the
// underlying 32 bytes happens in the olm layer where the key is
// actually used.
type Curve25519 string

// String returns the base64 key string.
func (c Curve25519) String() string { return string(c) }

// IsZero reports whether the key is empty.
func (c Curve25519) IsZero() bool { return c == "" }

// Ed25519 is an unpadded-base64 ed25519 public signing key as it
// appears in device key and signature blocks.
type Ed25519 string

// String returns the base64 key string.
func (e Ed25519) String() string { return string(e) }

// IsZero reports whether the key is empty.
func (e Ed25519) IsZero() bool { return e == "" }

// SessionID identifies a megolm group session. Session IDs are the
// base64 ed25519 public key of the session's signing keypair, assigned
// by the creating device and globally unique in practice.
type SessionID struct {
	id string
}

// ParseSessionID constructs a SessionID from a raw string. Returns an
// error if the string is empty.
func ParseSessionID(raw string) (SessionID, error) {
	if raw == "" {
		return SessionID{}, fmt.Errorf("session ID is empty")
	}
	return SessionID{id: raw}, nil
}

// MustParseSessionID is like ParseSessionID but panics on error.
func MustParseSessionID(raw string) SessionID {
	parsed, err := ParseSessionID(raw)
	if err != nil {
		panic(err)
	}
	return parsed
}

// String returns the raw session ID string.
func (s SessionID) String() string { return s.id }

// IsZero reports whether the SessionID is the zero value (empty).
func (s SessionID) IsZero() bool { return s.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (s SessionID) MarshalText() ([]byte, error) {
	if s.id == "" {
		return nil, fmt.Errorf("cannot marshal zero SessionID")
	}
	return []byte(s.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (s *SessionID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*s = SessionID{}
		return nil
	}
	*s = SessionID{id: string(data)}
	return nil
}
