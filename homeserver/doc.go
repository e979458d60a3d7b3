// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package homeserver wraps the Matrix client-server API endpoints that
// the sync engine and its encryption subsystem depend on.
//
// The package provides two core types. [Client] is an unauthenticated
// Matrix client that handles login and holds the homeserver URL and
// HTTP transport. [Session] wraps a Client with an access token for
// authenticated operations: incremental sync with long-polling, filter
// negotiation, device key upload/query/claim, to-device message
// sending, room membership queries, account data, room key backup, and
// dehydrated device management.
//
// Sessions are lightweight (a pointer to the parent Client plus an
// access token in mmap-backed secret.Buffer memory). The access token
// is locked against swap and excluded from core dumps; callers must
// call Session.Close to release the protected memory.
//
// All API errors are returned as [*MatrixError] with the standard
// Matrix error code (M_FORBIDDEN, M_NOT_FOUND, etc.) and HTTP status
// code. [IsMatrixError] tests for a specific error code; [IsTimeout]
// and [IsAbort] classify transport-level failures for the sync loop's
// retry policy. Request URLs are built by string concatenation rather
// than url.URL to avoid double-encoding of path segments that contain
// URL-encoded characters.
package homeserver
