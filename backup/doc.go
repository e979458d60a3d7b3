// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package backup maintains the server-side megolm key backup
// (m.megolm_backup.v1.curve25519-aes-sha2): every inbound group
// session is encrypted to the backup's public key and uploaded, so a
// later login can recover message history after proving ownership of
// the backup private key through secret storage.
//
// Uploads need only the public key, taken from the server's backup
// auth data; retrieval needs the private key from secret storage.
// When the private key is present, [Client.Connect] verifies it
// against the server's public key and refuses the backup on mismatch
// rather than uploading keys nobody can recover.
//
// A version change on the server means an unknown set of stored keys:
// Connect reacts by flagging every local session for re-upload.
package backup
