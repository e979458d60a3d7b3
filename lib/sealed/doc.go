// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption and decryption for Loom's
// server-side key material. It wraps filippo.io/age for the specific
// operations Loom needs: generate x25519 keypairs, encrypt to one or
// more recipients, and decrypt with a private key.
//
// Ciphertext is base64-encoded for storage in Matrix account data JSON
// fields. Callers pass plaintext []byte to [Encrypt] and receive a
// base64 string; [Decrypt] accepts a base64 string and returns
// plaintext. Private keys and decrypted plaintext are returned as
// [secret.Buffer] values backed by mmap memory outside the Go heap
// (locked against swap, excluded from core dumps, zeroed on Close).
//
// Key exports:
//
//   - [GenerateKeypair] -- new age x25519 keypair in a secret.Buffer
//   - [Encrypt] -- encrypt to age public key recipients
//   - [Decrypt] -- decrypt with a secret.Buffer key
//   - [ParsePublicKey] / [ParsePrivateKey] -- key validation
//
// Used by the dehydration layer: the pickled olm account of a
// dehydrated device is sealed to an age public key before upload, and
// unsealed on claim with the private key recovered from secret storage.
//
// Depends on lib/secret for secure memory allocation.
package sealed
