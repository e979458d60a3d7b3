// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package ssss implements server-side secret storage: account-data
// secrets encrypted under a master key that only the user can derive,
// either from a passphrase (PBKDF2-SHA512) or from a base58 recovery
// key. The key backup's private key is the main secret stored this way.
//
// Key metadata lives in the m.secret_storage.key.<id> account-data
// event and carries everything needed to re-derive and verify the
// master key. Each secret is a separate account-data event whose
// content maps key IDs to [EncryptedSecret] envelopes (AES-256-CTR
// with an HMAC-SHA256 tag, per-secret keys derived via HKDF with the
// secret's name as context).
//
// Recovery-key parsing validates the parity byte before anything else:
// a failed parity check is a typo, reported as [ErrIncorrectParity]
// without touching any key derivation.
package ssss
