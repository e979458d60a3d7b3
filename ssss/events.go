// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package ssss

// Account-data event types for secret storage.
const (
	EventDefaultKey = "m.secret_storage.default_key"
	EventKeyPrefix  = "m.secret_storage.key."
)

// DefaultKeyPointer is the content of the m.secret_storage.default_key
// event: the ID of the key new secrets are encrypted under.
type DefaultKeyPointer struct {
	Key string `json:"key"`
}

// SecretContent is the content of a stored secret's account-data
// event: one envelope per key ID the secret is encrypted under.
type SecretContent struct {
	Encrypted map[string]EncryptedSecret `json:"encrypted"`
}
