// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package ssss

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/pbkdf2"

	"github.com/loom-im/loom/lib/secret"
)

// Account-data algorithm identifiers.
const (
	AlgorithmAESHMACSHA2 = "m.secret_storage.v1.aes-hmac-sha2"
	AlgorithmPBKDF2      = "m.pbkdf2"
)

// DefaultIterations is the PBKDF2 iteration count used when key
// metadata omits one.
const DefaultIterations = 500_000

var encoding = base64.RawStdEncoding

// Recovery key framing: two prefix bytes, 32 key bytes, one parity
// byte, base58 encoded.
var recoveryKeyPrefix = []byte{0x8B, 0x01}

const recoveryKeyLength = 2 + 32 + 1

// ErrIncorrectParity reports a recovery key that failed its parity
// check: a user typo, distinct from any cryptographic failure.
var ErrIncorrectParity = errors.New("ssss: recovery key parity check failed")

// PassphraseParams is the key-derivation description embedded in key
// metadata for passphrase-derived keys.
type PassphraseParams struct {
	Algorithm  string `json:"algorithm"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Bits       int    `json:"bits,omitempty"`
}

// KeyMetadata is the content of an m.secret_storage.key.<id>
// account-data event. IV and MAC verify a derived key without storing
// it: the zero block encrypted under the candidate key must reproduce
// the recorded MAC.
type KeyMetadata struct {
	Algorithm  string            `json:"algorithm"`
	Name       string            `json:"name,omitempty"`
	Passphrase *PassphraseParams `json:"passphrase,omitempty"`
	IV         string            `json:"iv"`
	MAC        string            `json:"mac"`
}

// Key is a derived secret-storage master key.
type Key struct {
	ID  string
	key *secret.Buffer
}

// Close zeroes the key material. The key is unusable afterwards.
func (k *Key) Close() error { return k.key.Close() }

// KeyFromPassphrase derives a master key from a passphrase using the
// metadata's PBKDF2 parameters, then verifies it against the
// metadata's MAC.
func KeyFromPassphrase(keyID string, meta KeyMetadata, passphrase *secret.Buffer) (*Key, error) {
	if meta.Passphrase == nil {
		return nil, fmt.Errorf("ssss: key %s has no passphrase parameters", keyID)
	}
	if meta.Passphrase.Algorithm != AlgorithmPBKDF2 {
		return nil, fmt.Errorf("ssss: unsupported passphrase algorithm %q", meta.Passphrase.Algorithm)
	}
	iterations := meta.Passphrase.Iterations
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	bits := meta.Passphrase.Bits
	if bits <= 0 {
		bits = 256
	}

	derived := pbkdf2.Key(passphrase.Bytes(), []byte(meta.Passphrase.Salt), iterations, bits/8, sha512.New)
	return newVerifiedKey(keyID, meta, derived)
}

// KeyFromRecoveryKey decodes a base58 recovery key and verifies it
// against the metadata's MAC. Parity failures return
// [ErrIncorrectParity] before any derivation work.
func KeyFromRecoveryKey(keyID string, meta KeyMetadata, recoveryKey string) (*Key, error) {
	raw, err := decodeRecoveryKey(recoveryKey)
	if err != nil {
		return nil, err
	}
	return newVerifiedKey(keyID, meta, raw)
}

func newVerifiedKey(keyID string, meta KeyMetadata, material []byte) (*Key, error) {
	buffer, err := secret.NewFromBytes(material)
	if err != nil {
		return nil, fmt.Errorf("ssss: storing key material: %w", err)
	}
	key := &Key{ID: keyID, key: buffer}
	if err := key.verify(meta); err != nil {
		key.Close()
		return nil, err
	}
	return key, nil
}

// verify checks the derived key against the metadata's IV/MAC pair:
// AES-CTR-encrypt 32 zero bytes under keys derived with an empty
// secret name, then compare MACs.
func (k *Key) verify(meta KeyMetadata) error {
	if meta.Algorithm != AlgorithmAESHMACSHA2 {
		return fmt.Errorf("ssss: unsupported secret storage algorithm %q", meta.Algorithm)
	}
	if meta.IV == "" || meta.MAC == "" {
		// Nothing to check against. Older metadata omits the pair.
		return nil
	}
	iv, err := decodeBase64Field(meta.IV)
	if err != nil {
		return fmt.Errorf("ssss: key metadata iv: %w", err)
	}
	wantMAC, err := decodeBase64Field(meta.MAC)
	if err != nil {
		return fmt.Errorf("ssss: key metadata mac: %w", err)
	}

	_, mac, err := k.encryptCTR("", make([]byte, 32), iv)
	if err != nil {
		return err
	}
	if !hmac.Equal(mac, wantMAC) {
		return fmt.Errorf("ssss: derived key does not match key %s (wrong passphrase or recovery key)", k.ID)
	}
	return nil
}

func decodeRecoveryKey(recoveryKey string) ([]byte, error) {
	compact := strings.Map(func(r rune) rune {
		if r == ' ' {
			return -1
		}
		return r
	}, recoveryKey)

	raw, err := base58.Decode(compact)
	if err != nil {
		return nil, fmt.Errorf("ssss: recovery key is not valid base58: %w", err)
	}
	if len(raw) != recoveryKeyLength {
		return nil, fmt.Errorf("ssss: recovery key is %d bytes, want %d", len(raw), recoveryKeyLength)
	}

	// Parity first: the XOR of every byte including the final parity
	// byte must be zero. A typo lands here, not in key verification.
	var parity byte
	for _, b := range raw {
		parity ^= b
	}
	if parity != 0 {
		return nil, ErrIncorrectParity
	}

	if raw[0] != recoveryKeyPrefix[0] || raw[1] != recoveryKeyPrefix[1] {
		return nil, fmt.Errorf("ssss: recovery key has wrong prefix bytes %x %x", raw[0], raw[1])
	}
	return raw[2 : 2+32], nil
}

// EncodeRecoveryKey frames 32 bytes of key material as a base58
// recovery key, grouped in blocks of four characters for readability.
func EncodeRecoveryKey(material []byte) (string, error) {
	if len(material) != 32 {
		return "", fmt.Errorf("ssss: recovery key material is %d bytes, want 32", len(material))
	}
	raw := make([]byte, 0, recoveryKeyLength)
	raw = append(raw, recoveryKeyPrefix...)
	raw = append(raw, material...)
	var parity byte
	for _, b := range raw {
		parity ^= b
	}
	raw = append(raw, parity)

	encoded := base58.Encode(raw)
	var grouped strings.Builder
	for i, r := range encoded {
		if i > 0 && i%4 == 0 {
			grouped.WriteByte(' ')
		}
		grouped.WriteRune(r)
	}
	return grouped.String(), nil
}

// GenerateKey creates a fresh master key with metadata and its
// recovery-key encoding. The caller uploads the metadata to account
// data and shows the recovery key to the user once.
func GenerateKey(keyID string) (*Key, KeyMetadata, string, error) {
	material := make([]byte, 32)
	if _, err := rand.Read(material); err != nil {
		return nil, KeyMetadata{}, "", fmt.Errorf("ssss: generating key material: %w", err)
	}
	recoveryKey, err := EncodeRecoveryKey(material)
	if err != nil {
		return nil, KeyMetadata{}, "", err
	}
	buffer, err := secret.NewFromBytes(material)
	if err != nil {
		return nil, KeyMetadata{}, "", fmt.Errorf("ssss: storing key material: %w", err)
	}
	key := &Key{ID: keyID, key: buffer}

	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		key.Close()
		return nil, KeyMetadata{}, "", fmt.Errorf("ssss: generating iv: %w", err)
	}
	_, mac, err := key.encryptCTR("", make([]byte, 32), iv)
	if err != nil {
		key.Close()
		return nil, KeyMetadata{}, "", err
	}
	meta := KeyMetadata{
		Algorithm: AlgorithmAESHMACSHA2,
		IV:        encoding.EncodeToString(iv),
		MAC:       encoding.EncodeToString(mac),
	}
	return key, meta, recoveryKey, nil
}

// decodeBase64Field accepts both padded and unpadded standard base64,
// since other clients write these fields with padding.
func decodeBase64Field(value string) ([]byte, error) {
	return encoding.DecodeString(strings.TrimRight(value, "="))
}
