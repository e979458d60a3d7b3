// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package ssss

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/mr-tron/base58"

	"github.com/loom-im/loom/lib/secret"
)

func TestGenerateKey_RecoveryKeyRoundTrip(t *testing.T) {
	key, meta, recoveryKey, err := GenerateKey("key1")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	defer key.Close()

	if meta.Algorithm != AlgorithmAESHMACSHA2 {
		t.Errorf("algorithm = %q", meta.Algorithm)
	}
	if !strings.Contains(recoveryKey, " ") {
		t.Error("recovery key should be grouped with spaces")
	}

	restored, err := KeyFromRecoveryKey("key1", meta, recoveryKey)
	if err != nil {
		t.Fatalf("KeyFromRecoveryKey: %v", err)
	}
	defer restored.Close()

	// The restored key must open envelopes sealed by the original.
	envelope, err := key.EncryptSecret("m.megolm_backup.v1", []byte("backup private key"))
	if err != nil {
		t.Fatalf("EncryptSecret: %v", err)
	}
	plaintext, err := restored.DecryptSecret("m.megolm_backup.v1", envelope)
	if err != nil {
		t.Fatalf("DecryptSecret: %v", err)
	}
	if string(plaintext) != "backup private key" {
		t.Errorf("plaintext = %q", plaintext)
	}
}

func TestKeyFromRecoveryKey_IncorrectParity(t *testing.T) {
	key, meta, recoveryKey, err := GenerateKey("key1")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	defer key.Close()

	// Flip a byte in the decoded form and re-encode: the parity check
	// must catch it and report a typo, not a key mismatch.
	raw, err := base58.Decode(strings.ReplaceAll(recoveryKey, " ", ""))
	if err != nil {
		t.Fatalf("decoding recovery key: %v", err)
	}
	raw[10] ^= 0x01
	_, err = KeyFromRecoveryKey("key1", meta, base58.Encode(raw))
	if !errors.Is(err, ErrIncorrectParity) {
		t.Errorf("error = %v, want ErrIncorrectParity", err)
	}
}

func TestKeyFromRecoveryKey_WrongKeyFailsVerification(t *testing.T) {
	key, meta, _, err := GenerateKey("key1")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	defer key.Close()

	otherKey, _, otherRecovery, err := GenerateKey("key2")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	defer otherKey.Close()

	// A well-formed recovery key for a different master key passes
	// parity but fails the metadata MAC.
	_, err = KeyFromRecoveryKey("key1", meta, otherRecovery)
	if err == nil {
		t.Fatal("KeyFromRecoveryKey accepted the wrong key")
	}
	if errors.Is(err, ErrIncorrectParity) {
		t.Error("wrong key misreported as a parity error")
	}
}

func TestKeyFromPassphrase(t *testing.T) {
	// Build metadata for a passphrase-derived key, then re-derive.
	passphrase := func() *secret.Buffer {
		buffer, err := secret.NewFromBytes([]byte("correct horse battery staple"))
		if err != nil {
			t.Fatalf("NewFromBytes: %v", err)
		}
		return buffer
	}

	meta := KeyMetadata{
		Algorithm: AlgorithmAESHMACSHA2,
		Passphrase: &PassphraseParams{
			Algorithm:  AlgorithmPBKDF2,
			Iterations: 1000, // kept low for test runtime
			Salt:       "pepper",
			Bits:       256,
		},
	}

	key, err := KeyFromPassphrase("key1", meta, passphrase())
	if err != nil {
		t.Fatalf("KeyFromPassphrase: %v", err)
	}
	defer key.Close()

	// Stamp the verification pair, then check a re-derivation against
	// it, and a wrong passphrase against it.
	envelope, err := key.EncryptSecret("", make([]byte, 32))
	if err != nil {
		t.Fatalf("EncryptSecret: %v", err)
	}
	meta.IV = envelope.IV
	meta.MAC = envelope.MAC

	rederived, err := KeyFromPassphrase("key1", meta, passphrase())
	if err != nil {
		t.Fatalf("re-derivation: %v", err)
	}
	rederived.Close()

	wrong, err := secret.NewFromBytes([]byte("incorrect horse"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	if _, err := KeyFromPassphrase("key1", meta, wrong); err == nil {
		t.Error("KeyFromPassphrase accepted the wrong passphrase")
	}
}

func TestKeyFromPassphrase_UnsupportedAlgorithm(t *testing.T) {
	buffer, err := secret.NewFromBytes([]byte("pass"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	meta := KeyMetadata{
		Algorithm:  AlgorithmAESHMACSHA2,
		Passphrase: &PassphraseParams{Algorithm: "m.scrypt", Salt: "s"},
	}
	if _, err := KeyFromPassphrase("key1", meta, buffer); err == nil {
		t.Error("KeyFromPassphrase accepted an unsupported algorithm")
	}
}

func TestDecryptSecret_WrongNameOrTamper(t *testing.T) {
	key, _, _, err := GenerateKey("key1")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	defer key.Close()

	envelope, err := key.EncryptSecret("secret.a", []byte("payload"))
	if err != nil {
		t.Fatalf("EncryptSecret: %v", err)
	}

	// Envelope bound to its name: reading under another name fails.
	if _, err := key.DecryptSecret("secret.b", envelope); err == nil {
		t.Error("DecryptSecret accepted an envelope under the wrong name")
	}

	// Tampered ciphertext fails the MAC.
	raw, err := decodeBase64Field(envelope.Ciphertext)
	if err != nil {
		t.Fatalf("decoding ciphertext: %v", err)
	}
	raw[0] ^= 0x01
	tampered := envelope
	tampered.Ciphertext = encoding.EncodeToString(raw)
	if _, err := key.DecryptSecret("secret.a", tampered); err == nil {
		t.Error("DecryptSecret accepted tampered ciphertext")
	}
}

func TestDecodeBase64Field_AcceptsPadding(t *testing.T) {
	unpadded, err := decodeBase64Field("aGVsbG8")
	if err != nil {
		t.Fatalf("unpadded: %v", err)
	}
	padded, err := decodeBase64Field("aGVsbG8=")
	if err != nil {
		t.Fatalf("padded: %v", err)
	}
	if !bytes.Equal(unpadded, padded) || string(unpadded) != "hello" {
		t.Errorf("decoded = %q / %q", unpadded, padded)
	}
}
