// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/loom-im/loom/homeserver"
)

var encoding = base64.RawStdEncoding

var labelKeys = []byte("LOOM_BACKUP_KEYS")

// deriveEnvelopeKeys expands an ECDH shared secret into AES-CTR and
// MAC keys plus the IV.
func deriveEnvelopeKeys(shared []byte) (aesKey, macKey, iv []byte, err error) {
	output := make([]byte, 80)
	reader := hkdf.New(sha256.New, shared, make([]byte, 32), labelKeys)
	if _, err := io.ReadFull(reader, output); err != nil {
		return nil, nil, nil, fmt.Errorf("backup: deriving envelope keys: %w", err)
	}
	return output[:32], output[32:64], output[64:80], nil
}

// sealSessionData encrypts a session payload to the backup public key
// with a fresh ephemeral keypair.
func sealSessionData(backupPublicKey, payload []byte) (homeserver.BackupSessionData, error) {
	ephemeralPrivate := make([]byte, 32)
	if _, err := rand.Read(ephemeralPrivate); err != nil {
		return homeserver.BackupSessionData{}, fmt.Errorf("backup: generating ephemeral key: %w", err)
	}
	ephemeralPublic, err := curve25519.X25519(ephemeralPrivate, curve25519.Basepoint)
	if err != nil {
		return homeserver.BackupSessionData{}, fmt.Errorf("backup: deriving ephemeral public key: %w", err)
	}
	shared, err := curve25519.X25519(ephemeralPrivate, backupPublicKey)
	if err != nil {
		return homeserver.BackupSessionData{}, fmt.Errorf("backup: envelope ECDH: %w", err)
	}

	aesKey, macKey, iv, err := deriveEnvelopeKeys(shared)
	if err != nil {
		return homeserver.BackupSessionData{}, err
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return homeserver.BackupSessionData{}, fmt.Errorf("backup: creating cipher: %w", err)
	}
	ciphertext := make([]byte, len(payload))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, payload)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)
	return homeserver.BackupSessionData{
		Ciphertext: encoding.EncodeToString(ciphertext),
		Ephemeral:  encoding.EncodeToString(ephemeralPublic),
		MAC:        encoding.EncodeToString(mac.Sum(nil)),
	}, nil
}

// openSessionData decrypts a backed-up session payload with the backup
// private key.
func openSessionData(backupPrivateKey []byte, data homeserver.BackupSessionData) ([]byte, error) {
	ephemeralPublic, err := encoding.DecodeString(data.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("backup: envelope ephemeral key: %w", err)
	}
	ciphertext, err := encoding.DecodeString(data.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("backup: envelope ciphertext: %w", err)
	}
	wantMAC, err := encoding.DecodeString(data.MAC)
	if err != nil {
		return nil, fmt.Errorf("backup: envelope mac: %w", err)
	}

	shared, err := curve25519.X25519(backupPrivateKey, ephemeralPublic)
	if err != nil {
		return nil, fmt.Errorf("backup: envelope ECDH: %w", err)
	}
	aesKey, macKey, iv, err := deriveEnvelopeKeys(shared)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)
	if !hmac.Equal(mac.Sum(nil), wantMAC) {
		return nil, fmt.Errorf("backup: envelope failed authentication")
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("backup: creating cipher: %w", err)
	}
	payload := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(payload, ciphertext)
	return payload, nil
}
