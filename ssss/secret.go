// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package ssss

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// EncryptedSecret is one key ID's entry in a secret's account-data
// "encrypted" map.
type EncryptedSecret struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
}

// deriveSecretKeys expands the master key into per-secret AES and MAC
// keys, bound to the secret's name so envelopes cannot be swapped
// between secrets.
func (k *Key) deriveSecretKeys(name string) (aesKey, macKey []byte, err error) {
	output := make([]byte, 64)
	reader := hkdf.New(sha256.New, k.key.Bytes(), nil, []byte(name))
	if _, err := io.ReadFull(reader, output); err != nil {
		return nil, nil, fmt.Errorf("ssss: deriving keys for secret %q: %w", name, err)
	}
	return output[:32], output[32:], nil
}

func (k *Key) encryptCTR(name string, plaintext, iv []byte) (ciphertext, mac []byte, err error) {
	aesKey, macKey, err := k.deriveSecretKeys(name)
	if err != nil {
		return nil, nil, err
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, nil, fmt.Errorf("ssss: creating cipher: %w", err)
	}
	ciphertext = make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	hash := hmac.New(sha256.New, macKey)
	hash.Write(ciphertext)
	return ciphertext, hash.Sum(nil), nil
}

// EncryptSecret seals a named secret under the master key.
func (k *Key) EncryptSecret(name string, plaintext []byte) (EncryptedSecret, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return EncryptedSecret{}, fmt.Errorf("ssss: generating iv: %w", err)
	}
	// Clearing bit 63 avoids CTR counter overflow into the IV half.
	iv[8] &= 0x7f

	ciphertext, mac, err := k.encryptCTR(name, plaintext, iv)
	if err != nil {
		return EncryptedSecret{}, err
	}
	return EncryptedSecret{
		IV:         encoding.EncodeToString(iv),
		Ciphertext: encoding.EncodeToString(ciphertext),
		MAC:        encoding.EncodeToString(mac),
	}, nil
}

// DecryptSecret opens a named secret's envelope, verifying the MAC
// before returning plaintext.
func (k *Key) DecryptSecret(name string, envelope EncryptedSecret) ([]byte, error) {
	iv, err := decodeBase64Field(envelope.IV)
	if err != nil {
		return nil, fmt.Errorf("ssss: secret %q iv: %w", name, err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("ssss: secret %q iv is %d bytes, want %d", name, len(iv), aes.BlockSize)
	}
	ciphertext, err := decodeBase64Field(envelope.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("ssss: secret %q ciphertext: %w", name, err)
	}
	wantMAC, err := decodeBase64Field(envelope.MAC)
	if err != nil {
		return nil, fmt.Errorf("ssss: secret %q mac: %w", name, err)
	}

	aesKey, macKey, err := k.deriveSecretKeys(name)
	if err != nil {
		return nil, err
	}
	hash := hmac.New(sha256.New, macKey)
	hash.Write(ciphertext)
	if !hmac.Equal(hash.Sum(nil), wantMAC) {
		return nil, fmt.Errorf("ssss: secret %q failed authentication (wrong key or corrupted data)", name)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("ssss: creating cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}
