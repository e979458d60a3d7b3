// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package megolm

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var encoding = base64.RawStdEncoding

// Key schedule label. Changing it breaks every stored session pickle
// and all in-flight group messages.
var labelKeys = []byte("LOOM_MEGOLM_KEYS")

const macLength = 8

// messageKey derives the message key for the chain's current index.
func messageKey(chainKey []byte) []byte {
	mac := hmac.New(sha256.New, chainKey)
	mac.Write([]byte{0x01})
	return mac.Sum(nil)
}

// advanceChain steps the hash ratchet forward by one message. There is
// no inverse: holders of chain state at index n cannot derive keys for
// indices below n.
func advanceChain(chainKey []byte) []byte {
	mac := hmac.New(sha256.New, chainKey)
	mac.Write([]byte{0x02})
	return mac.Sum(nil)
}

// deriveCipherKeys expands a message key into AES key, MAC key, and IV.
func deriveCipherKeys(msgKey []byte) (aesKey, macKey, iv []byte, err error) {
	output := make([]byte, 80)
	reader := hkdf.New(sha256.New, msgKey, nil, labelKeys)
	if _, err := io.ReadFull(reader, output); err != nil {
		return nil, nil, nil, fmt.Errorf("megolm: deriving cipher keys: %w", err)
	}
	return output[:32], output[32:64], output[64:80], nil
}

// seal encrypts plaintext with the message key (AES-256-CBC, PKCS#7)
// and returns the ciphertext plus a truncated HMAC-SHA256 over
// associatedData || ciphertext.
func seal(msgKey, plaintext, associatedData []byte) (ciphertext, messageMAC []byte, err error) {
	aesKey, macKey, iv, err := deriveCipherKeys(msgKey)
	if err != nil {
		return nil, nil, err
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, nil, fmt.Errorf("megolm: creating cipher: %w", err)
	}
	padded := padPKCS7(plaintext, aes.BlockSize)
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(associatedData)
	mac.Write(ciphertext)
	return ciphertext, mac.Sum(nil)[:macLength], nil
}

// open verifies the MAC and decrypts. MAC verification happens before
// any decryption work.
func open(msgKey, ciphertext, associatedData, messageMAC []byte) ([]byte, error) {
	aesKey, macKey, iv, err := deriveCipherKeys(msgKey)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, macKey)
	mac.Write(associatedData)
	mac.Write(ciphertext)
	if !hmac.Equal(mac.Sum(nil)[:macLength], messageMAC) {
		return nil, decryptionError(ReasonBadMAC, "message authentication failed")
	}

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, decryptionError(ReasonBadMessageFormat, "ciphertext length %d not a block multiple", len(ciphertext))
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("megolm: creating cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := unpadPKCS7(plaintext, aes.BlockSize)
	if err != nil {
		return nil, decryptionError(ReasonBadMessageFormat, "%v", err)
	}
	return unpadded, nil
}

// associatedData binds a ciphertext to its ratchet index.
func associatedData(index uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, index)
}

// signingInput is what the session's ed25519 key signs: index,
// ciphertext, and MAC, so none of the three can be swapped out.
func signingInput(index uint32, ciphertext, mac []byte) []byte {
	input := make([]byte, 0, 4+len(ciphertext)+len(mac))
	input = binary.BigEndian.AppendUint32(input, index)
	input = append(input, ciphertext...)
	return append(input, mac...)
}

func padPKCS7(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}
