// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/loom-im/loom/lib/codec"
	"github.com/loom-im/loom/lib/ref"
)

// encoding for all key material crossing the wire. Matrix uses
// unpadded standard base64.
var encoding = base64.RawStdEncoding

// One-time key pool sizing. The server-reported unclaimed count is
// topped back up to the target after each sync cycle; the pool never
// exceeds the maximum.
const (
	MaxOneTimeKeys    = 100
	TargetOneTimeKeys = 50
)

type oneTimeKey struct {
	ID        string
	Private   []byte
	Public    []byte
	Published bool
}

// Account is a device's long-term cryptographic identity: an ed25519
// signing key, a curve25519 identity key, and the pool of one-time
// keys offered to peers for session establishment.
//
// Account is not safe for concurrent use; the owning session layer
// serializes access.
type Account struct {
	signingKey      ed25519.PrivateKey
	identityPrivate []byte
	identityPublic  []byte
	nextKeyID       uint32
	oneTimeKeys     map[string]*oneTimeKey
}

// NewAccount generates a fresh device identity.
func NewAccount() (*Account, error) {
	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("olm: generating signing key: %w", err)
	}
	identityPrivate, identityPublic, err := generateCurveKeypair()
	if err != nil {
		return nil, err
	}
	return &Account{
		signingKey:      signingKey,
		identityPrivate: identityPrivate,
		identityPublic:  identityPublic,
		oneTimeKeys:     make(map[string]*oneTimeKey),
	}, nil
}

func generateCurveKeypair() (private, public []byte, err error) {
	private = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return nil, nil, fmt.Errorf("olm: generating curve25519 key: %w", err)
	}
	public, err = curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("olm: deriving curve25519 public key: %w", err)
	}
	return private, public, nil
}

// IdentityKeys returns the public identity keys in wire encoding.
func (a *Account) IdentityKeys() (ref.Curve25519, ref.Ed25519) {
	curve := ref.Curve25519(encoding.EncodeToString(a.identityPublic))
	signing := ref.Ed25519(encoding.EncodeToString(a.signingKey.Public().(ed25519.PublicKey)))
	return curve, signing
}

// SignJSON signs a JSON document with the account's ed25519 key. The
// signature covers the canonical form with "signatures" and "unsigned"
// removed, per the Matrix signing rules.
func (a *Account) SignJSON(document []byte) (string, error) {
	canonical, err := signableJSON(document)
	if err != nil {
		return "", err
	}
	return encoding.EncodeToString(ed25519.Sign(a.signingKey, canonical)), nil
}

// VerifyJSON checks an ed25519 signature over a JSON document against
// the given public key, applying the same canonicalization as SignJSON.
func VerifyJSON(document []byte, key ref.Ed25519, signature string) error {
	canonical, err := signableJSON(document)
	if err != nil {
		return err
	}
	publicKey, err := encoding.DecodeString(key.String())
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("olm: malformed ed25519 key %q", key)
	}
	signatureBytes, err := encoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("olm: malformed signature: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), canonical, signatureBytes) {
		return fmt.Errorf("olm: signature verification failed")
	}
	return nil
}

// GenerateOneTimeKeys adds count fresh one-time keys to the pool,
// capped at MaxOneTimeKeys total.
func (a *Account) GenerateOneTimeKeys(count int) error {
	for range count {
		if len(a.oneTimeKeys) >= MaxOneTimeKeys {
			return nil
		}
		private, public, err := generateCurveKeypair()
		if err != nil {
			return err
		}
		a.nextKeyID++
		var idBytes [4]byte
		binary.BigEndian.PutUint32(idBytes[:], a.nextKeyID)
		id := encoding.EncodeToString(idBytes[:])
		a.oneTimeKeys[id] = &oneTimeKey{ID: id, Private: private, Public: public}
	}
	return nil
}

// UnpublishedOneTimeKeys returns the keys not yet uploaded, keyed by
// key ID.
func (a *Account) UnpublishedOneTimeKeys() map[string]ref.Curve25519 {
	keys := make(map[string]ref.Curve25519)
	for id, key := range a.oneTimeKeys {
		if !key.Published {
			keys[id] = ref.Curve25519(encoding.EncodeToString(key.Public))
		}
	}
	return keys
}

// MarkKeysPublished flags every pending one-time key as uploaded.
// Called after a successful /keys/upload.
func (a *Account) MarkKeysPublished() {
	for _, key := range a.oneTimeKeys {
		key.Published = true
	}
}

// OneTimeKeyCount returns the number of keys currently held (claimed
// keys are removed when consumed).
func (a *Account) OneTimeKeyCount() int {
	return len(a.oneTimeKeys)
}

// takeOneTimeKey consumes the one-time key with the given public part,
// removing it from the pool. A key is used for exactly one inbound
// session; re-use would break forward secrecy.
func (a *Account) takeOneTimeKey(public []byte) ([]byte, bool) {
	for id, key := range a.oneTimeKeys {
		if string(key.Public) == string(public) {
			delete(a.oneTimeKeys, id)
			return key.Private, true
		}
	}
	return nil, false
}

type oneTimeKeyPickle struct {
	ID        string `json:"id"`
	Private   []byte `json:"private"`
	Public    []byte `json:"public"`
	Published bool   `json:"published"`
}

type accountPickle struct {
	SigningKey      []byte             `json:"signing_key"`
	IdentityPrivate []byte             `json:"identity_private"`
	NextKeyID       uint32             `json:"next_key_id"`
	OneTimeKeys     []oneTimeKeyPickle `json:"one_time_keys"`
}

// Pickle serializes the account for storage. The pickle contains
// private key material; storage is trusted with it (the database file
// carries the caller's filesystem permissions).
func (a *Account) Pickle() ([]byte, error) {
	pickle := accountPickle{
		SigningKey:      a.signingKey.Seed(),
		IdentityPrivate: a.identityPrivate,
		NextKeyID:       a.nextKeyID,
	}
	for _, key := range a.oneTimeKeys {
		pickle.OneTimeKeys = append(pickle.OneTimeKeys, oneTimeKeyPickle{
			ID: key.ID, Private: key.Private, Public: key.Public, Published: key.Published,
		})
	}
	data, err := codec.Marshal(pickle)
	if err != nil {
		return nil, fmt.Errorf("olm: pickling account: %w", err)
	}
	return data, nil
}

// UnpickleAccount restores an account from its pickle.
func UnpickleAccount(data []byte) (*Account, error) {
	var pickle accountPickle
	if err := codec.Unmarshal(data, &pickle); err != nil {
		return nil, fmt.Errorf("olm: unpickling account: %w", err)
	}
	if len(pickle.SigningKey) != ed25519.SeedSize {
		return nil, fmt.Errorf("olm: account pickle has malformed signing key")
	}
	identityPublic, err := curve25519.X25519(pickle.IdentityPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("olm: account pickle has malformed identity key: %w", err)
	}
	account := &Account{
		signingKey:      ed25519.NewKeyFromSeed(pickle.SigningKey),
		identityPrivate: pickle.IdentityPrivate,
		identityPublic:  identityPublic,
		nextKeyID:       pickle.NextKeyID,
		oneTimeKeys:     make(map[string]*oneTimeKey, len(pickle.OneTimeKeys)),
	}
	for _, key := range pickle.OneTimeKeys {
		account.oneTimeKeys[key.ID] = &oneTimeKey{
			ID: key.ID, Private: key.Private, Public: key.Public, Published: key.Published,
		}
	}
	return account, nil
}
