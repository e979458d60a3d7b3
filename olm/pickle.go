// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"fmt"

	"github.com/loom-im/loom/lib/codec"
	"github.com/loom-im/loom/lib/ref"
)

type skippedKeyPickle struct {
	RatchetKey []byte `json:"ratchet_key"`
	Index      uint32 `json:"index"`
	Key        []byte `json:"key"`
}

type preKeyBootstrapPickle struct {
	IdentityKey []byte `json:"identity_key"`
	BaseKey     []byte `json:"base_key"`
	OneTimeKey  []byte `json:"one_time_key"`
}

type sessionPickle struct {
	ID           string `json:"id"`
	PeerIdentity string `json:"peer_identity"`

	RootKey   []byte `json:"root_key"`
	DHPrivate []byte `json:"dh_private"`
	DHPublic  []byte `json:"dh_public"`
	PeerDH    []byte `json:"peer_dh,omitempty"`

	SendChainKey   []byte `json:"send_chain_key,omitempty"`
	SendChainIndex uint32 `json:"send_chain_index,omitempty"`
	HasSendChain   bool   `json:"has_send_chain,omitempty"`

	RecvChainKey   []byte `json:"recv_chain_key,omitempty"`
	RecvChainIndex uint32 `json:"recv_chain_index,omitempty"`
	HasRecvChain   bool   `json:"has_recv_chain,omitempty"`

	PrevChainLen uint32                 `json:"prev_chain_len,omitempty"`
	Skipped      []skippedKeyPickle     `json:"skipped,omitempty"`
	PreKey       *preKeyBootstrapPickle `json:"pre_key,omitempty"`
}

// Pickle serializes the session for storage.
func (s *Session) Pickle() ([]byte, error) {
	pickle := sessionPickle{
		ID:           s.id.String(),
		PeerIdentity: s.peerIdentity.String(),
		RootKey:      s.rootKey,
		DHPrivate:    s.dhPrivate,
		DHPublic:     s.dhPublic,
		PeerDH:       s.peerDH,
		PrevChainLen: s.prevChainLen,
	}
	if s.sendChain != nil {
		pickle.HasSendChain = true
		pickle.SendChainKey = s.sendChain.key
		pickle.SendChainIndex = s.sendChain.index
	}
	if s.recvChain != nil {
		pickle.HasRecvChain = true
		pickle.RecvChainKey = s.recvChain.key
		pickle.RecvChainIndex = s.recvChain.index
	}
	for id, key := range s.skipped {
		pickle.Skipped = append(pickle.Skipped, skippedKeyPickle{
			RatchetKey: []byte(id.ratchetKey),
			Index:      id.index,
			Key:        key,
		})
	}
	if s.pendingPreKey != nil {
		pickle.PreKey = &preKeyBootstrapPickle{
			IdentityKey: s.pendingPreKey.identityKey,
			BaseKey:     s.pendingPreKey.baseKey,
			OneTimeKey:  s.pendingPreKey.oneTimeKey,
		}
	}
	data, err := codec.Marshal(pickle)
	if err != nil {
		return nil, fmt.Errorf("olm: pickling session: %w", err)
	}
	return data, nil
}

// UnpickleSession restores a session from its pickle.
func UnpickleSession(data []byte) (*Session, error) {
	var pickle sessionPickle
	if err := codec.Unmarshal(data, &pickle); err != nil {
		return nil, fmt.Errorf("olm: unpickling session: %w", err)
	}
	id, err := ref.ParseSessionID(pickle.ID)
	if err != nil {
		return nil, fmt.Errorf("olm: session pickle ID: %w", err)
	}
	session := &Session{
		id:           id,
		peerIdentity: ref.Curve25519(pickle.PeerIdentity),
		rootKey:      pickle.RootKey,
		dhPrivate:    pickle.DHPrivate,
		dhPublic:     pickle.DHPublic,
		peerDH:       pickle.PeerDH,
		prevChainLen: pickle.PrevChainLen,
		skipped:      make(map[skippedKeyID][]byte, len(pickle.Skipped)),
	}
	if pickle.HasSendChain {
		session.sendChain = &chain{key: pickle.SendChainKey, index: pickle.SendChainIndex}
	}
	if pickle.HasRecvChain {
		session.recvChain = &chain{key: pickle.RecvChainKey, index: pickle.RecvChainIndex}
	}
	for _, skipped := range pickle.Skipped {
		session.skipped[skippedKeyID{ratchetKey: string(skipped.RatchetKey), index: skipped.Index}] = skipped.Key
	}
	if pickle.PreKey != nil {
		session.pendingPreKey = &preKeyBootstrap{
			identityKey: pickle.PreKey.IdentityKey,
			baseKey:     pickle.PreKey.BaseKey,
			oneTimeKey:  pickle.PreKey.OneTimeKey,
		}
	}
	return session, nil
}
