// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"testing"
)

func TestAccount_IdentityKeysStable(t *testing.T) {
	account, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	curve1, ed1 := account.IdentityKeys()
	curve2, ed2 := account.IdentityKeys()
	if curve1 != curve2 || ed1 != ed2 {
		t.Error("identity keys changed between calls")
	}
	if curve1.IsZero() || ed1.IsZero() {
		t.Error("identity keys are empty")
	}
}

func TestSignJSON_VerifyRoundTrip(t *testing.T) {
	account, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	_, signingKey := account.IdentityKeys()

	document := []byte(`{"user_id":"@alice:example.org","device_id":"DEV","keys":{"a":"b"}}`)
	signature, err := account.SignJSON(document)
	if err != nil {
		t.Fatalf("SignJSON: %v", err)
	}

	if err := VerifyJSON(document, signingKey, signature); err != nil {
		t.Errorf("VerifyJSON: %v", err)
	}

	// Signature must survive the signatures/unsigned members being
	// attached, and key reordering.
	decorated := []byte(`{"keys":{"a":"b"},"device_id":"DEV","user_id":"@alice:example.org","signatures":{"@alice:example.org":{"ed25519:DEV":"x"}},"unsigned":{"device_display_name":"laptop"}}`)
	if err := VerifyJSON(decorated, signingKey, signature); err != nil {
		t.Errorf("VerifyJSON with decorations: %v", err)
	}

	// Tampering with signed content must fail.
	tampered := []byte(`{"user_id":"@mallory:example.org","device_id":"DEV","keys":{"a":"b"}}`)
	if err := VerifyJSON(tampered, signingKey, signature); err == nil {
		t.Error("VerifyJSON accepted tampered document")
	}
}

func TestCanonicalJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"sorts keys", `{"b":1,"a":2}`, `{"a":2,"b":1}`},
		{"nested objects", `{"z":{"y":1,"x":2},"a":[3,{"c":1,"b":2}]}`, `{"a":[3,{"b":2,"c":1}],"z":{"x":2,"y":1}}`},
		{"strips whitespace", `{ "a" : 1 }`, `{"a":1}`},
		{"preserves integers", `{"n":9007199254740991}`, `{"n":9007199254740991}`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := CanonicalJSON([]byte(test.input))
			if err != nil {
				t.Fatalf("CanonicalJSON: %v", err)
			}
			if string(got) != test.want {
				t.Errorf("CanonicalJSON = %s, want %s", got, test.want)
			}
		})
	}
}

func TestOneTimeKeys_GeneratePublishCount(t *testing.T) {
	account, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}

	if err := account.GenerateOneTimeKeys(5); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	if got := account.OneTimeKeyCount(); got != 5 {
		t.Errorf("count = %d, want 5", got)
	}
	if got := len(account.UnpublishedOneTimeKeys()); got != 5 {
		t.Errorf("unpublished = %d, want 5", got)
	}

	account.MarkKeysPublished()
	if got := len(account.UnpublishedOneTimeKeys()); got != 0 {
		t.Errorf("unpublished after publish = %d, want 0", got)
	}
	if got := account.OneTimeKeyCount(); got != 5 {
		t.Errorf("count after publish = %d, want 5 (keys kept until claimed)", got)
	}

	// Pool caps at the maximum.
	if err := account.GenerateOneTimeKeys(MaxOneTimeKeys * 2); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	if got := account.OneTimeKeyCount(); got != MaxOneTimeKeys {
		t.Errorf("count = %d, want cap %d", got, MaxOneTimeKeys)
	}
}

func TestAccount_PickleRoundTrip(t *testing.T) {
	account, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	if err := account.GenerateOneTimeKeys(3); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	account.MarkKeysPublished()

	pickle, err := account.Pickle()
	if err != nil {
		t.Fatalf("Pickle: %v", err)
	}
	restored, err := UnpickleAccount(pickle)
	if err != nil {
		t.Fatalf("UnpickleAccount: %v", err)
	}

	curve1, ed1 := account.IdentityKeys()
	curve2, ed2 := restored.IdentityKeys()
	if curve1 != curve2 || ed1 != ed2 {
		t.Error("identity keys changed across pickle round trip")
	}
	if restored.OneTimeKeyCount() != 3 {
		t.Errorf("restored one-time keys = %d, want 3", restored.OneTimeKeyCount())
	}
	if len(restored.UnpublishedOneTimeKeys()) != 0 {
		t.Error("published flag lost across pickle round trip")
	}

	// Signatures from the restored account must verify against the
	// original's public key.
	signature, err := restored.SignJSON([]byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("SignJSON: %v", err)
	}
	if err := VerifyJSON([]byte(`{"a":1}`), ed1, signature); err != nil {
		t.Errorf("restored account signature: %v", err)
	}
}

func TestUnpickleAccount_Malformed(t *testing.T) {
	if _, err := UnpickleAccount([]byte("not cbor")); err == nil {
		t.Error("UnpickleAccount should reject garbage")
	}
}
