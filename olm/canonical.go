// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON re-encodes a JSON document in Matrix canonical form:
// object keys sorted lexicographically, no insignificant whitespace,
// numbers preserved as written. Signatures over device keys and
// one-time keys are computed over this form with the "signatures" and
// "unsigned" members removed.
func CanonicalJSON(input []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(input))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("olm: parsing JSON for canonicalization: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// signableJSON returns the canonical form of input with the
// "signatures" and "unsigned" members stripped from the top level.
func signableJSON(input []byte) ([]byte, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(input, &object); err != nil {
		return nil, fmt.Errorf("olm: parsing JSON object for signing: %w", err)
	}
	delete(object, "signatures")
	delete(object, "unsigned")
	stripped, err := json.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("olm: re-encoding JSON for signing: %w", err)
	}
	return CanonicalJSON(stripped)
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodedKey, err := json.Marshal(key)
			if err != nil {
				return fmt.Errorf("olm: encoding key %q: %w", key, err)
			}
			buf.Write(encodedKey)
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, element := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, element); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(v.String())
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("olm: encoding value: %w", err)
		}
		buf.Write(encoded)
	}
	return nil
}
