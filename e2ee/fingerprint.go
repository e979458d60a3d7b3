// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/loom-im/loom/lib/ref"
)

// Fingerprint renders a device signing key as a short human-comparable
// digest, grouped for reading aloud. Used in logs and verification
// surfaces; never in any trust decision.
func Fingerprint(key ref.Ed25519) string {
	sum := blake3.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:8])

	var grouped strings.Builder
	for i := 0; i < len(digest); i += 4 {
		if i > 0 {
			grouped.WriteByte(' ')
		}
		grouped.WriteString(digest[i : i+4])
	}
	return grouped.String()
}
