// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import "fmt"

// Decryption failure reason codes.
const (
	ReasonBadMessageFormat  = "BAD_MESSAGE_FORMAT"
	ReasonBadMAC            = "BAD_MAC"
	ReasonUnknownOneTimeKey = "UNKNOWN_ONE_TIME_KEY"
	ReasonUnknownSession    = "UNKNOWN_SESSION"
	ReasonReplayedMessage   = "REPLAYED_MESSAGE"
	ReasonRatchetTooFar     = "RATCHET_TOO_FAR"
)

// DecryptionError reports a cryptographic decryption failure with a
// specific reason code. These are terminal for the input that caused
// them: the affected message is left unresolved, never retried with
// the same session state.
type DecryptionError struct {
	Reason  string
	Message string
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("olm: decryption failed (%s): %s", e.Reason, e.Message)
}

func decryptionError(reason, format string, args ...any) *DecryptionError {
	return &DecryptionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}
