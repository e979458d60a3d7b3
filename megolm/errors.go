// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package megolm

import "fmt"

// Decryption failure reason codes.
const (
	ReasonBadMessageFormat    = "BAD_MESSAGE_FORMAT"
	ReasonBadMAC              = "BAD_MAC"
	ReasonBadSignature        = "BAD_SIGNATURE"
	ReasonUnknownMessageIndex = "UNKNOWN_MESSAGE_INDEX"
)

// DecryptionError reports a group-message decryption failure with a
// specific reason code. Terminal for the input: never retried with the
// same session state.
type DecryptionError struct {
	Reason  string
	Message string
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("megolm: decryption failed (%s): %s", e.Reason, e.Message)
}

func decryptionError(reason, format string, args ...any) *DecryptionError {
	return &DecryptionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}
