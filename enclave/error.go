// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package enclave

import (
	"errors"
	"fmt"
)

// Origin is the layer that produced an Error
type Origin uint32

const (
	OriginAPI        Origin = 1
	OriginComms      Origin = 2
	OriginTEE        Origin = 3
	OriginTrustedApp Origin = 4
)

// TEE result codes
const (
	ErrGeneric       uint32 = 0xFFFF0000
	ErrAccessDenied  uint32 = 0xFFFF0001
	ErrBadParameters uint32 = 0xFFFF0006
	ErrItemNotFound  uint32 = 0xFFFF0008
	ErrOutOfMemory   uint32 = 0xFFFF000C
	ErrCommunication uint32 = 0xFFFF000E
	ErrSecurity      uint32 = 0xFFFF000F
	ErrShortBuffer   uint32 = 0xFFFF0010
	ErrTargetDead    uint32 = 0xFFFF3024
	ErrMACInvalid    uint32 = 0xFFFF3071
)

var codeNames = map[uint32]string{
	ErrGeneric:       "GENERIC",
	ErrAccessDenied:  "ACCESS_DENIED",
	ErrBadParameters: "BAD_PARAMETERS",
	ErrItemNotFound:  "ITEM_NOT_FOUND",
	ErrOutOfMemory:   "OUT_OF_MEMORY",
	ErrCommunication: "COMMUNICATION",
	ErrSecurity:      "SECURITY",
	ErrShortBuffer:   "SHORT_BUFFER",
	ErrTargetDead:    "TARGET_DEAD",
	ErrMACInvalid:    "MAC_INVALID",
}

// Error is a failed call reported by the TEE or an enclave module
type Error struct {
	Code   uint32
	Origin Origin
}

func (e *Error) Error() string {
	name, ok := codeNames[e.Code]
	if !ok {
		name = fmt.Sprintf("0x%08x", e.Code)
	}
	return fmt.Sprintf("enclave error %s (origin %d)", name, e.Origin)
}

// Crypto reports whether the module rejected its input as unauthentic
func (e *Error) Crypto() bool {
	return e.Code == ErrSecurity || e.Code == ErrMACInvalid
}

// IsCrypto reports whether err is (or wraps) an Error for which Crypto is true
func IsCrypto(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Crypto()
}
