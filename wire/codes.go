// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the relay's binary command protocol: command and
// result frames, and the payload layouts carried inside them.
//
// All multi-byte integers are big-endian. A command frame is
//
//	code:u8 | len:u16 | payload
//
// except LoadEnclave, whose image may exceed 64KiB:
//
//	code:u8 | len:u32 | payload
//
// Results are always code:u8 | len:u16 | payload.
package wire

import "fmt"

// CommandCode selects the handler for a command frame
type CommandCode uint8

const (
	AddConnection              CommandCode = 0
	CallEntrypoint             CommandCode = 1
	RemoteOutput               CommandCode = 2
	LoadEnclave                CommandCode = 3
	Ping                       CommandCode = 5
	RegisterPeriodicEntrypoint CommandCode = 6
	// Invalid is what every unrecognized code decodes to. Invalid commands
	// are consumed from the stream but never dispatched.
	Invalid          CommandCode = 7
	RemoveConnection CommandCode = 8
	UnloadEnclave    CommandCode = 9
)

var commandNames = map[CommandCode]string{
	AddConnection:              "AddConnection",
	CallEntrypoint:             "CallEntrypoint",
	RemoteOutput:               "RemoteOutput",
	LoadEnclave:                "LoadEnclave",
	Ping:                       "Ping",
	RegisterPeriodicEntrypoint: "RegisterPeriodicEntrypoint",
	Invalid:                    "Invalid",
	RemoveConnection:           "RemoveConnection",
	UnloadEnclave:              "UnloadEnclave",
}

// ParseCommandCode maps a code byte to a CommandCode, or Invalid if the byte
// is not a known command (including the retired code 4).
func ParseCommandCode(b byte) CommandCode {
	c := CommandCode(b)
	if _, ok := commandNames[c]; !ok {
		return Invalid
	}
	return c
}

// Extended reports whether frames with this code carry a 32-bit length
func (c CommandCode) Extended() bool { return c == LoadEnclave }

func (c CommandCode) String() string {
	if str, ok := commandNames[c]; ok {
		return str
	}
	return fmt.Sprintf("UnknownCommand(%d)", uint8(c))
}

// ResultCode is the status of a handled command. ResultCode implements
// error so handlers may return (and wrap) it directly.
type ResultCode uint8

const (
	Ok             ResultCode = 0
	IllegalCommand ResultCode = 1
	IllegalPayload ResultCode = 2
	InternalError  ResultCode = 3
	BadRequest     ResultCode = 4
	CryptoError    ResultCode = 5
	GenericError   ResultCode = 6
)

var resultNames = [...]string{
	Ok:             "Ok",
	IllegalCommand: "IllegalCommand",
	IllegalPayload: "IllegalPayload",
	InternalError:  "InternalError",
	BadRequest:     "BadRequest",
	CryptoError:    "CryptoError",
	GenericError:   "GenericError",
}

// ParseResultCode maps a result byte to a ResultCode. Codes this relay
// doesn't know are treated as GenericError.
func ParseResultCode(b byte) ResultCode {
	if int(b) >= len(resultNames) {
		return GenericError
	}
	return ResultCode(b)
}

// Error implements the `error` interface on ResultCode.
func (r ResultCode) Error() string {
	if int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("UnknownResultCode(%d)", uint8(r))
}

func (r ResultCode) String() string { return r.Error() }
