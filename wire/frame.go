// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	standardHeaderLen = 3
	extendedHeaderLen = 5

	// MaxPayload is the largest payload of a standard frame
	MaxPayload = math.MaxUint16
)

var (
	// ErrPayloadTooLarge is returned when a frame's payload does not fit
	// its length field, or exceeds the reader's configured limit.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Command is a single request frame
type Command struct {
	Code    CommandCode
	Payload []byte
}

// Result is a single reply frame
type Result struct {
	Code    ResultCode
	Payload []byte
}

// NewResult returns a payload-less Result for err. A nil err is Ok; an err
// wrapping a ResultCode reports that code; anything else is GenericError.
func NewResult(err error) *Result {
	return &Result{Code: CodeOf(err)}
}

// CodeOf extracts the ResultCode an error should be reported as
func CodeOf(err error) ResultCode {
	if err == nil {
		return Ok
	}
	var code ResultCode
	if errors.As(err, &code) {
		return code
	}
	return GenericError
}

// readFull is io.ReadFull, except hitting EOF before any byte was read is
// also reported as io.ErrUnexpectedEOF. Used once a frame has started.
func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

// ReadCommand reads one command frame from r. Reads may return any number
// of bytes; the frame is reassembled regardless. If r is exhausted exactly
// at a frame boundary io.EOF is returned, and if it is exhausted within a
// frame io.ErrUnexpectedEOF is returned and the partial frame is dropped.
//
// Extended payloads longer than maxExtended fail with ErrPayloadTooLarge;
// the stream is then no longer aligned on a frame and must be closed.
//
// Unknown command codes are read as standard frames and returned with
// Code == Invalid.
func ReadCommand(r io.Reader, maxExtended uint32) (*Command, error) {
	var header [extendedHeaderLen]byte
	if _, err := io.ReadFull(r, header[:1]); err != nil {
		return nil, err
	}
	code := ParseCommandCode(header[0])
	var length uint32
	if code.Extended() {
		if err := readFull(r, header[1:extendedHeaderLen]); err != nil {
			return nil, err
		}
		length = binary.BigEndian.Uint32(header[1:])
		if length > maxExtended {
			return nil, fmt.Errorf("%v frame of %d bytes exceeds %d: %w", code, length, maxExtended, ErrPayloadTooLarge)
		}
	} else {
		if err := readFull(r, header[1:standardHeaderLen]); err != nil {
			return nil, err
		}
		length = uint32(binary.BigEndian.Uint16(header[1:]))
	}
	payload := make([]byte, length)
	if err := readFull(r, payload); err != nil {
		return nil, err
	}
	return &Command{Code: code, Payload: payload}, nil
}

// AppendCommand appends the framed encoding of c to buf
func AppendCommand(buf []byte, c *Command) ([]byte, error) {
	buf = append(buf, byte(c.Code))
	if c.Code.Extended() {
		if uint64(len(c.Payload)) > math.MaxUint32 {
			return nil, ErrPayloadTooLarge
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Payload)))
	} else {
		if len(c.Payload) > MaxPayload {
			return nil, fmt.Errorf("%v payload of %d bytes: %w", c.Code, len(c.Payload), ErrPayloadTooLarge)
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.Payload)))
	}
	return append(buf, c.Payload...), nil
}

// WriteCommand writes c to w as a single contiguous frame
func WriteCommand(w io.Writer, c *Command) error {
	headerLen := standardHeaderLen
	if c.Code.Extended() {
		headerLen = extendedHeaderLen
	}
	buf, err := AppendCommand(make([]byte, 0, headerLen+len(c.Payload)), c)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadResult reads one result frame from r, with the same EOF behavior as
// ReadCommand.
func ReadResult(r io.Reader) (*Result, error) {
	var header [standardHeaderLen]byte
	if _, err := io.ReadFull(r, header[:1]); err != nil {
		return nil, err
	}
	if err := readFull(r, header[1:]); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint16(header[1:]))
	if err := readFull(r, payload); err != nil {
		return nil, err
	}
	return &Result{Code: ParseResultCode(header[0]), Payload: payload}, nil
}

// WriteResult writes res to w as a single contiguous frame
func WriteResult(w io.Writer, res *Result) error {
	if len(res.Payload) > MaxPayload {
		return fmt.Errorf("result payload of %d bytes: %w", len(res.Payload), ErrPayloadTooLarge)
	}
	buf := make([]byte, 0, standardHeaderLen+len(res.Payload))
	buf = append(buf, byte(res.Code))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(res.Payload)))
	buf = append(buf, res.Payload...)
	_, err := w.Write(buf)
	return err
}
