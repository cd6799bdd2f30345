// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package enclave

// ParamType describes how a Param is passed to the enclave
type ParamType uint8

const (
	ParamNone ParamType = iota
	ValueInput
	ValueOutput
	ValueInout
	MemrefInput
	MemrefOutput
	MemrefInout
)

// Memref reports whether the param carries a buffer rather than a value pair
func (t ParamType) Memref() bool { return t >= MemrefInput }

// Input reports whether the param's contents are sent to the enclave
func (t ParamType) Input() bool {
	return t == ValueInput || t == ValueInout || t == MemrefInput || t == MemrefInout
}

// Output reports whether the enclave writes the param back
func (t ParamType) Output() bool {
	return t == ValueOutput || t == ValueInout || t == MemrefOutput || t == MemrefInout
}

// Param is a single argument of an enclave command
type Param struct {
	Type ParamType
	// A and B are the value pair of a value param
	A, B uint32
	// Buffer is the memory of a memref param. Output memrefs are written in
	// place and Size is set to the number of bytes the enclave produced.
	Buffer []byte
	Size   int
}

// Value returns a value param
func Value(t ParamType, a, b uint32) Param { return Param{Type: t, A: a, B: b} }

// Memref returns a memref param over buf
func Memref(t ParamType, buf []byte) Param { return Param{Type: t, Buffer: buf, Size: len(buf)} }

// Operation holds the four params of an enclave command
type Operation struct {
	Params [4]Param
}

// Reset clears all params so the Operation may be reused
func (op *Operation) Reset() {
	op.Params = [4]Param{}
}
