// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/uuid"
)

const (
	// TagSize is the length of an event's authentication tag
	TagSize = 16
	// ChallengeSize is the length of an attestation challenge
	ChallengeSize = 16
	// MACSize is the length of the attestation response
	MACSize = 16

	addConnectionLen = 11
	setKeyADLen      = 7
	setKeyDataLen    = setKeyADLen + 16 + TagSize
	attestDataLen    = 2 + ChallengeSize
)

func short(what string, got, want int) error {
	return fmt.Errorf("%s payload of %d bytes, need at least %d: %w", what, got, want, IllegalPayload)
}

// AddConnectionPayload describes a route for events with ConnID
//
//	conn_id:u16 | module_id:u16 | local:u8 | port:u16 | ipv4:4
type AddConnectionPayload struct {
	ConnID   uint16
	ModuleID uint16
	Local    bool
	Port     uint16
	Addr     [4]byte
}

// AddrPort is the remote relay events on this connection are forwarded to
func (p AddConnectionPayload) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(p.Addr), p.Port)
}

func ParseAddConnection(b []byte) (AddConnectionPayload, error) {
	if len(b) < addConnectionLen {
		return AddConnectionPayload{}, short("AddConnection", len(b), addConnectionLen)
	}
	p := AddConnectionPayload{
		ConnID:   binary.BigEndian.Uint16(b[0:]),
		ModuleID: binary.BigEndian.Uint16(b[2:]),
		Local:    b[4] != 0,
		Port:     binary.BigEndian.Uint16(b[5:]),
	}
	copy(p.Addr[:], b[7:11])
	return p, nil
}

func (p AddConnectionPayload) Marshal() []byte {
	b := make([]byte, 0, addConnectionLen)
	b = binary.BigEndian.AppendUint16(b, p.ConnID)
	b = binary.BigEndian.AppendUint16(b, p.ModuleID)
	if p.Local {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = binary.BigEndian.AppendUint16(b, p.Port)
	return append(b, p.Addr[:]...)
}

// CallEntrypointPayload asks a module to run one of its entrypoints
//
//	module_id:u16 | entry:u16 | data
type CallEntrypointPayload struct {
	ModuleID uint16
	Entry    uint16
	Data     []byte
}

func ParseCallEntrypoint(b []byte) (CallEntrypointPayload, error) {
	if len(b) < 4 {
		return CallEntrypointPayload{}, short("CallEntrypoint", len(b), 4)
	}
	return CallEntrypointPayload{
		ModuleID: binary.BigEndian.Uint16(b[0:]),
		Entry:    binary.BigEndian.Uint16(b[2:]),
		Data:     b[4:],
	}, nil
}

func (p CallEntrypointPayload) Marshal() []byte {
	b := make([]byte, 0, 4+len(p.Data))
	b = binary.BigEndian.AppendUint16(b, p.ModuleID)
	b = binary.BigEndian.AppendUint16(b, p.Entry)
	return append(b, p.Data...)
}

// RemoteOutputPayload carries an encrypted event to its destination module
//
//	module_id:u16 | conn_id:u16 | ciphertext | tag:16
type RemoteOutputPayload struct {
	ModuleID   uint16
	ConnID     uint16
	Ciphertext []byte
	Tag        [TagSize]byte
}

func ParseRemoteOutput(b []byte) (RemoteOutputPayload, error) {
	if len(b) < 4+TagSize {
		return RemoteOutputPayload{}, short("RemoteOutput", len(b), 4+TagSize)
	}
	p := RemoteOutputPayload{
		ModuleID:   binary.BigEndian.Uint16(b[0:]),
		ConnID:     binary.BigEndian.Uint16(b[2:]),
		Ciphertext: b[4 : len(b)-TagSize],
	}
	copy(p.Tag[:], b[len(b)-TagSize:])
	return p, nil
}

func (p RemoteOutputPayload) Marshal() []byte {
	b := make([]byte, 0, 4+len(p.Ciphertext)+TagSize)
	b = binary.BigEndian.AppendUint16(b, p.ModuleID)
	b = binary.BigEndian.AppendUint16(b, p.ConnID)
	b = append(b, p.Ciphertext...)
	return append(b, p.Tag[:]...)
}

// LoadEnclavePayload installs a module image and binds it to ModuleID
//
//	module_id:u16 | uuid:16 | image
type LoadEnclavePayload struct {
	ModuleID uint16
	UUID     uuid.UUID
	Image    []byte
}

func ParseLoadEnclave(b []byte) (LoadEnclavePayload, error) {
	if len(b) < 18 {
		return LoadEnclavePayload{}, short("LoadEnclave", len(b), 18)
	}
	p := LoadEnclavePayload{
		ModuleID: binary.BigEndian.Uint16(b[0:]),
		Image:    b[18:],
	}
	copy(p.UUID[:], b[2:18])
	return p, nil
}

func (p LoadEnclavePayload) Marshal() []byte {
	b := make([]byte, 0, 18+len(p.Image))
	b = binary.BigEndian.AppendUint16(b, p.ModuleID)
	b = append(b, p.UUID[:]...)
	return append(b, p.Image...)
}

// RegisterPeriodicPayload schedules an entrypoint every PeriodMillis
//
//	module_id:u16 | entry:u16 | period_ms:u32
type RegisterPeriodicPayload struct {
	ModuleID     uint16
	Entry        uint16
	PeriodMillis uint32
}

func ParseRegisterPeriodic(b []byte) (RegisterPeriodicPayload, error) {
	if len(b) < 8 {
		return RegisterPeriodicPayload{}, short("RegisterPeriodicEntrypoint", len(b), 8)
	}
	return RegisterPeriodicPayload{
		ModuleID:     binary.BigEndian.Uint16(b[0:]),
		Entry:        binary.BigEndian.Uint16(b[2:]),
		PeriodMillis: binary.BigEndian.Uint32(b[4:]),
	}, nil
}

func (p RegisterPeriodicPayload) Marshal() []byte {
	b := make([]byte, 0, 8)
	b = binary.BigEndian.AppendUint16(b, p.ModuleID)
	b = binary.BigEndian.AppendUint16(b, p.Entry)
	return binary.BigEndian.AppendUint32(b, p.PeriodMillis)
}

// ParseID reads the single u16 id carried by RemoveConnection (a conn_id)
// and UnloadEnclave (a module_id).
func ParseID(b []byte) (uint16, error) {
	if len(b) < 2 {
		return 0, short("id", len(b), 2)
	}
	return binary.BigEndian.Uint16(b), nil
}

func MarshalID(id uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, id)
}

// SetKeyData is the CallEntrypoint data of the SetKey entrypoint
//
//	ad:7 | ciphertext:16 | tag:16
//
// where ad is encryption:u8 | conn_id:u16 | io_id:u16 | nonce:u16
type SetKeyData struct {
	AD         [setKeyADLen]byte
	Ciphertext [16]byte
	Tag        [TagSize]byte
}

func ParseSetKey(b []byte) (SetKeyData, error) {
	var d SetKeyData
	if len(b) < setKeyDataLen {
		return d, short("SetKey", len(b), setKeyDataLen)
	}
	n := copy(d.AD[:], b)
	n += copy(d.Ciphertext[:], b[n:])
	copy(d.Tag[:], b[n:])
	return d, nil
}

func (d SetKeyData) Marshal() []byte {
	b := make([]byte, 0, setKeyDataLen)
	b = append(b, d.AD[:]...)
	b = append(b, d.Ciphertext[:]...)
	return append(b, d.Tag[:]...)
}

func (d SetKeyData) Encryption() uint8 { return d.AD[0] }
func (d SetKeyData) ConnID() uint16    { return binary.BigEndian.Uint16(d.AD[1:]) }
func (d SetKeyData) IOID() uint16      { return binary.BigEndian.Uint16(d.AD[3:]) }
func (d SetKeyData) Nonce() uint16     { return binary.BigEndian.Uint16(d.AD[5:]) }

// AttestData is the CallEntrypoint data of the Attest entrypoint
//
//	challenge_len:u16 | challenge:16
//
// The challenge is always 16 bytes; challenge_len is not interpreted.
type AttestData struct {
	Challenge [ChallengeSize]byte
}

func ParseAttest(b []byte) (AttestData, error) {
	var d AttestData
	if len(b) < attestDataLen {
		return d, short("Attest", len(b), attestDataLen)
	}
	copy(d.Challenge[:], b[2:])
	return d, nil
}

func (d AttestData) Marshal() []byte {
	b := binary.BigEndian.AppendUint16(make([]byte, 0, attestDataLen), ChallengeSize)
	return append(b, d.Challenge[:]...)
}
