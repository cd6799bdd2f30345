// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestPayloadRoundTrip(t *testing.T) {
	add := AddConnectionPayload{ConnID: 7, ModuleID: 3, Local: false, Port: 9000, Addr: [4]byte{127, 0, 0, 1}}
	if got, err := ParseAddConnection(add.Marshal()); err != nil || got != add {
		t.Errorf("ParseAddConnection()=%v,%v, want %v", got, err, add)
	}
	if got, want := add.AddrPort(), netip.MustParseAddrPort("127.0.0.1:9000"); got != want {
		t.Errorf("AddrPort()=%v, want %v", got, want)
	}

	call := CallEntrypointPayload{ModuleID: 3, Entry: 9, Data: []byte("event")}
	if got, err := ParseCallEntrypoint(call.Marshal()); err != nil || !cmp.Equal(got, call) {
		t.Errorf("ParseCallEntrypoint()=%v,%v, want %v", got, err, call)
	}

	out := RemoteOutputPayload{ModuleID: 1, ConnID: 2, Ciphertext: []byte{9, 9, 9}, Tag: [TagSize]byte{1, 2, 3}}
	if got, err := ParseRemoteOutput(out.Marshal()); err != nil || !cmp.Equal(got, out) {
		t.Errorf("ParseRemoteOutput()=%v,%v, want %v", got, err, out)
	}

	load := LoadEnclavePayload{ModuleID: 5, UUID: uuid.MustParse("d96a9b5c-1c2a-4f3e-8a1b-0123456789ab"), Image: []byte("TA")}
	if got, err := ParseLoadEnclave(load.Marshal()); err != nil || !cmp.Equal(got, load) {
		t.Errorf("ParseLoadEnclave()=%v,%v, want %v", got, err, load)
	}

	periodic := RegisterPeriodicPayload{ModuleID: 5, Entry: 3, PeriodMillis: 1500}
	if got, err := ParseRegisterPeriodic(periodic.Marshal()); err != nil || got != periodic {
		t.Errorf("ParseRegisterPeriodic()=%v,%v, want %v", got, err, periodic)
	}

	if got, err := ParseID(MarshalID(0xbeef)); err != nil || got != 0xbeef {
		t.Errorf("ParseID()=%v,%v, want %v", got, err, 0xbeef)
	}
}

func TestRemoteOutputEmptyCiphertext(t *testing.T) {
	got, err := ParseRemoteOutput(make([]byte, 4+TagSize))
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Ciphertext) != 0 {
		t.Errorf("len(Ciphertext)=%v, want 0", len(got.Ciphertext))
	}
}

func TestShortPayloads(t *testing.T) {
	for name, parse := range map[string]func([]byte) error{
		"AddConnection":  func(b []byte) error { _, err := ParseAddConnection(b); return err },
		"CallEntrypoint": func(b []byte) error { _, err := ParseCallEntrypoint(b[:3]); return err },
		"RemoteOutput":   func(b []byte) error { _, err := ParseRemoteOutput(b); return err },
		"LoadEnclave":    func(b []byte) error { _, err := ParseLoadEnclave(b); return err },
		"Periodic":       func(b []byte) error { _, err := ParseRegisterPeriodic(b[:7]); return err },
		"ID":             func(b []byte) error { _, err := ParseID(b[:1]); return err },
		"SetKey":         func(b []byte) error { _, err := ParseSetKey(b); return err },
		"Attest":         func(b []byte) error { _, err := ParseAttest(b); return err },
	} {
		// 8 bytes is too short for everything above (after the per-case trimming)
		if err := parse(make([]byte, 8)); !errors.Is(err, IllegalPayload) {
			t.Errorf("Parse%s(short)=%v, want %v", name, err, IllegalPayload)
		}
	}
}

func TestSetKeyData(t *testing.T) {
	raw := []byte{1, 0, 7, 0, 2, 0x01, 0x02}
	for i := 0; i < 32; i++ {
		raw = append(raw, byte(i))
	}
	d, err := ParseSetKey(raw)
	if err != nil {
		t.Fatal(err)
	}
	if d.Encryption() != 1 || d.ConnID() != 7 || d.IOID() != 2 || d.Nonce() != 0x0102 {
		t.Errorf("ParseSetKey() ad=%v,%v,%v,%v", d.Encryption(), d.ConnID(), d.IOID(), d.Nonce())
	}
	if d.Ciphertext[0] != 0 || d.Tag[0] != 16 {
		t.Errorf("ParseSetKey() ciphertext[0]=%v tag[0]=%v", d.Ciphertext[0], d.Tag[0])
	}
	if got := d.Marshal(); !cmp.Equal(got, raw) {
		t.Errorf("Marshal()=%x, want %x", got, raw)
	}
}

func TestAttestData(t *testing.T) {
	d := AttestData{Challenge: [ChallengeSize]byte{0xaa, 0xbb}}
	got, err := ParseAttest(d.Marshal())
	if err != nil || got != d {
		t.Errorf("ParseAttest()=%v,%v, want %v", got, err, d)
	}
}
