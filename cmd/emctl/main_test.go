// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/authentic-execution/eventmanager/wire"
)

func TestBuildCommand(t *testing.T) {
	image := filepath.Join(t.TempDir(), "module.ta")
	if err := os.WriteFile(image, []byte("TA"), 0o600); err != nil {
		t.Fatal(err)
	}
	id := uuid.New()

	for _, tt := range []struct {
		name string
		args []string
		code wire.CommandCode
		want []byte
	}{
		{"ping", nil, wire.Ping, nil},
		{"add-connection", []string{"--conn", "1", "--module", "2", "--local"}, wire.AddConnection,
			wire.AddConnectionPayload{ConnID: 1, ModuleID: 2, Local: true}.Marshal()},
		{"add-connection", []string{"--conn", "1", "--module", "2", "--dest", "10.0.0.7:1236"}, wire.AddConnection,
			wire.AddConnectionPayload{ConnID: 1, ModuleID: 2, Addr: [4]byte{10, 0, 0, 7}, Port: 1236}.Marshal()},
		{"remove-connection", []string{"--conn", "9"}, wire.RemoveConnection, wire.MarshalID(9)},
		{"call", []string{"--module", "2", "--entry", "5", "--data", "abcd"}, wire.CallEntrypoint,
			wire.CallEntrypointPayload{ModuleID: 2, Entry: 5, Data: []byte{0xab, 0xcd}}.Marshal()},
		{"load", []string{"--module", "2", "--uuid", id.String(), "--image", image}, wire.LoadEnclave,
			wire.LoadEnclavePayload{ModuleID: 2, UUID: id, Image: []byte("TA")}.Marshal()},
		{"unload", []string{"--module", "2"}, wire.UnloadEnclave, wire.MarshalID(2)},
		{"periodic", []string{"--module", "2", "--entry", "4", "--period", "1.5s"}, wire.RegisterPeriodicEntrypoint,
			wire.RegisterPeriodicPayload{ModuleID: 2, Entry: 4, PeriodMillis: 1500}.Marshal()},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := buildCommand(tt.name, tt.args)
			if err != nil {
				t.Fatal(err)
			}
			if cmd.Code != tt.code || string(cmd.Payload) != string(tt.want) {
				t.Errorf("buildCommand()=%v %x, want %v %x", cmd.Code, cmd.Payload, tt.code, tt.want)
			}
		})
	}
}

func TestBuildCommandErrors(t *testing.T) {
	for _, tt := range []struct {
		name string
		args []string
	}{
		{"add-connection", []string{"--conn", "1"}},
		{"add-connection", []string{"--dest", "[::1]:1236"}},
		{"remote-output", []string{"--tag", "00"}},
		{"load", []string{"--image", "/does/not/exist", "--uuid", uuid.NewString()}},
		{"load", []string{"--uuid", "nope"}},
		{"periodic", []string{"--period", "0s"}},
		{"frobnicate", nil},
	} {
		if _, err := buildCommand(tt.name, tt.args); err == nil {
			t.Errorf("buildCommand(%v, %v) succeeded", tt.name, tt.args)
		}
	}
}
