// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"net/netip"

	"github.com/google/uuid"
)

func parseDest(s string) (netip.AddrPort, error) {
	if s == "" {
		return netip.AddrPort{}, fmt.Errorf("remote connections need --dest")
	}
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("--dest: %w", err)
	}
	if !addr.Addr().Unmap().Is4() {
		return netip.AddrPort{}, fmt.Errorf("--dest %v is not an ipv4 address", addr)
	}
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), nil
}

func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.UUID{}, fmt.Errorf("missing --uuid")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("--uuid: %w", err)
	}
	return u, nil
}
