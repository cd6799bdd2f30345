// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package routestore

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"

	"github.com/authentic-execution/eventmanager/config"
	"github.com/authentic-execution/eventmanager/registry"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	cfg := config.RedisConfig{
		Addrs:            []string{s.Addr()},
		Name:             "test",
		MinSleepDuration: time.Millisecond,
		MaxSleepDuration: 10 * time.Millisecond,
	}
	store := New(cfg, NewClient(cfg))
	t.Cleanup(func() { store.Close() })
	return store, s
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := testStore(t)
	want := []registry.Connection{
		{ID: 1, ModuleID: 3, Local: true, Dest: netip.MustParseAddrPort("0.0.0.0:0")},
		{ID: 2, ModuleID: 4, Dest: netip.MustParseAddrPort("192.168.0.9:1236")},
	}
	for _, c := range want {
		if err := store.Put(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	r := registry.NewConnections(nil)
	r.Load(got)
	if diff := cmp.Diff(want, r.List(), cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistryWritesThrough(t *testing.T) {
	ctx := context.Background()
	store, _ := testStore(t)
	r := registry.NewConnections(store)
	r.Add(ctx, registry.Connection{ID: 7, ModuleID: 3, Local: true, Dest: netip.MustParseAddrPort("0.0.0.0:0")})
	r.Add(ctx, registry.Connection{ID: 8, ModuleID: 3, Local: true, Dest: netip.MustParseAddrPort("0.0.0.0:0")})
	r.Remove(ctx, 7)

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != 8 {
		t.Errorf("Load()=%v, want only connection 8", got)
	}
}

func TestLoadSkipsMalformed(t *testing.T) {
	ctx := context.Background()
	store, s := testStore(t)
	s.HSet("test::connections", "5", "short")
	if err := store.Put(ctx, registry.Connection{ID: 6, Local: true, Dest: netip.MustParseAddrPort("0.0.0.0:0")}); err != nil {
		t.Fatal(err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != 6 {
		t.Errorf("Load()=%v, want only connection 6", got)
	}
}

func TestLoadUnavailable(t *testing.T) {
	store, s := testStore(t)
	s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := store.Load(ctx); err == nil {
		t.Errorf("Load() from stopped redis succeeded")
	}
}
