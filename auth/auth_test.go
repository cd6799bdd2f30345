// Copyright 2023 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package auth

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/authentic-execution/eventmanager/util"
)

func testAuth(at time.Time) *auth {
	return &auth{
		secret:     []byte{1, 2, 3, 4, 5},
		clock:      util.TestAt(at),
		expiration: 3600 * time.Second,
	}
}

func TestAuthWorks(t *testing.T) {
	a := testAuth(time.Unix(10000, 0))
	for _, user := range []string{"operator", "deployer", ""} {
		pass := a.PassFor(user)
		if err := a.Check(user, pass); err != nil {
			t.Errorf("Check(%q, %q)=%v, want success", user, pass, err)
		}
	}

	// still valid at either end of the window
	pass := a.PassFor("operator")
	for _, at := range []int64{10000 - 3600, 10000 + 3600} {
		if err := testAuth(time.Unix(at, 0)).Check("operator", pass); err != nil {
			t.Errorf("Check at %d = %v, want success", at, err)
		}
	}
}

func TestAuthRejects(t *testing.T) {
	a := testAuth(time.Unix(10000, 0))
	valid := a.PassFor("operator")

	for _, tt := range []struct {
		name, user, pass string
		want             error
	}{
		{"other user", "deployer", valid, ErrMismatch},
		{"no separator", "operator", "10000", ErrMalformed},
		{"bad timestamp", "operator", "abc:00", ErrMalformed},
		{"bad hex", "operator", "10000:zz", ErrMalformed},
		{"expired", "operator", fmt.Sprintf("%d:%x", 10000-3601, a.mac("operator", time.Unix(10000-3601, 0))), ErrExpired},
		{"future", "operator", fmt.Sprintf("%d:%x", 10000+3601, a.mac("operator", time.Unix(10000+3601, 0))), ErrExpired},
		{"truncated", "operator", valid[:len(valid)-2], ErrMismatch},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if err := a.Check(tt.user, tt.pass); !errors.Is(err, tt.want) {
				t.Errorf("Check()=%v, want %v", err, tt.want)
			}
		})
	}

	ts, sig, err := parsePass(valid)
	if err != nil {
		t.Fatal(err)
	}
	for i := range sig {
		for j := 0; j < 8; j++ {
			b := append([]byte(nil), sig...)
			b[i] ^= 1 << j
			badPass := fmt.Sprintf("%d:%x", ts.Unix(), b)
			if err := a.Check("operator", badPass); err == nil {
				t.Errorf("bitflipped pass, want error got success: valid=%q ours=%q", valid, badPass)
			}
		}
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(SecretEnv, "AQIDBAU=")
	a, enabled, err := FromEnv()
	if err != nil || !enabled {
		t.Fatalf("FromEnv()=%v, %v", enabled, err)
	}
	if err := a.Check("operator", a.PassFor("operator")); err != nil {
		t.Errorf("Check()=%v", err)
	}

	t.Setenv(SecretEnv, "not base64!")
	if _, _, err := FromEnv(); err == nil {
		t.Errorf("FromEnv() accepted invalid base64")
	}
}
