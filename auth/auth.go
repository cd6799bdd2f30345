// Copyright 2023 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Package auth authenticates operators of the control HTTP surface using
// short lived basic auth credentials derived from a shared secret.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/authentic-execution/eventmanager/util"
)

const (
	// SecretEnv names the environment variable holding the base64 secret
	SecretEnv = "CONTROL_SECRET"

	// DefaultMaxAge is how long a generated password stays valid
	DefaultMaxAge = time.Hour

	macLen = 16
)

var (
	ErrMalformed = errors.New("malformed password")
	ErrExpired   = errors.New("password expired")
	ErrMismatch  = errors.New("mac mismatch")
)

// Auth allows us to check a username and password, or generate a password for a user.
type Auth interface {
	// Check returns nil if this user/pass combination is legitimate.
	// Otherwise, it returns an error describing the reason it's invalid.
	Check(user, pass string) error
	// PassFor returns a valid password for a given user at the current time.
	PassFor(user string) string
}

// New returns an Auth whose passwords are valid for maxAge on either side
// of their timestamp.
func New(secret []byte, maxAge time.Duration) Auth {
	return &auth{secret: secret, clock: util.RealClock, expiration: maxAge}
}

// FromEnv builds an Auth from the base64 secret in SecretEnv. It returns
// AlwaysAllow and false if the variable is unset.
func FromEnv() (Auth, bool, error) {
	secret, ok := os.LookupEnv(SecretEnv)
	if !ok {
		return AlwaysAllow, false, nil
	}
	b, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, false, fmt.Errorf("%s invalid base64: %w", SecretEnv, err)
	}
	if len(b) == 0 {
		return nil, false, fmt.Errorf("%s is empty", SecretEnv)
	}
	return New(b, DefaultMaxAge), true, nil
}

type alwaysAllow struct{}

func (a alwaysAllow) Check(user, pass string) error {
	return nil
}
func (a alwaysAllow) PassFor(user string) string {
	return "unused"
}

// AlwaysAllow provides an Auth that will always allow clients to connect.
var AlwaysAllow = Auth(alwaysAllow{})

type auth struct {
	secret     []byte
	clock      util.Clock
	expiration time.Duration
}

func (a *auth) Check(user, pass string) error {
	ts, sig, err := parsePass(pass)
	if err != nil {
		return err
	}
	return a.valid(user, ts, sig)
}

// passwords have the form <unix seconds>:<hex mac>
func parsePass(pass string) (ts time.Time, sig []byte, _ error) {
	secs, hexSig, ok := strings.Cut(pass, ":")
	if !ok {
		return time.Time{}, nil, fmt.Errorf("%w: no separator", ErrMalformed)
	}
	unixSecs, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("%w: parsing timestamp: %v", ErrMalformed, err)
	}
	sig, err = hex.DecodeString(hexSig)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return time.Unix(unixSecs, 0), sig, nil
}

func (a *auth) mac(user string, ts time.Time) []byte {
	mac := hmac.New(sha256.New, a.secret)
	fmt.Fprintf(mac, "%s:%d", user, ts.Unix())
	return mac.Sum(nil)[:macLen]
}

func (a *auth) valid(user string, ts time.Time, sig []byte) error {
	diff := a.clock.Now().Sub(ts)
	if diff > a.expiration || diff < -a.expiration {
		return ErrExpired
	}
	if subtle.ConstantTimeCompare(a.mac(user, ts), sig) != 1 {
		return ErrMismatch
	}
	return nil
}

func (a *auth) PassFor(user string) string {
	ts := a.clock.Now()
	return fmt.Sprintf("%d:%x", ts.Unix(), a.mac(user, ts))
}
