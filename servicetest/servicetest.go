// Copyright 2023 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Package servicetest has helpers for tests that run a whole relay
package servicetest

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/authentic-execution/eventmanager/util"
	"github.com/authentic-execution/eventmanager/wire"
)

// TestClient speaks the relay protocol, failing the test on transport errors
type TestClient struct {
	t *testing.T
	C *wire.Client
}

// Do sends a command and returns its result
func (tc *TestClient) Do(code wire.CommandCode, payload []byte) *wire.Result {
	tc.t.Helper()
	res, err := tc.C.Do(&wire.Command{Code: code, Payload: payload})
	if err != nil {
		tc.t.Fatal(err)
	}
	return res
}

// MustDo sends a command and fails the test unless it returns Ok
func (tc *TestClient) MustDo(code wire.CommandCode, payload []byte) *wire.Result {
	tc.t.Helper()
	res := tc.Do(code, payload)
	if res.Code != wire.Ok {
		tc.t.Fatalf("%v returned %v, want Ok", code, res.Code)
	}
	return res
}

// NewTestClient connects to the relay at addr, closing the connection when
// the test ends
func NewTestClient(t *testing.T, addr string) *TestClient {
	c, err := wire.Dial(context.Background(), addr, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return &TestClient{t, c}
}

func RandBytes(t *testing.T, count uint32) []byte {
	bs := make([]byte, count)
	if _, err := rand.Read(bs); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return bs
}

// RandomAddr returns a loopback address with a port that was free a moment ago
func RandomAddr(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := listener.Addr().String()
	if err := listener.Close(); err != nil {
		t.Fatal(err)
	}
	return addr
}

func RetryFun[T any](timeout time.Duration, fun func() (T, error)) (T, error) {
	timech := time.After(timeout)
	var err error
	var res T
	for {
		select {
		case <-timech:
			return res, fmt.Errorf("timeout: %w", err)
		default:
			if res, err = fun(); err == nil {
				return res, nil
			}
			time.Sleep(util.Min(100*time.Millisecond, timeout/10))
		}
	}
}

func WaitFor200(timeout time.Duration, url string) error {
	_, err := RetryFun(timeout, func() (interface{}, error) {
		resp, err := http.Get(url)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("status=%v : %s", resp.Status, body)
		}
		return nil, nil
	})
	return err
}
