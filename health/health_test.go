// Copyright 2023 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package health

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return res.StatusCode, string(body)
}

func TestServingFromHealthy(t *testing.T) {
	h := New(nil)
	ts := httptest.NewServer(h)
	defer ts.Close()
	if status, _ := get(t, ts.URL); status != http.StatusOK {
		t.Errorf("nil error returned status: %v", status)
	}
	h.Set(errors.New("FUBAR"))
	if status, _ := get(t, ts.URL); status != http.StatusServiceUnavailable {
		t.Errorf("non-nil error returned status: %v", status)
	}
}

func TestServingFromUnhealthy(t *testing.T) {
	h := New(errors.New("FUBAR"))
	ts := httptest.NewServer(h)
	defer ts.Close()
	if status, _ := get(t, ts.URL); status != http.StatusServiceUnavailable {
		t.Errorf("non-nil error returned status: %v", status)
	}
	h.Set(nil)
	if status, _ := get(t, ts.URL); status != http.StatusOK {
		t.Errorf("nil error returned status: %v", status)
	}
}

func TestProbes(t *testing.T) {
	h := New(nil)
	var redisErr error
	h.AddProbe("enclave", func(context.Context) error { return nil })
	h.AddProbe("redis", func(context.Context) error { return redisErr })
	ts := httptest.NewServer(h)
	defer ts.Close()

	if status, _ := get(t, ts.URL); status != http.StatusOK {
		t.Errorf("passing probes returned status: %v", status)
	}
	redisErr = errors.New("connection refused")
	status, body := get(t, ts.URL)
	if status != http.StatusServiceUnavailable {
		t.Errorf("failing probe returned status: %v", status)
	}
	if !strings.Contains(body, "redis: connection refused") {
		t.Errorf("body %q does not name the failing probe", body)
	}
	if err := h.Check(context.Background()); !errors.Is(err, redisErr) {
		t.Errorf("Check()=%v, want %v", err, redisErr)
	}
}
