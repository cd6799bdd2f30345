// Copyright 2023 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Package client talks to a relay's control HTTP surface.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/authentic-execution/eventmanager/auth"
	"github.com/authentic-execution/eventmanager/registry"
	"github.com/authentic-execution/eventmanager/routing"
)

type ControlClient struct {
	Addr string
	// User and Auth produce basic auth credentials; a nil Auth sends none
	User string
	Auth auth.Auth
}

func (cc *ControlClient) url(scheme, path string) string {
	return fmt.Sprintf("%s://%v%s", scheme, cc.Addr, path)
}

func (cc *ControlClient) header() http.Header {
	h := http.Header{}
	if cc.Auth != nil {
		r := http.Request{Header: h}
		r.SetBasicAuth(cc.User, cc.Auth.PassFor(cc.User))
	}
	return h
}

func (cc *ControlClient) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, cc.url("http", path), body)
	if err != nil {
		return nil, err
	}
	req.Header = cc.header()
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed : %w", err)
	}

	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body : %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed, status=%v, body=%s", resp.Status, respBody)
	}
	return respBody, nil
}

func getJSON[T any](ctx context.Context, cc *ControlClient, path string) (T, error) {
	var v T
	body, err := cc.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return v, fmt.Errorf("could not parse server response, body=%s : %w", body, err)
	}
	return v, nil
}

func (cc *ControlClient) Connections(ctx context.Context) ([]registry.Connection, error) {
	return getJSON[[]registry.Connection](ctx, cc, "/control/connections")
}

func (cc *ControlClient) Modules(ctx context.Context) ([]registry.Module, error) {
	return getJSON[[]registry.Module](ctx, cc, "/control/modules")
}

func (cc *ControlClient) SetLogLevel(ctx context.Context, level string) error {
	_, err := cc.do(ctx, http.MethodPost, "/control/loglevel", strings.NewReader(url.Values{"level": {level}}.Encode()))
	return err
}

// Events calls fn with every delivery the relay reports until ctx is
// cancelled or the stream fails
func (cc *ControlClient) Events(ctx context.Context, fn func(routing.Delivery)) error {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, cc.url("ws", "/control/events"), cc.header())
	if err != nil {
		return fmt.Errorf("dialing event stream: %w", err)
	}
	defer c.Close()
	go func() {
		<-ctx.Done()
		c.Close()
	}()
	for {
		var d routing.Delivery
		if err := c.ReadJSON(&d); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading event stream: %w", err)
		}
		fn(d)
	}
}
