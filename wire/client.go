// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"
)

// Client sends commands to a relay over one connection and reads back
// their results. A Client is not safe for concurrent use.
type Client struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// Dial connects to the relay at addr. Every later exchange must complete
// within timeout; zero means no limit.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing relay %v: %w", addr, err)
	}
	return NewClient(conn, timeout), nil
}

// NewClient wraps an established connection
func NewClient(conn net.Conn, timeout time.Duration) *Client {
	return &Client{conn: conn, r: bufio.NewReader(conn), timeout: timeout}
}

func (c *Client) deadline() {
	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
}

// Send writes cmd without waiting for a result
func (c *Client) Send(cmd *Command) error {
	c.deadline()
	return WriteCommand(c.conn, cmd)
}

// Do writes cmd and reads its result
func (c *Client) Do(cmd *Command) (*Result, error) {
	if err := c.Send(cmd); err != nil {
		return nil, fmt.Errorf("sending %v: %w", cmd.Code, err)
	}
	res, err := ReadResult(c.r)
	if err != nil {
		return nil, fmt.Errorf("reading %v result: %w", cmd.Code, err)
	}
	return res, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
