// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package enclave

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeBridge answers requests from a Socket over an in-memory pipe
type fakeBridge struct {
	t    *testing.T
	conn net.Conn
}

func (f *fakeBridge) write(resp *bridgeResponse) {
	buf := resp.marshal()
	frame := binary.BigEndian.AppendUint32(nil, uint32(len(buf)))
	if _, err := f.conn.Write(append(frame, buf...)); err != nil {
		f.t.Errorf("bridge write: %v", err)
	}
}

// read returns the next request, or nil once the pipe is closed
func (f *fakeBridge) read() *bridgeRequest {
	buf, err := readBridgeMessage(f.conn)
	if err != nil {
		return nil
	}
	req, err := unmarshalRequest(buf)
	if err != nil {
		return nil
	}
	return req
}

func testSocket(t *testing.T) (*Socket, *fakeBridge) {
	client, server := net.Pipe()
	s := newSocket(client)
	t.Cleanup(func() {
		s.Close()
		server.Close()
	})
	return s, &fakeBridge{t: t, conn: server}
}

func TestSocketOpenSession(t *testing.T) {
	s, bridge := testSocket(t)
	id := uuid.New()
	go func() {
		req := bridge.read()
		if req == nil {
			return
		}
		if req.kind != callOpenSession || !bytes.Equal(req.uuid, id[:]) {
			t.Errorf("got request kind=%v uuid=%x", req.kind, req.uuid)
		}
		// a log line may arrive before the response
		bridge.write(&bridgeResponse{hasLog: true, logLevel: logLevelInfo, log: "opening"})
		bridge.write(&bridgeResponse{id: req.id, session: 42})
	}()
	session, err := s.OpenSession(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if session != 42 {
		t.Errorf("OpenSession()=%v, want 42", session)
	}
}

func TestSocketInvoke(t *testing.T) {
	s, bridge := testSocket(t)
	go func() {
		req := bridge.read()
		if req == nil {
			return
		}
		if req.kind != callInvoke || req.session != 7 || req.command != 9 {
			t.Errorf("got request kind=%v session=%v command=%v", req.kind, req.session, req.command)
		}
		if got := req.params[1].buffer; !bytes.Equal(got, []byte("in")) {
			t.Errorf("input memref=%q, want %q", got, "in")
		}
		if got := req.params[2]; got.buffer != nil || got.size != 4 {
			t.Errorf("output memref sent buffer=%x size=%v", got.buffer, got.size)
		}
		bridge.write(&bridgeResponse{id: req.id, params: []bridgeParam{
			{typ: ValueInout, a: 3},
			{typ: MemrefInput},
			{typ: MemrefOutput, buffer: []byte{1, 2}},
		}})
	}()
	var op Operation
	op.Params[0] = Value(ValueInout, 1, 0)
	op.Params[1] = Memref(MemrefInput, []byte("in"))
	op.Params[2] = Memref(MemrefOutput, make([]byte, 4))
	if err := s.Invoke(context.Background(), 7, 9, &op); err != nil {
		t.Fatal(err)
	}
	if op.Params[0].A != 3 {
		t.Errorf("value.a=%v, want 3", op.Params[0].A)
	}
	if got := op.Params[2].Buffer[:op.Params[2].Size]; !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("output memref=%x, want 0102", got)
	}
}

func TestSocketError(t *testing.T) {
	s, bridge := testSocket(t)
	go func() {
		req := bridge.read()
		if req == nil {
			return
		}
		bridge.write(&bridgeResponse{id: req.id, status: ErrMACInvalid, origin: uint32(OriginTrustedApp)})
	}()
	var op Operation
	err := s.Invoke(context.Background(), 1, 2, &op)
	var eerr *Error
	if !errors.As(err, &eerr) || eerr.Code != ErrMACInvalid || eerr.Origin != OriginTrustedApp {
		t.Fatalf("Invoke()=%v, want MAC_INVALID", err)
	}
	if !IsCrypto(err) {
		t.Errorf("IsCrypto(%v)=false", err)
	}
}

func TestSocketContextCancelled(t *testing.T) {
	s, bridge := testSocket(t)
	go bridge.read() // never answered
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.CloseSession(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("CloseSession()=%v, want %v", err, context.DeadlineExceeded)
	}
}

func TestSocketBridgeGone(t *testing.T) {
	s, bridge := testSocket(t)
	if err := s.Err(); err != nil {
		t.Errorf("Err()=%v before bridge closed", err)
	}
	go func() {
		bridge.read()
		bridge.conn.Close()
	}()
	if _, err := s.OpenSession(context.Background(), uuid.New()); !errors.Is(err, ErrClosed) {
		t.Errorf("OpenSession()=%v, want %v", err, ErrClosed)
	}
	if err := s.Err(); !errors.Is(err, ErrClosed) {
		t.Errorf("Err()=%v, want %v", err, ErrClosed)
	}
}

func TestDirLoader(t *testing.T) {
	d := DirLoader{Dir: t.TempDir()}
	id := uuid.MustParse("8aaaf200-2450-11e4-abe2-0002a5d5c51b")
	if err := d.Install(context.Background(), id, []byte("image")); err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(d.Dir, "8aaaf200-2450-11e4-abe2-0002a5d5c51b.ta"); d.Path(id) != want {
		t.Errorf("Path()=%v, want %v", d.Path(id), want)
	}
	got, err := os.ReadFile(d.Path(id))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "image" {
		t.Errorf("installed image=%q, want %q", got, "image")
	}
	// reinstalling replaces the image
	if err := d.Install(context.Background(), id, []byte("image2")); err != nil {
		t.Fatal(err)
	}
	if got, _ := os.ReadFile(d.Path(id)); string(got) != "image2" {
		t.Errorf("reinstalled image=%q, want %q", got, "image2")
	}
}
