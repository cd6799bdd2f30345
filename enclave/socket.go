// Copyright 2023 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package enclave

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mdlayher/vsock"

	"github.com/authentic-execution/eventmanager/logger"
)

// maxBridgeMessage bounds the size of a message read from the bridge
const maxBridgeMessage = 128 << 20

// ErrClosed is returned by calls on a Socket whose bridge connection is gone
var ErrClosed = errors.New("enclave socket closed")

type SocketConfig struct {
	Port uint32

	// Only one of VsockCID and Host must be set.
	// If Host is set, this is an AF_INET socket.
	// If VsockCID is set, this is an AF_VSOCK socket.
	VsockCID uint32
	Host     string
}

func (sc *SocketConfig) sock() (net.Conn, error) {
	switch {
	case sc.Host != "":
		return net.Dial("tcp", net.JoinHostPort(sc.Host, strconv.FormatUint(uint64(sc.Port), 10)))
	case sc.VsockCID != 0:
		return vsock.Dial(sc.VsockCID, sc.Port, nil)
	default:
		return nil, fmt.Errorf("Invalid socket config: %+v", *sc)
	}
}

// Socket talks to an out of process TEE bridge. Calls from many goroutines
// may be outstanding at once; responses are matched to calls by id.
type Socket struct {
	wMu  sync.Mutex
	sock net.Conn

	callIDGen atomic.Uint64
	callMu    sync.Mutex
	calls     map[uint64]chan<- *bridgeResponse

	closeOnce sync.Once
	closed    chan struct{}
}

var (
	_ Invoker = (*Socket)(nil)
	_ Loader  = (*Socket)(nil)
)

// NewSocket connects to the TEE bridge described by sc
func NewSocket(sc SocketConfig) (*Socket, error) {
	sock, err := sc.sock()
	if err != nil {
		return nil, fmt.Errorf("creating enclave socket: %w", err)
	}
	return newSocket(sock), nil
}

func newSocket(sock net.Conn) *Socket {
	n := &Socket{
		sock:   sock,
		calls:  map[uint64]chan<- *bridgeResponse{},
		closed: make(chan struct{}),
	}
	go n.readOutputs()
	return n
}

func (n *Socket) send(req *bridgeRequest) error {
	buf := req.marshal()
	frame := make([]byte, 4, 4+len(buf))
	binary.BigEndian.PutUint32(frame, uint32(len(buf)))
	frame = append(frame, buf...)

	n.wMu.Lock()
	defer n.wMu.Unlock()
	if _, err := n.sock.Write(frame); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}
	return nil
}

func readBridgeMessage(r io.Reader) ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, fmt.Errorf("reading size: %w", err)
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	if size > maxBridgeMessage {
		return nil, fmt.Errorf("message of length %v too long (or corrupt)", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	return buf, nil
}

func (n *Socket) readNextOutput() error {
	buf, err := readBridgeMessage(n.sock)
	if err != nil {
		return err
	}
	resp, err := unmarshalResponse(buf)
	if err != nil {
		return err
	}
	if resp.hasLog {
		handleLog(resp.logLevel, resp.log)
		return nil
	}
	return n.receivedResponse(resp)
}

func (n *Socket) receivedResponse(resp *bridgeResponse) error {
	n.callMu.Lock()
	defer n.callMu.Unlock()
	done := n.calls[resp.id]
	if done == nil {
		// the caller may have given up on this call
		logger.Debugw("dropping response to inactive call", "id", resp.id)
		return nil
	}
	delete(n.calls, resp.id)
	done <- resp // should not block, since done is a buffered channel
	return nil
}

func (n *Socket) readOutputs() {
	var err error
	for err == nil {
		err = n.readNextOutput()
	}
	select {
	case <-n.closed:
	default:
		logger.Errorw("enclave socket readOutputs failure", "err", err)
	}
	n.Close()
}

// call sends req and waits for the bridge's response
func (n *Socket) call(ctx context.Context, req *bridgeRequest) (*bridgeResponse, error) {
	req.id = n.callIDGen.Add(1)
	done := make(chan *bridgeResponse, 1)
	n.callMu.Lock()
	n.calls[req.id] = done
	n.callMu.Unlock()
	forget := func() {
		n.callMu.Lock()
		delete(n.calls, req.id)
		n.callMu.Unlock()
	}
	if err := n.send(req); err != nil {
		forget()
		n.Close() // a failure to send is a permanent failure
		return nil, fmt.Errorf("sending: %w", err)
	}
	select {
	case resp := <-done:
		if resp.status != 0 {
			return resp, &Error{Code: resp.status, Origin: Origin(resp.origin)}
		}
		return resp, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-n.closed:
		forget()
		return nil, ErrClosed
	}
}

func (n *Socket) OpenSession(ctx context.Context, id uuid.UUID) (SessionID, error) {
	resp, err := n.call(ctx, &bridgeRequest{kind: callOpenSession, uuid: id[:]})
	if err != nil {
		return 0, fmt.Errorf("open session %v: %w", id, err)
	}
	return SessionID(resp.session), nil
}

func (n *Socket) CloseSession(ctx context.Context, session SessionID) error {
	if _, err := n.call(ctx, &bridgeRequest{kind: callCloseSession, session: uint32(session)}); err != nil {
		return fmt.Errorf("close session %v: %w", session, err)
	}
	return nil
}

func (n *Socket) Install(ctx context.Context, id uuid.UUID, image []byte) error {
	if _, err := n.call(ctx, &bridgeRequest{kind: callInstall, uuid: id[:], image: image}); err != nil {
		return fmt.Errorf("install %v: %w", id, err)
	}
	return nil
}

func (n *Socket) Invoke(ctx context.Context, session SessionID, command uint32, op *Operation) error {
	req := &bridgeRequest{
		kind:    callInvoke,
		session: uint32(session),
		command: command,
		params:  make([]bridgeParam, len(op.Params)),
	}
	for i, p := range op.Params {
		bp := bridgeParam{typ: p.Type}
		switch {
		case !p.Type.Memref():
			bp.a, bp.b = p.A, p.B
		case p.Type.Input():
			bp.buffer = p.Buffer
			bp.size = uint32(len(p.Buffer))
		default:
			bp.size = uint32(len(p.Buffer))
		}
		req.params[i] = bp
	}
	resp, err := n.call(ctx, req)
	if err != nil {
		return fmt.Errorf("invoke command %d: %w", command, err)
	}
	for i := range op.Params {
		p := &op.Params[i]
		if !p.Type.Output() || i >= len(resp.params) {
			continue
		}
		out := resp.params[i]
		if !p.Type.Memref() {
			p.A, p.B = out.a, out.b
			continue
		}
		if len(out.buffer) > len(p.Buffer) {
			return &Error{Code: ErrShortBuffer, Origin: OriginComms}
		}
		p.Size = copy(p.Buffer, out.buffer)
	}
	return nil
}

// Close closes the connection to the bridge, failing all outstanding calls
func (n *Socket) Close() {
	n.closeOnce.Do(func() {
		close(n.closed)
		n.sock.Close()
	})
}

// Err returns ErrClosed once the bridge connection is gone, and nil before
func (n *Socket) Err() error {
	select {
	case <-n.closed:
		return ErrClosed
	default:
		return nil
	}
}
