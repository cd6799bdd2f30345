// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"testing/iotest"
	"time"

	"github.com/google/go-cmp/cmp"
)

const testMaxExtended = 1 << 20

func frame(t *testing.T, c *Command) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteCommand(&buf, c); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// chunkReader returns at most n bytes per Read
type chunkReader struct {
	b []byte
	n int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.b) == 0 {
		return 0, io.EOF
	}
	n := min(len(p), c.n, len(c.b))
	copy(p, c.b[:n])
	c.b = c.b[n:]
	return n, nil
}

func TestReadCommandFragmented(t *testing.T) {
	commands := []*Command{
		{Code: Ping, Payload: []byte{}},
		{Code: AddConnection, Payload: AddConnectionPayload{ConnID: 7, ModuleID: 3, Local: true}.Marshal()},
		{Code: LoadEnclave, Payload: bytes.Repeat([]byte{0xab}, 70000)},
		{Code: CallEntrypoint, Payload: CallEntrypointPayload{ModuleID: 1, Entry: 4, Data: []byte("hello")}.Marshal()},
	}
	var stream []byte
	for _, c := range commands {
		stream = append(stream, frame(t, c)...)
	}

	readers := map[string]func() io.Reader{
		"whole":   func() io.Reader { return bytes.NewReader(stream) },
		"onebyte": func() io.Reader { return iotest.OneByteReader(bytes.NewReader(stream)) },
		"half":    func() io.Reader { return iotest.HalfReader(bytes.NewReader(stream)) },
		"chunk7":  func() io.Reader { return &chunkReader{b: stream, n: 7} },
		"dataerr": func() io.Reader { return iotest.DataErrReader(bytes.NewReader(stream)) },
	}
	for name, mk := range readers {
		t.Run(name, func(t *testing.T) {
			r := mk()
			for i, want := range commands {
				got, err := ReadCommand(r, testMaxExtended)
				if err != nil {
					t.Fatalf("ReadCommand()#%d err=%v", i, err)
				}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("ReadCommand()#%d mismatch (-want +got):\n%s", i, diff)
				}
			}
			if _, err := ReadCommand(r, testMaxExtended); err != io.EOF {
				t.Errorf("ReadCommand() at end=%v, want %v", err, io.EOF)
			}
		})
	}
}

func TestReadCommandTruncated(t *testing.T) {
	full := frame(t, &Command{Code: RemoteOutput, Payload: make([]byte, 40)})
	for i := 1; i < len(full); i++ {
		_, err := ReadCommand(iotest.OneByteReader(bytes.NewReader(full[:i])), testMaxExtended)
		if err != io.ErrUnexpectedEOF {
			t.Fatalf("ReadCommand(%d of %d bytes)=%v, want %v", i, len(full), err, io.ErrUnexpectedEOF)
		}
	}
}

func TestReadCommandInvalidConsumed(t *testing.T) {
	// code 4 is retired, 200 was never assigned
	stream := []byte{4, 0, 2, 0xde, 0xad, 200, 0, 0}
	stream = append(stream, frame(t, &Command{Code: Ping, Payload: []byte{}})...)
	r := bytes.NewReader(stream)
	for i, want := range []CommandCode{Invalid, Invalid, Ping} {
		got, err := ReadCommand(r, testMaxExtended)
		if err != nil {
			t.Fatal(err)
		}
		if got.Code != want {
			t.Errorf("ReadCommand()#%d.Code=%v, want %v", i, got.Code, want)
		}
	}
}

func TestReadCommandTooLarge(t *testing.T) {
	stream := []byte{byte(LoadEnclave), 0, 0x10, 0, 1}
	_, err := ReadCommand(bytes.NewReader(stream), 0x100000)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("ReadCommand()=%v, want %v", err, ErrPayloadTooLarge)
	}
}

func TestWriteCommandTooLarge(t *testing.T) {
	err := WriteCommand(io.Discard, &Command{Code: CallEntrypoint, Payload: make([]byte, MaxPayload+1)})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("WriteCommand()=%v, want %v", err, ErrPayloadTooLarge)
	}
}

func TestResultFrame(t *testing.T) {
	var buf bytes.Buffer
	want := &Result{Code: CryptoError, Payload: []byte{1, 2, 3}}
	if err := WriteResult(&buf, want); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), []byte{5, 0, 3, 1, 2, 3}) {
		t.Errorf("WriteResult()=%x", buf.Bytes())
	}
	got, err := ReadResult(iotest.OneByteReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadResult() mismatch (-want +got):\n%s", diff)
	}
}

func TestReadResultUnknownCode(t *testing.T) {
	got, err := ReadResult(bytes.NewReader([]byte{42, 0, 0}))
	if err != nil {
		t.Fatal(err)
	}
	if got.Code != GenericError {
		t.Errorf("ReadResult().Code=%v, want %v", got.Code, GenericError)
	}
}

func TestCodeOf(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want ResultCode
	}{
		{nil, Ok},
		{BadRequest, BadRequest},
		{short("x", 1, 2), IllegalPayload},
		{errors.New("other"), GenericError},
	} {
		if got := CodeOf(tc.err); got != tc.want {
			t.Errorf("CodeOf(%v)=%v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestClient(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	go func() {
		defer b.Close()
		r := bufio.NewReader(b)
		for {
			cmd, err := ReadCommand(r, 1<<20)
			if err != nil {
				return
			}
			if cmd.Code == Invalid {
				continue
			}
			WriteResult(b, &Result{Code: Ok, Payload: cmd.Payload})
		}
	}()

	c := NewClient(a, 5*time.Second)
	if err := c.Send(&Command{Code: CommandCode(4), Payload: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	res, err := c.Do(&Command{Code: Ping, Payload: []byte{7}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Code != Ok || !bytes.Equal(res.Payload, []byte{7}) {
		t.Errorf("Do()=%v %x, want Ok 07", res.Code, res.Payload)
	}
}
