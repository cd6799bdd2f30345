// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package enclave

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

/*
 * Messages exchanged with the TEE bridge are protobuf encoded, each
 * preceded by a 4 byte big-endian length.
 *
 *   message Request {
 *     uint64 id = 1;
 *     uint32 kind = 2;       // callKind
 *     bytes uuid = 3;
 *     uint32 session = 4;
 *     uint32 command = 5;
 *     repeated Param params = 6;
 *     bytes image = 7;
 *   }
 *   message Response {
 *     uint64 id = 1;
 *     uint32 status = 2;     // 0 on success, else a TEE result code
 *     uint32 origin = 3;
 *     uint32 session = 4;
 *     repeated Param params = 5;
 *     uint32 log_level = 6;  // set with log on unsolicited log lines
 *     string log = 7;
 *   }
 *   message Param {
 *     uint32 type = 1; uint32 a = 2; uint32 b = 3; bytes buffer = 4; uint32 size = 5;
 *   }
 */

type callKind uint32

const (
	callOpenSession  callKind = 1
	callInvoke       callKind = 2
	callCloseSession callKind = 3
	callInstall      callKind = 4
)

type bridgeParam struct {
	typ    ParamType
	a, b   uint32
	buffer []byte
	size   uint32
}

type bridgeRequest struct {
	id      uint64
	kind    callKind
	uuid    []byte
	session uint32
	command uint32
	params  []bridgeParam
	image   []byte
}

type bridgeResponse struct {
	id       uint64
	status   uint32
	origin   uint32
	session  uint32
	params   []bridgeParam
	logLevel uint32
	log      string
	hasLog   bool
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func (p *bridgeParam) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(p.typ))
	b = appendVarint(b, 2, uint64(p.a))
	b = appendVarint(b, 3, uint64(p.b))
	if len(p.buffer) > 0 {
		b = appendBytes(b, 4, p.buffer)
	}
	return appendVarint(b, 5, uint64(p.size))
}

func (r *bridgeRequest) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, r.id)
	b = appendVarint(b, 2, uint64(r.kind))
	if r.uuid != nil {
		b = appendBytes(b, 3, r.uuid)
	}
	b = appendVarint(b, 4, uint64(r.session))
	b = appendVarint(b, 5, uint64(r.command))
	for i := range r.params {
		b = appendBytes(b, 6, r.params[i].marshal())
	}
	if r.image != nil {
		b = appendBytes(b, 7, r.image)
	}
	return b
}

// decode calls field for every varint and bytes field of the message in b.
// Fields of other wire types are skipped.
func decode(b []byte, field func(num protowire.Number, v uint64, bs []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := field(num, v, nil); err != nil {
				return err
			}
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := field(num, 0, v); err != nil {
				return err
			}
			n = m
		default:
			if n = protowire.ConsumeFieldValue(num, typ, b); n < 0 {
				return protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return nil
}

func unmarshalParam(b []byte) (bridgeParam, error) {
	var p bridgeParam
	err := decode(b, func(num protowire.Number, v uint64, bs []byte) error {
		switch num {
		case 1:
			if v > uint64(MemrefInout) {
				return fmt.Errorf("invalid param type %d", v)
			}
			p.typ = ParamType(v)
		case 2:
			p.a = uint32(v)
		case 3:
			p.b = uint32(v)
		case 4:
			p.buffer = bs
		case 5:
			p.size = uint32(v)
		}
		return nil
	})
	return p, err
}

func unmarshalResponse(b []byte) (*bridgeResponse, error) {
	var r bridgeResponse
	err := decode(b, func(num protowire.Number, v uint64, bs []byte) error {
		switch num {
		case 1:
			r.id = v
		case 2:
			r.status = uint32(v)
		case 3:
			r.origin = uint32(v)
		case 4:
			r.session = uint32(v)
		case 5:
			p, err := unmarshalParam(bs)
			if err != nil {
				return err
			}
			r.params = append(r.params, p)
		case 6:
			r.logLevel = uint32(v)
		case 7:
			r.log = string(bs)
			r.hasLog = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshaling response: %w", err)
	}
	return &r, nil
}
