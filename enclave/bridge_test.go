// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package enclave

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The bridge side of the codec, used by the fake bridge in socket_test.go

func (r *bridgeResponse) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, r.id)
	b = appendVarint(b, 2, uint64(r.status))
	b = appendVarint(b, 3, uint64(r.origin))
	b = appendVarint(b, 4, uint64(r.session))
	for i := range r.params {
		b = appendBytes(b, 5, r.params[i].marshal())
	}
	if r.hasLog {
		b = appendVarint(b, 6, uint64(r.logLevel))
		b = appendBytes(b, 7, []byte(r.log))
	}
	return b
}

func unmarshalRequest(b []byte) (*bridgeRequest, error) {
	var r bridgeRequest
	err := decode(b, func(num protowire.Number, v uint64, bs []byte) error {
		switch num {
		case 1:
			r.id = v
		case 2:
			r.kind = callKind(v)
		case 3:
			r.uuid = bs
		case 4:
			r.session = uint32(v)
		case 5:
			r.command = uint32(v)
		case 6:
			p, err := unmarshalParam(bs)
			if err != nil {
				return err
			}
			r.params = append(r.params, p)
		case 7:
			r.image = bs
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshaling request: %w", err)
	}
	return &r, nil
}
