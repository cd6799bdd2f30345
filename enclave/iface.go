// Copyright 2023 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Package enclave is the relay's view of the trusted execution environment:
// opening sessions to enclave modules, invoking their commands, and
// installing module images.
package enclave

import (
	"context"

	"github.com/google/uuid"
)

// SessionID is an opaque handle to an open session with one enclave module
type SessionID uint32

// Invoker calls into enclave modules
type Invoker interface {
	// OpenSession opens a session with the installed module identified by id
	OpenSession(ctx context.Context, id uuid.UUID) (SessionID, error)
	// Invoke runs command within session. Output and inout params of op are
	// updated in place. Calls on one session must not overlap.
	Invoke(ctx context.Context, session SessionID, command uint32, op *Operation) error
	CloseSession(ctx context.Context, session SessionID) error
}

// Loader installs enclave module images so sessions can be opened to them
type Loader interface {
	Install(ctx context.Context, id uuid.UUID, image []byte) error
}
