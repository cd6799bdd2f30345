// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package enclave

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// DefaultTADir is where OP-TEE's supplicant looks for trusted applications
const DefaultTADir = "/lib/optee_armtz"

// DirLoader installs module images as <Dir>/<uuid>.ta files
type DirLoader struct {
	Dir string
}

var _ Loader = DirLoader{}

// Path returns the file an image for id is installed to
func (d DirLoader) Path(id uuid.UUID) string {
	return filepath.Join(d.Dir, id.String()+".ta")
}

func (d DirLoader) Install(ctx context.Context, id uuid.UUID, image []byte) (returnedErr error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	// write to a temporary file first so a concurrently opened session never
	// sees a partial image
	f, err := os.CreateTemp(d.Dir, ".install-*")
	if err != nil {
		return fmt.Errorf("creating image for %v: %w", id, err)
	}
	defer func() {
		if returnedErr != nil {
			os.Remove(f.Name())
		}
	}()
	if _, err := f.Write(image); err != nil {
		f.Close()
		return fmt.Errorf("writing image for %v: %w", id, err)
	}
	if err := f.Chmod(0o444); err != nil {
		f.Close()
		return fmt.Errorf("chmod image for %v: %w", id, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing image for %v: %w", id, err)
	}
	if err := os.Rename(f.Name(), d.Path(id)); err != nil {
		return fmt.Errorf("installing image for %v: %w", id, err)
	}
	return nil
}
