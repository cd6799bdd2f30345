// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"fmt"
	"time"
)

type FrameConfig struct {
	// largest LoadEnclave payload accepted (the only frame with a 32-bit length)
	MaxEnclaveImageBytes uint32 `yaml:"maxEnclaveImageBytes"`
	// close a client that sends nothing for this long (0 disables)
	IdleTimeout time.Duration `yaml:"idleTimeout"`
}

func (f *FrameConfig) validate() []string {
	var errs []string
	if f.MaxEnclaveImageBytes < 18 {
		errs = append(errs, fmt.Sprintf("invalid MaxEnclaveImageBytes: %v", f.MaxEnclaveImageBytes))
	}
	if f.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("invalid IdleTimeout: %v", f.IdleTimeout))
	}
	return errs
}
