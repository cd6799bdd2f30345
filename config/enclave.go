// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"fmt"
	"time"
)

type EnclaveConfig struct {
	// Only one of Host and VsockCID may be set.
	// Host selects an AF_INET connection to the TEE bridge, VsockCID an AF_VSOCK one.
	Host     string `yaml:"host"`
	VsockCID uint32 `yaml:"vsockCID"`
	Port     uint32 `yaml:"port"`
	// directory enclave images are installed into (one <uuid>.ta file per module).
	// If empty, images are sent to the TEE bridge instead.
	TADir string `yaml:"taDir"`
	// maximum duration of a single call into the TEE
	CallTimeout time.Duration `yaml:"callTimeout"`
}

func (e *EnclaveConfig) validate() []string {
	var errs []string
	if (e.Host == "") == (e.VsockCID == 0) {
		errs = append(errs, "exactly one of enclave host and vsockCID must be set")
	}
	if e.Port == 0 {
		errs = append(errs, "must provide enclave port")
	}
	if e.CallTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("CallTimeout %v must be >0", e.CallTimeout))
	}
	return errs
}
