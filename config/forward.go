// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"fmt"
	"net"
	"time"
)

type ForwardConfig struct {
	// maximum time to establish the TCP connection to a remote relay
	DialTimeout time.Duration `yaml:"dialTimeout"`
	// maximum time to write an event and read the remote relay's result
	ReplyTimeout time.Duration `yaml:"replyTimeout"`
	// consecutive failures to one destination before failing fast
	BreakerFailures uint32 `yaml:"breakerFailures"`
	// how long a tripped destination fails fast before a trial delivery
	BreakerOpenDuration time.Duration `yaml:"breakerOpenDuration"`
	// if set, destinations of 127.0.0.1 are sent here instead (ex the QEMU host 10.0.2.2)
	LoopbackAddr string `yaml:"loopbackAddr"`
}

func (f *ForwardConfig) validate() []string {
	var errs []string
	if f.DialTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("DialTimeout %v must be >0", f.DialTimeout))
	}
	if f.ReplyTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("ReplyTimeout %v must be >0", f.ReplyTimeout))
	}
	if f.BreakerOpenDuration < 0 {
		errs = append(errs, fmt.Sprintf("invalid BreakerOpenDuration: %v", f.BreakerOpenDuration))
	}
	if f.LoopbackAddr != "" {
		if ip := net.ParseIP(f.LoopbackAddr); ip == nil || ip.To4() == nil {
			errs = append(errs, fmt.Sprintf("invalid LoopbackAddr %v", f.LoopbackAddr))
		}
	}
	return errs
}
