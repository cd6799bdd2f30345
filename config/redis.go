// Copyright 2023 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"fmt"
	"net"
	"time"
)

type RedisConfig struct {
	// host:port addresses of redis. If empty, connections are kept in memory
	// only and clients are not rate limited. More than one address selects
	// a cluster client.
	Addrs []string `yaml:"addrs"`
	// password for instance (may be blank if protected mode is disabled)
	Password string `yaml:"password"`
	// a unique name for the deployment, used to prefix keys
	Name string `yaml:"name"`
	// minimum time to sleep for exponential backoff retries to redis
	MinSleepDuration time.Duration `yaml:"minSleepDuration"`
	// maximum time to sleep for exponential backoff retries to redis
	MaxSleepDuration time.Duration `yaml:"maxSleepDuration"`
}

// Enabled reports whether a redis deployment was configured
func (r *RedisConfig) Enabled() bool { return len(r.Addrs) != 0 }

func (r *RedisConfig) validate() []string {
	var errs []string
	for _, addr := range r.Addrs {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("invalid redis Addr %v", addr))
		}
	}
	if r.Enabled() && r.Name == "" {
		errs = append(errs, "must provide redis Name")
	}
	if r.MinSleepDuration > r.MaxSleepDuration {
		errs = append(errs, fmt.Sprintf("redis MinSleepDuration %v > MaxSleepDuration %v", r.MinSleepDuration, r.MaxSleepDuration))
	}
	return errs
}
