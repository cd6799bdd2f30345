// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"fmt"
	"time"
)

type PeriodicConfig struct {
	// registrations asking for a shorter period are run at this period
	MinPeriod time.Duration `yaml:"minPeriod"`
}

func (p *PeriodicConfig) validate() []string {
	if p.MinPeriod <= 0 {
		return []string{fmt.Sprintf("invalid MinPeriod: %v", p.MinPeriod)}
	}
	return nil
}
