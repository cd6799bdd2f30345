// Copyright 2023 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"
)

type Config struct {
	// See zap.Config
	Log *zap.Config `yaml:"log"`
	// Address the relay accepts command connections on (ex 0.0.0.0:1236)
	ListenAddr string `yaml:"listenAddr"`
	// Address for http control server to listen on
	ControlListenAddr string `yaml:"controlListenAddr"`
	// Maximum number of concurrently connected command clients
	MaxClients int `yaml:"maxClients"`
	// Command frame limits
	Frame FrameConfig `yaml:"frame"`
	// Remote event forwarding
	Forward ForwardConfig `yaml:"forward"`
	// How to reach the TEE and where to install enclave images
	Enclave EnclaveConfig `yaml:"enclave"`
	// Optional redis used to persist connections and rate limit clients
	Redis RedisConfig `yaml:"redis"`
	// Per-client command rate limits
	Limit RateLimitConfig `yaml:"limit"`
	// Periodic entrypoint scheduling
	Periodic PeriodicConfig `yaml:"periodic"`
	// Address to reach a datadog compatible statsd
	DatadogAgentHost string `yaml:"datadogAgentHost"`
	// Export metrics with OTLP (configured through the standard OTEL_* env vars)
	OTLPMetrics bool `yaml:"otlpMetrics"`
}

// validate returns a list of validation errors, or empty if there are no errors.
type validator interface{ validate() []string }

func (c *Config) validate() error {
	validators := []validator{&c.Frame, &c.Forward, &c.Enclave, &c.Redis, &c.Limit, &c.Periodic}
	var errs []string
	if c.ListenAddr == "" {
		errs = append(errs, "must provide listenAddr")
	}
	if c.MaxClients < 1 {
		errs = append(errs, fmt.Sprintf("invalid MaxClients: %v", c.MaxClients))
	}
	for _, validator := range validators {
		errs = append(errs, validator.validate()...)
	}
	if len(errs) != 0 {
		return fmt.Errorf("invalid config: %v", strings.Join(errs, ","))
	}
	return nil
}

// Read parses the yaml file at the provided path into a Config
func Read(path string) (*Config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	withenv := []byte(os.ExpandEnv(string(bs)))
	c, err := unmarshal(withenv)
	if err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func unmarshal(bs []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(bs, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default provides reasonable default parameters that may be overridden by a config file
func Default() *Config {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config := zap.Config{
		Level:             zap.NewAtomicLevelAt(zap.DebugLevel),
		Development:       true,
		Encoding:          "console",
		EncoderConfig:     encoderConfig,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}

	return &Config{
		Log:               &config,
		ListenAddr:        "0.0.0.0:1236",
		ControlListenAddr: "localhost:8081",
		MaxClients:        30,
		Frame: FrameConfig{
			MaxEnclaveImageBytes: 64 << 20,
		},
		Forward: ForwardConfig{
			DialTimeout:         time.Second * 5,
			ReplyTimeout:        time.Second * 10,
			BreakerFailures:     5,
			BreakerOpenDuration: time.Second * 30,
		},
		Enclave: EnclaveConfig{
			Host:        "localhost",
			Port:        1237,
			TADir:       "/lib/optee_armtz",
			CallTimeout: time.Minute,
		},
		Redis: RedisConfig{
			Name:             "eventmanager",
			MinSleepDuration: time.Millisecond * 100,
			MaxSleepDuration: time.Second * 5,
		},
		Limit: RateLimitConfig{
			BucketSize:       0,
			LeakRateScalar:   100,
			LeakRateDuration: time.Second,
		},
		Periodic: PeriodicConfig{
			MinPeriod: time.Millisecond * 10,
		},
	}
}
