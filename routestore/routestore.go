// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Package routestore persists the connection registry in redis so a
// restarted relay keeps routing events for connections it was given
// before the restart.
package routestore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/authentic-execution/eventmanager/config"
	"github.com/authentic-execution/eventmanager/logger"
	"github.com/authentic-execution/eventmanager/registry"
	"github.com/authentic-execution/eventmanager/util"
	"github.com/authentic-execution/eventmanager/wire"
)

// loadAttempts bounds how often Load retries before giving up
const loadAttempts = 5

// NewClient returns a redis client for cfg. More than one address selects
// a cluster client.
func NewClient(cfg config.RedisConfig) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Password: cfg.Password,
	})
}

// Store keeps connections in a single redis hash, keyed by conn_id, holding
// each connection's AddConnection payload
type Store struct {
	cfg config.RedisConfig
	rdb redis.UniversalClient
	key string
}

var _ registry.Store = (*Store)(nil)

func New(cfg config.RedisConfig, rdb redis.UniversalClient) *Store {
	return &Store{
		cfg: cfg,
		rdb: rdb,
		key: fmt.Sprintf("%s::%s", cfg.Name, "connections"),
	}
}

func field(id uint16) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Put stores c, replacing any stored connection with the same id
func (s *Store) Put(ctx context.Context, c registry.Connection) error {
	return s.rdb.HSet(ctx, s.key, field(c.ID), c.Payload().Marshal()).Err()
}

func (s *Store) Delete(ctx context.Context, id uint16) error {
	return s.rdb.HDel(ctx, s.key, field(id)).Err()
}

// Load fetches every stored connection
//
// This method retries with backoff until the fetch succeeds, the attempts
// are exhausted or the provided context is cancelled. Malformed entries are
// skipped.
func (s *Store) Load(ctx context.Context) ([]registry.Connection, error) {
	entries, err := util.RetryValue(ctx, util.Backoff{Min: s.cfg.MinSleepDuration, Max: s.cfg.MaxSleepDuration}, loadAttempts,
		func() (map[string]string, error) {
			entries, err := s.rdb.HGetAll(ctx, s.key).Result()
			if err != nil {
				logger.Infow("failed to fetch stored connections", "err", err)
			}
			return entries, err
		})
	if err != nil {
		return nil, fmt.Errorf("loading connections: %w", err)
	}
	conns := make([]registry.Connection, 0, len(entries))
	for k, v := range entries {
		p, err := wire.ParseAddConnection([]byte(v))
		if err != nil || field(p.ConnID) != k {
			logger.Warnw("skipping malformed stored connection", "field", k, "err", err)
			continue
		}
		conns = append(conns, registry.FromPayload(p))
	}
	logger.Infof("Retrieved %v connections from redis", len(conns))
	return conns, nil
}

// Close should be called when the Store is no longer used
func (s *Store) Close() error {
	return s.rdb.Close()
}
