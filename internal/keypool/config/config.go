// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the mutable runtime configuration document. Readers
// take immutable snapshots; every mutation persists the document back to
// disk. No component reads ambient global state.
package config

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Document keys.
const (
	keyCallStrategy    = "call_strategy"
	keyCustomAPIKey    = "custom_api_key"
	keyFreeModelAPIKey = "free_model_api_key"
	keyRefreshInterval = "refresh_interval"
	keyRPMLimit        = "rpm_limit"
	keyTPMLimit        = "tpm_limit"
	keyAdminUsername   = "admin_username"
	keyAdminPassword   = "admin_password"
)

// Snapshot is an immutable copy of the runtime configuration.
type Snapshot struct {
	CallStrategy    string
	CustomAPIKey    string
	FreeModelAPIKey string
	// RefreshIntervalMinutes is the auto-refresh period; 0 disables it.
	RefreshIntervalMinutes int
	RPMLimit               int64
	TPMLimit               int64
	AdminUsername          string
	AdminPassword          string
}

// Store reads the configuration document on startup and persists it back on
// every mutation. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	v    *viper.Viper
	snap Snapshot

	// onRefreshInterval fires after a successful refresh-interval mutation
	// so the refresh scheduler can restart with the new period.
	onRefreshInterval func(minutes int)
}

// Load opens (or creates with defaults) the JSON document at path.
func Load(path string) (*Store, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault(keyCallStrategy, "random")
	v.SetDefault(keyCustomAPIKey, "")
	v.SetDefault(keyFreeModelAPIKey, "")
	v.SetDefault(keyRefreshInterval, 0)
	v.SetDefault(keyRPMLimit, 0)
	v.SetDefault(keyTPMLimit, 0)
	v.SetDefault(keyAdminUsername, "")
	v.SetDefault(keyAdminPassword, "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			if err := v.WriteConfigAs(path); err != nil {
				return nil, fmt.Errorf("config: create %s: %w", path, err)
			}
			logrus.WithField("path", path).Info("created default configuration document")
		} else {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	s := &Store{v: v}
	s.snap = s.buildSnapshot()
	return s, nil
}

func (s *Store) buildSnapshot() Snapshot {
	return Snapshot{
		CallStrategy:           s.v.GetString(keyCallStrategy),
		CustomAPIKey:           s.v.GetString(keyCustomAPIKey),
		FreeModelAPIKey:        s.v.GetString(keyFreeModelAPIKey),
		RefreshIntervalMinutes: s.v.GetInt(keyRefreshInterval),
		RPMLimit:               s.v.GetInt64(keyRPMLimit),
		TPMLimit:               s.v.GetInt64(keyTPMLimit),
		AdminUsername:          s.v.GetString(keyAdminUsername),
		AdminPassword:          s.v.GetString(keyAdminPassword),
	}
}

// Snapshot returns the current configuration.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// OnRefreshIntervalChange registers the callback fired when the refresh
// interval is mutated.
func (s *Store) OnRefreshIntervalChange(fn func(minutes int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRefreshInterval = fn
}

func (s *Store) set(key string, val any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set(key, val)
	if err := s.v.WriteConfig(); err != nil {
		return fmt.Errorf("config: persist %s: %w", key, err)
	}
	s.snap = s.buildSnapshot()
	return nil
}

// SetCallStrategy persists a new selection strategy. The caller validates
// the strategy name.
func (s *Store) SetCallStrategy(strategy string) error {
	return s.set(keyCallStrategy, strategy)
}

// SetCustomAPIKey persists the proxy-facing bearer token; empty disables
// inbound auth.
func (s *Store) SetCustomAPIKey(key string) error {
	return s.set(keyCustomAPIKey, key)
}

// SetFreeModelAPIKey persists the free-tier bearer token.
func (s *Store) SetFreeModelAPIKey(key string) error {
	return s.set(keyFreeModelAPIKey, key)
}

// SetRefreshInterval persists the auto-refresh period in minutes and
// notifies the registered scheduler callback.
func (s *Store) SetRefreshInterval(minutes int) error {
	if minutes < 0 {
		return errors.New("config: refresh interval must be non-negative")
	}
	if err := s.set(keyRefreshInterval, minutes); err != nil {
		return err
	}
	s.mu.RLock()
	fn := s.onRefreshInterval
	s.mu.RUnlock()
	if fn != nil {
		fn(minutes)
	}
	return nil
}

// SetRPMLimit persists the per-credential request limit; 0 disables it.
func (s *Store) SetRPMLimit(limit int64) error {
	if limit < 0 {
		return errors.New("config: rpm limit must be non-negative")
	}
	return s.set(keyRPMLimit, limit)
}

// SetTPMLimit persists the per-credential token limit; 0 disables it.
func (s *Store) SetTPMLimit(limit int64) error {
	if limit < 0 {
		return errors.New("config: tpm limit must be non-negative")
	}
	return s.set(keyTPMLimit, limit)
}
