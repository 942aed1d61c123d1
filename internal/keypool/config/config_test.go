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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_CreatesDocumentWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("document not created: %v", err)
	}

	snap := s.Snapshot()
	if snap.CallStrategy != "random" {
		t.Fatalf("default strategy = %q, want random", snap.CallStrategy)
	}
	if snap.RefreshIntervalMinutes != 0 || snap.RPMLimit != 0 || snap.TPMLimit != 0 {
		t.Fatalf("non-zero numeric defaults: %+v", snap)
	}
	if snap.CustomAPIKey != "" || snap.FreeModelAPIKey != "" {
		t.Fatalf("non-empty token defaults: %+v", snap)
	}
}

func TestStore_MutationsPersistAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.SetCallStrategy("round_robin"); err != nil {
		t.Fatalf("SetCallStrategy: %v", err)
	}
	if err := s.SetCustomAPIKey("token-1"); err != nil {
		t.Fatalf("SetCustomAPIKey: %v", err)
	}
	if err := s.SetRPMLimit(120); err != nil {
		t.Fatalf("SetRPMLimit: %v", err)
	}
	if err := s.SetTPMLimit(90000); err != nil {
		t.Fatalf("SetTPMLimit: %v", err)
	}
	if err := s.SetRefreshInterval(15); err != nil {
		t.Fatalf("SetRefreshInterval: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	snap := reloaded.Snapshot()
	if snap.CallStrategy != "round_robin" {
		t.Fatalf("strategy not persisted: %q", snap.CallStrategy)
	}
	if snap.CustomAPIKey != "token-1" {
		t.Fatalf("custom key not persisted: %q", snap.CustomAPIKey)
	}
	if snap.RPMLimit != 120 || snap.TPMLimit != 90000 || snap.RefreshIntervalMinutes != 15 {
		t.Fatalf("limits not persisted: %+v", snap)
	}
}

func TestStore_SnapshotIsImmutableCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	before := s.Snapshot()
	if err := s.SetCallStrategy("high"); err != nil {
		t.Fatalf("SetCallStrategy: %v", err)
	}
	if before.CallStrategy != "random" {
		t.Fatalf("earlier snapshot mutated: %q", before.CallStrategy)
	}
	if s.Snapshot().CallStrategy != "high" {
		t.Fatalf("new snapshot missed mutation")
	}
}

func TestStore_RefreshIntervalCallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var fired []int
	s.OnRefreshIntervalChange(func(minutes int) { fired = append(fired, minutes) })

	if err := s.SetRefreshInterval(30); err != nil {
		t.Fatalf("SetRefreshInterval: %v", err)
	}
	if err := s.SetRefreshInterval(0); err != nil {
		t.Fatalf("SetRefreshInterval(0): %v", err)
	}
	if len(fired) != 2 || fired[0] != 30 || fired[1] != 0 {
		t.Fatalf("callback fired = %v, want [30 0]", fired)
	}

	// Other mutations must not fire the scheduler callback.
	if err := s.SetRPMLimit(5); err != nil {
		t.Fatalf("SetRPMLimit: %v", err)
	}
	if len(fired) != 2 {
		t.Fatalf("unrelated mutation fired callback")
	}
}

func TestStore_RejectsNegativeValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := s.SetRefreshInterval(-1); err == nil {
		t.Fatalf("negative refresh interval accepted")
	}
	if err := s.SetRPMLimit(-1); err == nil {
		t.Fatalf("negative rpm limit accepted")
	}
	if err := s.SetTPMLimit(-1); err == nil {
		t.Fatalf("negative tpm limit accepted")
	}
}
