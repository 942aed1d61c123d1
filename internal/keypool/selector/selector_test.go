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

package selector

import (
	"errors"
	"testing"

	"siliconpool/internal/keypool/ratelimit"
	"siliconpool/internal/keypool/store"
)

func newTestSelector(t *testing.T, rows ...store.APIKey) (*Selector, *store.Store, *ratelimit.Limiter) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	for i := range rows {
		if err := st.DB().Create(&rows[i]).Error; err != nil {
			t.Fatalf("seed %s: %v", rows[i].Key, err)
		}
	}
	lim := ratelimit.New()
	return New(st, lim), st, lim
}

func candidates(t *testing.T, st *store.Store) []store.KeyBalance {
	t.Helper()
	rows, err := st.EnabledKeys()
	if err != nil {
		t.Fatalf("EnabledKeys: %v", err)
	}
	return rows
}

func TestSelector_RoundRobin_RotatesDeterministically(t *testing.T) {
	s, st, _ := newTestSelector(t,
		store.APIKey{Key: "sk-A", Balance: 1, Enabled: true},
		store.APIKey{Key: "sk-B", Balance: 2, Enabled: true},
		store.APIKey{Key: "sk-C", Balance: 3, Enabled: true},
	)

	want := []string{"sk-A", "sk-B", "sk-C", "sk-A", "sk-B", "sk-C"}
	for i, w := range want {
		got, err := s.Pick(candidates(t, st), false, StrategyRoundRobin, 0, 0)
		if err != nil {
			t.Fatalf("Pick %d: %v", i, err)
		}
		if got != w {
			t.Fatalf("rotation step %d: got %s, want %s", i, got, w)
		}
	}
}

func TestSelector_HighAndLow_PickByBalance(t *testing.T) {
	s, st, _ := newTestSelector(t,
		store.APIKey{Key: "sk-A", Balance: 5, Enabled: true},
		store.APIKey{Key: "sk-B", Balance: 50, Enabled: true},
		store.APIKey{Key: "sk-C", Balance: 0.5, Enabled: true},
	)

	got, err := s.Pick(candidates(t, st), false, StrategyHigh, 0, 0)
	if err != nil {
		t.Fatalf("Pick high: %v", err)
	}
	if got != "sk-B" {
		t.Fatalf("high picked %s, want sk-B", got)
	}
	got, err = s.Pick(candidates(t, st), false, StrategyLow, 0, 0)
	if err != nil {
		t.Fatalf("Pick low: %v", err)
	}
	if got != "sk-C" {
		t.Fatalf("low picked %s, want sk-C", got)
	}
}

func TestSelector_UsageAndAgeStrategies(t *testing.T) {
	s, st, _ := newTestSelector(t,
		store.APIKey{Key: "sk-A", Balance: 1, UsageCount: 10, AddTime: 300, Enabled: true},
		store.APIKey{Key: "sk-B", Balance: 1, UsageCount: 2, AddTime: 100, Enabled: true},
		store.APIKey{Key: "sk-C", Balance: 1, UsageCount: 7, AddTime: 200, Enabled: true},
	)

	cases := []struct {
		strategy string
		want     string
	}{
		{StrategyLeastUsed, "sk-B"},
		{StrategyMostUsed, "sk-A"},
		{StrategyOldest, "sk-B"},
		{StrategyNewest, "sk-A"},
	}
	for _, tc := range cases {
		got, err := s.Pick(candidates(t, st), false, tc.strategy, 0, 0)
		if err != nil {
			t.Fatalf("Pick %s: %v", tc.strategy, err)
		}
		if got != tc.want {
			t.Fatalf("%s picked %s, want %s", tc.strategy, got, tc.want)
		}
	}
}

func TestSelector_FreeTier_OnlyZeroBalance(t *testing.T) {
	s, st, _ := newTestSelector(t,
		store.APIKey{Key: "sk-PAID", Balance: 10, Enabled: true},
		store.APIKey{Key: "sk-FREE", Balance: 0, Enabled: true},
	)

	// Strategy is forced to random on the free tier; the only zero-balance
	// key must come back regardless of the requested strategy.
	for i := 0; i < 5; i++ {
		got, err := s.Pick(candidates(t, st), true, StrategyHigh, 0, 0)
		if err != nil {
			t.Fatalf("Pick free tier: %v", err)
		}
		if got != "sk-FREE" {
			t.Fatalf("free tier picked paid key %s", got)
		}
	}
}

func TestSelector_PaidTier_ExcludesZeroBalance(t *testing.T) {
	s, st, _ := newTestSelector(t,
		store.APIKey{Key: "sk-PAID", Balance: 10, Enabled: true},
		store.APIKey{Key: "sk-FREE", Balance: 0, Enabled: true},
	)

	for i := 0; i < 5; i++ {
		got, err := s.Pick(candidates(t, st), false, StrategyRandom, 0, 0)
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		if got != "sk-PAID" {
			t.Fatalf("paid tier picked zero-balance key %s", got)
		}
	}
}

func TestSelector_StaleCandidateDropped(t *testing.T) {
	s, st, _ := newTestSelector(t,
		store.APIKey{Key: "sk-A", Balance: 1, Enabled: true},
	)

	// Candidate snapshot still lists sk-B even though it was disabled since.
	stale := append(candidates(t, st), store.KeyBalance{Key: "sk-B", Balance: 99})
	for i := 0; i < 5; i++ {
		got, err := s.Pick(stale, false, StrategyHigh, 0, 0)
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		if got != "sk-A" {
			t.Fatalf("stale candidate selected: %s", got)
		}
	}
}

func TestSelector_LimitedKeysFilteredOut(t *testing.T) {
	s, st, lim := newTestSelector(t,
		store.APIKey{Key: "sk-A", Balance: 1, Enabled: true},
		store.APIKey{Key: "sk-B", Balance: 1, Enabled: true},
	)

	lim.Track("sk-A", 100, 0)
	got, err := s.Pick(candidates(t, st), false, StrategyRandom, 10, 0)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if got != "sk-B" {
		t.Fatalf("rate-limited key selected: %s", got)
	}
}

func TestSelector_EmptyPool(t *testing.T) {
	s, st, _ := newTestSelector(t,
		store.APIKey{Key: "sk-FREE", Balance: 0, Enabled: true},
	)

	// No positive-balance key exists for the paid tier.
	if _, err := s.Pick(candidates(t, st), false, StrategyRandom, 0, 0); !errors.Is(err, ErrNoKeyAvailable) {
		t.Fatalf("expected ErrNoKeyAvailable, got %v", err)
	}
	if _, err := s.Pick(nil, false, StrategyRandom, 0, 0); !errors.Is(err, ErrNoKeyAvailable) {
		t.Fatalf("expected ErrNoKeyAvailable for empty candidates, got %v", err)
	}
}

func TestSelector_ValidStrategy(t *testing.T) {
	for _, s := range []string{StrategyRandom, StrategyHigh, StrategyLow, StrategyLeastUsed,
		StrategyMostUsed, StrategyOldest, StrategyNewest, StrategyRoundRobin} {
		if !ValidStrategy(s) {
			t.Fatalf("%s rejected", s)
		}
	}
	if ValidStrategy("weighted") {
		t.Fatalf("unknown strategy accepted")
	}
}
