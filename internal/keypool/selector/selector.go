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

// Package selector picks one credential per request out of the eligible set
// under a configurable strategy. Free-tier requests are restricted to
// zero-balance credentials and always use the random strategy.
package selector

import (
	"errors"
	"math/rand"
	"sort"
	"sync/atomic"

	"siliconpool/internal/keypool/ratelimit"
	"siliconpool/internal/keypool/store"
)

// ErrNoKeyAvailable is returned when the eligible set is empty after
// filtering.
var ErrNoKeyAvailable = errors.New("selector: no credential available")

// Selection strategies.
const (
	StrategyRandom     = "random"
	StrategyHigh       = "high"
	StrategyLow        = "low"
	StrategyLeastUsed  = "least_used"
	StrategyMostUsed   = "most_used"
	StrategyOldest     = "oldest"
	StrategyNewest     = "newest"
	StrategyRoundRobin = "round_robin"
)

// ValidStrategy reports whether s names a known selection strategy.
func ValidStrategy(s string) bool {
	switch s {
	case StrategyRandom, StrategyHigh, StrategyLow, StrategyLeastUsed,
		StrategyMostUsed, StrategyOldest, StrategyNewest, StrategyRoundRobin:
		return true
	}
	return false
}

// Selector applies a strategy over the eligible credential set. Stateless
// except for the round-robin counter.
type Selector struct {
	store   *store.Store
	limiter *ratelimit.Limiter
	rr      atomic.Uint64
}

// New creates a selector over the given store and limiter.
func New(st *store.Store, lim *ratelimit.Limiter) *Selector {
	return &Selector{store: st, limiter: lim}
}

// Pick chooses one credential from candidates.
//
// candidates come from the enabled set but may be stale; each is re-confirmed
// against the store before partitioning by balance. freeTierOnly restricts to
// zero-balance credentials and forces the random strategy. rpm/tpm apply the
// limiter filter when either is configured.
func (s *Selector) Pick(candidates []store.KeyBalance, freeTierOnly bool, strategy string, rpm, tpm int64) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoKeyAvailable
	}

	enabled, err := s.store.EnabledKeys()
	if err != nil {
		return "", err
	}
	enabledSet := make(map[string]bool, len(enabled))
	for _, kb := range enabled {
		enabledSet[kb.Key] = true
	}

	var zero, positive []store.KeyBalance
	for _, kb := range candidates {
		if !enabledSet[kb.Key] {
			continue
		}
		if kb.Balance > 0 {
			positive = append(positive, kb)
		} else {
			zero = append(zero, kb)
		}
	}

	pool := positive
	if freeTierOnly {
		pool = zero
		strategy = StrategyRandom
	}
	if rpm > 0 || tpm > 0 {
		pool = s.filterLimited(pool, rpm, tpm)
	}
	if len(pool) == 0 {
		return "", ErrNoKeyAvailable
	}

	// Stable order so argmin/argmax tie-breaks and round-robin rotation are
	// deterministic within a process.
	sort.Slice(pool, func(i, j int) bool { return pool[i].Key < pool[j].Key })

	switch strategy {
	case StrategyHigh:
		return argBest(pool, func(a, b store.KeyBalance) bool { return a.Balance > b.Balance }), nil
	case StrategyLow:
		return argBest(pool, func(a, b store.KeyBalance) bool { return a.Balance < b.Balance }), nil
	case StrategyLeastUsed, StrategyMostUsed:
		return s.pickByUsage(pool, strategy == StrategyLeastUsed)
	case StrategyOldest, StrategyNewest:
		return s.pickByAge(pool, strategy == StrategyOldest)
	case StrategyRoundRobin:
		i := s.rr.Add(1) - 1
		return pool[i%uint64(len(pool))].Key, nil
	default: // StrategyRandom and anything unrecognized
		return pool[rand.Intn(len(pool))].Key, nil
	}
}

func (s *Selector) filterLimited(pool []store.KeyBalance, rpm, tpm int64) []store.KeyBalance {
	keys := make([]string, len(pool))
	for i, kb := range pool {
		keys[i] = kb.Key
	}
	pass := s.limiter.Available(keys, rpm, tpm)
	passSet := make(map[string]bool, len(pass))
	for _, k := range pass {
		passSet[k] = true
	}
	out := pool[:0]
	for _, kb := range pool {
		if passSet[kb.Key] {
			out = append(out, kb)
		}
	}
	return out
}

func (s *Selector) pickByUsage(pool []store.KeyBalance, least bool) (string, error) {
	keys := make([]string, len(pool))
	for i, kb := range pool {
		keys[i] = kb.Key
	}
	counts, err := s.store.UsageCounts(keys)
	if err != nil {
		return "", err
	}
	best := keys[0]
	for _, k := range keys[1:] {
		if least && counts[k] < counts[best] {
			best = k
		}
		if !least && counts[k] > counts[best] {
			best = k
		}
	}
	return best, nil
}

func (s *Selector) pickByAge(pool []store.KeyBalance, oldest bool) (string, error) {
	keys := make([]string, len(pool))
	for i, kb := range pool {
		keys[i] = kb.Key
	}
	times, err := s.store.AddTimes(keys)
	if err != nil {
		return "", err
	}
	best := keys[0]
	for _, k := range keys[1:] {
		if oldest && times[k] < times[best] {
			best = k
		}
		if !oldest && times[k] > times[best] {
			best = k
		}
	}
	return best, nil
}

func argBest(pool []store.KeyBalance, better func(a, b store.KeyBalance) bool) string {
	best := pool[0]
	for _, kb := range pool[1:] {
		if better(kb, best) {
			best = kb
		}
	}
	return best.Key
}
