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

// Package ratelimit tracks per-credential request and token usage over a
// sliding one-minute window and arms a fixed cooldown when a configured
// limit is breached. State is in-memory only; entries expire with the
// window and cooldowns expire on their own.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// Window is the sliding accounting window.
	Window = 60 * time.Second
	// CooldownDuration is how long a credential stays penalized after
	// breaching a limit.
	CooldownDuration = 60 * time.Second
)

type usage struct {
	ts     time.Time
	reqs   int64
	tokens int64
}

// Limiter holds usage history and cooldowns per credential. Safe for
// concurrent use; the mutex is never held across I/O.
type Limiter struct {
	mu       sync.Mutex
	history  map[string][]usage
	cooldown map[string]time.Time

	// now is swappable in tests.
	now func() time.Time
}

// New creates an empty limiter.
func New() *Limiter {
	return &Limiter{
		history:  make(map[string][]usage),
		cooldown: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Track records reqs requests and tokens tokens against key at the current
// time, then drops history older than the window.
func (l *Limiter) Track(key string, reqs, tokens int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.history[key] = append(l.history[key], usage{ts: now, reqs: reqs, tokens: tokens})
	l.pruneLocked(key, now)
}

// Check reports whether key may take another request under the given limits.
// A limit of 0 disables that axis. Breaching a limit arms a cooldown; an
// active cooldown denies outright.
func (l *Limiter) Check(key string, rpm, tpm int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(key, rpm, tpm)
}

func (l *Limiter) checkLocked(key string, rpm, tpm int64) bool {
	now := l.now()
	if until, ok := l.cooldown[key]; ok {
		if now.Before(until) {
			return false
		}
		delete(l.cooldown, key)
	}

	l.pruneLocked(key, now)
	curRPM, curTPM := l.sumsLocked(key)

	if rpm > 0 && curRPM >= rpm {
		l.cooldown[key] = now.Add(CooldownDuration)
		return false
	}
	if tpm > 0 && curTPM >= tpm {
		l.cooldown[key] = now.Add(CooldownDuration)
		return false
	}
	return true
}

// Available filters keys down to those passing Check. Keys with no recorded
// history pass trivially, so the filter never arms cooldowns for credentials
// the limiter has not seen.
func (l *Limiter) Available(keys []string, rpm, tpm int64) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if l.checkLocked(k, rpm, tpm) {
			out = append(out, k)
		}
	}
	return out
}

// Current returns the request and token sums for key over the window.
func (l *Limiter) Current(key string) (int64, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(key, l.now())
	return l.sumsLocked(key)
}

// CooldownUntil returns the cooldown expiry for key and whether one is armed.
func (l *Limiter) CooldownUntil(key string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.cooldown[key]
	return until, ok
}

func (l *Limiter) sumsLocked(key string) (int64, int64) {
	var reqs, tokens int64
	for _, u := range l.history[key] {
		reqs += u.reqs
		tokens += u.tokens
	}
	return reqs, tokens
}

func (l *Limiter) pruneLocked(key string, now time.Time) {
	hist := l.history[key]
	cutoff := now.Add(-Window)
	i := 0
	for i < len(hist) && !hist[i].ts.After(cutoff) {
		i++
	}
	if i == len(hist) {
		delete(l.history, key)
		return
	}
	if i > 0 {
		l.history[key] = hist[i:]
	}
}
