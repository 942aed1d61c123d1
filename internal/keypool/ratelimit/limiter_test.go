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

package ratelimit

import (
	"testing"
	"time"
)

// clockAt pins the limiter's clock to a mutable instant.
func clockAt(l *Limiter, t0 time.Time) *time.Time {
	now := t0
	l.now = func() time.Time { return now }
	return &now
}

func TestLimiter_WindowSums(t *testing.T) {
	l := New()
	now := clockAt(l, time.Unix(1000, 0))

	l.Track("sk-A", 1, 100)
	*now = now.Add(30 * time.Second)
	l.Track("sk-A", 1, 200)

	reqs, tokens := l.Current("sk-A")
	if reqs != 2 || tokens != 300 {
		t.Fatalf("expected sums (2, 300), got (%d, %d)", reqs, tokens)
	}

	// The first sample ages out of the window; the second survives.
	*now = now.Add(31 * time.Second)
	reqs, tokens = l.Current("sk-A")
	if reqs != 1 || tokens != 200 {
		t.Fatalf("after expiry expected (1, 200), got (%d, %d)", reqs, tokens)
	}

	*now = now.Add(Window)
	reqs, tokens = l.Current("sk-A")
	if reqs != 0 || tokens != 0 {
		t.Fatalf("after full expiry expected (0, 0), got (%d, %d)", reqs, tokens)
	}
}

func TestLimiter_ZeroLimitDisablesAxis(t *testing.T) {
	l := New()
	clockAt(l, time.Unix(1000, 0))

	l.Track("sk-A", 100, 100000)
	if !l.Check("sk-A", 0, 0) {
		t.Fatalf("zero limits must never deny")
	}
	if !l.Check("sk-A", 0, 200000) {
		t.Fatalf("rpm=0 must disable the request axis")
	}
}

func TestLimiter_BreachArmsCooldown(t *testing.T) {
	l := New()
	now := clockAt(l, time.Unix(1000, 0))

	l.Track("sk-A", 5, 0)
	if l.Check("sk-A", 5, 0) {
		t.Fatalf("expected denial at rpm limit")
	}
	until, ok := l.CooldownUntil("sk-A")
	if !ok {
		t.Fatalf("cooldown not armed")
	}
	if want := now.Add(CooldownDuration); !until.Equal(want) {
		t.Fatalf("cooldown until = %v, want %v", until, want)
	}

	// Denied throughout the cooldown even though the window empties.
	*now = now.Add(59 * time.Second)
	if l.Check("sk-A", 5, 0) {
		t.Fatalf("expected denial during cooldown")
	}

	// At expiry the cooldown clears and the (now empty) window passes.
	*now = now.Add(1 * time.Second)
	if !l.Check("sk-A", 5, 0) {
		t.Fatalf("expected recovery after cooldown expiry")
	}
	if _, ok := l.CooldownUntil("sk-A"); ok {
		t.Fatalf("cooldown entry not cleared after expiry")
	}
}

func TestLimiter_TokenLimitBreach(t *testing.T) {
	l := New()
	clockAt(l, time.Unix(1000, 0))

	l.Track("sk-A", 1, 1000)
	if l.Check("sk-A", 0, 1000) {
		t.Fatalf("expected denial at tpm limit")
	}
	if _, ok := l.CooldownUntil("sk-A"); !ok {
		t.Fatalf("token breach must arm cooldown")
	}
}

func TestLimiter_Available_UnseenKeysPass(t *testing.T) {
	l := New()
	clockAt(l, time.Unix(1000, 0))

	l.Track("sk-BUSY", 10, 0)
	out := l.Available([]string{"sk-BUSY", "sk-IDLE"}, 10, 0)
	if len(out) != 1 || out[0] != "sk-IDLE" {
		t.Fatalf("expected only sk-IDLE available, got %v", out)
	}
	if _, ok := l.CooldownUntil("sk-IDLE"); ok {
		t.Fatalf("filter armed a cooldown for an unseen key")
	}
}
