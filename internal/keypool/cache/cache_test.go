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

package cache

import (
	"testing"
	"time"

	"siliconpool/internal/keypool/store"
)

func newTestCache(t *testing.T) (*Cache, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	// Long interval so only explicit/threshold flushes fire during tests.
	c := New(st.DB(), 100, time.Hour)
	return c, st
}

func TestCache_Flush_MovesAllBuffersAtomically(t *testing.T) {
	c, st := newTestCache(t)

	seed := store.APIKey{Key: "sk-OLD", Balance: 1, Enabled: true}
	if err := st.DB().Create(&seed).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := c.QueueInsert("api_keys", &store.APIKey{Key: "sk-NEW", Balance: 7, Enabled: true}); err != nil {
		t.Fatalf("QueueInsert: %v", err)
	}
	if err := c.QueueUpdate("api_keys", map[string]any{"balance": 42.0}, "key", "sk-OLD"); err != nil {
		t.Fatalf("QueueUpdate: %v", err)
	}
	if err := c.QueueInsert("logs", &store.CallLog{UsedKey: "sk-OLD", Model: "m", Endpoint: "chat_completions", CallTime: 1}); err != nil {
		t.Fatalf("QueueInsert log: %v", err)
	}

	if err := c.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	stats := c.Stats()
	if stats.PendingInserts != 0 || stats.PendingUpdates != 0 || stats.PendingDeletes != 0 {
		t.Fatalf("buffers not empty after flush: %+v", stats)
	}
	if stats.FlushCount != 1 {
		t.Fatalf("expected flush count 1, got %d", stats.FlushCount)
	}

	row, err := st.GetKey("sk-NEW")
	if err != nil {
		t.Fatalf("inserted key missing: %v", err)
	}
	if row.Balance != 7 {
		t.Fatalf("inserted key balance = %v, want 7", row.Balance)
	}
	old, err := st.GetKey("sk-OLD")
	if err != nil {
		t.Fatalf("updated key missing: %v", err)
	}
	if old.Balance != 42 {
		t.Fatalf("update not applied, balance = %v", old.Balance)
	}
}

func TestCache_Flush_DuplicateInsertIsIgnored(t *testing.T) {
	c, st := newTestCache(t)

	seed := store.APIKey{Key: "sk-DUP", Balance: 5, Enabled: true}
	if err := st.DB().Create(&seed).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := c.QueueInsert("api_keys", &store.APIKey{Key: "sk-DUP", Balance: 99, Enabled: true}); err != nil {
		t.Fatalf("QueueInsert: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush failed on duplicate insert: %v", err)
	}

	row, err := st.GetKey("sk-DUP")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if row.Balance != 5 {
		t.Fatalf("duplicate insert overwrote row, balance = %v", row.Balance)
	}
}

func TestCache_Flush_DeleteRemovesRow(t *testing.T) {
	c, st := newTestCache(t)

	seed := store.APIKey{Key: "sk-GONE", Enabled: true}
	if err := st.DB().Create(&seed).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := c.QueueDelete("api_keys", "key", "sk-GONE"); err != nil {
		t.Fatalf("QueueDelete: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := st.GetKey("sk-GONE"); err == nil {
		t.Fatalf("deleted row still present")
	}
}

func TestCache_FailedFlush_PreservesBuffersAndAppliesNothing(t *testing.T) {
	c, st := newTestCache(t)

	if err := c.QueueInsert("api_keys", &store.APIKey{Key: "sk-KEEP", Balance: 1, Enabled: true}); err != nil {
		t.Fatalf("QueueInsert: %v", err)
	}
	// The bad operation targets a table that does not exist, failing the
	// transaction after the good insert already executed inside it.
	if err := c.QueueUpdate("no_such_table", map[string]any{"x": 1}, "id", 1); err != nil {
		t.Fatalf("QueueUpdate: %v", err)
	}

	if err := c.Flush(); err == nil {
		t.Fatalf("expected flush to fail")
	}

	stats := c.Stats()
	if stats.PendingInserts != 1 || stats.PendingUpdates != 1 {
		t.Fatalf("buffers not preserved after failed flush: %+v", stats)
	}
	if stats.FlushFailures != 1 {
		t.Fatalf("expected 1 consecutive failure, got %d", stats.FlushFailures)
	}
	// Rollback must have withheld the good insert too.
	if _, err := st.GetKey("sk-KEEP"); err == nil {
		t.Fatalf("failed flush partially applied")
	}
}

func TestCache_ThresholdTriggersFlush(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	c := New(st.DB(), 3, time.Hour)

	for i := 0; i < 3; i++ {
		err := c.QueueInsert("logs", &store.CallLog{UsedKey: "sk-T", Model: "m", Endpoint: "e", CallTime: float64(i)})
		if err != nil {
			t.Fatalf("QueueInsert %d: %v", i, err)
		}
	}

	stats := c.Stats()
	if stats.FlushCount != 1 {
		t.Fatalf("expected threshold flush, flush count = %d", stats.FlushCount)
	}
	if stats.PendingInserts != 0 {
		t.Fatalf("pending inserts after threshold flush = %d", stats.PendingInserts)
	}
	_, total, err := st.QueryLogs(store.LogFilter{})
	if err != nil {
		t.Fatalf("QueryLogs: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 log rows, got %d", total)
	}
}

func TestCache_StopRunsFinalFlush(t *testing.T) {
	c, st := newTestCache(t)
	c.Start()

	if err := c.QueueInsert("logs", &store.CallLog{UsedKey: "sk-F", Model: "m", Endpoint: "e", CallTime: 1}); err != nil {
		t.Fatalf("QueueInsert: %v", err)
	}
	c.Stop()

	_, total, err := st.QueryLogs(store.LogFilter{})
	if err != nil {
		t.Fatalf("QueryLogs: %v", err)
	}
	if total != 1 {
		t.Fatalf("final flush did not run, %d rows", total)
	}

	// Second Stop is a no-op.
	c.Stop()
}

func TestCache_StatsLifetimeCounters(t *testing.T) {
	c, _ := newTestCache(t)

	_ = c.QueueInsert("logs", &store.CallLog{UsedKey: "sk-S", Model: "m", Endpoint: "e", CallTime: 1})
	_ = c.QueueUpdate("api_keys", map[string]any{"balance": 1.0}, "key", "sk-S")
	_ = c.QueueDelete("api_keys", "key", "sk-S")

	stats := c.Stats()
	if stats.CachedInserts != 1 || stats.CachedUpdates != 1 || stats.CachedDeletes != 1 {
		t.Fatalf("lifetime counters wrong: %+v", stats)
	}
}
