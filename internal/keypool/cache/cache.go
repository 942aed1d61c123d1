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

// Package cache implements the write-behind layer between the hot path and
// the durable store. Mutations are buffered in memory per logical table and
// flushed in a single transaction when the pending count crosses a threshold,
// when the background timer fires, on explicit request, or on shutdown.
//
// A flush either moves every buffered operation to the store or preserves
// every buffered operation for a later attempt; partial application is not
// possible because all three phases share one transaction.
package cache

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"siliconpool/internal/keypool/telemetry/poolstats"
)

const (
	// DefaultMaxBatch is the pending-operation count that forces a flush.
	DefaultMaxBatch = 100
	// DefaultFlushInterval drives the background timer flush.
	DefaultFlushInterval = 30 * time.Second
	// failureWarnThreshold is the consecutive-failure count that escalates
	// flush errors from Error to Warn-with-alarm.
	failureWarnThreshold = 10
)

// Stats is a point-in-time snapshot of the cache counters.
type Stats struct {
	PendingInserts int       `json:"pending_inserts"`
	PendingUpdates int       `json:"pending_updates"`
	PendingDeletes int       `json:"pending_deletes"`
	CachedInserts  int64     `json:"cached_inserts"`
	CachedUpdates  int64     `json:"cached_updates"`
	CachedDeletes  int64     `json:"cached_deletes"`
	FlushCount     int64     `json:"flush_count"`
	LastFlush      time.Time `json:"last_flush"`
	FlushFailures  int       `json:"consecutive_flush_failures"`
}

type pendingUpdate struct {
	set        map[string]any
	whereField string
	whereVal   any
}

type pendingDelete struct {
	pkField string
	pkVal   any
}

// Cache buffers inserts, updates and deletes per table and flushes them
// in batches to the store. All methods are safe for concurrent use.
type Cache struct {
	db            *gorm.DB
	maxBatch      int
	flushInterval time.Duration
	log           *logrus.Entry

	mu      sync.Mutex
	inserts map[string][]any
	updates map[string][]pendingUpdate
	deletes map[string][]pendingDelete
	stats   Stats

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// New creates a cache over db. Zero maxBatch or flushInterval select the
// defaults. Call Start to launch the timer flush loop.
func New(db *gorm.DB, maxBatch int, flushInterval time.Duration) *Cache {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	return &Cache{
		db:            db,
		maxBatch:      maxBatch,
		flushInterval: flushInterval,
		log:           logrus.WithField("component", "cache"),
		inserts:       make(map[string][]any),
		updates:       make(map[string][]pendingUpdate),
		deletes:       make(map[string][]pendingDelete),
		stopChan:      make(chan struct{}),
	}
}

// Start launches the background timer flush loop.
func (c *Cache) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.flushLoop()
	}()
}

// Stop signals the timer loop, waits for it to exit and performs a final
// flush. Flush errors during shutdown are logged, not propagated.
func (c *Cache) Stop() {
	if !atomic.CompareAndSwapUint32(&c.stopped, 0, 1) {
		return
	}
	close(c.stopChan)
	c.wg.Wait()
	if err := c.Flush(); err != nil {
		c.log.WithError(err).Error("final flush failed; buffered operations lost on exit")
	}
}

func (c *Cache) flushLoop() {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Flush(); err != nil {
				// Already counted and logged inside flushLocked.
				continue
			}
		case <-c.stopChan:
			return
		}
	}
}

// QueueInsert buffers one row for table. The row must be a gorm model (or
// map) matching the table's schema. Forces a flush when the pending count
// reaches maxBatch.
func (c *Cache) QueueInsert(table string, row any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inserts[table] = append(c.inserts[table], row)
	c.stats.PendingInserts++
	c.stats.CachedInserts++
	return c.maybeFlushLocked()
}

// QueueUpdate buffers a field-map update for rows where whereField equals
// whereVal.
func (c *Cache) QueueUpdate(table string, set map[string]any, whereField string, whereVal any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates[table] = append(c.updates[table], pendingUpdate{set: set, whereField: whereField, whereVal: whereVal})
	c.stats.PendingUpdates++
	c.stats.CachedUpdates++
	return c.maybeFlushLocked()
}

// QueueDelete buffers a delete of the row whose pkField equals pkVal.
func (c *Cache) QueueDelete(table string, pkField string, pkVal any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes[table] = append(c.deletes[table], pendingDelete{pkField: pkField, pkVal: pkVal})
	c.stats.PendingDeletes++
	c.stats.CachedDeletes++
	return c.maybeFlushLocked()
}

// maybeFlushLocked flushes when the total pending count has reached maxBatch.
// Threshold flush failures are reported to the caller of the queue operation
// that tripped them.
func (c *Cache) maybeFlushLocked() error {
	if c.pendingLocked() < c.maxBatch {
		return nil
	}
	return c.flushLocked()
}

func (c *Cache) pendingLocked() int {
	return c.stats.PendingInserts + c.stats.PendingUpdates + c.stats.PendingDeletes
}

// Flush writes all buffered operations to the store in one transaction.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

// flushLocked runs the flush protocol: inserts first (insert-or-ignore,
// multi-row per table), then updates individually, then deletes. On any
// failure the transaction rolls back and every buffer is preserved.
func (c *Cache) flushLocked() error {
	total := c.pendingLocked()
	if total == 0 {
		return nil
	}

	tx := c.db.Begin()
	if tx.Error != nil {
		return c.flushFailedLocked(fmt.Errorf("cache: begin flush tx: %w", tx.Error))
	}
	defer tx.Rollback()

	for table, rows := range c.inserts {
		if len(rows) == 0 {
			continue
		}
		batch := coalesceRows(rows)
		if err := tx.Table(table).Clauses(clause.OnConflict{DoNothing: true}).Create(batch).Error; err != nil {
			return c.flushFailedLocked(fmt.Errorf("cache: insert batch into %s: %w", table, err))
		}
	}
	for table, ups := range c.updates {
		for _, u := range ups {
			if err := tx.Table(table).Where(u.whereField+" = ?", u.whereVal).Updates(u.set).Error; err != nil {
				return c.flushFailedLocked(fmt.Errorf("cache: update %s: %w", table, err))
			}
		}
	}
	for table, dels := range c.deletes {
		for _, d := range dels {
			if err := tx.Exec("DELETE FROM "+table+" WHERE "+d.pkField+" = ?", d.pkVal).Error; err != nil {
				return c.flushFailedLocked(fmt.Errorf("cache: delete from %s: %w", table, err))
			}
		}
	}

	if err := tx.Commit().Error; err != nil {
		return c.flushFailedLocked(fmt.Errorf("cache: commit flush: %w", err))
	}

	c.inserts = make(map[string][]any)
	c.updates = make(map[string][]pendingUpdate)
	c.deletes = make(map[string][]pendingDelete)
	c.stats.PendingInserts = 0
	c.stats.PendingUpdates = 0
	c.stats.PendingDeletes = 0
	c.stats.FlushCount++
	c.stats.LastFlush = time.Now()
	c.stats.FlushFailures = 0
	poolstats.ObserveFlush(total)
	c.log.WithField("ops", total).Debug("flushed write-behind buffers")
	return nil
}

// flushFailedLocked records a failed flush, leaving all buffers intact.
func (c *Cache) flushFailedLocked(err error) error {
	c.stats.FlushFailures++
	poolstats.ObserveFlushError()
	if c.stats.FlushFailures >= failureWarnThreshold {
		c.log.WithError(err).WithField("consecutive_failures", c.stats.FlushFailures).
			Warn("write-behind flush keeps failing; store may be unavailable")
	} else {
		c.log.WithError(err).Error("write-behind flush failed; buffers preserved")
	}
	return err
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// coalesceRows converts a []any whose elements share one concrete type into
// a typed slice so the driver sees a single multi-row INSERT. Mixed-type
// batches fall back to the original slice, which gorm inserts row by row.
func coalesceRows(rows []any) any {
	if len(rows) == 0 {
		return rows
	}
	elemType := reflect.TypeOf(rows[0])
	for _, r := range rows[1:] {
		if reflect.TypeOf(r) != elemType {
			return rows
		}
	}
	out := reflect.MakeSlice(reflect.SliceOf(elemType), 0, len(rows))
	for _, r := range rows {
		out = reflect.Append(out, reflect.ValueOf(r))
	}
	return out.Interface()
}
