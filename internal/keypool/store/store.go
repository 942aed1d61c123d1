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

// Package store provides the durable persistence layer for the key pool.
// Two tables live in one embedded sqlite file: the credential pool and the
// append-only call log. Read paths query directly; all mutations are expected
// to arrive through the write-behind cache.
package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a credential lookup matches no row.
var ErrNotFound = errors.New("store: credential not found")

// APIKey is one upstream credential in the pool.
type APIKey struct {
	Key        string  `gorm:"column:key;primaryKey" json:"key"`
	AddTime    float64 `gorm:"column:add_time" json:"add_time"`
	Balance    float64 `gorm:"column:balance" json:"balance"`
	UsageCount int64   `gorm:"column:usage_count" json:"usage_count"`
	Enabled    bool    `gorm:"column:enabled" json:"enabled"`
	IsInvalid  bool    `gorm:"column:is_invalid" json:"is_invalid"`
}

// TableName maps APIKey onto the api_keys table.
func (APIKey) TableName() string { return "api_keys" }

// CallLog is one append-only usage record.
type CallLog struct {
	ID           int64   `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UsedKey      string  `gorm:"column:used_key" json:"used_key"`
	Model        string  `gorm:"column:model" json:"model"`
	Endpoint     string  `gorm:"column:endpoint" json:"endpoint"`
	CallTime     float64 `gorm:"column:call_time" json:"call_time"`
	InputTokens  int64   `gorm:"column:input_tokens" json:"input_tokens"`
	OutputTokens int64   `gorm:"column:output_tokens" json:"output_tokens"`
	TotalTokens  int64   `gorm:"column:total_tokens" json:"total_tokens"`
}

// TableName maps CallLog onto the logs table.
func (CallLog) TableName() string { return "logs" }

// KeyBalance is the (key, balance) projection the selector consumes.
type KeyBalance struct {
	Key     string  `gorm:"column:key"`
	Balance float64 `gorm:"column:balance"`
}

// Store wraps the embedded database. sqlite tolerates one writer at a time,
// so the underlying pool is pinned to a single connection and callers share it.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the database at dsn and migrates the schema.
// Use ":memory:" for an ephemeral store in tests.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: unwrap sql.DB: %w", err)
	}
	// Single connection: sqlite serializes writers and a pool of one keeps
	// the write-behind flush transaction from contending with itself.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&APIKey{}, &CallLog{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for transactional batch writers.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EnabledKeys returns the (key, balance) pairs of every enabled credential.
func (s *Store) EnabledKeys() ([]KeyBalance, error) {
	var rows []KeyBalance
	if err := s.db.Model(&APIKey{}).Where("enabled = ?", true).
		Select("key", "balance").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: enabled keys: %w", err)
	}
	return rows, nil
}

// GetKey fetches a single credential by primary key.
func (s *Store) GetKey(key string) (*APIKey, error) {
	var row APIKey
	err := s.db.Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get key: %w", err)
	}
	return &row, nil
}

// KeyExists reports whether a credential is already in the pool.
func (s *Store) KeyExists(key string) (bool, error) {
	var n int64
	if err := s.db.Model(&APIKey{}).Where("key = ?", key).Count(&n).Error; err != nil {
		return false, fmt.Errorf("store: key exists: %w", err)
	}
	return n > 0, nil
}

// AllKeys returns every credential in the pool, enabled or not.
func (s *Store) AllKeys() ([]APIKey, error) {
	var rows []APIKey
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: all keys: %w", err)
	}
	return rows, nil
}

// keySortFields whitelists the attributes admin listings may order by.
var keySortFields = map[string]string{
	"key":         "key",
	"add_time":    "add_time",
	"balance":     "balance",
	"usage_count": "usage_count",
	"enabled":     "enabled",
}

// ListKeys returns one page of credentials ordered by any whitelisted field.
// Unknown fields fall back to add_time descending.
func (s *Store) ListKeys(page, pageSize int, sortField, sortOrder string) ([]APIKey, int64, error) {
	col, ok := keySortFields[sortField]
	if !ok {
		col = "add_time"
	}
	dir := "DESC"
	if sortOrder == "asc" {
		dir = "ASC"
	}
	if page < 1 {
		page = 1
	}

	var total int64
	if err := s.db.Model(&APIKey{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: count keys: %w", err)
	}
	var rows []APIKey
	err := s.db.Order(col + " " + dir).
		Limit(pageSize).Offset((page - 1) * pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("store: list keys: %w", err)
	}
	return rows, total, nil
}

// Counts returns (total, enabled) credential counts for the admin listing.
func (s *Store) Counts() (int64, int64, error) {
	var total, enabled int64
	if err := s.db.Model(&APIKey{}).Count(&total).Error; err != nil {
		return 0, 0, fmt.Errorf("store: count: %w", err)
	}
	if err := s.db.Model(&APIKey{}).Where("enabled = ?", true).Count(&enabled).Error; err != nil {
		return 0, 0, fmt.Errorf("store: count enabled: %w", err)
	}
	return total, enabled, nil
}

// UsageCounts returns usage_count per key for the given subset.
func (s *Store) UsageCounts(keys []string) (map[string]int64, error) {
	if len(keys) == 0 {
		return map[string]int64{}, nil
	}
	type row struct {
		Key        string `gorm:"column:key"`
		UsageCount int64  `gorm:"column:usage_count"`
	}
	var rows []row
	if err := s.db.Model(&APIKey{}).Where("key IN ?", keys).
		Select("key", "usage_count").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: usage counts: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Key] = r.UsageCount
	}
	return out, nil
}

// AddTimes returns add_time per key for the given subset.
func (s *Store) AddTimes(keys []string) (map[string]float64, error) {
	if len(keys) == 0 {
		return map[string]float64{}, nil
	}
	type row struct {
		Key     string  `gorm:"column:key"`
		AddTime float64 `gorm:"column:add_time"`
	}
	var rows []row
	if err := s.db.Model(&APIKey{}).Where("key IN ?", keys).
		Select("key", "add_time").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: add times: %w", err)
	}
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		out[r.Key] = r.AddTime
	}
	return out, nil
}

// LogFilter narrows a call-log page query.
type LogFilter struct {
	Page     int
	PageSize int
	// Since, when non-zero, keeps only records with call_time >= Since.
	Since    float64
	Model    string
	Endpoint string
}

// QueryLogs returns one page of call records, newest first, plus the total
// count under the same filter.
func (s *Store) QueryLogs(f LogFilter) ([]CallLog, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 10
	}
	q := s.db.Model(&CallLog{})
	if f.Since > 0 {
		q = q.Where("call_time >= ?", f.Since)
	}
	if f.Model != "" && f.Model != "all" {
		q = q.Where("model = ?", f.Model)
	}
	if f.Endpoint != "" && f.Endpoint != "all" {
		q = q.Where("endpoint = ?", f.Endpoint)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: count logs: %w", err)
	}
	var rows []CallLog
	err := q.Order("call_time DESC").
		Limit(f.PageSize).Offset((f.Page - 1) * f.PageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("store: query logs: %w", err)
	}
	return rows, total, nil
}

// DistinctModels returns every model name seen in the call log.
func (s *Store) DistinctModels() ([]string, error) {
	var out []string
	if err := s.db.Model(&CallLog{}).Distinct("model").
		Order("model").Pluck("model", &out).Error; err != nil {
		return nil, fmt.Errorf("store: distinct models: %w", err)
	}
	return out, nil
}

// DistinctEndpoints returns every endpoint tag seen in the call log.
func (s *Store) DistinctEndpoints() ([]string, error) {
	var out []string
	if err := s.db.Model(&CallLog{}).Distinct("endpoint").
		Where("endpoint IS NOT NULL").
		Order("endpoint").Pluck("endpoint", &out).Error; err != nil {
		return nil, fmt.Errorf("store: distinct endpoints: %w", err)
	}
	return out, nil
}

// ClearLogs truncates the call log, resets its autoincrement counter and
// reclaims file space.
func (s *Store) ClearLogs() error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM logs").Error; err != nil {
			return err
		}
		// sqlite_sequence has no row until the first autoincrement insert.
		return tx.Exec("DELETE FROM sqlite_sequence WHERE name = 'logs'").Error
	})
	if err != nil {
		return fmt.Errorf("store: clear logs: %w", err)
	}
	if err := s.db.Exec("VACUUM").Error; err != nil {
		return fmt.Errorf("store: vacuum: %w", err)
	}
	return nil
}

// SeriesPoint is one bucket of the hourly/daily usage series.
type SeriesPoint struct {
	Bucket       int   `gorm:"column:bucket"`
	Calls        int64 `gorm:"column:calls"`
	InputTokens  int64 `gorm:"column:input_tokens"`
	OutputTokens int64 `gorm:"column:output_tokens"`
}

// HourlySeries aggregates call counts and token sums per local hour over
// [start, end).
func (s *Store) HourlySeries(start, end time.Time) ([]SeriesPoint, error) {
	return s.series("%H", start, end)
}

// DailySeries aggregates per local day of month over [start, end).
func (s *Store) DailySeries(start, end time.Time) ([]SeriesPoint, error) {
	return s.series("%d", start, end)
}

func (s *Store) series(format string, start, end time.Time) ([]SeriesPoint, error) {
	var rows []SeriesPoint
	err := s.db.Raw(`
		SELECT CAST(strftime(?, datetime(call_time, 'unixepoch', 'localtime')) AS INTEGER) AS bucket,
		       COUNT(*) AS calls,
		       COALESCE(SUM(input_tokens), 0) AS input_tokens,
		       COALESCE(SUM(output_tokens), 0) AS output_tokens
		FROM logs
		WHERE call_time >= ? AND call_time < ?
		GROUP BY bucket`,
		format, float64(start.Unix()), float64(end.Unix())).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: usage series: %w", err)
	}
	return rows, nil
}

// ModelUsage is the per-model token aggregate for the stats endpoints.
type ModelUsage struct {
	Model  string `gorm:"column:model"`
	Tokens int64  `gorm:"column:tokens"`
}

// TopModels returns the heaviest models by total tokens over [start, end).
func (s *Store) TopModels(start, end time.Time, limit int) ([]ModelUsage, error) {
	var rows []ModelUsage
	err := s.db.Raw(`
		SELECT model, SUM(total_tokens) AS tokens
		FROM logs
		WHERE call_time >= ? AND call_time < ?
		GROUP BY model
		ORDER BY tokens DESC
		LIMIT ?`,
		float64(start.Unix()), float64(end.Unix()), limit).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: top models: %w", err)
	}
	return rows, nil
}
