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

package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"siliconpool/internal/keypool/store"
	"siliconpool/internal/keypool/validator"
)

const keyPageSize = 10

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	sortField := r.URL.Query().Get("sort_field")
	sortOrder := r.URL.Query().Get("sort_order")

	rows, total, err := s.store.ListKeys(page, keyPageSize, sortField, sortOrder)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	_, enabled, err := s.store.Counts()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	if rows == nil {
		rows = []store.APIKey{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":          rows,
		"total":         total,
		"enabled_count": enabled,
		"page":          page,
		"page_size":     keyPageSize,
	})
}

// handleImportKeys sanitizes, dedupes and validates a pasted blob of keys,
// inserting the live ones through the write-behind cache.
func (s *Server) handleImportKeys(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Keys string `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request body"})
		return
	}

	seen := make(map[string]bool)
	var imported, duplicates, invalid int
	for _, raw := range strings.FieldsFunc(payload.Keys, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ',' || r == ' ' || r == '\t'
	}) {
		key := strings.Trim(raw, `"'`)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		if !validator.FormatValid(key) {
			invalid++
			continue
		}
		exists, err := s.store.KeyExists(key)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
			return
		}
		if exists {
			duplicates++
			continue
		}
		// One validation attempt gates insertion.
		res := s.vdr.Validate(r.Context(), key)
		if !res.Valid {
			invalid++
			continue
		}
		if err := s.cache.QueueInsert("api_keys", &store.APIKey{
			Key:     key,
			AddTime: float64(time.Now().UnixNano()) / 1e9,
			Balance: res.Balance,
			Enabled: true,
		}); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
			return
		}
		imported++
	}

	if err := s.cache.Flush(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "imported keys not yet persisted: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"imported":   imported,
		"duplicates": duplicates,
		"invalid":    invalid,
	})
}

func (s *Server) handleRefreshKey(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "key is required"})
		return
	}
	res := s.vdr.Validate(r.Context(), payload.Key)
	if err := validator.Apply(s.store, s.cache, payload.Key, res); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	if err := s.cache.Flush(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":     res.Valid,
		"balance":   res.Balance,
		"transient": res.Transient,
		"message":   res.Message,
	})
}

func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	sum, err := s.scheduler.RefreshAll(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleToggleKey(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "key is required"})
		return
	}
	row, err := s.store.GetKey(payload.Key)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "unknown key"})
		return
	}
	if !row.Enabled && row.IsInvalid {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "cannot enable a key marked invalid"})
		return
	}
	if err := s.cache.QueueUpdate("api_keys", map[string]any{"enabled": !row.Enabled}, "key", payload.Key); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	if err := s.cache.Flush(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": payload.Key, "enabled": !row.Enabled})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "key is required"})
		return
	}
	if err := s.cache.QueueDelete("api_keys", "key", payload.Key); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	if err := s.cache.Flush(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "key deleted"})
}

func (s *Server) handleExportKeys(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.AllKeys()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="keys.csv"`)
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"key", "add_time", "balance", "usage_count", "enabled"})
		for _, row := range rows {
			_ = cw.Write([]string{
				row.Key,
				strconv.FormatFloat(row.AddTime, 'f', -1, 64),
				strconv.FormatFloat(row.Balance, 'f', -1, 64),
				strconv.FormatInt(row.UsageCount, 10),
				strconv.FormatBool(row.Enabled),
			})
		}
		cw.Flush()
	case "line_with_balance":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="keys.txt"`)
		for _, row := range rows {
			fmt.Fprintf(w, "%s,%g\n", row.Key, row.Balance)
		}
	default: // "line"
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="keys.txt"`)
		for _, row := range rows {
			fmt.Fprintln(w, row.Key)
		}
	}
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}
