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
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"siliconpool/internal/keypool/selector"
	"siliconpool/internal/keypool/store"
)

const (
	logPageSize      = 10
	distinctListTTL  = 5 * time.Minute
	dailyStatsTTL    = 60 * time.Second
	monthlyStatsTTL  = 5 * time.Minute
	topModelsPerSpan = 10
)

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))

	filter := store.LogFilter{
		Page:     page,
		PageSize: logPageSize,
		Model:    q.Get("model"),
		Endpoint: q.Get("endpoint"),
	}
	if q.Get("date_filter") == "today" {
		filter.Since = float64(startOfToday().Unix())
	}

	rows, total, err := s.store.QueryLogs(filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	if rows == nil {
		rows = []store.CallLog{}
	}

	models, err := s.modelList.get(distinctListTTL, s.store.DistinctModels)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	endpoints, err := s.endpointList.get(distinctListTTL, s.store.DistinctEndpoints)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"logs":                rows,
		"total":               total,
		"page":                filter.Page,
		"page_size":           logPageSize,
		"available_models":    models,
		"available_endpoints": endpoints,
	})
}

// handleClearLogs flushes pending writes first so buffered records cannot
// resurrect a just-truncated table.
func (s *Server) handleClearLogs(w http.ResponseWriter, _ *http.Request) {
	if err := s.cache.Flush(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	if err := s.store.ClearLogs(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	s.modelList.invalidate()
	s.endpointList.invalidate()
	s.dailyStats.invalidate()
	s.monthlyStats.invalidate()
	writeJSON(w, http.StatusOK, map[string]string{"message": "logs cleared"})
}

// usageReport is the chart-ready series for the stats endpoints.
type usageReport struct {
	Labels       []int    `json:"labels"`
	Calls        []int64  `json:"calls"`
	InputTokens  []int64  `json:"input_tokens"`
	OutputTokens []int64  `json:"output_tokens"`
	ModelLabels  []string `json:"model_labels"`
	ModelTokens  []int64  `json:"model_tokens"`
}

func (s *Server) handleDailyStats(w http.ResponseWriter, _ *http.Request) {
	body, err := s.dailyStats.get(dailyStatsTTL, func() (any, error) {
		start := startOfToday()
		end := start.AddDate(0, 0, 1)
		points, err := s.store.HourlySeries(start, end)
		if err != nil {
			return nil, err
		}
		return s.buildReport(points, 0, 24, start, end)
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	writeRawJSON(w, body)
}

func (s *Server) handleMonthlyStats(w http.ResponseWriter, _ *http.Request) {
	body, err := s.monthlyStats.get(monthlyStatsTTL, func() (any, error) {
		now := time.Now()
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		end := start.AddDate(0, 1, 0)
		days := end.Add(-time.Hour).Day()
		points, err := s.store.DailySeries(start, end)
		if err != nil {
			return nil, err
		}
		return s.buildReport(points, 1, days, start, end)
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	writeRawJSON(w, body)
}

// buildReport densifies sparse buckets into a full [first, first+count)
// series and attaches the heaviest models of the span.
func (s *Server) buildReport(points []store.SeriesPoint, first, count int, start, end time.Time) (*usageReport, error) {
	rep := &usageReport{
		Labels:       make([]int, count),
		Calls:        make([]int64, count),
		InputTokens:  make([]int64, count),
		OutputTokens: make([]int64, count),
		ModelLabels:  []string{},
		ModelTokens:  []int64{},
	}
	for i := 0; i < count; i++ {
		rep.Labels[i] = first + i
	}
	for _, p := range points {
		idx := p.Bucket - first
		if idx < 0 || idx >= count {
			continue
		}
		rep.Calls[idx] = p.Calls
		rep.InputTokens[idx] = p.InputTokens
		rep.OutputTokens[idx] = p.OutputTokens
	}
	top, err := s.store.TopModels(start, end, topModelsPerSpan)
	if err != nil {
		return nil, err
	}
	for _, m := range top {
		rep.ModelLabels = append(rep.ModelLabels, m.Model)
		rep.ModelTokens = append(rep.ModelTokens, m.Tokens)
	}
	return rep, nil
}

func startOfToday() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

func writeRawJSON(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// --- runtime configuration endpoints ---

func (s *Server) handleGetStrategy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"call_strategy": s.cfg.Snapshot().CallStrategy})
}

func (s *Server) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		CallStrategy string `json:"call_strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request body"})
		return
	}
	if !selector.ValidStrategy(payload.CallStrategy) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "unknown strategy"})
		return
	}
	if err := s.cfg.SetCallStrategy(payload.CallStrategy); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "call strategy updated to " + payload.CallStrategy})
}

func (s *Server) handleGetCustomKey(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"custom_api_key": s.cfg.Snapshot().CustomAPIKey})
}

func (s *Server) handleSetCustomKey(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		CustomAPIKey string `json:"custom_api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request body"})
		return
	}
	if err := s.cfg.SetCustomAPIKey(payload.CustomAPIKey); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	msg := "proxy token set"
	if payload.CustomAPIKey == "" {
		msg = "proxy token cleared"
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

func (s *Server) handleGetFreeKey(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"free_model_api_key": s.cfg.Snapshot().FreeModelAPIKey})
}

func (s *Server) handleSetFreeKey(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		FreeModelAPIKey string `json:"free_model_api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request body"})
		return
	}
	if err := s.cfg.SetFreeModelAPIKey(payload.FreeModelAPIKey); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	msg := "free-tier token set"
	if payload.FreeModelAPIKey == "" {
		msg = "free-tier token cleared"
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

func (s *Server) handleGetRefreshInterval(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"refresh_interval": s.cfg.Snapshot().RefreshIntervalMinutes})
}

func (s *Server) handleSetRefreshInterval(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RefreshInterval *int `json:"refresh_interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.RefreshInterval == nil || *payload.RefreshInterval < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "refresh interval must be a non-negative integer"})
		return
	}
	if err := s.cfg.SetRefreshInterval(*payload.RefreshInterval); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	msg := "auto refresh disabled"
	if *payload.RefreshInterval > 0 {
		msg = "auto refresh interval set to " + strconv.Itoa(*payload.RefreshInterval) + " minutes"
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

func (s *Server) handleGetLimits(w http.ResponseWriter, _ *http.Request) {
	snap := s.cfg.Snapshot()
	writeJSON(w, http.StatusOK, map[string]int64{
		"rpm_limit": snap.RPMLimit,
		"tpm_limit": snap.TPMLimit,
	})
}

func (s *Server) handleSetRPMLimit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RPMLimit *int64 `json:"rpm_limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.RPMLimit == nil || *payload.RPMLimit < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "rpm limit must be a non-negative integer"})
		return
	}
	if err := s.cfg.SetRPMLimit(*payload.RPMLimit); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "rpm limit updated"})
}

func (s *Server) handleSetTPMLimit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TPMLimit *int64 `json:"tpm_limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.TPMLimit == nil || *payload.TPMLimit < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "tpm limit must be a non-negative integer"})
		return
	}
	if err := s.cfg.SetTPMLimit(*payload.TPMLimit); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "tpm limit updated"})
}
