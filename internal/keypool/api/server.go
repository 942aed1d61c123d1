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

// Package api implements the HTTP surface of the key pool proxy: the
// mirrored upstream endpoints, the admin surface, health and metrics.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"siliconpool/internal/keypool/cache"
	"siliconpool/internal/keypool/config"
	"siliconpool/internal/keypool/dispatch"
	"siliconpool/internal/keypool/refresh"
	"siliconpool/internal/keypool/store"
	"siliconpool/internal/keypool/validator"
)

// Server routes HTTP traffic to the pool components.
type Server struct {
	store      *store.Store
	cache      *cache.Cache
	dispatcher *dispatch.Dispatcher
	vdr        *validator.Validator
	scheduler  *refresh.Scheduler
	cfg        *config.Store
	log        *logrus.Entry

	// distinct model/endpoint lists and stats responses are memoized.
	modelList    cachedList
	endpointList cachedList
	dailyStats   cachedJSON
	monthlyStats cachedJSON
}

// NewServer wires the HTTP layer over the pool components.
func NewServer(st *store.Store, c *cache.Cache, d *dispatch.Dispatcher, vdr *validator.Validator, sched *refresh.Scheduler, cfg *config.Store) *Server {
	return &Server{
		store:      st,
		cache:      c,
		dispatcher: d,
		vdr:        vdr,
		scheduler:  sched,
		cfg:        cfg,
		log:        logrus.WithField("component", "api"),
	}
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// Mirrored upstream endpoints.
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Post("/v1/completions", s.handleCompletions)
	r.Post("/v1/embeddings", s.handleEmbeddings)
	r.Post("/v1/rerank", s.handleRerank)
	r.Post("/v1/images/generations", s.handleImages)
	r.Get("/v1/models", s.handleModels)

	// Admin surface.
	r.Group(func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Get("/api/keys", s.handleListKeys)
		r.Post("/import_keys", s.handleImportKeys)
		r.Post("/api/refresh_key", s.handleRefreshKey)
		r.Post("/refresh", s.handleRefreshAll)
		r.Post("/api/toggle_key", s.handleToggleKey)
		r.Post("/api/delete_key", s.handleDeleteKey)
		r.Get("/export_keys", s.handleExportKeys)
		r.Get("/api/cache/stats", s.handleCacheStats)

		r.Get("/logs", s.handleLogs)
		r.Post("/clear_logs", s.handleClearLogs)
		r.Get("/api/stats/daily", s.handleDailyStats)
		r.Get("/api/stats/monthly", s.handleMonthlyStats)

		r.Get("/config/strategy", s.handleGetStrategy)
		r.Post("/config/strategy", s.handleSetStrategy)
		r.Get("/config/custom_api_key", s.handleGetCustomKey)
		r.Post("/config/custom_api_key", s.handleSetCustomKey)
		r.Get("/config/free_model_api_key", s.handleGetFreeKey)
		r.Post("/config/free_model_api_key", s.handleSetFreeKey)
		r.Get("/config/refresh_interval", s.handleGetRefreshInterval)
		r.Post("/config/refresh_interval", s.handleSetRefreshInterval)
		r.Get("/config/rpm_tpm_limits", s.handleGetLimits)
		r.Post("/config/rpm_limit", s.handleSetRPMLimit)
		r.Post("/config/tpm_limit", s.handleSetTPMLimit)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// adminAuth guards the admin surface with HTTP Basic auth when admin
// credentials are configured.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := s.cfg.Snapshot()
		if snap.AdminUsername == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(snap.AdminUsername)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(snap.AdminPassword)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="siliconpool admin"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "admin authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// cachedList memoizes a string list with a TTL.
type cachedList struct {
	mu   sync.Mutex
	data []string
	at   time.Time
}

func (c *cachedList) get(ttl time.Duration, load func() ([]string, error)) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data != nil && time.Since(c.at) < ttl {
		return c.data, nil
	}
	data, err := load()
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []string{}
	}
	c.data = data
	c.at = time.Now()
	return data, nil
}

func (c *cachedList) invalidate() {
	c.mu.Lock()
	c.data = nil
	c.mu.Unlock()
}

// cachedJSON memoizes a rendered response body with a TTL.
type cachedJSON struct {
	mu   sync.Mutex
	body []byte
	at   time.Time
}

func (c *cachedJSON) get(ttl time.Duration, load func() (any, error)) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.body != nil && time.Since(c.at) < ttl {
		return c.body, nil
	}
	v, err := load()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	c.body = body
	c.at = time.Now()
	return body, nil
}

func (c *cachedJSON) invalidate() {
	c.mu.Lock()
	c.body = nil
	c.mu.Unlock()
}
