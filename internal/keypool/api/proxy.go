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
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"siliconpool/internal/keypool/dispatch"
	"siliconpool/internal/keypool/selector"
	"siliconpool/internal/keypool/telemetry/poolstats"
)

// Per-endpoint upstream timeouts.
const (
	chatTimeout   = 1800 * time.Second
	unaryTimeout  = 300 * time.Second
	imagesTimeout = 120 * time.Second
	modelsTimeout = 30 * time.Second
)

// statusClientClosedRequest is the nginx-convention status for a downstream
// disconnect.
const statusClientClosedRequest = 499

// authenticate checks the inbound bearer token against the configured proxy
// tokens. It returns (freeTier, authorized).
func (s *Server) authenticate(r *http.Request) (bool, bool) {
	snap := s.cfg.Snapshot()
	if snap.CustomAPIKey == "" && snap.FreeModelAPIKey == "" {
		return false, true
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if snap.FreeModelAPIKey != "" && token == snap.FreeModelAPIKey {
		return true, true
	}
	if snap.CustomAPIKey != "" && token == snap.CustomAPIKey {
		return false, true
	}
	return false, false
}

// proxyPayload is the slice of the inbound body the proxy itself needs; the
// body is still forwarded verbatim.
type proxyPayload struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.proxyCompletion(w, r, "chat_completions", "/v1/chat/completions")
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	s.proxyCompletion(w, r, "completions", "/v1/completions")
}

// proxyCompletion serves the two generation endpoints, streaming or unary.
func (s *Server) proxyCompletion(w http.ResponseWriter, r *http.Request, tag, path string) {
	freeTier, ok := s.authenticate(r)
	if !ok {
		writeJSON(w, http.StatusForbidden, map[string]string{"message": "invalid proxy token"})
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "unreadable request body"})
		return
	}
	var payload proxyPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "request body is not valid JSON"})
		return
	}

	s.finishProxy(w, r, tag, dispatch.Request{
		Tag:           tag,
		Path:          path,
		Method:        http.MethodPost,
		Body:          body,
		Header:        r.Header,
		Model:         payload.Model,
		Stream:        payload.Stream,
		Timeout:       chatTimeout,
		FreeTier:      freeTier,
		AllowFallback: true,
		Record:        true,
	})
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	s.proxyUnary(w, r, "embeddings", "/v1/embeddings", unaryTimeout, true)
}

func (s *Server) handleRerank(w http.ResponseWriter, r *http.Request) {
	s.proxyUnary(w, r, "rerank", "/v1/rerank", unaryTimeout, false)
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	s.proxyUnary(w, r, "images_generations", "/v1/images/generations", imagesTimeout, false)
}

func (s *Server) proxyUnary(w http.ResponseWriter, r *http.Request, tag, path string, timeout time.Duration, fallback bool) {
	freeTier, ok := s.authenticate(r)
	if !ok {
		writeJSON(w, http.StatusForbidden, map[string]string{"message": "invalid proxy token"})
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "unreadable request body"})
		return
	}
	var payload proxyPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "request body is not valid JSON"})
		return
	}

	s.finishProxy(w, r, tag, dispatch.Request{
		Tag:           tag,
		Path:          path,
		Method:        http.MethodPost,
		Body:          body,
		Header:        r.Header,
		Model:         payload.Model,
		Timeout:       timeout,
		FreeTier:      freeTier,
		AllowFallback: fallback,
		Record:        true,
	})
}

// handleModels proxies the model listing with any valid credential, leaving
// no usage trace.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	_, ok := s.authenticate(r)
	if !ok {
		writeJSON(w, http.StatusForbidden, map[string]string{"message": "invalid proxy token"})
		return
	}
	s.finishProxy(w, r, "models", dispatch.Request{
		Tag:     "models",
		Path:    "/v1/models",
		Method:  http.MethodGet,
		Header:  r.Header,
		Timeout: modelsTimeout,
	})
}

func (s *Server) finishProxy(w http.ResponseWriter, r *http.Request, tag string, req dispatch.Request) {
	err := s.dispatcher.Proxy(w, r, req)
	if err == nil {
		return
	}
	if dispatch.ResponseStarted(err) {
		// Bytes already reached the client; nothing sane left to write.
		s.log.WithField("endpoint", tag).WithError(err).Debug("stream aborted mid-relay")
		poolstats.ObserveRequest(tag, "client_gone")
		return
	}
	switch {
	case errors.Is(err, selector.ErrNoKeyAvailable):
		poolstats.ObserveRequest(tag, "no_key")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "no available api key"})
	case errors.Is(err, dispatch.ErrQueueTimeout):
		poolstats.ObserveRequest(tag, "queue_timeout")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "server overloaded, please retry later"})
	case errors.Is(err, dispatch.ErrClientDisconnect):
		poolstats.ObserveRequest(tag, "client_gone")
		w.WriteHeader(statusClientClosedRequest)
	default:
		poolstats.ObserveRequest(tag, "internal")
		s.log.WithField("endpoint", tag).WithError(err).Error("proxy request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "upstream request failed: " + err.Error()})
	}
}
