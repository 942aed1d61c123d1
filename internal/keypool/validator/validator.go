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

// Package validator probes the upstream account endpoint to classify a
// credential as valid, authoritatively invalid or transiently unreachable,
// and applies the resulting state transitions to the pool.
//
// A credential with a recorded positive balance is never demoted on a
// non-authoritative outcome; the only unconditional demotion is a malformed
// key string.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"siliconpool/internal/keypool/cache"
	"siliconpool/internal/keypool/store"
	"siliconpool/internal/keypool/telemetry/poolstats"
)

const (
	// ProbePath is the upstream account-info endpoint.
	ProbePath = "/v1/user/info"
	// attempts is the total probe attempt cap, transient failures included.
	attempts = 4
	// probeTimeout bounds a single probe attempt.
	probeTimeout = 30 * time.Second
	// retryPause is the base pause between transient failures; doubled per
	// attempt when upstream answers 429.
	retryPause = 3 * time.Second
)

var keyFormat = regexp.MustCompile(`^sk-[A-Za-z0-9]+$`)

// FormatValid reports whether key matches the upstream credential format.
func FormatValid(key string) bool { return keyFormat.MatchString(key) }

// MaskKey renders a credential safe for logs: first 8 characters only.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "..."
}

// Result is one probe classification.
type Result struct {
	// Valid means upstream recognized the credential (200).
	Valid bool
	// Balance is the parsed remaining quota; 0 when upstream omitted it
	// (live but free-tier-only).
	Balance float64
	// Message carries the upstream or transport failure description.
	Message string
	// Transient marks outcomes attributable to network conditions or
	// upstream overload rather than credential state.
	Transient bool
}

// Validator probes credentials against the upstream base URL.
type Validator struct {
	baseURL string
	client  *retryablehttp.Client
	log     *logrus.Entry
}

// New creates a validator probing baseURL.
func New(baseURL string) *Validator {
	c := retryablehttp.NewClient()
	c.RetryMax = attempts - 1
	c.HTTPClient.Timeout = probeTimeout
	c.Logger = nil
	c.CheckRetry = checkRetry
	c.Backoff = backoff
	return &Validator{
		baseURL: baseURL,
		client:  c,
		log:     logrus.WithField("component", "validator"),
	}
}

// checkRetry retries network failures and every status except the
// authoritative ones (200 settles valid, 401/403 settle invalid).
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusUnauthorized, http.StatusForbidden:
		return false, nil
	}
	return true, nil
}

// backoff doubles per attempt when upstream is shedding load (429) and
// stays flat otherwise.
func backoff(_, _ time.Duration, attemptNum int, resp *http.Response) time.Duration {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return retryPause << uint(attemptNum)
	}
	return retryPause
}

// Validate probes one credential. Malformed keys are classified invalid
// without a network round-trip.
func (v *Validator) Validate(ctx context.Context, key string) Result {
	if !FormatValid(key) {
		poolstats.ObserveValidation("invalid")
		return Result{Valid: false, Message: "malformed credential", Transient: false}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+ProbePath, nil)
	if err != nil {
		return Result{Valid: false, Message: err.Error(), Transient: true}
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := v.client.Do(req)
	if err != nil {
		poolstats.ObserveValidation("transient")
		v.log.WithField("key", MaskKey(key)).WithError(err).Debug("probe exhausted retries")
		return Result{Valid: false, Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	switch resp.StatusCode {
	case http.StatusOK:
		poolstats.ObserveValidation("valid")
		bal, ok := parseBalance(body)
		if !ok {
			return Result{Valid: true, Balance: 0, Message: "balance missing from response"}
		}
		return Result{Valid: true, Balance: bal}
	case http.StatusUnauthorized, http.StatusForbidden:
		poolstats.ObserveValidation("invalid")
		return Result{Valid: false, Message: fmt.Sprintf("upstream rejected credential (%d): %s", resp.StatusCode, string(body)), Transient: false}
	default:
		poolstats.ObserveValidation("transient")
		return Result{Valid: false, Message: fmt.Sprintf("unexpected upstream status %d", resp.StatusCode), Transient: true}
	}
}

// parseBalance extracts data.totalBalance, which upstream serves either as a
// number or a numeric string.
func parseBalance(body []byte) (float64, bool) {
	var payload struct {
		Data struct {
			TotalBalance any `json:"totalBalance"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, false
	}
	switch b := payload.Data.TotalBalance.(type) {
	case float64:
		return b, true
	case string:
		f, err := strconv.ParseFloat(b, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Apply writes the state effect of res for key through the write-behind
// cache, honoring the positive-balance protection rule.
func Apply(st *store.Store, c *cache.Cache, key string, res Result) error {
	switch {
	case res.Valid:
		return c.QueueUpdate("api_keys", map[string]any{
			"balance":    res.Balance,
			"is_invalid": false,
			"enabled":    true,
		}, "key", key)
	case res.Transient:
		// Network conditions say nothing about the credential.
		return nil
	default:
		if FormatValid(key) {
			row, err := st.GetKey(key)
			if err != nil {
				return err
			}
			if row.Balance > 0 {
				// Upstream said invalid but quota remains recorded; keep the
				// credential until the balance is provably gone.
				return nil
			}
		}
		poolstats.ObserveKeyDisabled()
		logrus.WithField("key", MaskKey(key)).Info("credential marked invalid")
		return c.QueueUpdate("api_keys", map[string]any{
			"enabled":    false,
			"is_invalid": true,
		}, "key", key)
	}
}
