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

package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"

	"siliconpool/internal/keypool/config"
	"siliconpool/internal/keypool/selector"
	"siliconpool/internal/keypool/store"
	"siliconpool/internal/keypool/telemetry/poolstats"
	"siliconpool/internal/keypool/validator"
)

// Request describes one proxied call.
type Request struct {
	// Tag labels the call in the log and metrics (e.g. "chat_completions").
	Tag string
	// Path is the upstream path (e.g. "/v1/chat/completions").
	Path   string
	Method string
	// Body is the caller's payload, forwarded byte for byte.
	Body []byte
	// Header carries the caller's headers; Authorization is replaced with
	// the selected credential.
	Header http.Header
	// Model is the model name extracted from the payload, for the call log.
	Model string
	// Stream selects chunked SSE relay over unary forwarding.
	Stream bool
	// Timeout bounds one upstream attempt.
	Timeout time.Duration
	// FreeTier restricts selection to zero-balance credentials.
	FreeTier bool
	// AllowFallback enables the single round-robin credential retry on
	// upstream failure.
	AllowFallback bool
	// Record controls usage accounting; passthrough-only calls (model
	// listing) leave no trace.
	Record bool
}

// ResponseStarted reports whether err occurred after response bytes reached
// the downstream client, in which case the HTTP layer must not write an
// error body.
func ResponseStarted(err error) bool { return isMarkedTerminal(err) }

// hop-by-hop headers never forwarded in either direction.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Proxy-Connection":  true,
	"Te":                true,
	"Trailer":           true,
}

// Proxy selects a credential, admits the call through the dispatch queue and
// forwards it upstream, relaying the response to w. On upstream failure
// after retries it demotes exhausted credentials and, under the round_robin
// strategy, retries once with a fresh credential.
func (d *Dispatcher) Proxy(w http.ResponseWriter, r *http.Request, req Request) error {
	// One snapshot governs selection and the fallback decision together.
	snap := d.cfg.Snapshot()

	key, err := d.pickKey(snap, req.FreeTier)
	if err != nil {
		return err
	}

	err = d.submit(r.Context(), func() error {
		d.bindKey(key)
		return d.forward(r.Context(), w, req, key)
	})
	if err == nil || err == ErrQueueTimeout || err == ErrClientDisconnect || isMarkedTerminal(err) {
		return err
	}

	// The upstream gave up on this credential; demote it if its quota is
	// provably gone.
	d.disableOrSkip(key)

	if !req.AllowFallback || snap.CallStrategy != selector.StrategyRoundRobin {
		return err
	}
	fallbackKey, pickErr := d.pickKey(snap, req.FreeTier)
	if pickErr != nil {
		return err
	}
	d.log.WithField("key", validator.MaskKey(fallbackKey)).Info("retrying with fallback credential")
	fbErr := d.submit(r.Context(), func() error {
		d.bindKey(fallbackKey)
		return d.forward(r.Context(), w, req, fallbackKey)
	})
	if fbErr != nil && !isMarkedTerminal(fbErr) {
		d.disableOrSkip(fallbackKey)
	}
	return fbErr
}

// pickKey selects one credential under the given configuration snapshot.
func (d *Dispatcher) pickKey(snap config.Snapshot, freeTier bool) (string, error) {
	candidates, err := d.store.EnabledKeys()
	if err != nil {
		return "", err
	}
	key, err := d.selector.Pick(candidates, freeTier, snap.CallStrategy, snap.RPMLimit, snap.TPMLimit)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(key) == "" {
		return "", ErrEmptyCredential
	}
	return key, nil
}

// bindKey accounts the credential once execution actually begins: usage
// counter increment through the write-behind cache. Requests that die on the
// queue leave no trace.
func (d *Dispatcher) bindKey(key string) {
	if err := d.cache.QueueUpdate("api_keys", map[string]any{
		"usage_count": gorm.Expr("usage_count + ?", 1),
	}, "key", key); err != nil {
		d.log.WithField("key", validator.MaskKey(key)).WithError(err).Error("usage increment flush failed")
	}
}

// forward performs the upstream exchange under the retry policy and relays
// the response.
func (d *Dispatcher) forward(ctx context.Context, w http.ResponseWriter, req Request, key string) error {
	return d.retryTransport(ctx, func(client *http.Client) error {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if req.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
			defer cancel()
		}

		var body io.Reader
		if len(req.Body) > 0 {
			body = bytes.NewReader(req.Body)
		}
		upReq, err := http.NewRequestWithContext(attemptCtx, req.Method, d.upstreamBase+req.Path, body)
		if err != nil {
			return markTerminal(err)
		}
		for name, vals := range req.Header {
			if hopHeaders[name] || name == "Authorization" || name == "Host" || name == "Content-Length" {
				continue
			}
			upReq.Header[name] = vals
		}
		upReq.Header.Set("Authorization", "Bearer "+key)

		resp, err := client.Do(upReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if req.Stream && resp.StatusCode == http.StatusOK {
			return d.relayStream(w, resp, req, key)
		}
		return d.relayUnary(w, resp, req, key)
	})
}

// tokenUsage is the usage block accumulated from upstream responses.
type tokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// relayUnary buffers the upstream response, accounts token usage on success
// and forwards status, headers and body verbatim.
func (d *Dispatcher) relayUnary(w http.ResponseWriter, resp *http.Response, req Request, key string) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// Nothing written downstream yet, so the retry loop may re-run.
		return err
	}

	if resp.StatusCode == http.StatusOK && req.Record {
		in, out, total := extractUsage(body, req.Tag)
		d.recordUsage(key, req.Model, req.Tag, in, out, total)
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		return markTerminal(err)
	}
	poolstats.ObserveRequest(req.Tag, outcomeForStatus(resp.StatusCode))
	return nil
}

// relayStream forwards SSE frames verbatim while opportunistically parsing
// each data frame for the usage block the final frame carries.
func (d *Dispatcher) relayStream(w http.ResponseWriter, resp *http.Response, req Request, key string) error {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	flusher, canFlush := w.(http.Flusher)

	var last tokenUsage
	sawUsage := false

	// ReadBytes rather than a Scanner: data frames carry whole model outputs
	// and must not be capped at a fixed line length.
	reader := bufio.NewReaderSize(resp.Body, 256*1024)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			frame := bytes.TrimRight(line, "\r\n")
			if payload, ok := bytes.CutPrefix(frame, []byte("data: ")); ok {
				if !bytes.Equal(payload, []byte("[DONE]")) {
					var f struct {
						Usage *tokenUsage `json:"usage"`
					}
					if err := json.Unmarshal(payload, &f); err == nil && f.Usage != nil {
						last = *f.Usage
						sawUsage = true
					}
				}
			}
			if _, err := w.Write(line); err != nil {
				return markTerminal(err)
			}
			if len(frame) == 0 && canFlush {
				// Blank line ends an SSE event; push it downstream now.
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			// Headers and frames are already on the wire; a retry would
			// corrupt the downstream stream.
			return markTerminal(readErr)
		}
	}
	if canFlush {
		flusher.Flush()
	}

	if req.Record && sawUsage {
		d.recordUsage(key, req.Model, req.Tag, last.PromptTokens, last.CompletionTokens, last.TotalTokens)
	} else if req.Record {
		d.recordUsage(key, req.Model, req.Tag, 0, 0, 0)
	}
	poolstats.ObserveRequest(req.Tag, "ok")
	return nil
}

// extractUsage pulls the token counts out of a unary response body. Rerank
// responses carry them under meta.tokens instead of usage.
func extractUsage(body []byte, tag string) (int64, int64, int64) {
	if tag == "rerank" {
		var payload struct {
			Meta struct {
				Tokens struct {
					InputTokens  int64 `json:"input_tokens"`
					OutputTokens int64 `json:"output_tokens"`
				} `json:"tokens"`
			} `json:"meta"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return 0, 0, 0
		}
		in := payload.Meta.Tokens.InputTokens
		out := payload.Meta.Tokens.OutputTokens
		return in, out, in + out
	}
	var payload struct {
		Usage tokenUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, 0, 0
	}
	return payload.Usage.PromptTokens, payload.Usage.CompletionTokens, payload.Usage.TotalTokens
}

// recordUsage writes the call record, feeds the rate limiter and schedules a
// background revalidation of the credential's balance.
func (d *Dispatcher) recordUsage(key, model, tag string, in, out, total int64) {
	if err := d.cache.QueueInsert("logs", &store.CallLog{
		UsedKey:      key,
		Model:        model,
		Endpoint:     tag,
		CallTime:     float64(time.Now().UnixNano()) / 1e9,
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  total,
	}); err != nil {
		d.log.WithError(err).Error("call log flush failed")
	}
	d.limiter.Track(key, 1, total)
	poolstats.ObserveTokens(in, out)

	go func() {
		res := d.vdr.Validate(context.Background(), key)
		if err := validator.Apply(d.store, d.cache, key, res); err != nil {
			d.log.WithField("key", validator.MaskKey(key)).WithError(err).Debug("post-call revalidation not applied")
		}
	}()
}

// disableOrSkip demotes a credential whose upstream calls keep failing, but
// only when its recorded balance is already gone.
func (d *Dispatcher) disableOrSkip(key string) {
	row, err := d.store.GetKey(key)
	if err != nil {
		d.log.WithField("key", validator.MaskKey(key)).WithError(err).Debug("disableOrSkip lookup failed")
		return
	}
	if row.Balance > 0 {
		return
	}
	poolstats.ObserveKeyDisabled()
	d.log.WithField("key", validator.MaskKey(key)).Info("disabling exhausted credential after upstream failure")
	if err := d.cache.QueueUpdate("api_keys", map[string]any{"enabled": false}, "key", key); err != nil {
		d.log.WithError(err).Error("credential disable flush failed")
	}
}

func copyHeaders(dst, src http.Header) {
	for name, vals := range src {
		if hopHeaders[name] {
			continue
		}
		dst[name] = vals
	}
}

func outcomeForStatus(status int) string {
	if status >= 200 && status < 300 {
		return "ok"
	}
	return "upstream_error"
}
