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

// Package refresh runs the periodic validation sweep over the credential
// pool. The interval comes from the runtime configuration in minutes; zero
// disables the sweep. Inter-tick sleeps are segmented so shutdown and
// interval changes take effect promptly.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"siliconpool/internal/keypool/cache"
	"siliconpool/internal/keypool/config"
	"siliconpool/internal/keypool/store"
	"siliconpool/internal/keypool/validator"
)

const (
	// tickDeadline bounds one full sweep.
	tickDeadline = 5 * time.Minute
	// tickRetries is how many times a failed sweep is re-attempted before
	// waiting for the next interval.
	tickRetries = 3
	// tickRetryPause separates sweep re-attempts.
	tickRetryPause = 60 * time.Second
	// idleRecheck is how often a disabled scheduler re-reads the interval.
	idleRecheck = 60 * time.Second
	// sweepParallelism bounds concurrent probes within one sweep.
	sweepParallelism = 16
)

// Summary reports one sweep's outcome.
type Summary struct {
	Total     int `json:"total"`
	Valid     int `json:"valid"`
	Invalid   int `json:"invalid"`
	Transient int `json:"transient"`
}

// Scheduler owns the background sweep loop. Start and Stop may be called
// repeatedly; a refresh-interval change restarts the loop.
type Scheduler struct {
	store *store.Store
	cache *cache.Cache
	vdr   *validator.Validator
	cfg   *config.Store
	log   *logrus.Entry

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New wires a scheduler and registers it for refresh-interval changes.
func New(st *store.Store, c *cache.Cache, vdr *validator.Validator, cfg *config.Store) *Scheduler {
	s := &Scheduler{
		store: st,
		cache: c,
		vdr:   vdr,
		cfg:   cfg,
		log:   logrus.WithField("component", "refresh"),
	}
	cfg.OnRefreshIntervalChange(func(minutes int) {
		s.Stop()
		if minutes > 0 {
			s.Start()
		}
	})
	return s
}

// Start launches the sweep loop if it is not already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	stop := s.stopChan
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(stop)
	}()
	s.log.Info("credential refresh scheduler started")
}

// Stop signals the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info("credential refresh scheduler stopped")
}

func (s *Scheduler) loop(stop <-chan struct{}) {
	for {
		interval := s.cfg.Snapshot().RefreshIntervalMinutes
		if interval <= 0 {
			if !sleepInterruptible(idleRecheck, stop) {
				return
			}
			continue
		}

		s.runTickWithRetries(stop)

		if !sleepInterruptible(time.Duration(interval)*time.Minute, stop) {
			return
		}
	}
}

// runTickWithRetries attempts one sweep up to tickRetries times. Per-key
// failures never fail a sweep; only being unable to run it does.
func (s *Scheduler) runTickWithRetries(stop <-chan struct{}) {
	for attempt := 1; attempt <= tickRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), tickDeadline)
		sum, err := s.RefreshAll(ctx)
		cancel()
		if err == nil {
			s.log.WithFields(logrus.Fields{
				"total":     sum.Total,
				"valid":     sum.Valid,
				"invalid":   sum.Invalid,
				"transient": sum.Transient,
			}).Info("credential sweep complete")
			return
		}
		s.log.WithField("attempt", attempt).WithError(err).Error("credential sweep failed")
		if attempt < tickRetries {
			if !sleepInterruptible(tickRetryPause, stop) {
				return
			}
		}
	}
	s.log.Errorf("credential sweep failed %d times; waiting for next interval", tickRetries)
}

// RefreshAll validates every credential in the pool in parallel, applies the
// state-effect rules and commits the results. Also used by the admin bulk
// refresh endpoint.
func (s *Scheduler) RefreshAll(ctx context.Context) (Summary, error) {
	rows, err := s.store.AllKeys()
	if err != nil {
		return Summary{}, err
	}

	var mu sync.Mutex
	sum := Summary{Total: len(rows)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, row := range rows {
		key := row.Key
		g.Go(func() error {
			res := s.vdr.Validate(gctx, key)
			if err := validator.Apply(s.store, s.cache, key, res); err != nil {
				s.log.WithField("key", validator.MaskKey(key)).WithError(err).Warn("sweep result not applied")
			}
			mu.Lock()
			switch {
			case res.Valid:
				sum.Valid++
			case res.Transient:
				sum.Transient++
			default:
				sum.Invalid++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}
	if err := s.cache.Flush(); err != nil {
		return sum, err
	}
	return sum, ctx.Err()
}

// sleepInterruptible waits for d in one-second segments, returning false
// when stop fires first.
func sleepInterruptible(d time.Duration, stop <-chan struct{}) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		step := time.Second
		if remaining := time.Until(deadline); remaining < step {
			step = remaining
		}
		select {
		case <-time.After(step):
		case <-stop:
			return false
		}
	}
	return true
}
