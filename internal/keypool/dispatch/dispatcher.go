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

// Package dispatch is the concurrency core of the proxy: admission control,
// a bounded work queue with a permit ceiling on in-flight upstream calls,
// network-class retry with backoff, and streaming/unary forwarding to the
// upstream with per-request credential substitution.
package dispatch

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"siliconpool/internal/keypool/cache"
	"siliconpool/internal/keypool/config"
	"siliconpool/internal/keypool/ratelimit"
	"siliconpool/internal/keypool/selector"
	"siliconpool/internal/keypool/store"
	"siliconpool/internal/keypool/telemetry/poolstats"
	"siliconpool/internal/keypool/validator"
)

const (
	// DefaultQueueCapacity bounds the number of items waiting for a permit.
	DefaultQueueCapacity = 50000
	// DefaultMaxConcurrent is the in-flight upstream call ceiling.
	DefaultMaxConcurrent = 5000
	// defaultEnqueueTimeout bounds backpressure on a full queue; items that
	// cannot be queued in time run directly instead of being dropped.
	defaultEnqueueTimeout = 5 * time.Second
	// defaultQueueDeadline bounds how long an item may wait for a permit.
	defaultQueueDeadline = 180 * time.Second
	// fastPathFraction: below this share of in-flight permits (with an
	// empty queue) items bypass the queue entirely.
	fastPathFraction = 0.2

	// maxAttempts caps network-class retries per item.
	maxAttempts = 8
	// retryBase is the linear backoff unit between transport retries.
	retryBase = 500 * time.Millisecond

	// healthInterval is the self-check polling period.
	healthInterval = 2 * time.Second
	// healthFailThreshold is the consecutive-failure count that marks the
	// process unhealthy and starts shedding admissions.
	healthFailThreshold = 3
)

// item state machine: queued -> (granted | abandoned).
const (
	itemQueued int32 = iota
	itemGranted
	itemAbandoned
)

type workItem struct {
	id      string
	ctx     context.Context
	state   atomic.Int32
	granted chan struct{}
}

// Dispatcher owns the queue, the permit semaphore and the shared upstream
// transport. Create with New, then Start; Stop drains background loops.
type Dispatcher struct {
	store    *store.Store
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	selector *selector.Selector
	vdr      *validator.Validator
	cfg      *config.Store
	log      *logrus.Entry

	upstreamBase string
	// healthURL is this process's own /health endpoint; empty disables the
	// self-check and the dispatcher stays permanently healthy.
	healthURL string

	queue          chan *workItem
	sem            *semaphore.Weighted
	maxConc        int64
	enqueueTimeout time.Duration
	queueDeadline  time.Duration
	inflight       atomic.Int64
	healthy        atomic.Bool

	client       *http.Client
	healthClient *http.Client

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// Options tunes the dispatcher; zero values select the defaults.
type Options struct {
	QueueCapacity int
	MaxConcurrent int
	// EnqueueTimeout bounds the wait to enter a saturated queue.
	EnqueueTimeout time.Duration
	// QueueDeadline bounds the wait for a permit once queued.
	QueueDeadline time.Duration
	UpstreamBase  string
	HealthURL     string
}

// New wires a dispatcher over the pool components.
func New(st *store.Store, c *cache.Cache, lim *ratelimit.Limiter, sel *selector.Selector, vdr *validator.Validator, cfg *config.Store, opts Options) *Dispatcher {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = defaultEnqueueTimeout
	}
	if opts.QueueDeadline <= 0 {
		opts.QueueDeadline = defaultQueueDeadline
	}
	d := &Dispatcher{
		store:          st,
		cache:          c,
		limiter:        lim,
		selector:       sel,
		vdr:            vdr,
		cfg:            cfg,
		log:            logrus.WithField("component", "dispatch"),
		upstreamBase:   opts.UpstreamBase,
		healthURL:      opts.HealthURL,
		queue:          make(chan *workItem, opts.QueueCapacity),
		sem:            semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		maxConc:        int64(opts.MaxConcurrent),
		enqueueTimeout: opts.EnqueueTimeout,
		queueDeadline:  opts.QueueDeadline,
		client:         newPooledClient(),
		healthClient:   &http.Client{Timeout: healthInterval},
		stopChan:       make(chan struct{}),
	}
	d.healthy.Store(true)
	return d
}

// newPooledClient builds the shared keep-alive transport used for upstream
// calls. Per-request deadlines come from the request context, so the client
// itself carries no timeout.
func newPooledClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        1000,
			MaxIdleConnsPerHost: 1000,
			IdleConnTimeout:     120 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}
}

// newSingleUseClient builds a throwaway transport for retrying after an
// abrupt EOF, so a poisoned pooled connection cannot be picked up again.
func newSingleUseClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: 30 * time.Second,
			}).DialContext,
			DisableKeepAlives: true,
			MaxIdleConns:      1,
		},
	}
}

// Start launches the queue consumer and the health self-check loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.consumeLoop()
	}()
	if d.healthURL != "" {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.healthLoop()
		}()
	}
}

// Stop signals the background loops and waits for them. In-flight items
// finish under their own deadlines.
func (d *Dispatcher) Stop() {
	if !atomic.CompareAndSwapUint32(&d.stopped, 0, 1) {
		return
	}
	close(d.stopChan)
	d.wg.Wait()
}

// consumeLoop removes items from the queue and grants them permits.
// Execution happens on the submitting goroutine once granted; the permit is
// released there.
func (d *Dispatcher) consumeLoop() {
	for {
		select {
		case it := <-d.queue:
			poolstats.SetQueueDepth(len(d.queue))
			if it.ctx.Err() != nil {
				it.state.CompareAndSwap(itemQueued, itemAbandoned)
				continue
			}
			if err := d.sem.Acquire(it.ctx, 1); err != nil {
				// CAS, not Store: the submitter may have abandoned already,
				// and a blind Store could mask a concurrent grant.
				it.state.CompareAndSwap(itemQueued, itemAbandoned)
				continue
			}
			if !it.state.CompareAndSwap(itemQueued, itemGranted) {
				// Submitter timed out while we acquired; hand the permit back.
				d.sem.Release(1)
				continue
			}
			close(it.granted)
		case <-d.stopChan:
			return
		}
	}
}

// healthLoop polls the process's own health endpoint and trips the shedding
// flag after consecutive failures.
func (d *Dispatcher) healthLoop() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ticker.C:
			if d.probeHealth() {
				if failures >= healthFailThreshold {
					d.log.Info("self health-check recovered; resuming admissions")
				}
				failures = 0
				d.healthy.Store(true)
				continue
			}
			failures++
			if failures == healthFailThreshold {
				d.log.Warn("self health-check failing; shedding new admissions")
				d.healthy.Store(false)
			}
		case <-d.stopChan:
			return
		}
	}
}

func (d *Dispatcher) probeHealth() bool {
	resp, err := d.healthClient.Get(d.healthURL)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Healthy reports the current self-check verdict.
func (d *Dispatcher) Healthy() bool { return d.healthy.Load() }

// QueueDepth returns the number of items waiting for a permit.
func (d *Dispatcher) QueueDepth() int { return len(d.queue) }

// Inflight returns the number of items currently holding a permit.
func (d *Dispatcher) Inflight() int64 { return d.inflight.Load() }

// submit runs fn under a dispatch permit, applying admission control:
// health-gate stall, fast path under light load, otherwise the bounded
// queue with the enqueue timeout and the in-queue deadline.
func (d *Dispatcher) submit(ctx context.Context, fn func() error) error {
	// While the self-check says unhealthy, stall briefly before admitting.
	for !d.healthy.Load() {
		select {
		case <-time.After(healthInterval):
		case <-ctx.Done():
			return ErrClientDisconnect
		case <-d.stopChan:
			return ErrQueueTimeout
		}
	}

	// Fast path: light load and nothing already waiting.
	if len(d.queue) == 0 && d.inflight.Load() < int64(float64(d.maxConc)*fastPathFraction) {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return ErrClientDisconnect
		}
		return d.runWithPermit(fn)
	}

	it := &workItem{
		id:      uuid.NewString(),
		ctx:     ctx,
		granted: make(chan struct{}),
	}

	enqueue := time.NewTimer(d.enqueueTimeout)
	defer enqueue.Stop()
	select {
	case d.queue <- it:
		poolstats.SetQueueDepth(len(d.queue))
	case <-enqueue.C:
		// Queue saturated for the whole enqueue window: execute directly
		// rather than dropping, still under a permit.
		d.log.WithField("item", it.id).Debug("enqueue timed out; executing directly")
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return ErrClientDisconnect
		}
		return d.runWithPermit(fn)
	case <-ctx.Done():
		return ErrClientDisconnect
	}

	deadline := time.NewTimer(d.queueDeadline)
	defer deadline.Stop()
	select {
	case <-it.granted:
		return d.runWithPermit(fn)
	case <-deadline.C:
		if !it.state.CompareAndSwap(itemQueued, itemAbandoned) {
			if it.state.Load() == itemGranted {
				// Lost the race: the consumer granted a permit first, so run.
				<-it.granted
				return d.runWithPermit(fn)
			}
			// The consumer abandoned it on a dead context.
			return ErrClientDisconnect
		}
		return ErrQueueTimeout
	case <-ctx.Done():
		if !it.state.CompareAndSwap(itemQueued, itemAbandoned) && it.state.Load() == itemGranted {
			<-it.granted
			d.sem.Release(1)
		}
		return ErrClientDisconnect
	}
}

func (d *Dispatcher) runWithPermit(fn func() error) error {
	defer d.sem.Release(1)
	d.inflight.Add(1)
	poolstats.AddInflight(1)
	defer func() {
		d.inflight.Add(-1)
		poolstats.AddInflight(-1)
	}()
	return fn()
}

// retryTransport runs attempt up to maxAttempts times, retrying only
// network-class failures. EOF-flavored errors sleep a constant base and get
// a fresh single-use transport; other transport errors back off linearly on
// the shared pool. Protocol errors and marked-terminal errors pass through.
func (d *Dispatcher) retryTransport(ctx context.Context, attempt func(client *http.Client) error) error {
	var err error
	fresh := false
	for n := 1; n <= maxAttempts; n++ {
		client := d.client
		if fresh {
			client = newSingleUseClient()
		}
		err = attempt(client)
		if err == nil {
			return nil
		}
		if isMarkedTerminal(err) {
			return err
		}
		class := classify(err)
		if class == classTerminal {
			return err
		}
		if n == maxAttempts {
			break
		}
		poolstats.ObserveRetry()
		pause := retryBase * time.Duration(n)
		if class == classEOF {
			fresh = true
			pause = retryBase
		}
		d.log.WithFields(logrus.Fields{
			"attempt": n,
			"fresh":   fresh,
		}).WithError(err).Debug("retrying upstream call")
		select {
		case <-time.After(pause):
		case <-ctx.Done():
			return ErrClientDisconnect
		}
	}
	return err
}
