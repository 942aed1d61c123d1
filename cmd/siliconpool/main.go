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

// Package main runs the silicon pool proxy: an authenticating,
// key-multiplexing reverse proxy in front of an LLM inference endpoint.
//
// This file orchestrates the service:
//  1. Load the runtime configuration document and open the credential store.
//  2. Start the background components (write-behind cache, dispatcher,
//     refresh scheduler).
//  3. Serve the mirrored upstream endpoints and the admin surface.
//  4. Shut down in dependency order so buffered usage records reach disk.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"siliconpool/internal/keypool/api"
	"siliconpool/internal/keypool/cache"
	"siliconpool/internal/keypool/config"
	"siliconpool/internal/keypool/dispatch"
	"siliconpool/internal/keypool/ratelimit"
	"siliconpool/internal/keypool/refresh"
	"siliconpool/internal/keypool/selector"
	"siliconpool/internal/keypool/store"
	"siliconpool/internal/keypool/validator"
)

func main() {
	httpAddr := flag.String("http_addr", ":7898", "HTTP listen address")
	dbPath := flag.String("db_path", "pool.db", "Path to the embedded credential database")
	configPath := flag.String("config_path", "config.json", "Path to the runtime configuration document")
	upstream := flag.String("upstream", "https://api.siliconflow.cn", "Upstream API base URL")
	queueCapacity := flag.Int("queue_capacity", dispatch.DefaultQueueCapacity, "Dispatch queue capacity")
	maxConcurrent := flag.Int("max_concurrent", dispatch.DefaultMaxConcurrent, "Max concurrent in-flight upstream calls")
	maxBatch := flag.Int("flush_batch", cache.DefaultMaxBatch, "Pending write count that forces a cache flush")
	flushInterval := flag.Duration("flush_interval", cache.DefaultFlushInterval, "Write-behind cache flush interval")
	logLevel := flag.String("log_level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("cannot load configuration")
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		logrus.WithError(err).Fatal("cannot open credential store")
	}

	writeCache := cache.New(st.DB(), *maxBatch, *flushInterval)
	writeCache.Start()

	limiter := ratelimit.New()
	sel := selector.New(st, limiter)
	vdr := validator.New(*upstream)

	dispatcher := dispatch.New(st, writeCache, limiter, sel, vdr, cfg, dispatch.Options{
		QueueCapacity: *queueCapacity,
		MaxConcurrent: *maxConcurrent,
		UpstreamBase:  *upstream,
		HealthURL:     selfHealthURL(*httpAddr),
	})
	dispatcher.Start()

	scheduler := refresh.New(st, writeCache, vdr, cfg)
	scheduler.Start()

	server := api.NewServer(st, writeCache, dispatcher, vdr, scheduler, cfg)
	httpServer := &http.Server{
		Addr:    *httpAddr,
		Handler: server.Router(),
	}

	go func() {
		logrus.WithField("addr", *httpAddr).Info("silicon pool proxy listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logrus.Info("shutting down")

	// Stop admitting first, then drain background components; the cache
	// stops last before the store so its final flush can still commit.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("http shutdown incomplete")
	}
	scheduler.Stop()
	dispatcher.Stop()
	writeCache.Stop()
	if err := st.Close(); err != nil {
		logrus.WithError(err).Error("store close failed")
	}

	logrus.Info("stopped")
}

// selfHealthURL derives the dispatcher's self-check target from the listen
// address.
func selfHealthURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://127.0.0.1" + addr + "/health"
	}
	return "http://" + addr + "/health"
}
