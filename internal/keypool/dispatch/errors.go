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
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	// ErrQueueTimeout means the item waited out its in-queue deadline.
	ErrQueueTimeout = errors.New("dispatch: queue wait deadline exceeded")
	// ErrClientDisconnect means the downstream client went away while the
	// item was pending or running.
	ErrClientDisconnect = errors.New("dispatch: client disconnected")
	// ErrEmptyCredential rejects blank credentials before they consume a
	// queue slot.
	ErrEmptyCredential = errors.New("dispatch: empty credential")
)

// errorClass discriminates upstream failures for the retry loop.
type errorClass int

const (
	// classTerminal covers everything the retry loop must not touch:
	// protocol-level failures, caller bugs, cancelled contexts.
	classTerminal errorClass = iota
	// classNetwork covers transport errors worth a linearly backed-off
	// retry on the shared pool.
	classNetwork
	// classEOF covers abrupt connection teardown; retried on a fresh
	// single-use transport because the pooled connection may be poisoned.
	classEOF
)

// classify buckets err for the retry loop. Client cancellation is terminal;
// deadline expiry counts as a network timeout.
func classify(err error) errorClass {
	if err == nil {
		return classTerminal
	}
	if errors.Is(err, context.Canceled) {
		return classTerminal
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return classEOF
	}
	// Some transports stringify the EOF instead of wrapping it.
	if strings.Contains(err.Error(), "EOF") {
		return classEOF
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) {
		return classNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return classNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return classNetwork
	}
	return classTerminal
}

// terminalError pins an error to classTerminal regardless of its cause, used
// once response bytes have reached the downstream client and a retry would
// corrupt the stream.
type terminalError struct{ err error }

func (e terminalError) Error() string { return e.err.Error() }
func (e terminalError) Unwrap() error { return e.err }

func markTerminal(err error) error {
	if err == nil {
		return nil
	}
	return terminalError{err: err}
}

func isMarkedTerminal(err error) bool {
	var te terminalError
	return errors.As(err, &te)
}
