// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/quire/lib/clock"
)

// DefaultReconnectInterval is how often a Reconnector checks the
// manager.
const DefaultReconnectInterval = 5 * time.Second

// Reconnector calls Connect on a manager at a fixed interval whenever
// the manager is not Connected. The manager itself never retries.
type Reconnector struct {
	manager  *Manager
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconnector returns a stopped Reconnector. A non-positive interval
// means DefaultReconnectInterval; nil clk and logger mean the real
// clock and slog.Default().
func NewReconnector(manager *Manager, interval time.Duration, clk clock.Clock, logger *slog.Logger) *Reconnector {
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconnector{
		manager:  manager,
		interval: interval,
		clock:    clk,
		logger:   logger.With("room", manager.Room()),
	}
}

// Start begins polling in a background goroutine. Starting a running
// Reconnector does nothing. The goroutine exits when ctx is done or
// Stop is called.
func (r *Reconnector) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	ticker := r.clock.NewTicker(r.interval)
	go r.run(ctx, ticker, r.done)
}

func (r *Reconnector) run(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.manager.State() == Connected {
				continue
			}
			if err := r.manager.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("reconnect attempt failed",
					"attempt", r.manager.Status().AttemptCount,
					"error", err,
				)
			}
		}
	}
}

// Stop ends polling and waits for the goroutine to exit. Stop is
// idempotent; a stopped Reconnector can be started again.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
