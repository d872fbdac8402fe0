/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"crabd/internal/metrics"
	"crabd/internal/store"
)

// HistoryPruner periodically removes events older than the retention window.
// A retention of zero days disables pruning entirely.
type HistoryPruner struct {
	store         store.Store
	retentionDays int
	interval      time.Duration
	log           logr.Logger
	stopCh        chan struct{}
	running       bool
	mu            sync.Mutex
}

// NewHistoryPruner creates a new history pruner
func NewHistoryPruner(st store.Store, retentionDays int, interval time.Duration, log logr.Logger) *HistoryPruner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &HistoryPruner{
		store:         st,
		retentionDays: retentionDays,
		interval:      interval,
		log:           log,
		stopCh:        make(chan struct{}),
	}
}

// Start begins the pruner loop
func (p *HistoryPruner) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()

	if p.retentionDays <= 0 {
		p.log.Info("event retention disabled, keeping history forever")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		}
	}

	p.log.Info("starting history pruner", "retentionDays", p.retentionDays, "interval", p.interval)

	// Run immediately on start
	p.prune(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

// Stop halts the pruner
func (p *HistoryPruner) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		close(p.stopCh)
		p.running = false
	}
}

func (p *HistoryPruner) prune(ctx context.Context) {
	cutoff := timeNow().UTC().AddDate(0, 0, -p.retentionDays)
	count, err := p.store.PruneEvents(ctx, cutoff)
	if err != nil {
		p.log.Error(err, "failed to prune event history")
		return
	}
	if count > 0 {
		metrics.RecordPruned(count)
		p.log.Info("pruned event history", "eventsDeleted", count, "cutoff", cutoff)
	}
}
