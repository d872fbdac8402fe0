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

// Package monitor evaluates schedule liveness and derives job states.
//
// The monitor never inspects cron itself: it compares the fire instants a
// job's schedule predicts against the events the wrapper actually reported,
// and synthesizes LATE, MISSED and TIMEOUT events for the gaps.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"crabd/internal/metrics"
	"crabd/internal/schedule"
	"crabd/internal/status"
	"crabd/internal/store"
)

// timeNow is stubbed in tests
var timeNow = time.Now

// startSkew tolerates small clock offsets between the daemon and the hosts
// reporting START events.
const startSkew = 10 * time.Second

// Delta is one observed job state transition, fanned out to the notification
// engine.
type Delta struct {
	Job     store.Job
	Old     status.State
	New     status.State
	Event   *store.Event
	Summary status.Summary

	// Degraded marks the single synthetic delta emitted after the overflow
	// ceiling is crossed.
	Degraded bool
}

// Options configures a Monitor.
type Options struct {
	// Interval is the tick period.
	Interval time.Duration

	// Lookback is how far behind the previous tick each pass searches for
	// expected fires. Fires older than that are not revisited.
	Lookback time.Duration

	// Timezone applies to schedules that carry none of their own.
	Timezone string

	// Grace and Timeout are the daemon-wide defaults, overridable per job.
	Grace   time.Duration
	Timeout time.Duration

	// QueueSize is the delta channel capacity; Backlog is the number of
	// dropped deltas after which a single degraded delta is emitted.
	QueueSize int
	Backlog   int
}

// Monitor periodically checks every scheduled job for liveness violations.
type Monitor struct {
	store store.Store
	opts  Options
	log   logr.Logger

	deltas  chan Delta
	stopCh  chan struct{}
	running bool

	mu        sync.Mutex
	lastCheck time.Time
	states    map[int64]status.State
	summaries map[int64]status.Summary
	dropped   int
	degraded  bool
	// pendingDegraded holds the overflow notice until the queue has room.
	pendingDegraded bool
}

// New creates a monitor. Deltas() must be consumed or the channel fills and
// transitions start being dropped.
func New(st store.Store, opts Options, log logr.Logger) *Monitor {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Monitor{
		store:     st,
		opts:      opts,
		log:       log,
		deltas:    make(chan Delta, opts.QueueSize),
		stopCh:    make(chan struct{}),
		states:    make(map[int64]status.State),
		summaries: make(map[int64]status.Summary),
	}
}

// Deltas returns the state transition channel. It is closed when the monitor
// stops, after the final tick completes.
func (m *Monitor) Deltas() <-chan Delta {
	return m.deltas
}

// Start begins the evaluation loop. It blocks until ctx is canceled or Stop
// is called; the tick in flight always finishes before it returns.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	m.log.Info("starting liveness monitor", "interval", m.opts.Interval, "lookback", m.opts.Lookback)

	defer close(m.deltas)

	// Run immediately on start
	m.Tick(ctx)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Stop halts the monitor
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		close(m.stopCh)
		m.running = false
	}
}

// State returns the cached derived state for a job.
func (m *Monitor) State(jobID int64) (status.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[jobID]
	return s, ok
}

// Snapshot returns a copy of every cached job summary, for the status API.
func (m *Monitor) Snapshot() map[int64]status.Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]status.Summary, len(m.summaries))
	for id, s := range m.summaries {
		out[id] = s
	}
	return out
}

// Tick runs one evaluation pass over all live jobs.
func (m *Monitor) Tick(ctx context.Context) {
	m.flushDegraded()

	started := timeNow()
	now := started.UTC()

	m.mu.Lock()
	last := m.lastCheck
	m.lastCheck = now
	m.mu.Unlock()

	windowStart := now.Add(-m.opts.Lookback)
	if !last.IsZero() {
		if ws := last.Add(-m.opts.Lookback); ws.After(windowStart) {
			windowStart = ws
		}
	}

	jobs, err := m.store.GetJobs(ctx, false)
	if err != nil {
		m.log.Error(err, "failed to list jobs")
		return
	}

	counts := make(map[string]int)
	for i := range jobs {
		state := m.checkJob(ctx, &jobs[i], windowStart, now)
		counts[string(state)]++
	}

	metrics.UpdateJobsByState(counts)
	metrics.ObserveTick(time.Since(started).Seconds())
}

// checkJob evaluates one job: synthesizes liveness events, rederives its
// state and emits a delta when the state changed.
func (m *Monitor) checkJob(ctx context.Context, job *store.Job, windowStart, now time.Time) status.State {
	events, err := m.store.GetEvents(ctx, job.ID, 0, 0)
	if err != nil {
		m.log.Error(err, "failed to load events", "job", job.Identity())
		return status.Unknown
	}

	var newest *store.Event
	if !job.Inhibited {
		if ev := m.checkSchedule(ctx, job, events, windowStart, now); ev != nil {
			events = append(events, *ev)
			newest = ev
		}
		if ev := m.checkTimeout(ctx, job, events, now); ev != nil {
			events = append(events, *ev)
			newest = ev
		}
	}

	sum := status.Derive(events, m.timeoutFor(job), now)

	m.mu.Lock()
	old, seen := m.states[job.ID]
	m.states[job.ID] = sum.State
	m.summaries[job.ID] = sum
	m.mu.Unlock()

	if !seen {
		old = status.Unknown
	}
	if sum.State != old && !job.Inhibited {
		if newest == nil && len(events) > 0 {
			newest = &events[len(events)-1]
		}
		m.offer(Delta{Job: *job, Old: old, New: sum.State, Event: newest, Summary: sum})
	}
	return sum.State
}

// checkSchedule synthesizes LATE and MISSED events for expected fires in the
// window that no START acknowledged. Returns the newest event it created.
func (m *Monitor) checkSchedule(ctx context.Context, job *store.Job, events []store.Event, windowStart, now time.Time) *store.Event {
	if job.Schedule == "" || job.Misconfigured {
		return nil
	}

	tz := job.Timezone
	if tz == "" {
		tz = m.opts.Timezone
	}

	fires, err := schedule.ExpectedFires(job.Schedule, tz, windowStart, now)
	if err != nil {
		m.log.Error(err, "schedule failed to parse, flagging job", "job", job.Identity(), "schedule", job.Schedule)
		if serr := m.store.SetMisconfigured(ctx, job.ID, true); serr != nil {
			m.log.Error(serr, "failed to flag misconfigured job", "job", job.Identity())
		}
		return nil
	}

	grace := m.graceFor(job)
	var newest *store.Event
	for _, fire := range fires {
		if acknowledged(events, fire, grace) {
			continue
		}
		var (
			kind   string
			refKey string
		)
		switch {
		case now.Sub(fire) >= grace:
			kind = store.KindMissed
			refKey = fmt.Sprintf("missed:%d:%d", job.ID, fire.Unix())
		case grace > 0:
			kind = store.KindLate
			refKey = fmt.Sprintf("late:%d:%d", job.ID, fire.Unix())
		default:
			continue
		}
		ev, created, err := m.store.AppendSyntheticEvent(ctx, job.ID, kind, refKey, now)
		if err != nil {
			m.log.Error(err, "failed to record liveness event", "job", job.Identity(), "kind", kind)
			continue
		}
		if created {
			metrics.RecordEvent(kind)
			m.log.Info("liveness violation", "job", job.Identity(), "kind", kind, "expected", fire)
			newest = ev
		}
	}
	return newest
}

// checkTimeout synthesizes a TIMEOUT event when the newest event is a START
// older than the job's timeout with no FINISH after it.
func (m *Monitor) checkTimeout(ctx context.Context, job *store.Job, events []store.Event, now time.Time) *store.Event {
	timeout := m.timeoutFor(job)
	if timeout <= 0 || len(events) == 0 {
		return nil
	}
	newest := events[len(events)-1]
	if newest.Kind != store.KindStart || now.Sub(newest.Timestamp) <= timeout {
		return nil
	}

	refKey := fmt.Sprintf("timeout:%d", newest.ID)
	ev, created, err := m.store.AppendSyntheticEvent(ctx, job.ID, store.KindTimeout, refKey, now)
	if err != nil {
		m.log.Error(err, "failed to record timeout event", "job", job.Identity())
		return nil
	}
	if !created {
		return nil
	}
	metrics.RecordEvent(store.KindTimeout)
	m.log.Info("job timed out", "job", job.Identity(), "started", newest.Timestamp, "timeout", timeout)
	return ev
}

// offer enqueues a delta without ever blocking the evaluation loop. When the
// consumer falls behind, transitions are counted and dropped; crossing the
// overflow ceiling queues one degraded delta so operators learn alerts were
// lost.
func (m *Monitor) offer(d Delta) {
	m.flushDegraded()

	select {
	case m.deltas <- d:
		return
	default:
	}

	metrics.RecordDropped()

	m.mu.Lock()
	m.dropped++
	if m.opts.Backlog > 0 && m.dropped >= m.opts.Backlog && !m.degraded {
		m.degraded = true
		m.pendingDegraded = true
	}
	m.mu.Unlock()

	m.log.Info("delta queue full, dropping transition", "job", d.Job.Identity(), "old", d.Old, "new", d.New)

	m.flushDegraded()
}

// flushDegraded delivers a pending overflow notice once the queue has room.
// The drop that raises the notice finds the queue full, so delivery usually
// happens on a later offer or tick.
func (m *Monitor) flushDegraded() {
	m.mu.Lock()
	pending := m.pendingDegraded
	m.mu.Unlock()
	if !pending {
		return
	}

	select {
	case m.deltas <- Delta{Degraded: true}:
		m.mu.Lock()
		m.pendingDegraded = false
		m.mu.Unlock()
	default:
	}
}

func (m *Monitor) graceFor(job *store.Job) time.Duration {
	if job.GraceSecs != nil {
		return time.Duration(*job.GraceSecs) * time.Second
	}
	return m.opts.Grace
}

func (m *Monitor) timeoutFor(job *store.Job) time.Duration {
	if job.TimeoutSecs != nil {
		return time.Duration(*job.TimeoutSecs) * time.Second
	}
	return m.opts.Timeout
}

// acknowledged reports whether a START event covers the given fire instant.
// Only a START inside [fire-skew, fire+grace+skew] counts; a later START
// belongs to a later fire and must not absorb this one.
func acknowledged(events []store.Event, fire time.Time, grace time.Duration) bool {
	lo := fire.Add(-startSkew)
	hi := fire.Add(grace + startSkew)
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Timestamp.Before(lo) {
			break
		}
		if ev.Kind == store.KindStart && !ev.Timestamp.After(hi) {
			return true
		}
	}
	return false
}
