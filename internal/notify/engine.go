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

// Package notify turns job state transitions into delivered alerts.
//
// The engine consumes deltas from the monitor, matches them against the
// stored notification rules, and hands deliveries to one worker per
// transport, with per-rule rate limiting, cooldown dedup and retries.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"crabd/internal/config"
	"crabd/internal/metrics"
	"crabd/internal/monitor"
	"crabd/internal/status"
	"crabd/internal/store"
)

// timeNow is stubbed in tests
var timeNow = time.Now

// delivery is one alert handed to a transport worker. notBefore holds the
// rate-limit reservation; the worker waits it out before sending.
type delivery struct {
	notice    Notice
	alert     *store.Alert
	notBefore time.Time
}

// Engine routes state deltas to transports according to the rule table.
// Each transport gets its own worker and bounded queue, so a failing or slow
// transport never stalls the others.
type Engine struct {
	store      store.Store
	transports map[string]Transport
	cfg        config.NotifyConfig
	baseURL    string
	log        logr.Logger

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter

	queues    map[string]chan delivery
	quit      chan struct{}
	wg        sync.WaitGroup
	inflight  sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewEngine creates a notification engine.
func NewEngine(st store.Store, transports map[string]Transport, cfg config.NotifyConfig, baseURL string, log logr.Logger) *Engine {
	backlog := cfg.DispatchBacklog
	if backlog <= 0 {
		backlog = 64
	}
	queues := make(map[string]chan delivery, len(transports))
	for name := range transports {
		queues[name] = make(chan delivery, backlog)
	}
	return &Engine{
		store:      st,
		transports: transports,
		cfg:        cfg,
		baseURL:    baseURL,
		log:        log,
		limiters:   make(map[int64]*rate.Limiter),
		queues:     queues,
		quit:       make(chan struct{}),
	}
}

// Start launches one delivery worker per transport.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		for name, tr := range e.transports {
			e.wg.Add(1)
			go e.worker(tr, e.queues[name])
		}
	})
}

// Close stops accepting deliveries and waits for the queued ones to be
// attempted. Deliveries still waiting out a rate-limit reservation are sent
// immediately rather than discarded.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.quit)
		for _, q := range e.queues {
			close(q)
		}
	})
	e.wg.Wait()
}

// Drain blocks until every delivery queued so far has been attempted.
func (e *Engine) Drain() {
	e.inflight.Wait()
}

// Run consumes deltas until the channel closes. On context cancellation the
// queued deltas are still flushed, bounded by the flush timeout; delivery of
// what the workers already hold is bounded by the retry cap.
func (e *Engine) Run(ctx context.Context, deltas <-chan monitor.Delta) error {
	e.log.Info("starting notification engine", "transports", len(e.transports))
	e.Start()
	defer e.Close()
	for {
		select {
		case d, ok := <-deltas:
			if !ok {
				return nil
			}
			e.Handle(ctx, d)
		case <-ctx.Done():
			return e.flush(deltas)
		}
	}
}

// flush drains the remaining deltas under a fresh deadline so shutdown never
// silently discards queued alerts.
func (e *Engine) flush(deltas <-chan monitor.Delta) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.FlushTimeout)
	defer cancel()

	for {
		select {
		case d, ok := <-deltas:
			if !ok {
				return nil
			}
			e.Handle(ctx, d)
		case <-ctx.Done():
			e.log.Info("flush timeout reached, abandoning queued deltas")
			return ctx.Err()
		}
	}
}

// Handle evaluates one delta against every notification rule.
func (e *Engine) Handle(ctx context.Context, d monitor.Delta) {
	if d.Degraded {
		e.handleDegraded(ctx)
		return
	}

	rules, err := e.store.GetNotifications(ctx)
	if err != nil {
		e.log.Error(err, "failed to load notification rules")
		return
	}

	for i := range rules {
		e.dispatch(ctx, rules[i], d)
	}
}

// handleDegraded tells every rule's sink, once, that transitions were lost.
func (e *Engine) handleDegraded(ctx context.Context) {
	e.log.Error(nil, "delta queue overflowed, state transitions were lost")

	rules, err := e.store.GetNotifications(ctx)
	if err != nil {
		e.log.Error(err, "failed to load notification rules")
		return
	}

	base := Notice{
		Job:       store.Job{Host: "crabd", Command: "monitor delta queue overflowed; some state transitions were not alerted"},
		Old:       status.Unknown,
		State:     status.Fail,
		Timestamp: timeNow().UTC(),
		BaseURL:   e.baseURL,
	}
	for _, rule := range rules {
		q, ok := e.queues[rule.Transport]
		if !ok {
			continue
		}
		n := base
		n.Rule = rule
		n.Addresses = rule.Addresses()
		e.enqueue(ctx, rule, q, delivery{notice: n})
	}
}

// dispatch applies matching, severity, dedup and rate limiting for one rule,
// then queues the delivery on the rule's transport worker.
func (e *Engine) dispatch(ctx context.Context, rule store.NotifyRule, d monitor.Delta) {
	if !ruleMatches(rule, d.Job) {
		return
	}
	if d.Event == nil {
		return
	}

	// Effective severity is the worse of the derived state and the event
	// that caused it.
	severity := status.Max(d.New, status.FromEvent(*d.Event))

	if rule.SkipOK && d.New == status.OK {
		return
	}
	minSev, ok := status.ParseState(rule.MinSeverity)
	if !ok {
		e.log.Info("rule has invalid min severity, skipping", "rule", rule.ID, "minSeverity", rule.MinSeverity)
		return
	}
	if status.Severity(severity) < status.Severity(minSev) {
		return
	}

	now := timeNow().UTC()

	// Same-state repeats are deduplicated within the cooldown window; an
	// actual state change always goes through.
	last, err := e.store.LastAlert(ctx, rule.ID, d.Job.ID)
	if err != nil {
		e.log.Error(err, "failed to load last alert", "rule", rule.ID, "job", d.Job.Identity())
		return
	}
	if last != nil && last.State == string(d.New) && now.Sub(last.DispatchedAt) < e.cooldownFor(rule) {
		e.log.V(1).Info("alert suppressed within cooldown", "rule", rule.ID, "job", d.Job.Identity(), "state", d.New)
		return
	}

	q, ok := e.queues[rule.Transport]
	if !ok {
		e.log.Info("rule references unknown transport, skipping", "rule", rule.ID, "transport", rule.Transport)
		return
	}
	tr := e.transports[rule.Transport]

	n := Notice{
		Job:       d.Job,
		Rule:      rule,
		Old:       d.Old,
		State:     d.New,
		Event:     d.Event,
		Summary:   d.Summary,
		Timestamp: now,
		BaseURL:   e.baseURL,
		Addresses: rule.Addresses(),
	}
	if rule.IncludeOutput {
		stdout, stderr, err := e.store.GetOutput(ctx, d.Event.ID)
		if err != nil {
			e.log.Error(err, "failed to load event output", "event", d.Event.ID)
		} else {
			n.Stdout, n.Stderr = stdout, stderr
		}
	}

	alert := &store.Alert{
		RuleID:       rule.ID,
		JobID:        d.Job.ID,
		EventID:      d.Event.ID,
		State:        string(d.New),
		DispatchedAt: now,
	}
	if err := e.store.RecordAlert(ctx, alert); err != nil {
		e.log.Error(err, "failed to record alert", "rule", rule.ID, "job", d.Job.Identity())
		return
	}

	// An over-budget alert is queued with the reservation's delay instead of
	// dropped; only a full transport backlog drops.
	res := e.limiterFor(rule.ID).Reserve()
	delay := res.Delay()
	del := delivery{notice: n, alert: alert, notBefore: time.Now().Add(delay)}
	if !e.enqueue(ctx, rule, q, del) {
		res.Cancel()
		return
	}
	if delay > 0 {
		e.log.V(1).Info("alert delayed by rule budget",
			"rule", rule.ID, "job", d.Job.Identity(), "transport", tr.Name(), "delay", delay)
	}
}

// enqueue hands a delivery to a transport worker without blocking. A full
// backlog drops the delivery and records the loss on its alert row.
func (e *Engine) enqueue(ctx context.Context, rule store.NotifyRule, q chan delivery, del delivery) bool {
	e.inflight.Add(1)
	select {
	case q <- del:
		return true
	default:
	}
	e.inflight.Done()

	metrics.RecordDropped()
	e.log.Info("transport backlog full, dropping alert", "rule", rule.ID, "transport", rule.Transport)
	if del.alert != nil {
		del.alert.Succeeded = false
		del.alert.Result = "dropped: transport backlog full"
		if err := e.store.UpdateAlert(ctx, del.alert); err != nil {
			e.log.Error(err, "failed to update alert", "alert", del.alert.ID)
		}
	}
	return false
}

// worker delivers queued alerts for one transport in order, honoring each
// delivery's rate-limit reservation. Close cuts the waits short.
func (e *Engine) worker(tr Transport, q chan delivery) {
	defer e.wg.Done()
	for del := range q {
		if wait := time.Until(del.notBefore); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-e.quit:
				t.Stop()
			}
		}
		e.deliver(tr, del)
		e.inflight.Done()
	}
}

// deliver sends one notice with retries and records the attempt series on
// the alert row, when there is one.
func (e *Engine) deliver(tr Transport, del delivery) {
	ctx := context.Background()

	attempts := 0
	op := func() error {
		attempts++
		return tr.Send(ctx, del.notice)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.cfg.MaxRetries)), ctx)
	sendErr := backoff.Retry(op, bo)

	alert := del.alert
	if alert == nil {
		if sendErr != nil {
			e.log.Error(sendErr, "failed to send degraded-mode alert", "transport", tr.Name())
		}
		return
	}

	n := del.notice
	alert.Attempts = attempts
	alert.Succeeded = sendErr == nil
	if sendErr != nil {
		alert.Result = sendErr.Error()
		metrics.RecordAlertFailed(tr.Name(), string(n.State))
		e.log.Error(sendErr, "alert delivery failed",
			"rule", alert.RuleID, "job", n.Job.Identity(), "transport", tr.Name(), "attempts", attempts)
	} else {
		alert.Result = fmt.Sprintf("delivered to %d address(es)", len(n.Addresses))
		metrics.RecordAlert(tr.Name(), string(n.State))
		e.log.Info("alert delivered",
			"rule", alert.RuleID, "job", n.Job.Identity(), "transport", tr.Name(), "state", n.State)
	}
	if err := e.store.UpdateAlert(ctx, alert); err != nil {
		e.log.Error(err, "failed to update alert", "alert", alert.ID)
	}
}

// limiterFor returns the token bucket for a rule, creating it on first use.
func (e *Engine) limiterFor(ruleID int64) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.limiters[ruleID]
	if !ok {
		maxAlerts := e.cfg.MaxAlerts
		if maxAlerts <= 0 {
			maxAlerts = 10
		}
		window := e.cfg.AlertWindow
		if window <= 0 {
			window = 5 * time.Minute
		}
		l = rate.NewLimiter(rate.Limit(float64(maxAlerts)/window.Seconds()), maxAlerts)
		e.limiters[ruleID] = l
	}
	return l
}

func (e *Engine) cooldownFor(rule store.NotifyRule) time.Duration {
	if rule.CooldownSecs != nil {
		return time.Duration(*rule.CooldownSecs) * time.Second
	}
	return e.cfg.Cooldown
}

// ruleMatches applies the rule's host and crabid filters; empty matches all.
func ruleMatches(rule store.NotifyRule, job store.Job) bool {
	if rule.Host != "" && rule.Host != job.Host {
		return false
	}
	if rule.CrabID != "" && rule.CrabID != job.CrabID {
		return false
	}
	return true
}
