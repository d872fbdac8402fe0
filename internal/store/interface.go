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

package store

import (
	"context"
	"errors"
	"time"
)

// ErrStore wraps any persistence failure. Write operations either fully
// commit or return an error wrapping ErrStore; reads may return empty but
// never partial rows.
var ErrStore = errors.New("store error")

// Store is the single writer for all durable state. All other components go
// through it.
type Store interface {
	// Init creates or migrates the schema.
	Init() error

	// Close releases the underlying connections.
	Close() error

	// Health pings the backend.
	Health(ctx context.Context) error

	// EnsureJob atomically finds or creates the registration for
	// (host, crabid, command), applying supersession: a new command under an
	// existing crabid retires the old row and inserts a fresh one.
	EnsureJob(ctx context.Context, host, crabid, command string) (*Job, error)

	// FindJob locates a non-retired registration by crabid, falling back to
	// command matching. Returns (nil, nil) when absent.
	FindJob(ctx context.Context, host, crabid, command string) (*Job, error)

	// GetJob fetches a registration by id. Returns (nil, nil) when absent.
	GetJob(ctx context.Context, id int64) (*Job, error)

	// GetJobs lists registrations, excluding retired ones by default.
	GetJobs(ctx context.Context, includeRetired bool) ([]Job, error)

	// AppendEvent appends a wrapper-reported event. The timestamp is the
	// server receive time; ids are monotonic within a job.
	AppendEvent(ctx context.Context, jobID int64, kind string, statusCode *int, stdout, stderr string) (*Event, error)

	// AppendSyntheticEvent appends a daemon-generated event keyed by refKey.
	// It is idempotent: a second call with the same refKey reports
	// created=false and returns the existing event.
	AppendSyntheticEvent(ctx context.Context, jobID int64, kind, refKey string, ts time.Time) (ev *Event, created bool, err error)

	// LogStart and LogFinish are convenience wrappers around AppendEvent.
	LogStart(ctx context.Context, jobID int64) (*Event, error)
	LogFinish(ctx context.Context, jobID int64, statusCode int, stdout, stderr string) (*Event, error)

	// LogWarning records a daemon-internal warning kind such as
	// ALREADYRUNNING or INHIBITED.
	LogWarning(ctx context.Context, jobID int64, kind string) (*Event, error)

	// GetEvents returns a job's events in ascending id order, optionally
	// starting after sinceID and capped at limit (0 means no cap).
	GetEvents(ctx context.Context, jobID int64, sinceID int64, limit int) ([]Event, error)

	// GetEventsSince returns events across all jobs with id > sinceID,
	// ascending. The monitor tails the log with this.
	GetEventsSince(ctx context.Context, sinceID int64) ([]Event, error)

	// GetRecentEvents returns the newest events across all jobs, newest
	// first, for the feed and dashboard.
	GetRecentEvents(ctx context.Context, limit int) ([]Event, error)

	// GetOutput reassembles an event's stdout/stderr, transparently reading
	// from the output store when one is configured.
	GetOutput(ctx context.Context, eventID int64) (stdout, stderr string, err error)

	// SetSchedule updates a job's cron spec, timezone and grace/timeout
	// overrides. Clears the misconfigured flag.
	SetSchedule(ctx context.Context, jobID int64, spec, timezone string, graceSecs, timeoutSecs *int) error

	// SetInhibit toggles the admin inhibition flag.
	SetInhibit(ctx context.Context, jobID int64, inhibited bool) error

	// SetMisconfigured flags a job whose schedule failed to parse; flagged
	// jobs are excluded from liveness until fixed.
	SetMisconfigured(ctx context.Context, jobID int64, misconfigured bool) error

	// RetireJob soft-retires a registration.
	RetireJob(ctx context.Context, jobID int64) error

	// GetNotifications returns all notification rules.
	GetNotifications(ctx context.Context) ([]NotifyRule, error)

	// SetNotifications transactionally replaces the full rule set.
	SetNotifications(ctx context.Context, rules []NotifyRule) error

	// RecordAlert inserts an alert row; UpdateAlert rewrites it after further
	// dispatch attempts.
	RecordAlert(ctx context.Context, alert *Alert) error
	UpdateAlert(ctx context.Context, alert *Alert) error

	// LastAlert returns the most recent alert for (rule, job), or (nil, nil).
	LastAlert(ctx context.Context, ruleID, jobID int64) (*Alert, error)

	// PruneEvents removes events older than the cutoff, sparing rows still
	// referenced by an undispatched alert. Idempotent.
	PruneEvents(ctx context.Context, olderThan time.Time) (int64, error)
}
