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
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/suite"

	"crabd/internal/status"
	"crabd/internal/store"
)

type MonitorTestSuite struct {
	suite.Suite
	st  *store.GormStore
	ctx context.Context
}

func (s *MonitorTestSuite) SetupTest() {
	st, err := store.NewGormStore("sqlite", "file::memory:?cache=shared")
	s.Require().NoError(err)
	s.Require().NoError(st.Init())
	s.st = st
	s.ctx = context.Background()
}

func (s *MonitorTestSuite) TearDownTest() {
	s.Require().NoError(s.st.Close())
	timeNow = time.Now
}

func TestMonitorTestSuite(t *testing.T) {
	suite.Run(t, new(MonitorTestSuite))
}

func intPtr(v int) *int { return &v }

func (s *MonitorTestSuite) newMonitor(opts Options) *Monitor {
	if opts.Interval == 0 {
		opts.Interval = time.Minute
	}
	if opts.Lookback == 0 {
		opts.Lookback = 10 * time.Minute
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Minute
	}
	return New(s.st, opts, logr.Discard())
}

// pin freezes the monitor clock.
func pin(t time.Time) {
	timeNow = func() time.Time { return t }
}

func (s *MonitorTestSuite) drain(m *Monitor) []Delta {
	var out []Delta
	for {
		select {
		case d := <-m.deltas:
			out = append(out, d)
		default:
			return out
		}
	}
}

func (s *MonitorTestSuite) countKind(jobID int64, kind string) int {
	events, err := s.st.GetEvents(s.ctx, jobID, 0, 0)
	s.Require().NoError(err)
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (s *MonitorTestSuite) TestMissedOnceAcrossTicks() {
	job, err := s.st.EnsureJob(s.ctx, "web1", "backup", "/usr/local/bin/backup")
	s.Require().NoError(err)
	s.Require().NoError(s.st.SetSchedule(s.ctx, job.ID, "0 * * * *", "UTC", intPtr(0), nil))

	m := s.newMonitor(Options{})
	base := time.Date(2026, 1, 6, 12, 3, 0, 0, time.UTC)
	pin(base)
	m.Tick(s.ctx)

	// Zero grace goes straight to MISSED, never LATE.
	s.Equal(1, s.countKind(job.ID, store.KindMissed))
	s.Equal(0, s.countKind(job.ID, store.KindLate))

	deltas := s.drain(m)
	s.Require().Len(deltas, 1)
	s.Equal(status.Unknown, deltas[0].Old)
	s.Equal(status.Missed, deltas[0].New)
	s.Require().NotNil(deltas[0].Event)
	s.Equal(store.KindMissed, deltas[0].Event.Kind)

	// The same fire is never reported twice.
	pin(base.Add(time.Minute))
	m.Tick(s.ctx)
	s.Equal(1, s.countKind(job.ID, store.KindMissed))
	s.Empty(s.drain(m))
}

func (s *MonitorTestSuite) TestLateEscalatesToMissed() {
	job, err := s.st.EnsureJob(s.ctx, "web1", "report", "/usr/local/bin/report")
	s.Require().NoError(err)
	s.Require().NoError(s.st.SetSchedule(s.ctx, job.ID, "0 * * * *", "UTC", intPtr(300), nil))

	m := s.newMonitor(Options{})
	base := time.Date(2026, 1, 6, 12, 1, 0, 0, time.UTC)
	pin(base)
	m.Tick(s.ctx)

	s.Equal(1, s.countKind(job.ID, store.KindLate))
	s.Equal(0, s.countKind(job.ID, store.KindMissed))

	deltas := s.drain(m)
	s.Require().Len(deltas, 1)
	s.Equal(status.Late, deltas[0].New)

	// Past the grace period the same fire escalates once.
	pin(base.Add(5 * time.Minute))
	m.Tick(s.ctx)

	s.Equal(1, s.countKind(job.ID, store.KindLate))
	s.Equal(1, s.countKind(job.ID, store.KindMissed))

	deltas = s.drain(m)
	s.Require().Len(deltas, 1)
	s.Equal(status.Late, deltas[0].Old)
	s.Equal(status.Missed, deltas[0].New)
}

func (s *MonitorTestSuite) TestStartAcknowledgesFire() {
	job, err := s.st.EnsureJob(s.ctx, "web1", "sync", "/usr/local/bin/sync")
	s.Require().NoError(err)
	s.Require().NoError(s.st.SetSchedule(s.ctx, job.ID, "0 * * * *", "UTC", intPtr(0), nil))

	fire := time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC)
	_, _, err = s.st.AppendSyntheticEvent(s.ctx, job.ID, store.KindStart, "test:start", fire.Add(5*time.Second))
	s.Require().NoError(err)

	m := s.newMonitor(Options{})
	pin(fire.Add(3 * time.Minute))
	m.Tick(s.ctx)

	s.Equal(0, s.countKind(job.ID, store.KindMissed))
	s.Equal(0, s.countKind(job.ID, store.KindLate))

	deltas := s.drain(m)
	s.Require().Len(deltas, 1)
	s.Equal(status.Running, deltas[0].New)
}

func (s *MonitorTestSuite) TestStartCoversOnlyItsOwnFire() {
	job, err := s.st.EnsureJob(s.ctx, "web1", "rotate", "/usr/local/bin/rotate")
	s.Require().NoError(err)
	s.Require().NoError(s.st.SetSchedule(s.ctx, job.ID, "0 * * * *", "UTC", intPtr(0), nil))

	// The daemon was down over the 10:00 fire; the job ran again at 11:00.
	// That START must not absorb the earlier fire.
	_, _, err = s.st.AppendSyntheticEvent(s.ctx, job.ID, store.KindStart, "test:start",
		time.Date(2026, 1, 6, 11, 0, 5, 0, time.UTC))
	s.Require().NoError(err)

	m := s.newMonitor(Options{Lookback: 2 * time.Hour})
	pin(time.Date(2026, 1, 6, 11, 3, 0, 0, time.UTC))
	m.Tick(s.ctx)

	s.Equal(1, s.countKind(job.ID, store.KindMissed))
}

func (s *MonitorTestSuite) TestTimeoutOncePerStart() {
	job, err := s.st.EnsureJob(s.ctx, "web1", "etl", "/usr/local/bin/etl")
	s.Require().NoError(err)

	base := time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC)
	_, _, err = s.st.AppendSyntheticEvent(s.ctx, job.ID, store.KindStart, "test:start", base.Add(-30*time.Minute))
	s.Require().NoError(err)

	m := s.newMonitor(Options{Timeout: 10 * time.Minute})
	pin(base)
	m.Tick(s.ctx)

	s.Equal(1, s.countKind(job.ID, store.KindTimeout))

	deltas := s.drain(m)
	s.Require().Len(deltas, 1)
	s.Equal(status.Timeout, deltas[0].New)

	pin(base.Add(time.Minute))
	m.Tick(s.ctx)
	s.Equal(1, s.countKind(job.ID, store.KindTimeout))
	s.Empty(s.drain(m))
}

func (s *MonitorTestSuite) TestPerJobTimeoutOverride() {
	job, err := s.st.EnsureJob(s.ctx, "web1", "quick", "/usr/local/bin/quick")
	s.Require().NoError(err)
	s.Require().NoError(s.st.SetSchedule(s.ctx, job.ID, "", "", nil, intPtr(60)))

	base := time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC)
	_, _, err = s.st.AppendSyntheticEvent(s.ctx, job.ID, store.KindStart, "test:start", base.Add(-2*time.Minute))
	s.Require().NoError(err)

	// The daemon-wide timeout alone would still call this running.
	m := s.newMonitor(Options{Timeout: time.Hour})
	pin(base)
	m.Tick(s.ctx)

	s.Equal(1, s.countKind(job.ID, store.KindTimeout))
}

func (s *MonitorTestSuite) TestInhibitedJobIsSilent() {
	job, err := s.st.EnsureJob(s.ctx, "web1", "noisy", "/usr/local/bin/noisy")
	s.Require().NoError(err)
	s.Require().NoError(s.st.SetSchedule(s.ctx, job.ID, "0 * * * *", "UTC", intPtr(0), nil))
	s.Require().NoError(s.st.SetInhibit(s.ctx, job.ID, true))

	m := s.newMonitor(Options{})
	pin(time.Date(2026, 1, 6, 12, 3, 0, 0, time.UTC))
	m.Tick(s.ctx)

	s.Equal(0, s.countKind(job.ID, store.KindMissed))
	s.Empty(s.drain(m))
}

func (s *MonitorTestSuite) TestBadScheduleFlagsJob() {
	job, err := s.st.EnsureJob(s.ctx, "web1", "broken", "/usr/local/bin/broken")
	s.Require().NoError(err)
	s.Require().NoError(s.st.SetSchedule(s.ctx, job.ID, "not a schedule", "UTC", nil, nil))

	m := s.newMonitor(Options{})
	pin(time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC))
	m.Tick(s.ctx)

	got, err := s.st.GetJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.True(got.Misconfigured)

	events, err := s.st.GetEvents(s.ctx, job.ID, 0, 0)
	s.Require().NoError(err)
	s.Empty(events)

	// A flagged job is skipped on later ticks, not re-parsed forever.
	m.Tick(s.ctx)
	got, err = s.st.GetJob(s.ctx, job.ID)
	s.Require().NoError(err)
	s.True(got.Misconfigured)
}

func (s *MonitorTestSuite) TestOverflowEmitsSingleDegradedDelta() {
	m := s.newMonitor(Options{QueueSize: 1, Backlog: 2})

	job := store.Job{ID: 1, Host: "web1", Command: "x"}
	d := Delta{Job: job, Old: status.OK, New: status.Fail}

	m.offer(d) // fills the queue
	m.offer(d) // dropped, below the ceiling
	m.offer(d) // dropped, ceiling reached
	s.Equal(1, len(s.drain(m)))

	// With the queue drained the pending overflow notice goes out first,
	// then the next real delta fills the last slot again.
	m.offer(d)
	deltas := s.drain(m)
	s.Require().Len(deltas, 1)
	s.True(deltas[0].Degraded)

	// The ceiling fires only once.
	m.offer(d)
	m.offer(d)
	got := s.drain(m)
	s.Require().Len(got, 1)
	s.False(got[0].Degraded)
}
