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

// Package schedule evaluates five-field cron specifications.
//
// The evaluator is pure: given the same (spec, tz, window) it always returns
// the same fire instants. DST handling follows the cron library: local times
// skipped by spring-forward never fire, ambiguous fall-back times fire once.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrSchedule wraps any malformed cron spec or unknown timezone.
var ErrSchedule = errors.New("schedule error")

// parser accepts standard five-field specs with lists, ranges, steps and *.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parse validates a spec and timezone, returning the compiled schedule.
func Parse(spec, tz string) (cron.Schedule, error) {
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q: %v", ErrSchedule, tz, err)
	}
	sched, err := parser.Parse("CRON_TZ=" + tz + " " + spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrSchedule, spec, err)
	}
	return sched, nil
}

// ExpectedFires enumerates the fire instants of spec in [t0, t1), sorted
// ascending and normalized to UTC.
func ExpectedFires(spec, tz string, t0, t1 time.Time) ([]time.Time, error) {
	sched, err := Parse(spec, tz)
	if err != nil {
		return nil, err
	}

	var fires []time.Time
	// Next is strictly-after, so back up one second to include a fire at t0.
	cursor := t0.Add(-time.Second)
	for {
		next := sched.Next(cursor)
		if next.IsZero() || !next.Before(t1) {
			break
		}
		if !next.Before(t0) {
			fires = append(fires, next.UTC())
		}
		cursor = next
	}
	return fires, nil
}
