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

// Package status reduces a job's event stream to its derived current state.
//
// A job's state is never stored: it is recomputed from the most recent events
// plus liveness evaluation at read time.
package status

import (
	"time"

	"crabd/internal/store"
)

// State is a job's derived condition.
type State string

const (
	Unknown State = "UNKNOWN"
	Running State = "RUNNING"
	OK      State = "OK"
	Warning State = "WARN"
	Late    State = "LATE"
	Missed  State = "MISSED"
	Timeout State = "TIMEOUT"
	Fail    State = "FAIL"
)

// severityRank orders states from least to most severe:
// OK < WARN < LATE < MISSED < TIMEOUT < FAIL.
// UNKNOWN and RUNNING carry no severity.
var severityRank = map[State]int{
	Unknown: 0,
	Running: 0,
	OK:      1,
	Warning: 2,
	Late:    3,
	Missed:  4,
	Timeout: 5,
	Fail:    6,
}

// Severity returns the rank of a state for rule matching.
func Severity(s State) int {
	return severityRank[s]
}

// Max returns the more severe of two states.
func Max(a, b State) State {
	if Severity(b) > Severity(a) {
		return b
	}
	return a
}

// ParseState validates a state name from configuration; empty means OK
// (match everything).
func ParseState(s string) (State, bool) {
	if s == "" {
		return OK, true
	}
	st := State(s)
	_, ok := severityRank[st]
	if !ok {
		return Unknown, false
	}
	return st, true
}

// FromEvent maps an event to the state it signals on its own.
func FromEvent(ev store.Event) State {
	switch ev.Kind {
	case store.KindStart:
		return Running
	case store.KindFinish:
		if ev.StatusCode != nil && *ev.StatusCode == 0 {
			return OK
		}
		return Fail
	case store.KindWarn, store.KindAlreadyRun, store.KindInhibited:
		return Warning
	case store.KindLate:
		return Late
	case store.KindMissed:
		return Missed
	case store.KindTimeout:
		return Timeout
	case store.KindCouldNotStart:
		return Fail
	default:
		return Unknown
	}
}

// historyCount bounds the terminal history used for reliability.
const historyCount = 10

// Summary is the reduction of a job's event stream.
type Summary struct {
	State State

	LastStart       *store.Event
	LastFinish      *store.Event
	LastNonOKFinish *store.Event

	// Streaks counts the trailing run of identical terminal outcomes,
	// keyed by state.
	Streaks map[State]int

	// Reliability is the percentage of recent terminal outcomes that were OK.
	Reliability int
}

// terminal reports whether an event concludes an evaluation on its own.
// A START is not terminal: it resolves to RUNNING or TIMEOUT against now.
func terminal(kind string) bool {
	switch kind {
	case store.KindFinish, store.KindMissed, store.KindTimeout,
		store.KindAlreadyRun, store.KindInhibited, store.KindCouldNotStart,
		store.KindWarn, store.KindLate:
		return true
	}
	return false
}

// Derive reduces an ascending event stream to a Summary. The timeout governs
// when an unfinished START flips from RUNNING to TIMEOUT; zero disables the
// read-time timeout check.
func Derive(events []store.Event, timeout time.Duration, now time.Time) Summary {
	sum := Summary{State: Unknown, Streaks: map[State]int{}}
	if len(events) == 0 {
		return sum
	}

	for i := range events {
		ev := &events[i]
		switch ev.Kind {
		case store.KindStart:
			sum.LastStart = ev
		case store.KindFinish:
			sum.LastFinish = ev
			if ev.StatusCode == nil || *ev.StatusCode != 0 {
				sum.LastNonOKFinish = ev
			}
		}
	}

	// Newest event decides the current state.
	newest := events[len(events)-1]
	if newest.Kind == store.KindStart {
		if timeout > 0 && now.Sub(newest.Timestamp) > timeout {
			sum.State = Timeout
		} else {
			sum.State = Running
		}
	} else {
		sum.State = FromEvent(newest)
	}

	// Trailing streak and reliability over terminal outcomes, newest first.
	var outcomes []State
	for i := len(events) - 1; i >= 0 && len(outcomes) < historyCount; i-- {
		if terminal(events[i].Kind) {
			outcomes = append(outcomes, FromEvent(events[i]))
		}
	}
	if len(outcomes) > 0 {
		streak := 0
		for _, o := range outcomes {
			if o != outcomes[0] {
				break
			}
			streak++
		}
		sum.Streaks[outcomes[0]] = streak

		ok := 0
		for _, o := range outcomes {
			if o == OK {
				ok++
			}
		}
		sum.Reliability = 100 * ok / len(outcomes)
	}

	return sum
}
