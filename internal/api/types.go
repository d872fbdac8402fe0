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

package api

import (
	"time"

	"crabd/internal/store"
)

// EventBody is the JSON body of every event-carrying wrapper request.
type EventBody struct {
	Command string `json:"command"`
	Status  *int   `json:"status,omitempty"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
}

// StartResponse answers a START report; Inhibit tells the wrapper to skip
// this run.
type StartResponse struct {
	Status  string `json:"status"`
	JobID   int64  `json:"job_id"`
	EventID int64  `json:"event_id"`
	Inhibit bool   `json:"inhibit"`
}

// EventResponse answers register and finish reports.
type EventResponse struct {
	Status  string `json:"status"`
	JobID   int64  `json:"job_id"`
	EventID int64  `json:"event_id,omitempty"`
}

// ErrorResponse is the uniform error shape.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// JobItem is one job in list and detail responses.
type JobItem struct {
	ID            int64      `json:"id"`
	Host          string     `json:"host"`
	CrabID        string     `json:"crabid,omitempty"`
	Command       string     `json:"command"`
	Schedule      string     `json:"schedule,omitempty"`
	Timezone      string     `json:"timezone,omitempty"`
	GraceSecs     *int       `json:"graceperiod,omitempty"`
	TimeoutSecs   *int       `json:"timeout,omitempty"`
	Inhibited     bool       `json:"inhibited"`
	Misconfigured bool       `json:"misconfigured"`
	FirstSeen     time.Time  `json:"first_seen"`
	LastSeen      time.Time  `json:"last_seen"`
	RetiredAt     *time.Time `json:"retired_at,omitempty"`
	State         string     `json:"state"`
	Reliability   int        `json:"reliability"`
}

// EventItem is one event in timeline responses.
type EventItem struct {
	ID        int64     `json:"id"`
	JobID     int64     `json:"job_id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Status    *int      `json:"status,omitempty"`
	HasOutput bool      `json:"has_output"`
}

// JobDetail is the per-job read response: registration plus derived status
// and the recent timeline.
type JobDetail struct {
	JobItem
	LastStart  *EventItem  `json:"last_start,omitempty"`
	LastFinish *EventItem  `json:"last_finish,omitempty"`
	Events     []EventItem `json:"events"`
}

// OutputResponse carries an event's reassembled output.
type OutputResponse struct {
	EventID int64  `json:"event_id"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
}

// ScheduleBody is the admin request to set a job's schedule.
type ScheduleBody struct {
	Schedule    string `json:"schedule"`
	Timezone    string `json:"timezone,omitempty"`
	GraceSecs   *int   `json:"graceperiod,omitempty"`
	TimeoutSecs *int   `json:"timeout,omitempty"`
}

// RuleItem is one notification rule on the wire. SkipOK is a pointer so an
// omitted field defaults to true while an explicit false sticks.
type RuleItem struct {
	ID            int64  `json:"id,omitempty"`
	Host          string `json:"host,omitempty"`
	CrabID        string `json:"crabid,omitempty"`
	MinSeverity   string `json:"min_severity"`
	Transport     string `json:"transport"`
	Address       string `json:"address"`
	SkipOK        *bool  `json:"skip_ok,omitempty"`
	IncludeOutput bool   `json:"include_output"`
	CooldownSecs  *int   `json:"cooldown,omitempty"`
}

// HealthResponse reports daemon and store health.
type HealthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func eventItem(ev store.Event) EventItem {
	return EventItem{
		ID:        ev.ID,
		JobID:     ev.JobID,
		Kind:      ev.Kind,
		Timestamp: ev.Timestamp,
		Status:    ev.StatusCode,
		HasOutput: ev.HasOutput || ev.Stdout != nil || ev.Stderr != nil,
	}
}

func ruleItem(r store.NotifyRule) RuleItem {
	skip := r.SkipOK
	return RuleItem{
		ID:            r.ID,
		Host:          r.Host,
		CrabID:        r.CrabID,
		MinSeverity:   r.MinSeverity,
		Transport:     r.Transport,
		Address:       r.Address,
		SkipOK:        &skip,
		IncludeOutput: r.IncludeOutput,
		CooldownSecs:  r.CooldownSecs,
	}
}

func ruleModel(r RuleItem) store.NotifyRule {
	skip := true
	if r.SkipOK != nil {
		skip = *r.SkipOK
	}
	return store.NotifyRule{
		ID:            r.ID,
		Host:          r.Host,
		CrabID:        r.CrabID,
		MinSeverity:   r.MinSeverity,
		Transport:     r.Transport,
		Address:       r.Address,
		SkipOK:        skip,
		IncludeOutput: r.IncludeOutput,
		CooldownSecs:  r.CooldownSecs,
	}
}
