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
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/feeds"

	"crabd/internal/schedule"
	"crabd/internal/status"
	"crabd/internal/store"
)

func jobID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// loadJob fetches the job addressed by {id}, writing the error response
// itself when the job cannot be served.
func (h *Handlers) loadJob(w http.ResponseWriter, r *http.Request) *store.Job {
	id, err := jobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return nil
	}
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "no such job")
		return nil
	}
	return job
}

// ListJobs handles GET /api/v1/jobs
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	includeRetired := r.URL.Query().Get("include_retired") == "true"

	jobs, err := h.store.GetJobs(r.Context(), includeRetired)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	items := make([]JobItem, 0, len(jobs))
	for i := range jobs {
		sum, _, err := h.derive(r, &jobs[i])
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		items = append(items, h.jobItem(&jobs[i], sum))
	}
	writeJSON(w, http.StatusOK, items)
}

// GetJobDetail handles GET /api/v1/jobs/{id}
func (h *Handlers) GetJobDetail(w http.ResponseWriter, r *http.Request) {
	job := h.loadJob(w, r)
	if job == nil {
		return
	}
	h.writeJobDetail(w, r, job)
}

// GetJobEvents handles GET /api/v1/jobs/{id}/events
func (h *Handlers) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	job := h.loadJob(w, r)
	if job == nil {
		return
	}

	sinceID, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := h.store.GetEvents(r.Context(), job.ID, sinceID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	items := make([]EventItem, 0, len(events))
	for _, ev := range events {
		items = append(items, eventItem(ev))
	}
	writeJSON(w, http.StatusOK, items)
}

// GetEventOutput handles GET /api/v1/events/{id}/output
func (h *Handlers) GetEventOutput(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	stdout, stderr, err := h.store.GetOutput(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, OutputResponse{EventID: id, Stdout: stdout, Stderr: stderr})
}

// GetMonitorStatus handles GET /api/v1/status: the monitor's cached state
// map, keyed by job id.
func (h *Handlers) GetMonitorStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := h.monitor.Snapshot()
	out := make(map[string]string, len(snapshot))
	for id, sum := range snapshot {
		out[strconv.FormatInt(id, 10)] = string(sum.State)
	}
	writeJSON(w, http.StatusOK, out)
}

// SetSchedule handles PUT /api/v1/jobs/{id}/schedule
func (h *Handlers) SetSchedule(w http.ResponseWriter, r *http.Request) {
	job := h.loadJob(w, r)
	if job == nil {
		return
	}

	var body ScheduleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if body.Schedule != "" {
		if _, err := schedule.Parse(body.Schedule, body.Timezone); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := h.store.SetSchedule(r.Context(), job.ID, body.Schedule, body.Timezone, body.GraceSecs, body.TimeoutSecs); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SetInhibit handles POST /api/v1/jobs/{id}/inhibit and /uninhibit
func (h *Handlers) SetInhibit(inhibit bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := h.loadJob(w, r)
		if job == nil {
			return
		}
		if err := h.store.SetInhibit(r.Context(), job.ID, inhibit); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// RetireJob handles POST /api/v1/jobs/{id}/retire
func (h *Handlers) RetireJob(w http.ResponseWriter, r *http.Request) {
	job := h.loadJob(w, r)
	if job == nil {
		return
	}
	if err := h.store.RetireJob(r.Context(), job.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetNotifications handles GET /api/v1/notifications
func (h *Handlers) GetNotifications(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.GetNotifications(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	items := make([]RuleItem, 0, len(rules))
	for _, rule := range rules {
		items = append(items, ruleItem(rule))
	}
	writeJSON(w, http.StatusOK, items)
}

// SetNotifications handles PUT /api/v1/notifications: a transactional full
// replace of the rule table.
func (h *Handlers) SetNotifications(w http.ResponseWriter, r *http.Request) {
	var items []RuleItem
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	rules := make([]store.NotifyRule, 0, len(items))
	for _, item := range items {
		if item.Transport == "" || item.Address == "" {
			writeError(w, http.StatusBadRequest, "every rule needs a transport and an address")
			return
		}
		if _, ok := status.ParseState(item.MinSeverity); !ok {
			writeError(w, http.StatusBadRequest, "unknown min_severity "+item.MinSeverity)
			return
		}
		rules = append(rules, ruleModel(item))
	}

	if err := h.store.SetNotifications(r.Context(), rules); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// feedLength is how many recent events the feed carries.
const feedLength = 50

// GetFeed handles GET /feed. The feed is a startup feature flag; when
// disabled the endpoint answers 404.
func (h *Handlers) GetFeed(w http.ResponseWriter, r *http.Request) {
	if !h.feed {
		http.NotFound(w, r)
		return
	}

	events, err := h.store.GetRecentEvents(r.Context(), feedLength)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	feed := &feeds.Feed{
		Title:       "crabd job events",
		Link:        &feeds.Link{Href: h.baseURL + "/feed"},
		Description: "Recent job lifecycle events",
		Created:     time.Now(),
	}

	for _, ev := range events {
		job, err := h.store.GetJob(r.Context(), ev.JobID)
		if err != nil || job == nil {
			continue
		}
		title := fmt.Sprintf("[%s] %s", ev.Kind, job.Identity())
		desc := job.Command
		if ev.StatusCode != nil {
			desc = fmt.Sprintf("%s (exit %d)", desc, *ev.StatusCode)
		}
		feed.Items = append(feed.Items, &feeds.Item{
			Id:          fmt.Sprintf("%s/job/%d/event/%d", h.baseURL, job.ID, ev.ID),
			Title:       title,
			Link:        &feeds.Link{Href: fmt.Sprintf("%s/job/%d", h.baseURL, job.ID)},
			Description: desc,
			Created:     ev.Timestamp,
		})
	}

	rss, err := feed.ToRss()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	_, _ = w.Write([]byte(rss))
}

// GetIndex serves the landing page. It renders even when the store is down,
// with a banner instead of the job table.
func (h *Handlers) GetIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	banner := ""
	if err := h.store.Health(r.Context()); err != nil {
		banner = `<p style="color:#b00"><strong>Store unavailable:</strong> job data cannot be shown right now.</p>`
	}

	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>crabd</title></head>
<body>
<h1>crabd</h1>
%s
<p>API available at <a href="/api/v1/jobs">/api/v1/jobs</a>, metrics at <a href="/metrics">/metrics</a></p>
</body>
</html>`, banner)
}
