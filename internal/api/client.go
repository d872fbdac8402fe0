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
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"crabd/internal/metrics"
	"crabd/internal/store"
)

// maxBodySize caps wrapper request bodies; captured output beyond this is
// rejected rather than truncated silently.
const maxBodySize = 8 << 20

// readBody decodes the wrapper JSON body, tolerating an empty body for
// requests that carry no payload.
func readBody(r *http.Request) (*EventBody, error) {
	body := &EventBody{}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(body); err != nil {
		if errors.Is(err, io.EOF) {
			return body, nil
		}
		return nil, err
	}
	return body, nil
}

// resolveJob finds or creates the registration addressed by the request. A
// START or register with no prior registration implicitly registers; a caller
// supplying a crabid with a changed command is auto-superseded by EnsureJob.
func (h *Handlers) resolveJob(w http.ResponseWriter, r *http.Request, body *EventBody, create bool) *store.Job {
	host := chi.URLParam(r, "host")
	crabid := chi.URLParam(r, "crabid")
	if host == "" {
		writeError(w, http.StatusBadRequest, "host is required")
		return nil
	}
	if crabid == "" && body.Command == "" {
		writeError(w, http.StatusBadRequest, "either a crabid or a command is required")
		return nil
	}

	var (
		job *store.Job
		err error
	)
	if create {
		job, err = h.store.EnsureJob(r.Context(), host, crabid, body.Command)
	} else {
		job, err = h.store.FindJob(r.Context(), host, crabid, body.Command)
	}
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

// Register handles PUT /api/0/crab/{host}[/{crabid}]
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	job := h.resolveJob(w, r, body, true)
	if job == nil {
		return
	}
	writeJSON(w, http.StatusOK, EventResponse{Status: "ok", JobID: job.ID})
}

// Start handles PUT /api/0/crab/{host}[/{crabid}]/start
func (h *Handlers) Start(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	job := h.resolveJob(w, r, body, true)
	if job == nil {
		return
	}

	ev, err := h.store.LogStart(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.RecordEvent(store.KindStart)

	writeJSON(w, http.StatusOK, StartResponse{
		Status:  "ok",
		JobID:   job.ID,
		EventID: ev.ID,
		Inhibit: job.Inhibited,
	})
}

// Finish handles PUT /api/0/crab/{host}[/{crabid}]/finish
func (h *Handlers) Finish(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Status == nil {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}

	job := h.resolveJob(w, r, body, true)
	if job == nil {
		return
	}

	ev, err := h.store.LogFinish(r.Context(), job.ID, *body.Status, body.Stdout, body.Stderr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.RecordEvent(store.KindFinish)

	writeJSON(w, http.StatusOK, EventResponse{Status: "ok", JobID: job.ID, EventID: ev.ID})
}

// ReportWarning handles PUT /api/0/crab/{host}[/{crabid}]/warn. The wrapper
// reports INHIBITED, ALREADYRUNNING and COULDNOTSTART through it.
func (h *Handlers) ReportWarning(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	kind := r.URL.Query().Get("kind")
	switch kind {
	case store.KindWarn, store.KindInhibited, store.KindAlreadyRun, store.KindCouldNotStart:
	case "":
		kind = store.KindWarn
	default:
		writeError(w, http.StatusBadRequest, "unknown warning kind "+kind)
		return
	}

	job := h.resolveJob(w, r, body, true)
	if job == nil {
		return
	}

	ev, err := h.store.LogWarning(r.Context(), job.ID, kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.RecordEvent(kind)

	writeJSON(w, http.StatusOK, EventResponse{Status: "ok", JobID: job.ID, EventID: ev.ID})
}

// GetCrabStatus handles GET /api/0/crab/{host}[/{crabid}]: the current state
// plus recent events for the addressed job, or every job on the host when no
// crabid is given.
func (h *Handlers) GetCrabStatus(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	crabid := chi.URLParam(r, "crabid")

	if crabid != "" {
		job, err := h.store.FindJob(r.Context(), host, crabid, "")
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if job == nil {
			writeError(w, http.StatusNotFound, "no such job")
			return
		}
		h.writeJobDetail(w, r, job)
		return
	}

	jobs, err := h.store.GetJobs(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	items := make([]JobItem, 0)
	for i := range jobs {
		if jobs[i].Host != host {
			continue
		}
		sum, _, err := h.derive(r, &jobs[i])
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		items = append(items, h.jobItem(&jobs[i], sum))
	}
	writeJSON(w, http.StatusOK, items)
}

// recentTimeline is how many events a job detail response carries.
const recentTimeline = 50

func (h *Handlers) writeJobDetail(w http.ResponseWriter, r *http.Request, job *store.Job) {
	sum, events, err := h.derive(r, job)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	detail := JobDetail{JobItem: h.jobItem(job, sum)}
	if sum.LastStart != nil {
		item := eventItem(*sum.LastStart)
		detail.LastStart = &item
	}
	if sum.LastFinish != nil {
		item := eventItem(*sum.LastFinish)
		detail.LastFinish = &item
	}

	if len(events) > recentTimeline {
		events = events[len(events)-recentTimeline:]
	}
	detail.Events = make([]EventItem, 0, len(events))
	for _, ev := range events {
		detail.Events = append(detail.Events, eventItem(ev))
	}

	writeJSON(w, http.StatusOK, detail)
}
