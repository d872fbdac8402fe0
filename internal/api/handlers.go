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
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"crabd/internal/config"
	"crabd/internal/status"
	"crabd/internal/store"
)

// Version is the daemon version (set at build time)
var Version = "dev"

// StatusProvider exposes the monitor's cached state map without sharing it.
type StatusProvider interface {
	Snapshot() map[int64]status.Summary
}

// Handlers contains all API handlers
type Handlers struct {
	store     store.Store
	monitor   StatusProvider
	notifyCfg config.NotifyConfig
	baseURL   string
	feed      bool
	startTime time.Time
	log       logr.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(s store.Store, m StatusProvider, notifyCfg config.NotifyConfig, baseURL string, feed bool, log logr.Logger) *Handlers {
	return &Handlers{
		store:     s,
		monitor:   m,
		notifyCfg: notifyCfg,
		baseURL:   baseURL,
		feed:      feed,
		startTime: time.Now(),
		log:       log,
	}
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Status: "error", Message: message})
}

// GetHealth handles GET /api/v1/health
func (h *Handlers) GetHealth(w http.ResponseWriter, r *http.Request) {
	storage := "connected"
	if err := h.store.Health(r.Context()); err != nil {
		storage = "error: " + err.Error()
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Storage: storage,
		Version: Version,
		Uptime:  time.Since(h.startTime).Round(time.Second).String(),
	})
}

// timeoutFor returns the effective runtime timeout for a job.
func (h *Handlers) timeoutFor(job *store.Job) time.Duration {
	if job.TimeoutSecs != nil {
		return time.Duration(*job.TimeoutSecs) * time.Second
	}
	return h.notifyCfg.Timeout
}

// derive loads a job's events and reduces them to a summary.
func (h *Handlers) derive(r *http.Request, job *store.Job) (status.Summary, []store.Event, error) {
	events, err := h.store.GetEvents(r.Context(), job.ID, 0, 0)
	if err != nil {
		return status.Summary{}, nil, err
	}
	return status.Derive(events, h.timeoutFor(job), time.Now().UTC()), events, nil
}

func (h *Handlers) jobItem(job *store.Job, sum status.Summary) JobItem {
	return JobItem{
		ID:            job.ID,
		Host:          job.Host,
		CrabID:        job.CrabID,
		Command:       job.Command,
		Schedule:      job.Schedule,
		Timezone:      job.Timezone,
		GraceSecs:     job.GraceSecs,
		TimeoutSecs:   job.TimeoutSecs,
		Inhibited:     job.Inhibited,
		Misconfigured: job.Misconfigured,
		FirstSeen:     job.FirstSeen,
		LastSeen:      job.LastSeen,
		RetiredAt:     job.RetiredAt,
		State:         string(sum.State),
		Reliability:   sum.Reliability,
	}
}
