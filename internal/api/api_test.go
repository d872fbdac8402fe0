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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/suite"

	"crabd/internal/config"
	"crabd/internal/status"
	"crabd/internal/store"
)

// fakeMonitor serves a canned snapshot.
type fakeMonitor struct {
	snap map[int64]status.Summary
}

func (f *fakeMonitor) Snapshot() map[int64]status.Summary {
	return f.snap
}

type APITestSuite struct {
	suite.Suite
	st  *store.GormStore
	mon *fakeMonitor
	ts  *httptest.Server
	ctx context.Context
}

func (s *APITestSuite) SetupTest() {
	st, err := store.NewGormStore("sqlite", "file::memory:?cache=shared")
	s.Require().NoError(err)
	s.Require().NoError(st.Init())
	s.st = st
	s.mon = &fakeMonitor{snap: map[int64]status.Summary{}}
	s.ts = httptest.NewServer(s.newRouter(true))
	s.ctx = context.Background()
}

func (s *APITestSuite) newRouter(feed bool) http.Handler {
	h := NewHandlers(s.st, s.mon, config.NotifyConfig{Timeout: 5 * time.Minute}, "http://crab.example.com", feed, logr.Discard())
	srv := NewServer(ServerOptions{Handlers: h}, logr.Discard())
	return srv.setupRoutes()
}

func (s *APITestSuite) TearDownTest() {
	s.ts.Close()
	s.Require().NoError(s.st.Close())
}

func TestAPITestSuite(t *testing.T) {
	suite.Run(t, new(APITestSuite))
}

func (s *APITestSuite) do(method, path string, body any) (*http.Response, []byte) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, reader)
	s.Require().NoError(err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	data, err := io.ReadAll(res.Body)
	s.Require().NoError(err)
	s.Require().NoError(res.Body.Close())
	return res, data
}

func (s *APITestSuite) decode(data []byte, target any) {
	s.Require().NoError(json.Unmarshal(data, target))
}

func (s *APITestSuite) requireErrorShape(res *http.Response, data []byte, code int) ErrorResponse {
	s.Require().Equal(code, res.StatusCode)
	var er ErrorResponse
	s.decode(data, &er)
	s.Equal("error", er.Status)
	s.NotEmpty(er.Message)
	return er
}

func (s *APITestSuite) TestCleanRunLifecycle() {
	res, data := s.do(http.MethodPut, "/api/0/crab/web1/backup/start",
		map[string]any{"command": "/usr/local/bin/backup"})
	s.Require().Equal(http.StatusOK, res.StatusCode)

	var start StartResponse
	s.decode(data, &start)
	s.Equal("ok", start.Status)
	s.NotZero(start.JobID)
	s.NotZero(start.EventID)
	s.False(start.Inhibit)

	res, _ = s.do(http.MethodPut, "/api/0/crab/web1/backup/finish",
		map[string]any{"command": "/usr/local/bin/backup", "status": 0, "stdout": "synced 42 files"})
	s.Require().Equal(http.StatusOK, res.StatusCode)

	res, data = s.do(http.MethodGet, "/api/0/crab/web1/backup", nil)
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var detail JobDetail
	s.decode(data, &detail)
	s.Equal("OK", detail.State)
	s.Equal(start.JobID, detail.ID)
	s.Len(detail.Events, 2)
	s.Require().NotNil(detail.LastFinish)
	s.True(detail.LastFinish.HasOutput)

	res, data = s.do(http.MethodGet, "/api/v1/jobs", nil)
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var jobs []JobItem
	s.decode(data, &jobs)
	s.Require().Len(jobs, 1)
	s.Equal(100, jobs[0].Reliability)
}

func (s *APITestSuite) TestCommandKeyedJob() {
	res, data := s.do(http.MethodPut, "/api/0/crab/web1/start",
		map[string]any{"command": "/usr/local/bin/cleanup"})
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var start StartResponse
	s.decode(data, &start)

	// Same command resolves to the same registration.
	res, data = s.do(http.MethodPut, "/api/0/crab/web1/start",
		map[string]any{"command": "/usr/local/bin/cleanup"})
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var again StartResponse
	s.decode(data, &again)
	s.Equal(start.JobID, again.JobID)

	res, data = s.do(http.MethodGet, "/api/0/crab/web1", nil)
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var items []JobItem
	s.decode(data, &items)
	s.Require().Len(items, 1)
	s.Equal("RUNNING", items[0].State)
}

func (s *APITestSuite) TestSupersession() {
	res, data := s.do(http.MethodPut, "/api/0/crab/web1/backup/start",
		map[string]any{"command": "/usr/local/bin/backup --v1"})
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var first StartResponse
	s.decode(data, &first)

	// A changed command under the same crabid supersedes the registration.
	res, data = s.do(http.MethodPut, "/api/0/crab/web1/backup/start",
		map[string]any{"command": "/usr/local/bin/backup --v2"})
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var second StartResponse
	s.decode(data, &second)
	s.NotEqual(first.JobID, second.JobID)

	res, data = s.do(http.MethodGet, "/api/v1/jobs", nil)
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var live []JobItem
	s.decode(data, &live)
	s.Require().Len(live, 1)
	s.Equal("/usr/local/bin/backup --v2", live[0].Command)

	res, data = s.do(http.MethodGet, "/api/v1/jobs?include_retired=true", nil)
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var all []JobItem
	s.decode(data, &all)
	s.Len(all, 2)
}

func (s *APITestSuite) TestInhibitFlow() {
	res, data := s.do(http.MethodPut, "/api/0/crab/web1/backup",
		map[string]any{"command": "/usr/local/bin/backup"})
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var reg EventResponse
	s.decode(data, &reg)

	res, _ = s.do(http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/inhibit", reg.JobID), nil)
	s.Require().Equal(http.StatusOK, res.StatusCode)

	res, data = s.do(http.MethodPut, "/api/0/crab/web1/backup/start",
		map[string]any{"command": "/usr/local/bin/backup"})
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var start StartResponse
	s.decode(data, &start)
	s.True(start.Inhibit, "an inhibited job tells the wrapper to skip the run")

	res, _ = s.do(http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/uninhibit", reg.JobID), nil)
	s.Require().Equal(http.StatusOK, res.StatusCode)

	res, data = s.do(http.MethodPut, "/api/0/crab/web1/backup/start",
		map[string]any{"command": "/usr/local/bin/backup"})
	s.Require().Equal(http.StatusOK, res.StatusCode)
	s.decode(data, &start)
	s.False(start.Inhibit)
}

func (s *APITestSuite) TestFinishRequiresStatus() {
	res, data := s.do(http.MethodPut, "/api/0/crab/web1/backup/finish",
		map[string]any{"command": "/usr/local/bin/backup"})
	s.requireErrorShape(res, data, http.StatusBadRequest)
}

func (s *APITestSuite) TestRegisterRequiresCommand() {
	res, data := s.do(http.MethodPut, "/api/0/crab/web1/backup", map[string]any{})
	s.requireErrorShape(res, data, http.StatusBadRequest)
}

func (s *APITestSuite) TestWarnKinds() {
	res, data := s.do(http.MethodPut, "/api/0/crab/web1/backup/warn?kind=NONSENSE",
		map[string]any{"command": "/usr/local/bin/backup"})
	s.requireErrorShape(res, data, http.StatusBadRequest)

	res, _ = s.do(http.MethodPut, "/api/0/crab/web1/backup/warn?kind=ALREADYRUNNING",
		map[string]any{"command": "/usr/local/bin/backup"})
	s.Require().Equal(http.StatusOK, res.StatusCode)

	res, data = s.do(http.MethodGet, "/api/0/crab/web1/backup", nil)
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var detail JobDetail
	s.decode(data, &detail)
	s.Equal("WARN", detail.State)
	s.Require().Len(detail.Events, 1)
	s.Equal(store.KindAlreadyRun, detail.Events[0].Kind)
}

func (s *APITestSuite) TestUnknownJobIs404() {
	res, data := s.do(http.MethodGet, "/api/v1/jobs/424242", nil)
	s.requireErrorShape(res, data, http.StatusNotFound)

	res, data = s.do(http.MethodGet, "/api/0/crab/web1/ghost", nil)
	s.requireErrorShape(res, data, http.StatusNotFound)
}

func (s *APITestSuite) TestSetScheduleValidates() {
	res, data := s.do(http.MethodPut, "/api/0/crab/web1/backup",
		map[string]any{"command": "/usr/local/bin/backup"})
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var reg EventResponse
	s.decode(data, &reg)

	res, data = s.do(http.MethodPut, fmt.Sprintf("/api/v1/jobs/%d/schedule", reg.JobID),
		map[string]any{"schedule": "not a schedule"})
	s.requireErrorShape(res, data, http.StatusBadRequest)

	res, _ = s.do(http.MethodPut, fmt.Sprintf("/api/v1/jobs/%d/schedule", reg.JobID),
		map[string]any{"schedule": "*/5 * * * *", "timezone": "UTC", "graceperiod": 120})
	s.Require().Equal(http.StatusOK, res.StatusCode)

	res, data = s.do(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d", reg.JobID), nil)
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var detail JobDetail
	s.decode(data, &detail)
	s.Equal("*/5 * * * *", detail.Schedule)
	s.Require().NotNil(detail.GraceSecs)
	s.Equal(120, *detail.GraceSecs)
}

func (s *APITestSuite) TestRetireHidesJob() {
	res, data := s.do(http.MethodPut, "/api/0/crab/web1/backup",
		map[string]any{"command": "/usr/local/bin/backup"})
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var reg EventResponse
	s.decode(data, &reg)

	res, _ = s.do(http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/retire", reg.JobID), nil)
	s.Require().Equal(http.StatusOK, res.StatusCode)

	res, data = s.do(http.MethodGet, "/api/v1/jobs", nil)
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var jobs []JobItem
	s.decode(data, &jobs)
	s.Empty(jobs)

	// A wrapper reporting again gets a fresh registration.
	res, data = s.do(http.MethodPut, "/api/0/crab/web1/backup/start",
		map[string]any{"command": "/usr/local/bin/backup"})
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var start StartResponse
	s.decode(data, &start)
	s.NotEqual(reg.JobID, start.JobID)
}

func (s *APITestSuite) TestNotificationsRoundTrip() {
	rules := []map[string]any{{
		"transport":    "email",
		"address":      "ops@example.com",
		"min_severity": "MISSED",
	}}
	res, _ := s.do(http.MethodPut, "/api/v1/notifications", rules)
	s.Require().Equal(http.StatusOK, res.StatusCode)

	res, data := s.do(http.MethodGet, "/api/v1/notifications", nil)
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var items []RuleItem
	s.decode(data, &items)
	s.Require().Len(items, 1)
	s.Equal("MISSED", items[0].MinSeverity)
	s.Require().NotNil(items[0].SkipOK)
	s.True(*items[0].SkipOK, "skip_ok defaults to true when omitted")

	// An explicit false survives the round trip.
	rules[0]["skip_ok"] = false
	res, _ = s.do(http.MethodPut, "/api/v1/notifications", rules)
	s.Require().Equal(http.StatusOK, res.StatusCode)
	res, data = s.do(http.MethodGet, "/api/v1/notifications", nil)
	s.Require().Equal(http.StatusOK, res.StatusCode)
	s.decode(data, &items)
	s.Require().Len(items, 1)
	s.Require().NotNil(items[0].SkipOK)
	s.False(*items[0].SkipOK)
}

func (s *APITestSuite) TestNotificationsRejectBadRules() {
	res, data := s.do(http.MethodPut, "/api/v1/notifications",
		[]map[string]any{{"transport": "email", "address": "x", "min_severity": "SEVERE"}})
	s.requireErrorShape(res, data, http.StatusBadRequest)

	res, data = s.do(http.MethodPut, "/api/v1/notifications",
		[]map[string]any{{"min_severity": "FAIL"}})
	s.requireErrorShape(res, data, http.StatusBadRequest)
}

func (s *APITestSuite) TestEventOutput() {
	res, data := s.do(http.MethodPut, "/api/0/crab/web1/backup/finish",
		map[string]any{"command": "/usr/local/bin/backup", "status": 1, "stderr": "disk full"})
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var finish EventResponse
	s.decode(data, &finish)

	res, data = s.do(http.MethodGet, fmt.Sprintf("/api/v1/events/%d/output", finish.EventID), nil)
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var out OutputResponse
	s.decode(data, &out)
	s.Equal("", out.Stdout)
	s.Equal("disk full", out.Stderr)
}

func (s *APITestSuite) TestMonitorStatusSnapshot() {
	s.mon.snap = map[int64]status.Summary{7: {State: status.Missed}}

	res, data := s.do(http.MethodGet, "/api/v1/status", nil)
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var snap map[string]string
	s.decode(data, &snap)
	s.Equal(map[string]string{"7": "MISSED"}, snap)
}

func (s *APITestSuite) TestHealth() {
	res, data := s.do(http.MethodGet, "/api/v1/health", nil)
	s.Require().Equal(http.StatusOK, res.StatusCode)
	var health HealthResponse
	s.decode(data, &health)
	s.Equal("healthy", health.Status)
	s.Equal("connected", health.Storage)
}

func (s *APITestSuite) TestFeed() {
	res, _ := s.do(http.MethodPut, "/api/0/crab/web1/backup/finish",
		map[string]any{"command": "/usr/local/bin/backup", "status": 1})
	s.Require().Equal(http.StatusOK, res.StatusCode)

	res, data := s.do(http.MethodGet, "/feed", nil)
	s.Require().Equal(http.StatusOK, res.StatusCode)
	s.Contains(res.Header.Get("Content-Type"), "application/rss+xml")
	body := string(data)
	s.Contains(body, "<rss")
	s.Contains(body, "[FINISH] web1/backup")
	s.Contains(body, "exit 1")
}

func (s *APITestSuite) TestFeedDisabled() {
	ts := httptest.NewServer(s.newRouter(false))
	defer ts.Close()

	res, err := http.Get(ts.URL + "/feed")
	s.Require().NoError(err)
	defer func() { _ = res.Body.Close() }()
	s.Equal(http.StatusNotFound, res.StatusCode)
}

func (s *APITestSuite) TestStaticAssets() {
	home := s.T().TempDir()
	s.Require().NoError(os.WriteFile(filepath.Join(home, "crab.css"), []byte("body { color: red }"), 0o644))

	h := NewHandlers(s.st, s.mon, config.NotifyConfig{Timeout: 5 * time.Minute}, "http://crab.example.com", false, logr.Discard())
	srv := NewServer(ServerOptions{Handlers: h, Home: home}, logr.Discard())
	ts := httptest.NewServer(srv.setupRoutes())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/static/crab.css")
	s.Require().NoError(err)
	body, err := io.ReadAll(res.Body)
	s.Require().NoError(err)
	s.Require().NoError(res.Body.Close())
	s.Require().Equal(http.StatusOK, res.StatusCode)
	s.Equal("body { color: red }", string(body))

	res, err = http.Get(ts.URL + "/static/missing.css")
	s.Require().NoError(err)
	s.Require().NoError(res.Body.Close())
	s.Equal(http.StatusNotFound, res.StatusCode)

	// The suite server has no home directory, so the route is absent.
	res, _ = s.do(http.MethodGet, "/static/crab.css", nil)
	s.Equal(http.StatusNotFound, res.StatusCode)
}

func (s *APITestSuite) TestIndexAndMetrics() {
	// Label vectors only show up once incremented.
	res, _ := s.do(http.MethodPut, "/api/0/crab/web1/backup/start",
		map[string]any{"command": "/usr/local/bin/backup"})
	s.Require().Equal(http.StatusOK, res.StatusCode)

	res, data := s.do(http.MethodGet, "/", nil)
	s.Require().Equal(http.StatusOK, res.StatusCode)
	s.Contains(res.Header.Get("Content-Type"), "text/html")
	s.Contains(string(data), "crabd")
	s.False(strings.Contains(string(data), "Store unavailable"))

	res, data = s.do(http.MethodGet, "/metrics", nil)
	s.Require().Equal(http.StatusOK, res.StatusCode)
	s.Contains(string(data), "crabd_events_total")
}
