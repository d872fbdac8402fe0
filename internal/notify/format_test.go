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

package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crabd/internal/status"
	"crabd/internal/store"
)

func sampleNotice() Notice {
	code := 2
	return Notice{
		Job: store.Job{ID: 7, Host: "web1", CrabID: "backup", Command: "/usr/local/bin/backup"},
		Old: status.OK, State: status.Fail,
		Event:     &store.Event{Kind: store.KindFinish, StatusCode: &code},
		Summary:   status.Summary{State: status.Fail, Reliability: 80},
		Timestamp: time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC),
		BaseURL:   "http://crab.example.com",
		Stderr:    "disk full",
	}
}

func TestDefaultTemplates(t *testing.T) {
	f, err := newFormatter("", "")
	require.NoError(t, err)

	subject, body, err := f.render(sampleNotice())
	require.NoError(t, err)

	assert.Equal(t, "[FAIL] web1/backup", subject)
	assert.Contains(t, body, "Job: web1/backup")
	assert.Contains(t, body, "Command: /usr/local/bin/backup")
	assert.Contains(t, body, "State: OK -> FAIL")
	assert.Contains(t, body, "Event: FINISH")
	assert.Contains(t, body, "Exit code: 2")
	assert.Contains(t, body, "Time: 2026-01-06T12:00:00Z")
	assert.Contains(t, body, "Reliability: 80%")
	assert.Contains(t, body, "http://crab.example.com/job/7")
	assert.Contains(t, body, "disk full")
	assert.NotContains(t, body, "Stdout:")
}

func TestSyntheticEventOmitsExitCode(t *testing.T) {
	f, err := newFormatter("", "")
	require.NoError(t, err)

	n := sampleNotice()
	n.State = status.Missed
	n.Event = &store.Event{Kind: store.KindMissed}
	n.Stderr = ""

	_, body, err := f.render(n)
	require.NoError(t, err)
	assert.Contains(t, body, "Event: MISSED")
	assert.NotContains(t, body, "Exit code:")
	assert.NotContains(t, body, "Stderr:")
}

func TestCustomTemplates(t *testing.T) {
	f, err := newFormatter("{{ upper .Job.Host }}", "{{ truncate .Stderr 4 }}")
	require.NoError(t, err)
	subject, body, err := f.render(sampleNotice())
	require.NoError(t, err)
	assert.Equal(t, "WEB1", subject)
	assert.Equal(t, "disk...", body)
}

func TestBadTemplateRejected(t *testing.T) {
	_, err := newFormatter("{{ .State", "")
	require.Error(t, err)
	_, err = newFormatter("", "{{ end }}")
	require.Error(t, err)
}

func TestTemplateFuncs(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{3 * time.Hour, "3h"},
		{49 * time.Hour, "2d"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, templateFuncs["humanizeDuration"].(func(time.Duration) string)(tc.d))
	}

	esc := templateFuncs["jsonEscape"].(func(string) string)
	assert.Equal(t, `"say \"hi\""`, esc(`say "hi"`))
}
