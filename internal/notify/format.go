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
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// Template functions for notice formatting
var templateFuncs = template.FuncMap{
	"formatTime": func(t time.Time, layout string) string {
		if layout == "RFC3339" {
			return t.Format(time.RFC3339)
		}
		return t.Format(layout)
	},
	"humanizeDuration": func(d time.Duration) string {
		if d < time.Minute {
			return fmt.Sprintf("%ds", int(d.Seconds()))
		}
		if d < time.Hour {
			return fmt.Sprintf("%dm", int(d.Minutes()))
		}
		if d < 24*time.Hour {
			return fmt.Sprintf("%dh", int(d.Hours()))
		}
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	},
	"truncate": func(s string, n int) string {
		if len(s) <= n {
			return s
		}
		return s[:n] + "..."
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"jsonEscape": func(s string) string {
		b, err := json.Marshal(s)
		if err != nil {
			return `""`
		}
		return string(b)
	},
}

var defaultSubjectTemplate = `[{{ .State }}] {{ .Identity }}`

var defaultBodyTemplate = `crabd alert

Job: {{ .Identity }}
Command: {{ .Job.Command }}
State: {{ .Old }} -> {{ .State }}
{{- if .Kind }}
Event: {{ .Kind }}
{{- end }}
{{- if ge .ExitCode 0 }}
Exit code: {{ .ExitCode }}
{{- end }}
Time: {{ formatTime .Timestamp "RFC3339" }}
Reliability: {{ .Summary.Reliability }}%
{{ if .BaseURL }}
{{ .BaseURL }}/job/{{ .Job.ID }}
{{ end }}
{{- if .Stdout }}
Stdout:
{{ truncate .Stdout 4000 }}
{{ end }}
{{- if .Stderr }}
Stderr:
{{ truncate .Stderr 4000 }}
{{ end -}}
`

// formatter renders a notice's subject and body from its templates.
type formatter struct {
	subject *template.Template
	body    *template.Template
}

// newFormatter compiles the configured templates, falling back to the
// defaults when either is empty.
func newFormatter(subjectTmpl, bodyTmpl string) (*formatter, error) {
	if subjectTmpl == "" {
		subjectTmpl = defaultSubjectTemplate
	}
	if bodyTmpl == "" {
		bodyTmpl = defaultBodyTemplate
	}

	subject, err := template.New("subject").Funcs(templateFuncs).Parse(subjectTmpl)
	if err != nil {
		return nil, fmt.Errorf("invalid subject template: %w", err)
	}
	body, err := template.New("body").Funcs(templateFuncs).Parse(bodyTmpl)
	if err != nil {
		return nil, fmt.Errorf("invalid body template: %w", err)
	}
	return &formatter{subject: subject, body: body}, nil
}

// render executes both templates against the notice.
func (f *formatter) render(n Notice) (subject, body string, err error) {
	var subjectBuf, bodyBuf bytes.Buffer
	if err := f.subject.Execute(&subjectBuf, n); err != nil {
		return "", "", fmt.Errorf("failed to render subject: %w", err)
	}
	if err := f.body.Execute(&bodyBuf, n); err != nil {
		return "", "", fmt.Errorf("failed to render body: %w", err)
	}
	return subjectBuf.String(), bodyBuf.String(), nil
}
