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
	"context"
	"fmt"
	"net/http"
	"text/template"
	"time"

	"crabd/internal/config"
)

var defaultWebhookTemplate = `{
  "job": {
    "id": {{ .Job.ID }},
    "host": {{ jsonEscape .Job.Host }},
    "crabid": {{ jsonEscape .Job.CrabID }},
    "command": {{ jsonEscape .Job.Command }}
  },
  "old_state": "{{ .Old }}",
  "state": "{{ .State }}",
  "kind": "{{ .Kind }}",
  "exit_code": {{ .ExitCode }},
  "reliability": {{ .Summary.Reliability }},
  "timestamp": "{{ formatTime .Timestamp "RFC3339" }}"
}`

type webhookTransport struct {
	name     string
	headers  map[string]string
	template *template.Template
	client   *http.Client
}

// NewWebhookTransport creates a webhook transport from its configuration. The
// rule's address is the target URL.
func NewWebhookTransport(name string, cfg config.TransportConfig) (Transport, error) {
	tmplStr := defaultWebhookTemplate
	if cfg.BodyTemplate != "" {
		tmplStr = cfg.BodyTemplate
	}
	tmpl, err := template.New("webhook").Funcs(templateFuncs).Parse(tmplStr)
	if err != nil {
		return nil, fmt.Errorf("transport %s: invalid template: %w", name, err)
	}

	return &webhookTransport{
		name:     name,
		headers:  cfg.Headers,
		template: tmpl,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Name returns the transport name
func (w *webhookTransport) Name() string {
	return w.name
}

// Type returns the transport type
func (w *webhookTransport) Type() string {
	return "webhook"
}

// Send delivers a notice to each address URL
func (w *webhookTransport) Send(ctx context.Context, n Notice) error {
	var buf bytes.Buffer
	if err := w.template.Execute(&buf, n); err != nil {
		return fmt.Errorf("failed to render payload: %w", err)
	}
	payload := buf.Bytes()

	for _, url := range n.Addresses {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range w.headers {
			req.Header.Set(k, v)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send webhook: %w", err)
		}
		_ = resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
	}
	return nil
}
