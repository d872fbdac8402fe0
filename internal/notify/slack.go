package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"text/template"
	"time"

	"crabd/internal/config"
	"crabd/internal/status"
)

var defaultSlackTemplate = `:{{ if ge (severity .State) (severity "MISSED") }}red_circle{{ else if ge (severity .State) (severity "WARN") }}warning{{ else }}large_blue_circle{{ end }}: *{{ .Identity }}* is now *{{ .State }}*

*Command:* ` + "`{{ .Job.Command }}`" + `
*Transition:* {{ .Old }} -> {{ .State }}
{{ if .Kind }}*Event:* {{ .Kind }}{{ end }}
{{ if ge .ExitCode 0 }}*Exit Code:* {{ .ExitCode }}{{ end }}
*Reliability:* {{ .Summary.Reliability }}%
{{ if .Stderr }}
*Stderr:*
` + "```" + `{{ truncate .Stderr 1500 }}` + "```" + `
{{ end }}
`

type slackTransport struct {
	name     string
	template *template.Template
	client   *http.Client
}

// NewSlackTransport creates a Slack incoming-webhook transport. The rule's
// address is the webhook URL.
func NewSlackTransport(name string, cfg config.TransportConfig) (Transport, error) {
	funcs := template.FuncMap{}
	for k, v := range templateFuncs {
		funcs[k] = v
	}
	funcs["severity"] = func(s any) int {
		return status.Severity(status.State(fmt.Sprint(s)))
	}

	tmplStr := defaultSlackTemplate
	if cfg.BodyTemplate != "" {
		tmplStr = cfg.BodyTemplate
	}
	tmpl, err := template.New("slack").Funcs(funcs).Parse(tmplStr)
	if err != nil {
		return nil, fmt.Errorf("transport %s: invalid template: %w", name, err)
	}

	return &slackTransport{
		name:     name,
		template: tmpl,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Name returns the transport name
func (s *slackTransport) Name() string {
	return s.name
}

// Type returns the transport type
func (s *slackTransport) Type() string {
	return "slack"
}

// Send delivers a notice to each Slack webhook URL
func (s *slackTransport) Send(ctx context.Context, n Notice) error {
	var buf bytes.Buffer
	if err := s.template.Execute(&buf, n); err != nil {
		return fmt.Errorf("failed to render message: %w", err)
	}

	payload, err := json.Marshal(map[string]string{"text": buf.String()})
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	for _, url := range n.Addresses {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send slack message: %w", err)
		}
		_ = resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("slack returned status %d", resp.StatusCode)
		}
	}
	return nil
}
