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
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"crabd/internal/config"
)

// commandTransport pipes the rendered notice into a local command. The rule's
// address is the command line, run under the configured shell with the notice
// details exported in the environment.
type commandTransport struct {
	name      string
	shell     string
	formatter *formatter
}

// NewCommandTransport creates a local-command transport from its configuration.
func NewCommandTransport(name string, cfg config.TransportConfig) (Transport, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	f, err := newFormatter(cfg.SubjectTemplate, cfg.BodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("transport %s: %w", name, err)
	}

	return &commandTransport{name: name, shell: shell, formatter: f}, nil
}

// Name returns the transport name
func (c *commandTransport) Name() string {
	return c.name
}

// Type returns the transport type
func (c *commandTransport) Type() string {
	return "command"
}

// Send runs each address as a command with the notice body on stdin
func (c *commandTransport) Send(ctx context.Context, n Notice) error {
	subject, body, err := c.formatter.render(n)
	if err != nil {
		return err
	}

	env := []string{
		"CRAB_HOST=" + n.Job.Host,
		"CRAB_ID=" + n.Job.CrabID,
		"CRAB_COMMAND=" + n.Job.Command,
		"CRAB_STATE=" + string(n.State),
		"CRAB_OLD_STATE=" + string(n.Old),
		"CRAB_SUBJECT=" + subject,
		"CRAB_EXIT_CODE=" + strconv.Itoa(n.ExitCode()),
	}

	for _, addr := range n.Addresses {
		cmd := exec.CommandContext(ctx, c.shell, "-c", addr)
		cmd.Stdin = strings.NewReader(body)
		cmd.Env = append(cmd.Environ(), env...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("command %q failed: %w: %s", addr, err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}
