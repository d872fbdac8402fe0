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
	"net/smtp"
	"strings"

	"crabd/internal/config"
)

type emailTransport struct {
	name      string
	host      string
	port      int
	from      string
	username  string
	password  string
	formatter *formatter
}

// NewEmailTransport creates an SMTP transport from its configuration.
func NewEmailTransport(name string, cfg config.TransportConfig) (Transport, error) {
	if cfg.SMTPHost == "" {
		return nil, fmt.Errorf("transport %s: smtp-host is required", name)
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("transport %s: from is required", name)
	}

	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}

	f, err := newFormatter(cfg.SubjectTemplate, cfg.BodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("transport %s: %w", name, err)
	}

	return &emailTransport{
		name:      name,
		host:      cfg.SMTPHost,
		port:      port,
		from:      cfg.From,
		username:  cfg.Username,
		password:  cfg.Password,
		formatter: f,
	}, nil
}

// Name returns the transport name
func (e *emailTransport) Name() string {
	return e.name
}

// Type returns the transport type
func (e *emailTransport) Type() string {
	return "email"
}

// Send delivers a notice via email
func (e *emailTransport) Send(ctx context.Context, n Notice) error {
	if len(n.Addresses) == 0 {
		return fmt.Errorf("no recipients for notice %s", n.Identity())
	}

	subject, body, err := e.formatter.render(n)
	if err != nil {
		return err
	}

	msg := fmt.Sprintf("From: %s\r\n", e.from)
	msg += fmt.Sprintf("To: %s\r\n", strings.Join(n.Addresses, ", "))
	msg += fmt.Sprintf("Subject: %s\r\n", subject)
	msg += "MIME-Version: 1.0\r\n"
	msg += "Content-Type: text/plain; charset=utf-8\r\n"
	msg += "\r\n"
	msg += body

	var auth smtp.Auth
	if e.username != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.host)
	}
	addr := fmt.Sprintf("%s:%d", e.host, e.port)

	return smtp.SendMail(addr, auth, e.from, n.Addresses, []byte(msg))
}
