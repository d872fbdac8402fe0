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
	"fmt"

	"crabd/internal/config"
)

// BuildTransports constructs every configured transport by name.
func BuildTransports(cfgs map[string]config.TransportConfig) (map[string]Transport, error) {
	transports := make(map[string]Transport, len(cfgs))
	for name, tc := range cfgs {
		t, err := newTransport(name, tc)
		if err != nil {
			return nil, err
		}
		transports[name] = t
	}
	return transports, nil
}

func newTransport(name string, cfg config.TransportConfig) (Transport, error) {
	switch cfg.Type {
	case "email":
		return NewEmailTransport(name, cfg)
	case "command":
		return NewCommandTransport(name, cfg)
	case "webhook":
		return NewWebhookTransport(name, cfg)
	case "slack":
		return NewSlackTransport(name, cfg)
	default:
		return nil, fmt.Errorf("unknown transport type: %s", cfg.Type)
	}
}
