package notify

import (
	"context"
	"time"

	"crabd/internal/status"
	"crabd/internal/store"
)

// Notice is one rendered-and-routed notification about a job state change.
type Notice struct {
	Job     store.Job
	Rule    store.NotifyRule
	Old     status.State
	State   status.State
	Event   *store.Event
	Summary status.Summary

	// Stdout and Stderr are populated only when the rule asks for output.
	Stdout string
	Stderr string

	Timestamp time.Time
	BaseURL   string

	// Addresses resolved from the rule for this dispatch.
	Addresses []string
}

// Identity returns the job's business key for templates and logs.
func (n Notice) Identity() string {
	return n.Job.Identity()
}

// Kind returns the triggering event kind, if any.
func (n Notice) Kind() string {
	if n.Event == nil {
		return ""
	}
	return n.Event.Kind
}

// ExitCode returns the triggering event's exit code, or -1 when absent.
func (n Notice) ExitCode() int {
	if n.Event == nil || n.Event.StatusCode == nil {
		return -1
	}
	return *n.Event.StatusCode
}

// Transport delivers notices to an external sink.
type Transport interface {
	// Name returns the configured transport name
	Name() string

	// Type returns the transport type (email, command, webhook, slack)
	Type() string

	// Send delivers a notice to the notice's addresses
	Send(ctx context.Context, n Notice) error
}
