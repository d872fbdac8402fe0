package store

import (
	"strings"
	"time"
)

// Event kinds. Raw kinds (START, FINISH) arrive from the wrapper protocol;
// the remaining kinds are written by the daemon itself.
const (
	KindStart         = "START"
	KindFinish        = "FINISH"
	KindWarn          = "WARN"
	KindAlreadyRun    = "ALREADYRUNNING"
	KindInhibited     = "INHIBITED"
	KindMissed        = "MISSED"
	KindLate          = "LATE"
	KindTimeout       = "TIMEOUT"
	KindCouldNotStart = "COULDNOTSTART"
)

// Job is a registration of an externally scheduled command (GORM model).
// Identity is (host, crabid) when a crabid was supplied, otherwise
// (host, command). At most one non-retired row exists per identity;
// supersession retires the old row and inserts a new one.
type Job struct {
	ID      int64  `gorm:"primaryKey;autoIncrement"`
	Host    string `gorm:"column:host;size:253;not null;index:idx_job_host,priority:1"`
	CrabID  string `gorm:"column:crabid;size:253;index:idx_job_host,priority:2"`
	Command string `gorm:"column:command;type:text;not null"`

	// Schedule and the grace/timeout overrides are set out-of-band via the
	// admin API, never by the wrapper protocol.
	Schedule    string `gorm:"column:schedule;size:100"`
	Timezone    string `gorm:"column:timezone;size:64"`
	GraceSecs   *int   `gorm:"column:graceperiod"`
	TimeoutSecs *int   `gorm:"column:timeout"`

	Inhibited     bool `gorm:"column:inhibited;default:false"`
	Misconfigured bool `gorm:"column:misconfigured;default:false"`

	FirstSeen time.Time  `gorm:"column:first_seen;autoCreateTime"`
	LastSeen  time.Time  `gorm:"column:last_seen"`
	RetiredAt *time.Time `gorm:"column:retired_at;index"`
}

// TableName specifies the table name for Job
func (*Job) TableName() string {
	return "job"
}

// Retired reports whether the registration has been soft-retired.
func (j *Job) Retired() bool {
	return j.RetiredAt != nil
}

// Identity returns the job's business key for logs and alert dedup keys.
func (j *Job) Identity() string {
	if j.CrabID != "" {
		return j.Host + "/" + j.CrabID
	}
	return j.Host + "/" + j.Command
}

// Event is one append-only job lifecycle record (GORM model). Events are
// immutable and strictly ordered by (job_id, id).
type Event struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	JobID      int64     `gorm:"column:job_id;not null;index:idx_event_job,priority:1"`
	Kind       string    `gorm:"column:kind;size:20;not null"`
	Timestamp  time.Time `gorm:"column:datetime;not null;index:idx_event_time"`
	StatusCode *int      `gorm:"column:status"`

	// Output is stored inline unless an output store is configured, in which
	// case HasOutput marks that the blobs live in the rawoutput table there.
	Stdout    *string `gorm:"column:stdout;type:text"`
	Stderr    *string `gorm:"column:stderr;type:text"`
	HasOutput bool    `gorm:"column:has_output;default:false"`

	// RefKey makes daemon-synthesized events (MISSED, LATE, TIMEOUT)
	// idempotent: a nullable unique key means a monitor restart cannot
	// double-emit. NULL for wrapper-reported events.
	RefKey *string `gorm:"column:ref_key;size:100;uniqueIndex"`
}

// TableName specifies the table name for Event
func (*Event) TableName() string {
	return "jobevent"
}

// NotifyRule matches status deltas to a transport and address (GORM model).
type NotifyRule struct {
	ID int64 `gorm:"primaryKey;autoIncrement"`

	// Host and CrabID filter matching jobs; empty matches everything.
	Host   string `gorm:"column:host;size:253"`
	CrabID string `gorm:"column:crabid;size:253"`

	// MinSeverity is the least severe derived state that fires the rule.
	MinSeverity string `gorm:"column:min_severity;size:20;not null"`

	// Transport names a configured transport; Address may be a
	// comma-separated list.
	Transport string `gorm:"column:method;size:50;not null"`
	Address   string `gorm:"column:address;type:text;not null"`

	// SkipOK suppresses recovery alerts. No column default: gorm would skip
	// an explicit false on insert, so the API layer owns the default.
	SkipOK        bool `gorm:"column:skip_ok"`
	IncludeOutput bool `gorm:"column:include_output;default:false"`

	// CooldownSecs overrides the daemon-wide dedup window when set.
	CooldownSecs *int `gorm:"column:cooldown"`
}

// TableName specifies the table name for NotifyRule
func (*NotifyRule) TableName() string {
	return "jobnotify"
}

// Addresses returns the rule's address list.
func (r *NotifyRule) Addresses() []string {
	parts := strings.Split(r.Address, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Alert records one dispatch attempt series for (rule, job, event) (GORM model).
// Every alert references an extant event.
type Alert struct {
	ID      int64 `gorm:"primaryKey;autoIncrement"`
	RuleID  int64 `gorm:"column:rule_id;not null;index:idx_alert_rule_job,priority:1"`
	JobID   int64 `gorm:"column:job_id;not null;index:idx_alert_rule_job,priority:2"`
	EventID int64 `gorm:"column:event_id;not null;index"`

	// State is the derived job state the alert reported.
	State string `gorm:"column:state;size:20;not null"`

	DispatchedAt time.Time `gorm:"column:dispatched_at;not null;index:idx_alert_rule_job,priority:3,sort:desc"`
	Attempts     int       `gorm:"column:attempts;default:0"`
	Succeeded    bool      `gorm:"column:succeeded;default:false"`
	Result       string    `gorm:"column:result;type:text"`
}

// TableName specifies the table name for Alert
func (*Alert) TableName() string {
	return "jobalert"
}

// RawOutput holds stdout/stderr blobs when a separate output store is
// configured (GORM model, output store schema).
type RawOutput struct {
	ID      int64   `gorm:"primaryKey;autoIncrement"`
	EventID int64   `gorm:"column:event_id;not null;uniqueIndex"`
	Stdout  *string `gorm:"column:stdout;type:text"`
	Stderr  *string `gorm:"column:stderr;type:text"`
}

// TableName specifies the table name for RawOutput
func (*RawOutput) TableName() string {
	return "rawoutput"
}
