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

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite" // Pure Go SQLite driver (no CGO required)
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// timeNow is a hook for tests.
var timeNow = time.Now

// GormStore implements Store using GORM. An optional second GormStore may be
// attached as the output store; large stdout/stderr blobs are then routed
// there and the main schema only keeps a flag.
type GormStore struct {
	db          *gorm.DB
	dialect     string
	outputStore *GormStore
}

// NewGormStore creates a new GORM-based store.
func NewGormStore(dialect string, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch dialect {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &GormStore{db: db, dialect: dialect}, nil
}

// SetOutputStore attaches a separate backend for stdout/stderr blobs.
func (s *GormStore) SetOutputStore(out *GormStore) {
	s.outputStore = out
}

// Init creates tables via auto-migration.
func (s *GormStore) Init() error {
	if err := s.db.AutoMigrate(&Job{}, &Event{}, &NotifyRule{}, &Alert{}); err != nil {
		return storeErr(err)
	}
	if s.outputStore != nil {
		if err := s.outputStore.db.AutoMigrate(&RawOutput{}); err != nil {
			return storeErr(err)
		}
	} else {
		if err := s.db.AutoMigrate(&RawOutput{}); err != nil {
			return storeErr(err)
		}
	}
	return nil
}

// Close closes the store and releases resources.
func (s *GormStore) Close() error {
	if s.outputStore != nil {
		_ = s.outputStore.Close()
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health checks if the store is healthy.
func (s *GormStore) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// EnsureJob finds or creates the registration for (host, crabid, command).
//
// With a crabid the lookup goes by (host, crabid): a differing command
// supersedes the old registration (soft-retire, insert new); a job previously
// registered by bare command adopts the crabid. Without a crabid the command
// text is the key. Idempotent for identical input.
func (s *GormStore) EnsureJob(ctx context.Context, host, crabid, command string) (*Job, error) {
	var out *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := timeNow().UTC()

		if crabid != "" {
			var existing Job
			err := tx.Where("host = ? AND crabid = ?", host, crabid).
				Order("id DESC").First(&existing).Error
			switch {
			case err == nil:
				if !existing.Retired() && existing.Command == command {
					existing.LastSeen = now
					if err := tx.Model(&existing).Update("last_seen", now).Error; err != nil {
						return err
					}
					out = &existing
					return nil
				}
				if !existing.Retired() {
					// Supersession: same identity, new command.
					if err := tx.Model(&existing).Update("retired_at", &now).Error; err != nil {
						return err
					}
				}
				fresh := Job{Host: host, CrabID: crabid, Command: command, LastSeen: now}
				if err := tx.Create(&fresh).Error; err != nil {
					return err
				}
				out = &fresh
				return nil
			case errors.Is(err, gorm.ErrRecordNotFound):
				// A job registered without a crabid may now be claiming one.
				var byCommand Job
				err := tx.Where("host = ? AND crabid = ? AND command = ? AND retired_at IS NULL",
					host, "", command).Order("id DESC").First(&byCommand).Error
				if err == nil {
					byCommand.CrabID = crabid
					byCommand.LastSeen = now
					if err := tx.Model(&byCommand).Updates(map[string]any{
						"crabid": crabid, "last_seen": now,
					}).Error; err != nil {
						return err
					}
					out = &byCommand
					return nil
				}
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}
				fresh := Job{Host: host, CrabID: crabid, Command: command, LastSeen: now}
				if err := tx.Create(&fresh).Error; err != nil {
					return err
				}
				out = &fresh
				return nil
			default:
				return err
			}
		}

		// No crabid: the command text is the key. Un-retire a match rather
		// than creating duplicates.
		var existing Job
		err := tx.Where("host = ? AND crabid = ? AND command = ?", host, "", command).
			Order("id DESC").First(&existing).Error
		switch {
		case err == nil:
			updates := map[string]any{"last_seen": now}
			if existing.Retired() {
				updates["retired_at"] = nil
				existing.RetiredAt = nil
			}
			if err := tx.Model(&existing).Updates(updates).Error; err != nil {
				return err
			}
			existing.LastSeen = now
			out = &existing
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			fresh := Job{Host: host, CrabID: crabid, Command: command, LastSeen: now}
			if err := tx.Create(&fresh).Error; err != nil {
				return err
			}
			out = &fresh
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

// FindJob locates a non-retired registration without creating one.
func (s *GormStore) FindJob(ctx context.Context, host, crabid, command string) (*Job, error) {
	var job Job
	q := s.db.WithContext(ctx).Where("host = ? AND retired_at IS NULL", host)
	if crabid != "" {
		q = q.Where("crabid = ?", crabid)
	} else {
		q = q.Where("crabid = ? AND command = ?", "", command)
	}
	err := q.Order("id DESC").First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return &job, nil
}

// GetJob fetches a registration by id.
func (s *GormStore) GetJob(ctx context.Context, id int64) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).First(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return &job, nil
}

// GetJobs lists registrations ordered by host then first_seen.
func (s *GormStore) GetJobs(ctx context.Context, includeRetired bool) ([]Job, error) {
	var jobs []Job
	q := s.db.WithContext(ctx)
	if !includeRetired {
		q = q.Where("retired_at IS NULL")
	}
	err := q.Order("host ASC, first_seen ASC").Find(&jobs).Error
	if err != nil {
		return nil, storeErr(err)
	}
	return jobs, nil
}

// AppendEvent appends a wrapper-reported event with the server receive time.
func (s *GormStore) AppendEvent(ctx context.Context, jobID int64, kind string, statusCode *int, stdout, stderr string) (*Event, error) {
	ev := Event{
		JobID:      jobID,
		Kind:       kind,
		Timestamp:  timeNow().UTC(),
		StatusCode: statusCode,
	}

	hasOutput := stdout != "" || stderr != ""
	if hasOutput {
		// Payloads arrive as 8-bit byte strings; store valid UTF-8 with
		// replacements so reads never fail.
		so := sanitize(stdout)
		se := sanitize(stderr)
		if s.outputStore != nil {
			ev.HasOutput = true
			if err := s.db.WithContext(ctx).Create(&ev).Error; err != nil {
				return nil, storeErr(err)
			}
			raw := RawOutput{EventID: ev.ID}
			if so != "" {
				raw.Stdout = &so
			}
			if se != "" {
				raw.Stderr = &se
			}
			if err := s.outputStore.db.WithContext(ctx).Create(&raw).Error; err != nil {
				return nil, storeErr(err)
			}
			return &ev, nil
		}
		if so != "" {
			ev.Stdout = &so
		}
		if se != "" {
			ev.Stderr = &se
		}
	}

	if err := s.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return nil, storeErr(err)
	}
	return &ev, nil
}

// AppendSyntheticEvent appends a daemon-generated event, keyed for idempotence.
func (s *GormStore) AppendSyntheticEvent(ctx context.Context, jobID int64, kind, refKey string, ts time.Time) (*Event, bool, error) {
	var existing Event
	err := s.db.WithContext(ctx).Where("ref_key = ?", refKey).First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, storeErr(err)
	}

	ev := Event{
		JobID:     jobID,
		Kind:      kind,
		Timestamp: ts.UTC(),
		RefKey:    &refKey,
	}
	if err := s.db.WithContext(ctx).Create(&ev).Error; err != nil {
		// Lost a race on the unique key: someone else just wrote it.
		var raced Event
		if qerr := s.db.WithContext(ctx).Where("ref_key = ?", refKey).First(&raced).Error; qerr == nil {
			return &raced, false, nil
		}
		return nil, false, storeErr(err)
	}
	return &ev, true, nil
}

// LogStart appends a START event.
func (s *GormStore) LogStart(ctx context.Context, jobID int64) (*Event, error) {
	return s.AppendEvent(ctx, jobID, KindStart, nil, "", "")
}

// LogFinish appends a FINISH event with the child's exit status and output.
func (s *GormStore) LogFinish(ctx context.Context, jobID int64, statusCode int, stdout, stderr string) (*Event, error) {
	return s.AppendEvent(ctx, jobID, KindFinish, &statusCode, stdout, stderr)
}

// LogWarning appends a daemon-internal warning event.
func (s *GormStore) LogWarning(ctx context.Context, jobID int64, kind string) (*Event, error) {
	return s.AppendEvent(ctx, jobID, kind, nil, "", "")
}

// GetEvents returns a job's events in ascending id order.
func (s *GormStore) GetEvents(ctx context.Context, jobID int64, sinceID int64, limit int) ([]Event, error) {
	var events []Event
	q := s.db.WithContext(ctx).Where("job_id = ?", jobID)
	if sinceID > 0 {
		q = q.Where("id > ?", sinceID)
	}
	q = q.Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, storeErr(err)
	}
	return events, nil
}

// GetEventsSince returns events across all jobs with id > sinceID, ascending.
func (s *GormStore) GetEventsSince(ctx context.Context, sinceID int64) ([]Event, error) {
	var events []Event
	err := s.db.WithContext(ctx).
		Where("id > ?", sinceID).
		Order("id ASC").
		Find(&events).Error
	if err != nil {
		return nil, storeErr(err)
	}
	return events, nil
}

// GetRecentEvents returns the newest events across all jobs, newest first.
func (s *GormStore) GetRecentEvents(ctx context.Context, limit int) ([]Event, error) {
	var events []Event
	err := s.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, storeErr(err)
	}
	return events, nil
}

// GetOutput reassembles an event's stdout/stderr.
func (s *GormStore) GetOutput(ctx context.Context, eventID int64) (string, string, error) {
	var ev Event
	err := s.db.WithContext(ctx).First(&ev, eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", nil
	}
	if err != nil {
		return "", "", storeErr(err)
	}

	if ev.HasOutput && s.outputStore != nil {
		var raw RawOutput
		err := s.outputStore.db.WithContext(ctx).Where("event_id = ?", eventID).First(&raw).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", nil
		}
		if err != nil {
			return "", "", storeErr(err)
		}
		return deref(raw.Stdout), deref(raw.Stderr), nil
	}

	return deref(ev.Stdout), deref(ev.Stderr), nil
}

// SetSchedule updates scheduling configuration and clears the misconfigured flag.
func (s *GormStore) SetSchedule(ctx context.Context, jobID int64, spec, timezone string, graceSecs, timeoutSecs *int) error {
	err := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", jobID).
		Updates(map[string]any{
			"schedule":      spec,
			"timezone":      timezone,
			"graceperiod":   graceSecs,
			"timeout":       timeoutSecs,
			"misconfigured": false,
		}).Error
	return storeErr(err)
}

// SetInhibit toggles the admin inhibition flag.
func (s *GormStore) SetInhibit(ctx context.Context, jobID int64, inhibited bool) error {
	err := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", jobID).
		Update("inhibited", inhibited).Error
	return storeErr(err)
}

// SetMisconfigured flags or clears a job with an unparseable schedule.
func (s *GormStore) SetMisconfigured(ctx context.Context, jobID int64, misconfigured bool) error {
	err := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", jobID).
		Update("misconfigured", misconfigured).Error
	return storeErr(err)
}

// RetireJob soft-retires a registration.
func (s *GormStore) RetireJob(ctx context.Context, jobID int64) error {
	now := timeNow().UTC()
	err := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", jobID).
		Update("retired_at", &now).Error
	return storeErr(err)
}

// GetNotifications returns all notification rules.
func (s *GormStore) GetNotifications(ctx context.Context) ([]NotifyRule, error) {
	var rules []NotifyRule
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rules).Error; err != nil {
		return nil, storeErr(err)
	}
	return rules, nil
}

// SetNotifications transactionally replaces the full rule set.
func (s *GormStore) SetNotifications(ctx context.Context, rules []NotifyRule) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&NotifyRule{}).Error; err != nil {
			return err
		}
		for i := range rules {
			rules[i].ID = 0
			if err := tx.Create(&rules[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return storeErr(err)
}

// RecordAlert inserts an alert row.
func (s *GormStore) RecordAlert(ctx context.Context, alert *Alert) error {
	return storeErr(s.db.WithContext(ctx).Create(alert).Error)
}

// UpdateAlert rewrites an alert row after further dispatch attempts.
func (s *GormStore) UpdateAlert(ctx context.Context, alert *Alert) error {
	return storeErr(s.db.WithContext(ctx).Save(alert).Error)
}

// LastAlert returns the most recent alert for (rule, job).
func (s *GormStore) LastAlert(ctx context.Context, ruleID, jobID int64) (*Alert, error) {
	var alert Alert
	err := s.db.WithContext(ctx).
		Where("rule_id = ? AND job_id = ?", ruleID, jobID).
		Order("dispatched_at DESC, id DESC").
		First(&alert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return &alert, nil
}

// PruneEvents removes events older than the cutoff. Events referenced by an
// alert that has not yet been dispatched successfully are spared. Output
// blobs for pruned events are removed too, whichever backend holds them.
func (s *GormStore) PruneEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	var ids []int64
	sub := s.db.Model(&Alert{}).Select("event_id").Where("succeeded = ?", false)
	err := s.db.WithContext(ctx).Model(&Event{}).
		Where("datetime < ? AND id NOT IN (?)", olderThan.UTC(), sub).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, storeErr(err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&Event{})
	if result.Error != nil {
		return 0, storeErr(result.Error)
	}

	outDB := s.db
	if s.outputStore != nil {
		outDB = s.outputStore.db
	}
	if err := outDB.WithContext(ctx).Where("event_id IN ?", ids).Delete(&RawOutput{}).Error; err != nil {
		return result.RowsAffected, storeErr(err)
	}

	return result.RowsAffected, nil
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStore, err)
}

// sanitize forces payload text to valid UTF-8, replacing unrepresentable bytes.
func sanitize(s string) string {
	return strings.ToValidUTF8(s, "�")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
