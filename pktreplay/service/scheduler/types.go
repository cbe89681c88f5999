package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/go-appsec/pktreplay/pktreplay/service/capture"
)

// RepeatMode controls whether a task re-arms after firing.
type RepeatMode string

const (
	RepeatOnce   RepeatMode = "once"
	RepeatHourly RepeatMode = "hourly"
	RepeatDaily  RepeatMode = "daily"
)

// ParseRepeatMode validates a repeat mode string.
func ParseRepeatMode(s string) (RepeatMode, error) {
	switch m := RepeatMode(strings.ToLower(strings.TrimSpace(s))); m {
	case RepeatOnce, RepeatHourly, RepeatDaily:
		return m, nil
	case "":
		return RepeatOnce, nil
	default:
		return "", fmt.Errorf("invalid repeat mode %q: must be once, hourly, or daily", s)
	}
}

// Interval returns the re-arm period, or 0 for RepeatOnce.
func (m RepeatMode) Interval() time.Duration {
	switch m {
	case RepeatHourly:
		return time.Hour
	case RepeatDaily:
		return 24 * time.Hour
	default:
		return 0
	}
}

// ReplayTask is a captured record scheduled to be replayed at ScheduledTime.
// Record is a copy owned by the task, not a reference into the capture store.
type ReplayTask struct {
	ID            uuid.UUID              `json:"id" msgpack:"id"`
	Record        capture.CapturedRecord `json:"record" msgpack:"r"`
	ScheduledTime time.Time              `json:"scheduled_time" msgpack:"st"`
	Enabled       bool                   `json:"enabled" msgpack:"e"`
	Repeat        RepeatMode             `json:"repeat" msgpack:"rm"`
}

// NewTask creates an enabled task for a copy of rec.
func NewTask(rec capture.CapturedRecord, at time.Time, repeat RepeatMode) ReplayTask {
	return ReplayTask{
		ID:            uuid.New(),
		Record:        rec.Clone(),
		ScheduledTime: at,
		Enabled:       true,
		Repeat:        repeat,
	}
}

// Clone returns a deep copy of the task.
func (t ReplayTask) Clone() ReplayTask {
	t.Record = t.Record.Clone()
	return t
}
