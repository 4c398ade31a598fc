package task

import (
	"fmt"
	"strconv"
	"time"

	cronlib "github.com/robfig/cron/v3"

	kerrors "github.com/harunnryd/kagura/internal/errors"
)

// Schedule types.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Context modes.
const (
	ContextIsolated = "isolated"
	ContextGroup    = "group"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ValidateSchedule rejects unparsable schedules at the control-plane boundary
// so the store never holds a schedule the scheduler cannot evaluate.
func ValidateSchedule(scheduleType, scheduleValue string) error {
	switch scheduleType {
	case ScheduleCron:
		if _, err := cronParser.Parse(scheduleValue); err != nil {
			return kerrors.ScheduleParse(fmt.Sprintf("cron %q: %v", scheduleValue, err))
		}
	case ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return kerrors.ScheduleParse(fmt.Sprintf("interval %q: must be a positive millisecond count", scheduleValue))
		}
	case ScheduleOnce:
		if _, err := parseOnce(scheduleValue); err != nil {
			return kerrors.ScheduleParse(fmt.Sprintf("timestamp %q: %v", scheduleValue, err))
		}
	default:
		return kerrors.ScheduleParse(fmt.Sprintf("unknown schedule type %q", scheduleType))
	}
	return nil
}

// NextRun computes the next fire time after now, in loc. A nil result means
// the schedule is exhausted. The returned time is always strictly after now.
func NextRun(scheduleType, scheduleValue string, now time.Time, loc *time.Location) (*time.Time, error) {
	switch scheduleType {
	case ScheduleCron:
		sched, err := cronParser.Parse(scheduleValue)
		if err != nil {
			return nil, kerrors.ScheduleParse(fmt.Sprintf("cron %q: %v", scheduleValue, err))
		}
		next := sched.Next(now.In(loc))
		return &next, nil
	case ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return nil, kerrors.ScheduleParse(fmt.Sprintf("interval %q: must be a positive millisecond count", scheduleValue))
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case ScheduleOnce:
		at, err := parseOnce(scheduleValue)
		if err != nil {
			return nil, kerrors.ScheduleParse(fmt.Sprintf("timestamp %q: %v", scheduleValue, err))
		}
		if !at.After(now) {
			// Already in the past: fire on the next tick rather than never.
			next := now.Add(time.Millisecond)
			return &next, nil
		}
		return &at, nil
	default:
		return nil, kerrors.ScheduleParse(fmt.Sprintf("unknown schedule type %q", scheduleType))
	}
}

func parseOnce(value string) (time.Time, error) {
	if at, err := time.Parse(time.RFC3339, value); err == nil {
		return at, nil
	}
	return time.Parse("2006-01-02T15:04:05", value)
}
