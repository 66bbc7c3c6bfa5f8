package tasks

import (
	"fmt"
	"strconv"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/pynchy/internal/store"
)

// NextRun computes the next UTC fire time for a task schedule. Cron
// expressions are evaluated in the task's IANA timezone (UTC when
// empty) strictly after the reference time; interval values are
// positive milliseconds added to it; once values are absolute
// timestamps and ignore it.
func NextRun(scheduleType, scheduleValue, timezone string, after time.Time) (time.Time, error) {
	switch scheduleType {
	case store.ScheduleCron:
		loc := time.UTC
		if timezone != "" {
			l, err := time.LoadLocation(timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("unknown timezone %q: %w", timezone, err)
			}
			loc = l
		}
		next, err := gronx.NextTickAfter(scheduleValue, after.In(loc), false)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", scheduleValue, err)
		}
		return next.UTC(), nil

	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return time.Time{}, fmt.Errorf("invalid interval %q: want positive milliseconds", scheduleValue)
		}
		return after.Add(time.Duration(ms) * time.Millisecond).UTC(), nil

	case store.ScheduleOnce:
		t, err := store.ParseTime(scheduleValue)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", scheduleValue, err)
		}
		return t.UTC(), nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}
