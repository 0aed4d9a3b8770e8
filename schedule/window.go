package schedule

import (
	"strconv"
	"time"

	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/errors"
)

// Window computes the export time window for a range type relative to the
// fire time, in the process's local zone.
func Window(rangeType TimeRangeType, offsets RangeOffsets, now time.Time) (bridge.TimeWindow, error) {
	now = now.Local()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch rangeType {
	case RangeYesterday:
		start := midnight.AddDate(0, 0, -1)
		return windowOf(start, midnight), nil
	case RangeLastWeek:
		return windowOf(midnight.AddDate(0, 0, -7), midnight), nil
	case RangeLastMonth:
		firstOfThis := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		firstOfPrev := firstOfThis.AddDate(0, -1, 0)
		return windowOf(firstOfPrev, firstOfThis), nil
	case RangeLast7Days:
		return windowOf(now.Add(-7*24*time.Hour), now), nil
	case RangeLast30Days:
		return windowOf(now.Add(-30*24*time.Hour), now), nil
	case RangeCustom:
		start := now.Add(time.Duration(offsets.StartSec) * time.Second)
		end := now.Add(time.Duration(offsets.EndSec) * time.Second)
		if !start.Before(end) {
			return bridge.TimeWindow{}, errors.NewInvalidRequestError("custom range: start %v not before end %v", start, end)
		}
		return windowOf(start, end), nil
	default:
		return bridge.TimeWindow{}, errors.NewInvalidRequestError("unknown time range type %q", rangeType)
	}
}

func windowOf(start, end time.Time) bridge.TimeWindow {
	return bridge.TimeWindow{StartMillis: start.UnixMilli(), EndMillis: end.UnixMilli()}
}

// trigger resolves the effective cron expression for a definition. The
// fixed schedule types compile to a cron on the execute time.
func trigger(s *ScheduledExport) (*CronExpr, error) {
	if s.ScheduleType == ScheduleCustom {
		return ParseCron(s.CronExpr)
	}
	hh, mm, err := parseExecuteTime(s.ExecuteTime)
	if err != nil {
		return nil, err
	}
	switch s.ScheduleType {
	case ScheduleDaily:
		return ParseCron(cronAt(mm, hh, "*", "*", "*"))
	case ScheduleWeekly:
		// Weekly runs on Monday.
		return ParseCron(cronAt(mm, hh, "*", "*", "1"))
	case ScheduleMonthly:
		return ParseCron(cronAt(mm, hh, "1", "*", "*"))
	default:
		return nil, errors.NewInvalidRequestError("unknown schedule type %q", s.ScheduleType)
	}
}

func cronAt(minute, hour int, dom, month, dow string) string {
	return strconv.Itoa(minute) + " " + strconv.Itoa(hour) + " " + dom + " " + month + " " + dow
}

func parseExecuteTime(s string) (hour, minute int, err error) {
	var hh, mm int
	ok := len(s) == 5 && s[2] == ':'
	if ok {
		hh = int(s[0]-'0')*10 + int(s[1]-'0')
		mm = int(s[3]-'0')*10 + int(s[4]-'0')
		ok = s[0] >= '0' && s[0] <= '9' && s[1] >= '0' && s[1] <= '9' &&
			s[3] >= '0' && s[3] <= '9' && s[4] >= '0' && s[4] <= '9' &&
			hh < 24 && mm < 60
	}
	if !ok {
		return 0, 0, errors.NewInvalidRequestError("execute time %q: want HH:mm", s)
	}
	return hh, mm, nil
}
