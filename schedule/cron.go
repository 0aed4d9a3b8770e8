package schedule

import (
	"strconv"
	"strings"
	"time"

	"github.com/quenlab/qce/errors"
)

// CronExpr is a parsed 5-field cron expression: minute, hour, day of
// month, month, day of week. Supports *, comma lists, and */N steps.
// Day-of-week accepts both 0 and 7 for Sunday.
type CronExpr struct {
	minute [60]bool
	hour   [24]bool
	dom    [32]bool // 1..31
	month  [13]bool // 1..12
	dow    [8]bool  // 1..7, Sunday = 7
}

type cronField struct {
	min, max int
}

var cronFields = []cronField{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 7},  // day of week, 0 and 7 both Sunday
}

// ParseCron parses a 5-field expression.
func ParseCron(expr string) (*CronExpr, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, errors.NewInvalidRequestError("cron %q: want 5 fields, got %d", expr, len(fields))
	}

	c := &CronExpr{}
	sets := []func(int){
		func(v int) { c.minute[v] = true },
		func(v int) { c.hour[v] = true },
		func(v int) { c.dom[v] = true },
		func(v int) { c.month[v] = true },
		func(v int) {
			// Normalize Sunday to 7.
			if v == 0 {
				v = 7
			}
			c.dow[v] = true
		},
	}
	for i, field := range fields {
		if err := parseCronField(field, cronFields[i], sets[i]); err != nil {
			return nil, errors.Wrapf(err, "cron %q field %d", expr, i+1)
		}
	}
	return c, nil
}

func parseCronField(field string, bounds cronField, set func(int)) error {
	for _, part := range strings.Split(field, ",") {
		switch {
		case part == "*":
			for v := bounds.min; v <= bounds.max; v++ {
				set(v)
			}
		case strings.HasPrefix(part, "*/"):
			step, err := strconv.Atoi(part[2:])
			if err != nil || step <= 0 {
				return errors.NewInvalidRequestError("bad step %q", part)
			}
			for v := bounds.min; v <= bounds.max; v += step {
				set(v)
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return errors.NewInvalidRequestError("bad value %q", part)
			}
			if v < bounds.min || v > bounds.max {
				return errors.NewInvalidRequestError("value %d out of range [%d,%d]", v, bounds.min, bounds.max)
			}
			set(v)
		}
	}
	return nil
}

// Matches reports whether t (minute precision) satisfies the expression.
// Matching is field-wise; Sundays match day-of-week 7.
func (c *CronExpr) Matches(t time.Time) bool {
	dow := int(t.Weekday())
	if dow == 0 {
		dow = 7
	}
	return c.minute[t.Minute()] &&
		c.hour[t.Hour()] &&
		c.dom[t.Day()] &&
		c.month[int(t.Month())] &&
		c.dow[dow]
}

// Next returns the first minute strictly after t that matches, scanning up
// to four years before giving up.
func (c *CronExpr) Next(t time.Time) (time.Time, bool) {
	cur := t.Truncate(time.Minute).Add(time.Minute)
	limit := cur.AddDate(4, 0, 0)
	for cur.Before(limit) {
		if c.Matches(cur) {
			return cur, true
		}
		cur = cur.Add(time.Minute)
	}
	return time.Time{}, false
}
