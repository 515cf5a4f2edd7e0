package nodes

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/convoflow/convoflow/pkg/schema"
)

// Calendar case ids.
const (
	caseTrue  = "True"
	caseFalse = "False"
)

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

var monthNames = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// CheckTimeExecutor routes by whether the current wall-clock time in the
// configured timezone falls within the node's ranges, weekdays, month days
// and months. Every configured dimension must accept; "*" accepts anything.
type CheckTimeExecutor struct {
	// Now is swappable for tests; defaults to time.Now.
	Now func() time.Time
}

func (e *CheckTimeExecutor) Type() schema.NodeType { return schema.NodeTypeCheckTime }

func (e *CheckTimeExecutor) Execute(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	cfg := node.CheckTime

	now := e.now()
	if loc, err := time.LoadLocation(cfg.Timezone); err == nil && cfg.Timezone != "" {
		now = now.In(loc)
	} else if cfg.Timezone != "" {
		ec.Log(ctx).Warn("unknown timezone", slog.String("timezone", cfg.Timezone))
	}

	within := inTimeRanges(now, cfg.TimeRanges) &&
		inWeekdays(now, cfg.Days) &&
		inMonthDays(now, cfg.DaysOfMonth) &&
		inMonths(now, cfg.Months)

	return routeBool(ctx, ec, cfg.Cases, within)
}

func (e *CheckTimeExecutor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CheckHolidayExecutor routes by whether today matches one of the node's
// holiday dates ("MM-DD" recurring, "YYYY-MM-DD" one-off), rendered so the
// list can come from flow variables.
type CheckHolidayExecutor struct {
	Now func() time.Time
}

func (e *CheckHolidayExecutor) Type() schema.NodeType { return schema.NodeTypeCheckHoliday }

func (e *CheckHolidayExecutor) Execute(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	cfg := node.CheckHoliday

	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}
	if loc, err := time.LoadLocation(cfg.Timezone); err == nil && cfg.Timezone != "" {
		now = now.In(loc)
	}

	today := now.Format("2006-01-02")
	monthDay := now.Format("01-02")

	env := ec.Env()
	isHoliday := false
	for _, tpl := range cfg.Holidays {
		h := strings.TrimSpace(ec.Renderer.RenderText(ctx, tpl, env))
		if h == today || h == monthDay {
			isHoliday = true
			break
		}
	}

	return routeBool(ctx, ec, cfg.Cases, isHoliday)
}

func routeBool(ctx context.Context, ec *ExecContext, cases []schema.Case, value bool) (Result, error) {
	id := caseFalse
	if value {
		id = caseTrue
	}
	next, ok := resolveCase(ctx, ec, cases, id)
	if !ok {
		ec.Log(ctx).Warn("no calendar case matched", slog.String("case_id", id))
		return Result{Stay: true}, nil
	}
	return Result{Next: next}, nil
}

// inTimeRanges checks "HH:MM-HH:MM" ranges, inclusive on both ends. Ranges
// crossing midnight ("22:00-06:00") wrap.
func inTimeRanges(now time.Time, ranges []string) bool {
	if len(ranges) == 0 {
		return true
	}
	minutes := now.Hour()*60 + now.Minute()
	for _, r := range ranges {
		if r == "*" {
			return true
		}
		from, to, ok := parseTimeRange(r)
		if !ok {
			continue
		}
		if from <= to {
			if minutes >= from && minutes <= to {
				return true
			}
		} else if minutes >= from || minutes <= to {
			return true
		}
	}
	return false
}

func parseTimeRange(r string) (int, int, bool) {
	parts := strings.SplitN(r, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	from, ok1 := parseClock(parts[0])
	to, ok2 := parseClock(parts[1])
	return from, to, ok1 && ok2
}

func parseClock(s string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func inWeekdays(now time.Time, days []string) bool {
	if len(days) == 0 {
		return true
	}
	for _, d := range days {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "*" {
			return true
		}
		if wd, ok := weekdayNames[d]; ok && now.Weekday() == wd {
			return true
		}
	}
	return false
}

// inMonthDays checks day-of-month entries: "20" or a "1-15" span.
func inMonthDays(now time.Time, entries []string) bool {
	if len(entries) == 0 {
		return true
	}
	day := now.Day()
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "*" {
			return true
		}
		if from, to, ok := parseDaySpan(entry); ok {
			if day >= from && day <= to {
				return true
			}
			continue
		}
		if n, err := strconv.Atoi(entry); err == nil && day == n {
			return true
		}
	}
	return false
}

func parseDaySpan(s string) (int, int, bool) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	from, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	to, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return from, to, true
}

func inMonths(now time.Time, months []string) bool {
	if len(months) == 0 {
		return true
	}
	for _, m := range months {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "*" {
			return true
		}
		if month, ok := monthNames[m]; ok && now.Month() == month {
			return true
		}
	}
	return false
}
