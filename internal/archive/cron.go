package archive

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed five-field cron expression:
// "minute hour day-of-month month day-of-week". Fields accept "*", single
// values, comma lists, ranges ("1-5") and steps ("*/15").
type Schedule struct {
	minute, hour, dayOfMonth, month, dayOfWeek field
}

type field struct {
	any    bool
	values map[int]bool
}

func (f field) matches(v int) bool { return f.any || f.values[v] }

// ParseSchedule parses expr.
func ParseSchedule(expr string) (Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return Schedule{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(parts))
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	names := [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

	var fields [5]field
	for i, p := range parts {
		f, err := parseField(p, bounds[i][0], bounds[i][1])
		if err != nil {
			return Schedule{}, fmt.Errorf("parsing %s field: %w", names[i], err)
		}
		fields[i] = f
	}
	return Schedule{fields[0], fields[1], fields[2], fields[3], fields[4]}, nil
}

func parseField(s string, lo, hi int) (field, error) {
	if s == "*" {
		return field{any: true}, nil
	}
	f := field{values: make(map[int]bool)}
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		step := 1
		if base, st, ok := strings.Cut(item, "/"); ok {
			n, err := strconv.Atoi(st)
			if err != nil || n <= 0 {
				return field{}, fmt.Errorf("invalid step %q", item)
			}
			item, step = base, n
		}
		from, to := lo, hi
		switch {
		case item == "*":
		case strings.Contains(item, "-"):
			a, b, _ := strings.Cut(item, "-")
			var err error
			if from, err = strconv.Atoi(a); err != nil {
				return field{}, fmt.Errorf("invalid range %q", item)
			}
			if to, err = strconv.Atoi(b); err != nil {
				return field{}, fmt.Errorf("invalid range %q", item)
			}
		default:
			v, err := strconv.Atoi(item)
			if err != nil {
				return field{}, fmt.Errorf("invalid cron field value %q: %w", item, err)
			}
			from, to = v, v
		}
		if from < lo || to > hi || from > to {
			return field{}, fmt.Errorf("value %q out of range %d-%d", item, lo, hi)
		}
		for v := from; v <= to; v += step {
			f.values[v] = true
		}
	}
	return f, nil
}

func (s Schedule) matches(t time.Time) bool {
	return s.minute.matches(t.Minute()) &&
		s.hour.matches(t.Hour()) &&
		s.dayOfMonth.matches(t.Day()) &&
		s.month.matches(int(t.Month())) &&
		s.dayOfWeek.matches(int(t.Weekday()))
}

// Next returns the first minute strictly after after that matches. It looks
// at most one year ahead.
func (s Schedule) Next(after time.Time) (time.Time, error) {
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if s.matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching cron time within one year")
}

// RunCron runs the archiver on expr until ctx is cancelled. A failed run is
// logged and the next one is still scheduled.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", expr, err)
	}
	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", expr))

	for {
		next, err := sched.Next(a.now())
		if err != nil {
			return fmt.Errorf("cron %q: %w", expr, err)
		}
		wait := next.Sub(a.now())
		a.logger.DebugContext(ctx, "archiver waiting for next run",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.InfoContext(ctx, "archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
