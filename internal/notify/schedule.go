package notify

import (
	"fmt"
	"strings"
	"time"
)

// Schedule is a notify window as written in configuration: comma separated
// weekday abbreviations and a 24h "HH:MM" start and end, local time.
type Schedule struct {
	Days  string `yaml:"days" json:"days"`
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
}

// Window is a parsed, named Schedule
type Window struct {
	Name  string
	days  [7]bool
	start time.Duration
	end   time.Duration
	raw   Schedule
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ParseWindow validates a schedule. Day names are matched on their first
// three letters, case-insensitively. start must not be after end.
func ParseWindow(name string, s Schedule) (Window, error) {
	w := Window{Name: name, raw: s}

	count := 0
	for _, d := range strings.Split(s.Days, ",") {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if len(d) > 3 {
			d = d[:3]
		}
		wd, ok := weekdays[d]
		if !ok {
			return Window{}, fmt.Errorf("%w %q: unknown day %q", ErrInvalidSchedule, name, d)
		}
		w.days[wd] = true
		count++
	}
	if count == 0 {
		return Window{}, fmt.Errorf("%w %q: no days", ErrInvalidSchedule, name)
	}

	var err error
	if w.start, err = parseClock(s.Start); err != nil {
		return Window{}, fmt.Errorf("%w %q: start: %v", ErrInvalidSchedule, name, err)
	}
	if w.end, err = parseClock(s.End); err != nil {
		return Window{}, fmt.Errorf("%w %q: end: %v", ErrInvalidSchedule, name, err)
	}
	if w.start > w.end {
		return Window{}, fmt.Errorf("%w %q: start %s is after end %s", ErrInvalidSchedule, name, s.Start, s.End)
	}

	return w, nil
}

// Open reports whether t falls on an active day within [start, end]. Times
// compare at minute granularity, so the end minute is open to its last second.
func (w Window) Open(t time.Time) bool {
	if !w.days[t.Weekday()] {
		return false
	}
	tod := sinceMidnight(t).Truncate(time.Minute)
	return tod >= w.start && tod <= w.end
}

// Schedule returns the window as configured
func (w Window) Schedule() Schedule { return w.raw }

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func sinceMidnight(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(t.Nanosecond())
}
