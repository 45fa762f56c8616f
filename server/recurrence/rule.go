package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

var frequencies = map[string]Frequency{
	"DAILY":   Daily,
	"WEEKLY":  Weekly,
	"MONTHLY": Monthly,
	"YEARLY":  Yearly,
}

var weekdaysByCode = map[string]time.Weekday{
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
	"SU": time.Sunday,
}

// ParseRule parses the restricted rule grammar. The frequency may be given as
// FREQ=<f> or as a bare leading token, so "WEEKLY;INTERVAL=1;COUNT=4" and
// "FREQ=WEEKLY;COUNT=4" are both accepted. An optional "RRULE:" prefix is
// stripped. Every failure is an *InvalidRuleError.
func ParseRule(raw string) (*Rule, error) {
	text := strings.TrimSpace(raw)
	if len(text) >= 6 && strings.EqualFold(text[:6], "RRULE:") {
		text = strings.TrimSpace(text[6:])
	}
	if text == "" {
		return nil, &InvalidRuleError{Rule: raw, Reason: "empty rule"}
	}

	invalid := func(format string, args ...any) error {
		return &InvalidRuleError{Rule: raw, Reason: fmt.Sprintf(format, args...)}
	}

	rule := &Rule{Interval: 1}
	seen := make(map[string]bool)
	parts := strings.Split(text, ";")
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			if i == len(parts)-1 {
				continue // trailing separator
			}
			return nil, invalid("empty part at position %d", i+1)
		}

		key, value, hasValue := strings.Cut(part, "=")
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if !hasValue {
			if i != 0 {
				return nil, invalid("%q is not a KEY=VALUE pair", part)
			}
			key, value = "FREQ", key
		}
		if seen[key] {
			return nil, invalid("duplicate %s", key)
		}
		seen[key] = true

		switch key {
		case "FREQ":
			freq, ok := frequencies[strings.ToUpper(value)]
			if !ok {
				return nil, invalid("unsupported frequency %q", value)
			}
			rule.Freq = freq
		case "INTERVAL":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return nil, invalid("INTERVAL must be a positive integer, got %q", value)
			}
			rule.Interval = n
		case "COUNT":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return nil, invalid("COUNT must be a positive integer, got %q", value)
			}
			rule.Count = n
		case "UNTIL":
			until, err := parseUntil(value)
			if err != nil {
				return nil, invalid("UNTIL: %v", err)
			}
			rule.Until = &until
		case "BYDAY":
			days, err := parseByDay(value)
			if err != nil {
				return nil, invalid("BYDAY: %v", err)
			}
			rule.ByDay = days
		default:
			return nil, invalid("unsupported part %s", key)
		}
	}

	if rule.Freq == "" {
		return nil, invalid("missing frequency")
	}
	return rule, nil
}

// NormalizeRule parses raw and returns its canonical text. The empty string
// (no recurrence) normalizes to itself.
func NormalizeRule(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	rule, err := ParseRule(raw)
	if err != nil {
		return "", err
	}
	return rule.String(), nil
}

// parseUntil accepts UTC date-times and dates. A date means midnight UTC.
func parseUntil(value string) (time.Time, error) {
	for _, layout := range []string{untilLayout, "20060102T150405", "20060102"} {
		if t, err := time.ParseInLocation(layout, strings.ToUpper(value), time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized value %q", value)
}

func parseByDay(value string) ([]DayRef, error) {
	if value == "" {
		return nil, fmt.Errorf("empty list")
	}
	var days []DayRef
	for _, item := range strings.Split(value, ",") {
		item = strings.ToUpper(strings.TrimSpace(item))
		if len(item) < 2 {
			return nil, fmt.Errorf("bad weekday %q", item)
		}
		code := item[len(item)-2:]
		day, ok := weekdaysByCode[code]
		if !ok {
			return nil, fmt.Errorf("bad weekday %q", item)
		}
		ref := DayRef{Day: day}
		if prefix := item[:len(item)-2]; prefix != "" {
			n, err := strconv.Atoi(prefix)
			if err != nil || n == 0 || n < -53 || n > 53 {
				return nil, fmt.Errorf("bad ordinal in %q", item)
			}
			ref.N = n
		}
		days = append(days, ref)
	}
	return days, nil
}

var rruleWeekdays = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

var rruleFrequencies = map[Frequency]rrule.Frequency{
	Daily:   rrule.DAILY,
	Weekly:  rrule.WEEKLY,
	Monthly: rrule.MONTHLY,
	Yearly:  rrule.YEARLY,
}

// options maps the rule onto rrule-go anchored at dtstart.
func (r *Rule) options(dtstart time.Time) rrule.ROption {
	opt := rrule.ROption{
		Freq:     rruleFrequencies[r.Freq],
		Dtstart:  dtstart.UTC(),
		Interval: r.interval(),
		Count:    r.Count,
	}
	if r.Until != nil {
		opt.Until = r.Until.UTC()
	}
	for _, d := range r.ByDay {
		wd := rruleWeekdays[d.Day]
		if d.N != 0 {
			wd = wd.Nth(d.N)
		}
		opt.Byweekday = append(opt.Byweekday, wd)
	}
	return opt
}
