package recurrence

import (
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// ExtractRecurrenceFromComponent reads RRULE, EXDATE and RECURRENCE-ID from a
// VEVENT. A malformed RRULE is reported as *InvalidRuleError.
func ExtractRecurrenceFromComponent(comp *ical.Component) (ComponentRecurrence, error) {
	var info ComponentRecurrence

	if prop := comp.Props.Get(ical.PropRecurrenceRule); prop != nil && prop.Value != "" {
		rule, err := ParseRule(prop.Value)
		if err != nil {
			return info, err
		}
		info.Rule = rule
	}

	for _, prop := range comp.Props.Values(ical.PropExceptionDates) {
		info.ExDates = append(info.ExDates, parseDateList(prop.Value, prop.Params)...)
	}

	if prop := comp.Props.Get(ical.PropRecurrenceID); prop != nil && prop.Value != "" {
		if recID, err := parseDateTime(prop.Value, prop.Params); err == nil {
			info.RecurrenceID = &recID
		}
	}

	return info, nil
}

// ExtractTimeSpanFromComponent returns the UTC start and end of a VEVENT. A
// missing DTEND falls back to DURATION, then to one day for date values and
// zero length for date-times.
func ExtractTimeSpanFromComponent(comp *ical.Component) (start, end time.Time, allDay bool, ok bool) {
	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return
	}
	dtstart, err := startProp.DateTime(time.UTC)
	if err != nil {
		return
	}
	start = dtstart.UTC()
	allDay = isDateValue(startProp.Params) || isAllDayDate(start)

	switch {
	case comp.Props.Get(ical.PropDateTimeEnd) != nil:
		dtend, err := comp.Props.DateTime(ical.PropDateTimeEnd, time.UTC)
		if err != nil {
			return start, end, allDay, false
		}
		end = dtend.UTC()
		if allDay && !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
	case comp.Props.Get(ical.PropDuration) != nil:
		d, err := comp.Props.Get(ical.PropDuration).Duration()
		if err != nil {
			return start, end, allDay, false
		}
		end = start.Add(d)
	case allDay:
		end = start.AddDate(0, 0, 1)
	default:
		end = start
	}
	return start, end, allDay, true
}

// SetRuleOnComponent writes rule as the component's RRULE. The raw value is
// set directly because text escaping would mangle the ';' separators.
func SetRuleOnComponent(comp *ical.Component, rule *Rule) {
	if rule == nil {
		comp.Props.Del(ical.PropRecurrenceRule)
		return
	}
	prop := ical.NewProp(ical.PropRecurrenceRule)
	prop.Value = rule.String()
	comp.Props.Set(prop)
}

// AddExceptionDates appends one EXDATE per cancelled occurrence start.
func AddExceptionDates(comp *ical.Component, starts []time.Time) {
	for _, t := range starts {
		prop := ical.NewProp(ical.PropExceptionDates)
		prop.SetDateTime(t.UTC())
		comp.Props.Add(prop)
	}
}

// parseDateList parses a comma separated EXDATE/RDATE value. Entries are
// normalized to midnight UTC since exceptions are keyed by day.
func parseDateList(value string, params ical.Params) []time.Time {
	var out []time.Time
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		t, err := parseDateTime(item, params)
		if err != nil {
			continue
		}
		y, m, d := t.UTC().Date()
		out = append(out, time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
	}
	return out
}

// parseDateTime parses an iCalendar DATE or DATE-TIME honoring TZID.
func parseDateTime(value string, params ical.Params) (time.Time, error) {
	if isDateValue(params) {
		return time.ParseInLocation("20060102", value, time.UTC)
	}

	loc := time.UTC
	if tzid := params.Get(ical.ParamTimezoneID); tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	for _, layout := range []string{"20060102T150405Z", "20060102T150405", "20060102"} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.ParseInLocation("20060102T150405Z", value, time.UTC)
}

func isDateValue(params ical.Params) bool {
	return strings.EqualFold(params.Get(ical.ParamValue), string(ical.ValueDate))
}

// isAllDayDate checks if a time represents an all-day date (time part is midnight)
func isAllDayDate(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0
}
