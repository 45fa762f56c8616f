package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frequency is the base cadence of a rule.
type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
	Yearly  Frequency = "YEARLY"
)

// DayRef is one BYDAY entry. N is the optional ordinal ("1MO", "-1FR"); zero
// means every matching weekday in the period.
type DayRef struct {
	N   int
	Day time.Weekday
}

var dayCodes = map[time.Weekday]string{
	time.Monday:    "MO",
	time.Tuesday:   "TU",
	time.Wednesday: "WE",
	time.Thursday:  "TH",
	time.Friday:    "FR",
	time.Saturday:  "SA",
	time.Sunday:    "SU",
}

func (d DayRef) String() string {
	if d.N != 0 {
		return strconv.Itoa(d.N) + dayCodes[d.Day]
	}
	return dayCodes[d.Day]
}

// Rule is the normalized form of a recurrence rule. Count of zero means no
// COUNT bound; a nil Until means no UNTIL bound.
type Rule struct {
	Freq     Frequency
	Interval int
	Count    int
	Until    *time.Time
	ByDay    []DayRef
}

// untilLayout is the canonical UTC rendering of UNTIL.
const untilLayout = "20060102T150405Z"

// String renders the canonical rule text. Parsing the result yields an equal Rule.
func (r *Rule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "FREQ=%s;INTERVAL=%d", r.Freq, r.interval())
	if r.Count > 0 {
		fmt.Fprintf(&b, ";COUNT=%d", r.Count)
	}
	if r.Until != nil {
		b.WriteString(";UNTIL=")
		b.WriteString(r.Until.UTC().Format(untilLayout))
	}
	if len(r.ByDay) > 0 {
		days := make([]string, len(r.ByDay))
		for i, d := range r.ByDay {
			days[i] = d.String()
		}
		b.WriteString(";BYDAY=")
		b.WriteString(strings.Join(days, ","))
	}
	return b.String()
}

// Bounded reports whether the rule ends on its own (UNTIL or COUNT).
func (r *Rule) Bounded() bool {
	return r.Count > 0 || r.Until != nil
}

// Clone returns a deep copy.
func (r *Rule) Clone() *Rule {
	c := *r
	if r.Until != nil {
		u := *r.Until
		c.Until = &u
	}
	c.ByDay = append([]DayRef(nil), r.ByDay...)
	return &c
}

// WithUntil returns a copy bounded at until (converted to UTC). An existing
// COUNT is kept; whichever bound is reached first ends the rule.
func (r *Rule) WithUntil(until time.Time) *Rule {
	c := r.Clone()
	u := until.UTC()
	c.Until = &u
	return c
}

// Truncate returns a copy that ends no later than until. An earlier UNTIL
// already on the rule is kept.
func (r *Rule) Truncate(until time.Time) *Rule {
	if r.Until != nil && !r.Until.After(until) {
		return r.Clone()
	}
	return r.WithUntil(until)
}

func (r *Rule) interval() int {
	if r.Interval < 1 {
		return 1
	}
	return r.Interval
}

// InvalidRuleError is returned for rule text outside the supported grammar.
type InvalidRuleError struct {
	Rule   string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("invalid recurrence rule %q: %s", e.Rule, e.Reason)
}

// ExpansionOptions bounds a single expansion.
type ExpansionOptions struct {
	MaxOccurrences int           // 0 = unlimited
	Horizon        time.Duration // how far unbounded rules are pre-generated
}

// DefaultExpansionOptions keeps expansion finite for unbounded rules.
var DefaultExpansionOptions = ExpansionOptions{
	MaxOccurrences: 5000,
	Horizon:        365 * 24 * time.Hour * 2, // 2 years
}

// ComponentRecurrence is the recurrence data carried by an iCalendar component.
type ComponentRecurrence struct {
	Rule         *Rule
	ExDates      []time.Time // cancelled occurrence days, midnight UTC
	RecurrenceID *time.Time  // set on override instances
}
