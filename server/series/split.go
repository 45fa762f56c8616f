package series

import (
	"time"

	"github.com/zaman-cal/seriesd/internal/timeutil"
	"github.com/zaman-cal/seriesd/server/recurrence"
	"github.com/zaman-cal/seriesd/server/storage"
)

// searchSpan bounds forward searches over unbounded rules.
const searchSpan = 100

// Splitter cuts a recurring series in two for "this and future" edits.
type Splitter struct {
	engine *recurrence.Engine
}

// NewSplitter creates a splitter over engine.
func NewSplitter(engine *recurrence.Engine) *Splitter {
	return &Splitter{engine: engine}
}

// Split truncates original before the day of instance and returns the
// truncated original with its successor. The successor starts at the
// patched start, or at the first candidate on or after the cutoff, and
// carries the patched fields. Without a patched rule the successor keeps
// the cadence, the UNTIL bound and the remaining COUNT. Neither result is
// persisted and the successor has no id.
func (sp *Splitter) Split(original *storage.Series, rule *recurrence.Rule, instance time.Time, patch Patch) (*storage.Series, *storage.Series, error) {
	cutoff := timeutil.StartOfDay(instance)
	if rule == nil {
		return nil, nil, newError(ErrInvalidInput, "series %s does not recur", original.ID)
	}

	first, err := sp.nextOccurrence(original, rule, cutoff)
	if err != nil {
		return nil, nil, err
	}

	truncated := original.Clone()
	truncated.RecurrenceRule = rule.Truncate(cutoff.Add(-time.Second)).String()

	successor := original.Clone()
	successor.ID = ""
	successor.LockVersion = 0
	patch.apply(successor)

	if !patch.StartTime.IsPresent() {
		successor.StartTime = first
		if !patch.EndTime.IsPresent() {
			successor.EndTime = first.Add(original.Duration())
		}
	} else if !patch.EndTime.IsPresent() {
		successor.EndTime = successor.StartTime.Add(original.Duration())
	}
	if !successor.EndTime.After(successor.StartTime) {
		return nil, nil, newError(ErrInvalidInput, "end time must be after start time")
	}

	var successorRule *recurrence.Rule
	if raw, ok := patch.RecurrenceRule.Get(); ok {
		if raw != "" {
			parsed, err := recurrence.ParseRule(raw)
			if err != nil {
				return nil, nil, wrapError(ErrInvalidInput, err, "recurrence rule")
			}
			successorRule = parsed
		}
	} else {
		derived, err := sp.deriveRule(original, rule, cutoff)
		if err != nil {
			return nil, nil, err
		}
		successorRule = derived
	}
	successor.RecurrenceRule = ""
	if successorRule != nil {
		if _, err := sp.nextOccurrence(successor, successorRule, successor.StartTime); err != nil {
			return nil, nil, err
		}
		successor.RecurrenceRule = successorRule.String()
	}

	if err := sp.checkDisjoint(truncated, successor, cutoff); err != nil {
		return nil, nil, err
	}
	return truncated, successor, nil
}

// nextOccurrence returns the first candidate of s on or after from.
func (sp *Splitter) nextOccurrence(s *storage.Series, rule *recurrence.Rule, from time.Time) (time.Time, error) {
	next, ok, err := sp.engine.FirstOccurrence(rule, s.StartTime, from, searchEnd(rule, from))
	if err != nil {
		return time.Time{}, wrapError(ErrInvalidInput, err, "expand series %s", s.ID)
	}
	if !ok {
		return time.Time{}, newError(ErrInvalidInput, "series %s has no occurrence on or after %s",
			s.ID, timeutil.DateKey(from))
	}
	return next, nil
}

// deriveRule keeps the cadence and UNTIL of rule and carries over the COUNT
// not consumed before cutoff.
func (sp *Splitter) deriveRule(original *storage.Series, rule *recurrence.Rule, cutoff time.Time) (*recurrence.Rule, error) {
	derived := rule.Clone()
	if rule.Count == 0 {
		return derived, nil
	}
	used, err := sp.engine.CountBefore(rule, original.StartTime, cutoff)
	if err != nil {
		return nil, wrapError(ErrInvalidInput, err, "expand series %s", original.ID)
	}
	remaining := rule.Count - used
	if remaining < 1 {
		return nil, newError(ErrInvalidInput, "series %s has no occurrence on or after %s",
			original.ID, timeutil.DateKey(cutoff))
	}
	derived.Count = remaining
	return derived, nil
}

// checkDisjoint fails when the successor has a candidate on a day the
// truncated original still occupies.
func (sp *Splitter) checkDisjoint(truncated, successor *storage.Series, cutoff time.Time) error {
	if !successor.StartTime.Before(cutoff) {
		return nil
	}
	last := cutoff.Add(-time.Second)

	before, err := candidatesOf(sp.engine, truncated, truncated.StartTime, last)
	if err != nil {
		return err
	}
	after, err := candidatesOf(sp.engine, successor, successor.StartTime, last)
	if err != nil {
		return err
	}

	days := make(map[string]bool, len(before))
	for _, t := range before {
		days[timeutil.DateKey(t)] = true
	}
	for _, t := range after {
		if days[timeutil.DateKey(t)] {
			return newError(ErrInvalidInput, "split series overlap on %s", timeutil.DateKey(t))
		}
	}
	return nil
}

func candidatesOf(engine *recurrence.Engine, s *storage.Series, from, to time.Time) ([]time.Time, error) {
	if to.Before(from) {
		return nil, nil
	}
	var rule *recurrence.Rule
	if s.Recurring() {
		parsed, err := recurrence.ParseRule(s.RecurrenceRule)
		if err != nil {
			return nil, wrapError(ErrInvalidInput, err, "recurrence rule")
		}
		rule = parsed
	}
	out, err := engine.Generate(rule, s.StartTime, from, to)
	if err != nil {
		return nil, wrapError(ErrInvalidInput, err, "expand series %s", s.ID)
	}
	return out, nil
}

// searchEnd is the upper bound used when looking for the next candidate.
func searchEnd(rule *recurrence.Rule, from time.Time) time.Time {
	if rule != nil && rule.Until != nil {
		return *rule.Until
	}
	return from.AddDate(searchSpan, 0, 0)
}
