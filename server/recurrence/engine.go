package recurrence

import (
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/teambition/rrule-go"
)

const opGenerate = "generate"

// Engine expands rules into candidate start times.
type Engine struct {
	cache  *RecurrenceCache
	config EngineConfig
	logger *slog.Logger
}

// NewEngine creates an engine without an expansion cache.
func NewEngine() *Engine {
	return NewEngineWithConfig(DisabledCacheConfig)
}

// Horizon is how far past the base start (or now) unbounded rules are materialized.
func (e *Engine) Horizon() time.Duration {
	return e.config.Horizon
}

// MaxOccurrences is the cap applied by Generate; zero means no cap.
func (e *Engine) MaxOccurrences() int {
	return e.config.MaxOccurrences
}

// Candidates returns the lazy, ascending sequence of candidate starts in
// [windowStart, windowEnd], both inclusive. The rule is anchored at baseStart,
// which may lie before, inside or after the window; COUNT is counted from
// baseStart. A nil rule yields baseStart alone when it lies in the window.
func (e *Engine) Candidates(rule *Rule, baseStart, windowStart, windowEnd time.Time) (iter.Seq[time.Time], error) {
	base := baseStart.UTC()
	if rule == nil {
		return func(yield func(time.Time) bool) {
			if !base.Before(windowStart) && !base.After(windowEnd) {
				yield(base)
			}
		}, nil
	}

	rr, err := rrule.NewRRule(rule.options(base))
	if err != nil {
		return nil, &InvalidRuleError{Rule: rule.String(), Reason: err.Error()}
	}

	return func(yield func(time.Time) bool) {
		next := rr.Iterator()
		for {
			t, ok := next()
			if !ok || t.After(windowEnd) {
				return
			}
			if t.Before(windowStart) {
				continue
			}
			if !yield(t.UTC()) {
				return
			}
		}
	}, nil
}

// Generate collects Candidates into a slice, honoring the occurrence cap and
// the expansion cache.
func (e *Engine) Generate(rule *Rule, baseStart, windowStart, windowEnd time.Time) ([]time.Time, error) {
	if windowEnd.Before(windowStart) {
		return nil, fmt.Errorf("window end %s is before window start %s",
			windowEnd.Format(time.RFC3339), windowStart.Format(time.RFC3339))
	}

	ruleKey := ""
	if rule != nil {
		ruleKey = rule.String()
	}
	if e.cache != nil {
		if cached, ok := e.cache.Get(opGenerate, ruleKey, baseStart, windowStart, windowEnd); ok {
			return cached, nil
		}
	}

	seq, err := e.Candidates(rule, baseStart, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}

	var out []time.Time
	limit := e.config.MaxOccurrences
	for t := range seq {
		if limit > 0 && len(out) >= limit {
			e.logger.Warn("occurrence expansion truncated",
				"rule", ruleKey,
				"base_start", baseStart.UTC(),
				"limit", limit)
			break
		}
		out = append(out, t)
	}

	if e.cache != nil {
		e.cache.Set(opGenerate, ruleKey, baseStart, windowStart, windowEnd, out)
	}
	return out, nil
}

// FirstOccurrence returns the first candidate in [from, to].
func (e *Engine) FirstOccurrence(rule *Rule, baseStart, from, to time.Time) (time.Time, bool, error) {
	seq, err := e.Candidates(rule, baseStart, from, to)
	if err != nil {
		return time.Time{}, false, err
	}
	for t := range seq {
		return t, true, nil
	}
	return time.Time{}, false, nil
}

// CountBefore counts candidates strictly before cutoff. It is used to carry a
// COUNT bound across a split.
func (e *Engine) CountBefore(rule *Rule, baseStart, cutoff time.Time) (int, error) {
	if !cutoff.After(baseStart) {
		return 0, nil
	}
	seq, err := e.Candidates(rule, baseStart, baseStart, cutoff.Add(-time.Nanosecond))
	if err != nil {
		return 0, err
	}
	n := 0
	for range seq {
		n++
	}
	return n, nil
}

// CacheStats reports expansion cache statistics; zero when the cache is off.
func (e *Engine) CacheStats() CacheStats {
	if e.cache == nil {
		return CacheStats{}
	}
	return e.cache.Stats()
}

// Close releases the expansion cache.
func (e *Engine) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}
