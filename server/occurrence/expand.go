package occurrence

import (
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/zaman-cal/seriesd/internal/timeutil"
	"github.com/zaman-cal/seriesd/server/recurrence"
	"github.com/zaman-cal/seriesd/server/storage"
)

// Expander computes occurrences of one series for a window at read time.
type Expander struct {
	engine *recurrence.Engine
	logger *slog.Logger
}

// NewExpander creates an expander. A nil logger discards output.
func NewExpander(engine *recurrence.Engine, logger *slog.Logger) *Expander {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Expander{engine: engine, logger: logger}
}

// Engine returns the generator backing the expander.
func (x *Expander) Engine() *recurrence.Engine {
	return x.engine
}

// Candidates parses the series rule and returns its candidates in [from, to].
// Single series yield their start when it lies in the window.
func (x *Expander) Candidates(series *storage.Series, from, to time.Time) ([]time.Time, error) {
	rule, err := ParseSeriesRule(series)
	if err != nil {
		return nil, err
	}
	return x.engine.Generate(rule, series.StartTime, from, to)
}

// ParseSeriesRule returns the rule of series, nil when it is not recurring.
func ParseSeriesRule(series *storage.Series) (*recurrence.Rule, error) {
	if !series.Recurring() {
		return nil, nil
	}
	return recurrence.ParseRule(series.RecurrenceRule)
}

// MovedCandidates returns the candidates whose override moves them to a start
// in [windowStart, windowEnd]. When after is non-zero only candidates dated
// strictly after its day are considered.
func (x *Expander) MovedCandidates(series *storage.Series, exceptions []*storage.Exception, windowStart, windowEnd, after time.Time) ([]time.Time, error) {
	rule, err := ParseSeriesRule(series)
	if err != nil {
		return nil, err
	}
	return x.movedCandidates(series, rule, exceptions, windowStart, windowEnd, after)
}

func (x *Expander) movedCandidates(series *storage.Series, rule *recurrence.Rule, exceptions []*storage.Exception, windowStart, windowEnd, after time.Time) ([]time.Time, error) {
	var out []time.Time
	for _, e := range exceptions {
		if e.IsCancelled || e.NewStartTime == nil {
			continue
		}
		moved := e.NewStartTime.UTC()
		if moved.Before(windowStart) || moved.After(windowEnd) {
			continue
		}
		dayStart := timeutil.StartOfDay(e.OriginalDate)
		if !after.IsZero() && !dayStart.After(timeutil.StartOfDay(after)) {
			continue
		}
		c, ok, err := x.engine.FirstOccurrence(rule, series.StartTime, dayStart, timeutil.EndOfDay(dayStart))
		if err != nil {
			return nil, err
		}
		if !ok {
			x.logger.Debug("override without matching candidate",
				"series_id", series.ID,
				"exception_id", e.ID,
				"original_date", timeutil.DateKey(e.OriginalDate))
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// MergeCandidates returns the sorted union of a and b.
func MergeCandidates(a, b []time.Time) []time.Time {
	out := append(slices.Clone(a), b...)
	slices.SortFunc(out, func(x, y time.Time) int { return x.Compare(y) })
	return slices.CompactFunc(out, func(x, y time.Time) bool { return x.Equal(y) })
}

// Expand resolves the occurrences of series starting in [windowStart,
// windowEnd]. Candidates outside the window whose override moves them into
// it are included. When after is non-zero only candidates dated strictly
// after its day are considered. Results are marked virtual and carry no
// tenant.
func (x *Expander) Expand(series *storage.Series, exceptions []*storage.Exception, windowStart, windowEnd, after time.Time) ([]storage.Occurrence, error) {
	rule, err := ParseSeriesRule(series)
	if err != nil {
		return nil, err
	}

	from := windowStart
	if !after.IsZero() {
		tail := timeutil.StartOfDay(after).AddDate(0, 0, 1)
		if tail.After(from) {
			from = tail
		}
	}

	var candidates []time.Time
	if !from.After(windowEnd) {
		candidates, err = x.engine.Generate(rule, series.StartTime, from, windowEnd)
		if err != nil {
			return nil, err
		}
	}

	moved, err := x.movedCandidates(series, rule, exceptions, windowStart, windowEnd, after)
	if err != nil {
		return nil, err
	}
	candidates = MergeCandidates(candidates, moved)

	resolved := Resolve(series, candidates, exceptions)
	out := resolved[:0]
	for _, occ := range resolved {
		if occ.StartTime.Before(windowStart) || occ.StartTime.After(windowEnd) {
			continue
		}
		occ.IsVirtual = true
		out = append(out, occ)
	}
	slices.SortStableFunc(out, func(a, b storage.Occurrence) int {
		return a.StartTime.Compare(b.StartTime)
	})
	return out, nil
}
