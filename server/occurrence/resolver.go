// Package occurrence turns series candidates into concrete occurrences:
// exceptions are applied, SYSTEM series are fanned out to tenants and
// read-time expansion fills windows that are not materialized.
package occurrence

import (
	"time"

	"github.com/zaman-cal/seriesd/internal/timeutil"
	"github.com/zaman-cal/seriesd/server/storage"
)

// IndexExceptions keys exceptions by calendar day.
func IndexExceptions(exceptions []*storage.Exception) map[string]*storage.Exception {
	index := make(map[string]*storage.Exception, len(exceptions))
	for _, e := range exceptions {
		index[timeutil.DateKey(e.OriginalDate)] = e
	}
	return index
}

// Resolve applies exceptions to the candidate starts of series. A
// cancellation drops the candidate of its day; an override replaces it with
// the exception's stored time and fields and is never re-expanded. Each
// exception applies to the first candidate of its day only. Exceptions
// matching no candidate are ignored. The result carries no tenant or id; see
// Fanout.
func Resolve(series *storage.Series, candidates []time.Time, exceptions []*storage.Exception) []storage.Occurrence {
	index := IndexExceptions(exceptions)
	used := make(map[string]bool, len(index))
	duration := series.Duration()

	out := make([]storage.Occurrence, 0, len(candidates))
	for _, c := range candidates {
		key := timeutil.DateKey(c)
		occ := storage.Occurrence{
			SeriesID:     series.ID,
			StartTime:    c.UTC(),
			EndTime:      c.UTC().Add(duration),
			OriginalDate: timeutil.StartOfDay(c),
			Title:        series.Title,
			Status:       series.Status,
		}

		e, ok := index[key]
		if !ok || used[key] {
			out = append(out, occ)
			continue
		}
		used[key] = true

		if e.IsCancelled {
			continue
		}
		applyOverride(&occ, e, duration)
		out = append(out, occ)
	}
	return out
}

func applyOverride(occ *storage.Occurrence, e *storage.Exception, duration time.Duration) {
	if e.NewStartTime != nil {
		occ.StartTime = e.NewStartTime.UTC()
		occ.EndTime = occ.StartTime.Add(duration)
	}
	if e.NewEndTime != nil {
		occ.EndTime = e.NewEndTime.UTC()
	}
	if e.Title != nil {
		occ.Title = *e.Title
	}
	if e.Status != nil {
		occ.Status = *e.Status
	}
	occ.ExceptionID = e.ID
}
