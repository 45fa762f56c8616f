package series

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/zaman-cal/seriesd/internal/metrics"
	"github.com/zaman-cal/seriesd/internal/timeutil"
	"github.com/zaman-cal/seriesd/server/occurrence"
	"github.com/zaman-cal/seriesd/server/storage"
	"github.com/zaman-cal/seriesd/server/tenant"
)

// Materializer writes the stored occurrence rows of a series.
type Materializer struct {
	expander  *occurrence.Expander
	directory tenant.Directory
	logger    *slog.Logger
}

// NewMaterializer creates a materializer. A nil logger discards output.
func NewMaterializer(expander *occurrence.Expander, directory tenant.Directory, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Materializer{expander: expander, directory: directory, logger: logger}
}

// Horizon computes MaterializedUntil for series as of now. Single series and
// bounded rules are materialized to their last occurrence; unbounded rules
// to the engine horizon past the later of start and now. When expansion is
// capped the horizon stops at the last generated occurrence so the rest is
// expanded on read.
func (m *Materializer) Horizon(series *storage.Series, now time.Time) (time.Time, error) {
	rule, err := occurrence.ParseSeriesRule(series)
	if err != nil {
		return time.Time{}, err
	}
	if rule == nil {
		return timeutil.EndOfDay(series.StartTime), nil
	}

	engine := m.expander.Engine()
	anchor := series.StartTime
	if now.After(anchor) {
		anchor = now
	}
	limit := anchor.Add(engine.Horizon())
	if rule.Bounded() {
		limit = searchEnd(rule, series.StartTime)
	}

	candidates, err := engine.Generate(rule, series.StartTime, series.StartTime, limit)
	if err != nil {
		return time.Time{}, err
	}
	capped := engine.MaxOccurrences() > 0 && len(candidates) >= engine.MaxOccurrences()
	if len(candidates) > 0 && (rule.Bounded() || capped) {
		return timeutil.EndOfDay(candidates[len(candidates)-1]), nil
	}
	if rule.Bounded() {
		return timeutil.EndOfDay(series.StartTime), nil
	}
	return timeutil.EndOfDay(limit), nil
}

// Build computes the rows of series over [StartTime, MaterializedUntil],
// plus the candidates past MaterializedUntil whose override moves them to
// or before it. Rows are real (not virtual) and carry deterministic ids.
func (m *Materializer) Build(ctx context.Context, series *storage.Series, exceptions []*storage.Exception) ([]*storage.Occurrence, error) {
	if series.MaterializedUntil.Before(series.StartTime) {
		return nil, nil
	}
	candidates, err := m.expander.Candidates(series, series.StartTime, series.MaterializedUntil)
	if err != nil {
		return nil, err
	}
	moved, err := m.expander.MovedCandidates(series, exceptions, time.Time{}, series.MaterializedUntil, series.MaterializedUntil)
	if err != nil {
		return nil, err
	}
	candidates = occurrence.MergeCandidates(candidates, moved)
	tenants, err := occurrence.TenantsFor(ctx, series, m.directory)
	if err != nil {
		return nil, err
	}

	resolved := occurrence.Fanout(occurrence.Resolve(series, candidates, exceptions), tenants)
	rows := make([]*storage.Occurrence, len(resolved))
	for i := range resolved {
		rows[i] = &resolved[i]
	}
	return rows, nil
}

// Materialize regenerates the rows of series inside tx. It must run in the
// transaction that wrote the series.
func (m *Materializer) Materialize(ctx context.Context, tx storage.Tx, series *storage.Series) (err error) {
	start := time.Now()
	rows := 0
	defer func() {
		metrics.ObserveMaterialize(start, rows, err)
	}()

	exceptions, err := tx.ListExceptions(ctx, series.ID)
	if err != nil {
		return wrapError(ErrRegeneration, err, "list exceptions of %s", series.ID)
	}
	built, err := m.Build(ctx, series, exceptions)
	if err != nil {
		return wrapError(ErrRegeneration, err, "build occurrences of %s", series.ID)
	}
	if err := tx.ReplaceOccurrences(ctx, series.ID, built); err != nil {
		return wrapError(ErrRegeneration, err, "replace occurrences of %s", series.ID)
	}
	rows = len(built)

	m.logger.Debug("series materialized",
		"series_id", series.ID,
		"rows", rows,
		"materialized_until", series.MaterializedUntil)
	return nil
}

// RefreshDetails rewrites title and status of the stored rows of series
// without touching the occurrence set. Override fields win over the series.
func (m *Materializer) RefreshDetails(ctx context.Context, tx storage.Tx, series *storage.Series) error {
	details := storage.OccurrenceDetails{Title: series.Title, Status: series.Status}
	if _, err := tx.UpdateOccurrenceDetails(ctx, series.ID, "", details); err != nil {
		return wrapError(ErrRegeneration, err, "update occurrences of %s", series.ID)
	}

	exceptions, err := tx.ListExceptions(ctx, series.ID)
	if err != nil {
		return wrapError(ErrRegeneration, err, "list exceptions of %s", series.ID)
	}
	for _, e := range exceptions {
		if e.IsCancelled {
			continue
		}
		d := details
		if e.Title != nil {
			d.Title = *e.Title
		}
		if e.Status != nil {
			d.Status = *e.Status
		}
		if _, err := tx.UpdateOccurrenceDetails(ctx, series.ID, e.ID, d); err != nil {
			return wrapError(ErrRegeneration, err, "update occurrences of %s", series.ID)
		}
	}
	return nil
}
