// memory based implementation for testing purposes
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/zaman-cal/seriesd/internal/timeutil"
	"github.com/zaman-cal/seriesd/server/storage"
)

// state is one consistent snapshot. Transactions work on a copy and swap it in
// on commit; stored values are never mutated in place.
type state struct {
	series      map[string]*storage.Series
	exceptions  map[string]map[string]*storage.Exception // seriesID -> date key
	occurrences map[string][]*storage.Occurrence         // seriesID -> rows
}

func newState() *state {
	return &state{
		series:      make(map[string]*storage.Series),
		exceptions:  make(map[string]map[string]*storage.Exception),
		occurrences: make(map[string][]*storage.Occurrence),
	}
}

func (st *state) clone() *state {
	c := newState()
	for id, s := range st.series {
		c.series[id] = s
	}
	for id, byDate := range st.exceptions {
		inner := make(map[string]*storage.Exception, len(byDate))
		for k, e := range byDate {
			inner[k] = e
		}
		c.exceptions[id] = inner
	}
	for id, rows := range st.occurrences {
		c.occurrences[id] = rows
	}
	return c
}

// Store implements storage.Storage using in-memory maps
type Store struct {
	mu sync.RWMutex
	st *state
}

var _ storage.Storage = (*Store)(nil)

// New creates a new in-memory storage
func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) GetSeries(ctx context.Context, id string) (*storage.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return view{s.st}.GetSeries(ctx, id)
}

func (s *Store) ListSeries(ctx context.Context, filter storage.SeriesFilter) ([]*storage.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return view{s.st}.ListSeries(ctx, filter)
}

func (s *Store) ListExceptions(ctx context.Context, seriesID string) ([]*storage.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return view{s.st}.ListExceptions(ctx, seriesID)
}

func (s *Store) ListOccurrences(ctx context.Context, filter storage.OccurrenceFilter) ([]*storage.Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return view{s.st}.ListOccurrences(ctx, filter)
}

// WithTx runs fn on a staged copy and publishes it if fn succeeds. fn must use
// only the Tx it is given; calling back into the Store would deadlock.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	staged := s.st.clone()
	if err := fn(&tx{view{staged}}); err != nil {
		return err
	}
	s.st = staged
	return nil
}

func (s *Store) Close() error {
	return nil
}

// view implements storage.Reader over a snapshot.
type view struct {
	st *state
}

func (v view) GetSeries(_ context.Context, id string) (*storage.Series, error) {
	series, ok := v.st.series[id]
	if !ok {
		return nil, &storage.Error{
			Type:    storage.ErrNotFound,
			Message: "series not found",
		}
	}
	return series.Clone(), nil
}

func (v view) ListSeries(_ context.Context, filter storage.SeriesFilter) ([]*storage.Series, error) {
	var out []*storage.Series
	for _, series := range v.st.series {
		if !seriesMatches(series, filter) {
			continue
		}
		out = append(out, series.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func seriesMatches(series *storage.Series, filter storage.SeriesFilter) bool {
	if filter.StartBefore != nil && series.StartTime.After(*filter.StartBefore) {
		return false
	}
	switch series.Scope {
	case storage.ScopeSystem:
		return filter.IncludeSystem
	default:
		return filter.AllTenants || slices.Contains(filter.TenantIDs, series.TenantID)
	}
}

func (v view) ListExceptions(_ context.Context, seriesID string) ([]*storage.Exception, error) {
	var out []*storage.Exception
	for _, e := range v.st.exceptions[seriesID] {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OriginalDate.Before(out[j].OriginalDate)
	})
	return out, nil
}

func (v view) ListOccurrences(_ context.Context, filter storage.OccurrenceFilter) ([]*storage.Occurrence, error) {
	var out []*storage.Occurrence
	for seriesID, rows := range v.st.occurrences {
		if filter.SeriesID != "" && seriesID != filter.SeriesID {
			continue
		}
		for _, o := range rows {
			if o.StartTime.Before(filter.Start) || o.StartTime.After(filter.End) {
				continue
			}
			if !filter.AllTenants && !slices.Contains(filter.TenantIDs, o.TenantID) {
				continue
			}
			c := *o
			out = append(out, &c)
		}
	}
	SortOccurrences(out)
	return out, nil
}

// SortOccurrences orders rows by start time, then tenant, then series.
func SortOccurrences(rows []*storage.Occurrence) {
	sort.Slice(rows, func(i, j int) bool {
		return storage.CompareOccurrences(*rows[i], *rows[j]) < 0
	})
}

// tx implements storage.Tx over a staged snapshot.
type tx struct {
	view
}

func (t *tx) CreateSeries(_ context.Context, series *storage.Series) error {
	if series.ID == "" {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "series id is required"}
	}
	if _, exists := t.st.series[series.ID]; exists {
		return &storage.Error{
			Type:    storage.ErrAlreadyExists,
			Message: "series already exists",
		}
	}
	t.st.series[series.ID] = series.Clone()
	return nil
}

func (t *tx) UpdateSeries(_ context.Context, series *storage.Series) error {
	current, ok := t.st.series[series.ID]
	if !ok {
		return &storage.Error{Type: storage.ErrNotFound, Message: "series not found"}
	}
	if current.LockVersion != series.LockVersion {
		return &storage.Error{
			Type:    storage.ErrConflict,
			Message: "series was modified concurrently",
		}
	}
	series.LockVersion++
	t.st.series[series.ID] = series.Clone()
	return nil
}

func (t *tx) DeleteSeries(_ context.Context, id string) error {
	if _, ok := t.st.series[id]; !ok {
		return &storage.Error{Type: storage.ErrNotFound, Message: "series not found"}
	}
	delete(t.st.series, id)
	delete(t.st.exceptions, id)
	delete(t.st.occurrences, id)
	return nil
}

func (t *tx) UpsertException(_ context.Context, e *storage.Exception) error {
	if _, ok := t.st.series[e.SeriesID]; !ok {
		return &storage.Error{Type: storage.ErrNotFound, Message: "series not found"}
	}
	if e.IsCancelled == (e.NewStartTime != nil) {
		return &storage.Error{
			Type:    storage.ErrInvalidInput,
			Message: "exception must either cancel or carry a new start time",
		}
	}
	byDate, ok := t.st.exceptions[e.SeriesID]
	if !ok {
		byDate = make(map[string]*storage.Exception)
		t.st.exceptions[e.SeriesID] = byDate
	}
	byDate[timeutil.DateKey(e.OriginalDate)] = e.Clone()
	return nil
}

func (t *tx) DeleteExceptionsFrom(_ context.Context, seriesID string, from time.Time) error {
	fromDay := timeutil.StartOfDay(from)
	for key, e := range t.st.exceptions[seriesID] {
		if !e.OriginalDate.Before(fromDay) {
			delete(t.st.exceptions[seriesID], key)
		}
	}
	return nil
}

func (t *tx) ReplaceOccurrences(_ context.Context, seriesID string, rows []*storage.Occurrence) error {
	if _, ok := t.st.series[seriesID]; !ok {
		return &storage.Error{Type: storage.ErrNotFound, Message: "series not found"}
	}
	seen := make(map[string]bool, len(rows))
	stored := make([]*storage.Occurrence, 0, len(rows))
	for _, o := range rows {
		key := o.TenantID + "/" + timeutil.DateKey(o.OriginalDate)
		if o.SeriesID != seriesID || seen[key] {
			return &storage.Error{
				Type:    storage.ErrInvalidInput,
				Message: "duplicate or foreign occurrence " + key,
			}
		}
		seen[key] = true
		c := *o
		stored = append(stored, &c)
	}
	t.st.occurrences[seriesID] = stored
	return nil
}

func (t *tx) UpdateOccurrenceDetails(_ context.Context, seriesID, exceptionID string, d storage.OccurrenceDetails) (int, error) {
	rows := t.st.occurrences[seriesID]
	updated := make([]*storage.Occurrence, len(rows))
	n := 0
	for i, o := range rows {
		c := *o
		if c.ExceptionID == exceptionID {
			c.Title = d.Title
			c.Status = d.Status
			n++
		}
		updated[i] = &c
	}
	t.st.occurrences[seriesID] = updated
	return n, nil
}
