// Package storagetest holds the behavioral tests every storage.Storage
// implementation must pass.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zaman-cal/seriesd/server/storage"
)

// Factory returns an empty store; the suite closes it.
type Factory func(t *testing.T) storage.Storage

var base = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

// Run exercises the storage contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Storage)
	}{
		{"SeriesRoundTrip", testSeriesRoundTrip},
		{"DuplicateSeries", testDuplicateSeries},
		{"OptimisticVersion", testOptimisticVersion},
		{"ListSeriesFilter", testListSeriesFilter},
		{"ExceptionsUpsertAndTrim", testExceptions},
		{"ReplaceOccurrences", testReplaceOccurrences},
		{"RollbackOnError", testRollback},
		{"UpdateOccurrenceDetails", testUpdateOccurrenceDetails},
		{"DeleteCascades", testDeleteCascades},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func create(t *testing.T, s storage.Storage, series ...*storage.Series) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx storage.Tx) error {
		for _, ser := range series {
			if err := tx.CreateSeries(context.Background(), ser); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func testSeriesRoundTrip(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	in := storage.NewMockSeries("s1", "t1", base)
	in.Description = "weekly sync"
	in.IsLocked = true
	in.Status = storage.StatusApproved
	create(t, s, in)

	got, err := s.GetSeries(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, in.Title, got.Title)
	assert.Equal(t, in.Description, got.Description)
	assert.Equal(t, in.RecurrenceRule, got.RecurrenceRule)
	assert.True(t, in.StartTime.Equal(got.StartTime))
	assert.True(t, in.EndTime.Equal(got.EndTime))
	assert.True(t, in.MaterializedUntil.Equal(got.MaterializedUntil))
	assert.Equal(t, storage.ScopeTenant, got.Scope)
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, storage.StatusApproved, got.Status)
	assert.True(t, got.IsLocked)
	assert.Equal(t, int64(1), got.LockVersion)

	_, err = s.GetSeries(ctx, "missing")
	assert.True(t, storage.IsErrorType(err, storage.ErrNotFound))
}

func testDuplicateSeries(t *testing.T, s storage.Storage) {
	create(t, s, storage.NewMockSeries("s1", "t1", base))
	err := s.WithTx(context.Background(), func(tx storage.Tx) error {
		return tx.CreateSeries(context.Background(), storage.NewMockSeries("s1", "t1", base))
	})
	assert.True(t, storage.IsErrorType(err, storage.ErrAlreadyExists), "got %v", err)
}

func testOptimisticVersion(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	create(t, s, storage.NewMockSeries("s1", "t1", base))

	first, err := s.GetSeries(ctx, "s1")
	require.NoError(t, err)
	stale, err := s.GetSeries(ctx, "s1")
	require.NoError(t, err)

	first.Title = "renamed"
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.UpdateSeries(ctx, first)
	}))
	assert.Equal(t, int64(2), first.LockVersion)

	stale.Title = "lost update"
	err = s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.UpdateSeries(ctx, stale)
	})
	assert.True(t, storage.IsErrorType(err, storage.ErrConflict), "got %v", err)

	got, err := s.GetSeries(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
	assert.Equal(t, int64(2), got.LockVersion)

	missing := storage.NewMockSeries("nope", "t1", base)
	err = s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.UpdateSeries(ctx, missing)
	})
	assert.True(t, storage.IsErrorType(err, storage.ErrNotFound), "got %v", err)
}

func testListSeriesFilter(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	system := storage.NewMockSeries("sys", "", base.Add(time.Hour))
	system.Scope = storage.ScopeSystem
	system.TargetPolicy = storage.TargetPolicy{Include: []string{"t1"}, Exclude: []string{"t2"}}
	late := storage.NewMockSeries("late", "t1", base.AddDate(1, 0, 0))
	create(t, s,
		storage.NewMockSeries("a", "t1", base),
		storage.NewMockSeries("b", "t2", base),
		system, late,
	)

	ids := func(list []*storage.Series) []string {
		var out []string
		for _, ser := range list {
			out = append(out, ser.ID)
		}
		return out
	}

	got, err := s.ListSeries(ctx, storage.SeriesFilter{TenantIDs: []string{"t1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "late"}, ids(got))

	got, err = s.ListSeries(ctx, storage.SeriesFilter{TenantIDs: []string{"t1"}, IncludeSystem: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "sys", "late"}, ids(got))
	assert.Equal(t, []string{"t1"}, got[1].TargetPolicy.Include)
	assert.Equal(t, []string{"t2"}, got[1].TargetPolicy.Exclude)

	cutoff := base.AddDate(0, 1, 0)
	got, err = s.ListSeries(ctx, storage.SeriesFilter{AllTenants: true, IncludeSystem: true, StartBefore: &cutoff})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "sys"}, ids(got))

	got, err = s.ListSeries(ctx, storage.SeriesFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testExceptions(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	create(t, s, storage.NewMockSeries("s1", "t1", base))

	moved := base.AddDate(0, 0, 8)
	title := "moved"
	err := s.WithTx(ctx, func(tx storage.Tx) error {
		for _, e := range []*storage.Exception{
			{ID: "e1", SeriesID: "s1", OriginalDate: time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), IsCancelled: true, CreatedAt: base},
			{ID: "e2", SeriesID: "s1", OriginalDate: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), NewStartTime: &moved, Title: &title, CreatedAt: base},
			{ID: "e3", SeriesID: "s1", OriginalDate: time.Date(2024, 1, 22, 0, 0, 0, 0, time.UTC), IsCancelled: true, CreatedAt: base},
		} {
			if err := tx.UpsertException(ctx, e); err != nil {
				return err
			}
		}
		// replaces e1 for the same day
		return tx.UpsertException(ctx, &storage.Exception{
			ID: "e1b", SeriesID: "s1", OriginalDate: time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), NewStartTime: &moved, CreatedAt: base,
		})
	})
	require.NoError(t, err)

	list, err := s.ListExceptions(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "e1b", list[0].ID)
	assert.False(t, list[0].IsCancelled)
	assert.Equal(t, "e2", list[1].ID)
	require.NotNil(t, list[1].Title)
	assert.Equal(t, "moved", *list[1].Title)
	require.NotNil(t, list[1].NewStartTime)
	assert.True(t, moved.Equal(*list[1].NewStartTime))
	assert.Nil(t, list[1].NewEndTime)

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.DeleteExceptionsFrom(ctx, "s1", time.Date(2024, 1, 15, 13, 0, 0, 0, time.UTC))
	}))
	list, err = s.ListExceptions(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "e1b", list[0].ID)

	err = s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.UpsertException(ctx, &storage.Exception{ID: "bad", SeriesID: "s1", OriginalDate: base, IsCancelled: true, NewStartTime: &moved})
	})
	assert.True(t, storage.IsErrorType(err, storage.ErrInvalidInput), "got %v", err)

	err = s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.UpsertException(ctx, &storage.Exception{ID: "orphan", SeriesID: "missing", OriginalDate: base, IsCancelled: true})
	})
	assert.True(t, storage.IsErrorType(err, storage.ErrNotFound), "got %v", err)
}

func occurrence(id, seriesID, tenantID string, start time.Time) *storage.Occurrence {
	return &storage.Occurrence{
		ID:           id,
		SeriesID:     seriesID,
		TenantID:     tenantID,
		StartTime:    start,
		EndTime:      start.Add(time.Hour),
		OriginalDate: time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC),
		Title:        "Series " + seriesID,
		Status:       storage.StatusPending,
	}
}

func testReplaceOccurrences(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	create(t, s, storage.NewMockSeries("s1", "t1", base), storage.NewMockSeries("s2", "t2", base))

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.ReplaceOccurrences(ctx, "s1", []*storage.Occurrence{
			occurrence("o1", "s1", "t1", base),
			occurrence("o2", "s1", "t1", base.AddDate(0, 0, 7)),
		}); err != nil {
			return err
		}
		return tx.ReplaceOccurrences(ctx, "s2", []*storage.Occurrence{
			occurrence("o3", "s2", "t2", base),
		})
	}))

	window := storage.OccurrenceFilter{AllTenants: true, Start: base, End: base.AddDate(0, 1, 0)}
	got, err := s.ListOccurrences(ctx, window)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"o1", "o3", "o2"}, []string{got[0].ID, got[1].ID, got[2].ID})

	// second pass replaces, never appends
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.ReplaceOccurrences(ctx, "s1", []*storage.Occurrence{
			occurrence("o4", "s1", "t1", base.AddDate(0, 0, 14)),
		})
	}))
	got, err = s.ListOccurrences(ctx, storage.OccurrenceFilter{TenantIDs: []string{"t1"}, Start: base, End: base.AddDate(0, 1, 0)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "o4", got[0].ID)
	assert.True(t, base.AddDate(0, 0, 14).Equal(got[0].StartTime))

	// window bounds are inclusive
	got, err = s.ListOccurrences(ctx, storage.OccurrenceFilter{AllTenants: true, Start: base, End: base})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "o3", got[0].ID)

	got, err = s.ListOccurrences(ctx, storage.OccurrenceFilter{Start: base, End: base.AddDate(1, 0, 0)})
	require.NoError(t, err)
	assert.Empty(t, got)

	err = s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.ReplaceOccurrences(ctx, "s1", []*storage.Occurrence{
			occurrence("d1", "s1", "t1", base),
			occurrence("d2", "s1", "t1", base.Add(2*time.Hour)),
		})
	})
	assert.True(t, storage.IsErrorType(err, storage.ErrInvalidInput), "got %v", err)
}

func testRollback(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	create(t, s, storage.NewMockSeries("s1", "t1", base))
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.ReplaceOccurrences(ctx, "s1", []*storage.Occurrence{occurrence("o1", "s1", "t1", base)})
	}))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx storage.Tx) error {
		ser, err := tx.GetSeries(ctx, "s1")
		if err != nil {
			return err
		}
		ser.Title = "half written"
		if err := tx.UpdateSeries(ctx, ser); err != nil {
			return err
		}
		if err := tx.ReplaceOccurrences(ctx, "s1", nil); err != nil {
			return err
		}
		inside, err := tx.ListOccurrences(ctx, storage.OccurrenceFilter{AllTenants: true, Start: base, End: base})
		if err != nil {
			return err
		}
		if len(inside) != 0 {
			return errors.New("tx does not see its own writes")
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	ser, err := s.GetSeries(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Series s1", ser.Title)
	assert.Equal(t, int64(1), ser.LockVersion)

	rows, err := s.ListOccurrences(ctx, storage.OccurrenceFilter{AllTenants: true, Start: base, End: base})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func testUpdateOccurrenceDetails(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	create(t, s, storage.NewMockSeries("s1", "t1", base))
	overridden := occurrence("o2", "s1", "t1", base.AddDate(0, 0, 7))
	overridden.ExceptionID = "e1"
	overridden.Title = "custom"

	var n int
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.ReplaceOccurrences(ctx, "s1", []*storage.Occurrence{
			occurrence("o1", "s1", "t1", base),
			overridden,
			occurrence("o3", "s1", "t1", base.AddDate(0, 0, 14)),
		}); err != nil {
			return err
		}
		var err error
		n, err = tx.UpdateOccurrenceDetails(ctx, "s1", "", storage.OccurrenceDetails{Title: "renamed", Status: storage.StatusApproved})
		return err
	}))
	assert.Equal(t, 2, n)

	rows, err := s.ListOccurrences(ctx, storage.OccurrenceFilter{SeriesID: "s1", AllTenants: true, Start: base, End: base.AddDate(0, 1, 0)})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "renamed", rows[0].Title)
	assert.Equal(t, storage.StatusApproved, rows[0].Status)
	assert.Equal(t, "custom", rows[1].Title)
	assert.Equal(t, storage.StatusPending, rows[1].Status)
	assert.Equal(t, "renamed", rows[2].Title)
}

func testDeleteCascades(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	create(t, s, storage.NewMockSeries("s1", "t1", base))
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.UpsertException(ctx, &storage.Exception{ID: "e1", SeriesID: "s1", OriginalDate: base, IsCancelled: true, CreatedAt: base}); err != nil {
			return err
		}
		return tx.ReplaceOccurrences(ctx, "s1", []*storage.Occurrence{occurrence("o1", "s1", "t1", base.AddDate(0, 0, 7))})
	}))

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.DeleteSeries(ctx, "s1")
	}))

	_, err := s.GetSeries(ctx, "s1")
	assert.True(t, storage.IsErrorType(err, storage.ErrNotFound))
	ex, err := s.ListExceptions(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, ex)
	rows, err := s.ListOccurrences(ctx, storage.OccurrenceFilter{AllTenants: true, Start: base, End: base.AddDate(1, 0, 0)})
	require.NoError(t, err)
	assert.Empty(t, rows)

	err = s.WithTx(ctx, func(tx storage.Tx) error {
		return tx.DeleteSeries(ctx, "s1")
	})
	assert.True(t, storage.IsErrorType(err, storage.ErrNotFound))
}
