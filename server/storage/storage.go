package storage

import (
	"context"
	"time"
)

// SeriesFilter selects series for batch reads. TENANT-scope series match when
// AllTenants is set or their tenant is listed; SYSTEM-scope series match when
// IncludeSystem is set.
type SeriesFilter struct {
	TenantIDs     []string
	AllTenants    bool
	IncludeSystem bool
	// StartBefore, when set, keeps series whose base start is not after it.
	StartBefore *time.Time
}

// OccurrenceFilter selects materialized rows starting in [Start, End].
type OccurrenceFilter struct {
	TenantIDs  []string
	AllTenants bool
	SeriesID   string
	Start      time.Time
	End        time.Time
}

// Reader is the read side shared by stores and transactions.
type Reader interface {
	GetSeries(ctx context.Context, id string) (*Series, error)
	ListSeries(ctx context.Context, filter SeriesFilter) ([]*Series, error)
	ListExceptions(ctx context.Context, seriesID string) ([]*Exception, error)
	// ListOccurrences returns rows ordered by start time, tenant and series.
	ListOccurrences(ctx context.Context, filter OccurrenceFilter) ([]*Occurrence, error)
}

// Tx is a unit of work. Every write goes through a Tx so series changes and
// their occurrence regeneration commit together.
type Tx interface {
	Reader

	CreateSeries(ctx context.Context, s *Series) error
	// UpdateSeries stores s if the stored LockVersion equals s.LockVersion and
	// increments it (on s as well). A mismatch is ErrConflict.
	UpdateSeries(ctx context.Context, s *Series) error
	// DeleteSeries removes the series with its exceptions and occurrences.
	DeleteSeries(ctx context.Context, id string) error

	// UpsertException replaces any exception of the same series and day.
	UpsertException(ctx context.Context, e *Exception) error
	// DeleteExceptionsFrom removes exceptions dated on or after from.
	DeleteExceptionsFrom(ctx context.Context, seriesID string, from time.Time) error

	// ReplaceOccurrences deletes every row of the series and inserts rows.
	ReplaceOccurrences(ctx context.Context, seriesID string, rows []*Occurrence) error
	// UpdateOccurrenceDetails rewrites title and status of the series' rows
	// backed by exceptionID ("" for plain rows) and returns how many changed.
	UpdateOccurrenceDetails(ctx context.Context, seriesID, exceptionID string, d OccurrenceDetails) (int, error)
}

// Storage is a series store. WithTx runs fn atomically: fn's writes are
// visible to other readers only if fn returns nil.
type Storage interface {
	Reader
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
