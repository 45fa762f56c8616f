package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockStorage implements Storage and Tx for testing. WithTx records the call
// and, unless told to fail, runs fn against the mock itself.
type MockStorage struct {
	mock.Mock
}

var (
	_ Storage = (*MockStorage)(nil)
	_ Tx      = (*MockStorage)(nil)
)

func (m *MockStorage) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	args := m.Called(ctx)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(m)
}

func (m *MockStorage) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockStorage) GetSeries(ctx context.Context, id string) (*Series, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Series), args.Error(1)
}

func (m *MockStorage) ListSeries(ctx context.Context, filter SeriesFilter) ([]*Series, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Series), args.Error(1)
}

func (m *MockStorage) ListExceptions(ctx context.Context, seriesID string) ([]*Exception, error) {
	args := m.Called(ctx, seriesID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Exception), args.Error(1)
}

func (m *MockStorage) ListOccurrences(ctx context.Context, filter OccurrenceFilter) ([]*Occurrence, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Occurrence), args.Error(1)
}

func (m *MockStorage) CreateSeries(ctx context.Context, s *Series) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockStorage) UpdateSeries(ctx context.Context, s *Series) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockStorage) DeleteSeries(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockStorage) UpsertException(ctx context.Context, e *Exception) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *MockStorage) DeleteExceptionsFrom(ctx context.Context, seriesID string, from time.Time) error {
	args := m.Called(ctx, seriesID, from)
	return args.Error(0)
}

func (m *MockStorage) ReplaceOccurrences(ctx context.Context, seriesID string, rows []*Occurrence) error {
	args := m.Called(ctx, seriesID, rows)
	return args.Error(0)
}

func (m *MockStorage) UpdateOccurrenceDetails(ctx context.Context, seriesID, exceptionID string, d OccurrenceDetails) (int, error) {
	args := m.Called(ctx, seriesID, exceptionID, d)
	return args.Int(0), args.Error(1)
}

// --- Helper methods for creating test data ---

// NewMockSeries creates a TENANT-scope weekly series for tests.
func NewMockSeries(id, tenantID string, start time.Time) *Series {
	return &Series{
		ID:                id,
		Title:             "Series " + id,
		StartTime:         start,
		EndTime:           start.Add(time.Hour),
		RecurrenceRule:    "FREQ=WEEKLY;INTERVAL=1",
		Scope:             ScopeTenant,
		Status:            StatusPending,
		LockVersion:       1,
		ProposerID:        "proposer",
		TenantID:          tenantID,
		MaterializedUntil: start.AddDate(2, 0, 0),
		CreatedAt:         start,
		UpdatedAt:         start,
	}
}
