package tenant

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockDirectory implements Directory for testing.
type MockDirectory struct {
	mock.Mock
}

var _ Directory = (*MockDirectory)(nil)

func (m *MockDirectory) ListTenantIDs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}
