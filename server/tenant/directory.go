// Package tenant lists the tenants SYSTEM-scope series are fanned out to.
package tenant

import (
	"context"
	"slices"
)

// Directory lists every known tenant.
type Directory interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
}

// Static is a fixed tenant list.
type Static struct {
	ids []string
}

var _ Directory = (*Static)(nil)

// NewStatic returns a directory over ids, sorted and without duplicates.
func NewStatic(ids ...string) *Static {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	if len(sorted) > 0 && sorted[0] == "" {
		sorted = sorted[1:]
	}
	return &Static{ids: sorted}
}

// ListTenantIDs implements Directory
func (s *Static) ListTenantIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return slices.Clone(s.ids), nil
}
