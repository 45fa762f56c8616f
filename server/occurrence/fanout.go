package occurrence

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/zaman-cal/seriesd/internal/timeutil"
	"github.com/zaman-cal/seriesd/server/storage"
	"github.com/zaman-cal/seriesd/server/tenant"
)

// idNamespace scopes the name-based occurrence ids.
var idNamespace = uuid.MustParse("5f0d7f3e-1c8a-4d0e-9a51-2b9c6e7d4a10")

// ID is the deterministic id of the occurrence of seriesID for tenantID on
// the day of originalDate.
func ID(seriesID, tenantID string, originalDate time.Time) string {
	name := seriesID + "/" + tenantID + "/" + timeutil.DateKey(originalDate)
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// ResolveTenants applies a target policy to the full tenant list: include
// minus exclude, or all minus exclude when include is empty. The result is
// sorted and unique.
func ResolveTenants(policy storage.TargetPolicy, all []string) []string {
	base := policy.Include
	if len(base) == 0 {
		base = all
	}

	out := make([]string, 0, len(base))
	for _, id := range base {
		if id == "" || slices.Contains(policy.Exclude, id) {
			continue
		}
		out = append(out, id)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// TenantsFor returns the tenants the occurrences of series belong to. The
// directory is consulted only for SYSTEM series without an include list.
func TenantsFor(ctx context.Context, series *storage.Series, dir tenant.Directory) ([]string, error) {
	if series.Scope != storage.ScopeSystem {
		if series.TenantID == "" {
			return nil, fmt.Errorf("series %s: tenant scope without tenant id", series.ID)
		}
		return []string{series.TenantID}, nil
	}

	var all []string
	if len(series.TargetPolicy.Include) == 0 {
		if dir == nil {
			return nil, fmt.Errorf("series %s: no tenant directory", series.ID)
		}
		ids, err := dir.ListTenantIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tenants: %w", err)
		}
		all = ids
	}
	return ResolveTenants(series.TargetPolicy, all), nil
}

// Fanout copies every occurrence once per tenant and assigns ids.
func Fanout(occurrences []storage.Occurrence, tenants []string) []storage.Occurrence {
	out := make([]storage.Occurrence, 0, len(occurrences)*len(tenants))
	for _, occ := range occurrences {
		for _, t := range tenants {
			c := occ
			c.TenantID = t
			c.ID = ID(occ.SeriesID, t, occ.OriginalDate)
			out = append(out, c)
		}
	}
	return out
}
