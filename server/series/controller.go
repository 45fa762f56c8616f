// Package series keeps series, their exceptions and their materialized
// occurrences consistent across creates, edits, deletes and reviews.
package series

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/zaman-cal/seriesd/internal/metrics"
	"github.com/zaman-cal/seriesd/server/auth"
	"github.com/zaman-cal/seriesd/server/occurrence"
	"github.com/zaman-cal/seriesd/server/recurrence"
	"github.com/zaman-cal/seriesd/server/storage"
	"github.com/zaman-cal/seriesd/server/tenant"
)

// Mode selects how QueryOccurrences reads.
type Mode string

const (
	// ModeMaterialized reads stored rows and expands only the tail past
	// each series' materialized horizon.
	ModeMaterialized Mode = "materialized"
	// ModeDirect expands every visible series on read.
	ModeDirect Mode = "direct"
)

// ParseMode parses a mode name; empty means materialized.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeMaterialized:
		return ModeMaterialized, nil
	case ModeDirect:
		return ModeDirect, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// EditScope tells which occurrences an update or delete applies to.
type EditScope string

const (
	EditAll    EditScope = "all"
	EditSingle EditScope = "single"
	EditFuture EditScope = "future"
)

// ParseEditScope parses a scope name; empty means all.
func ParseEditScope(s string) (EditScope, error) {
	switch EditScope(strings.ToLower(strings.TrimSpace(s))) {
	case "", EditAll:
		return EditAll, nil
	case EditSingle:
		return EditSingle, nil
	case EditFuture:
		return EditFuture, nil
	}
	return "", newError(ErrInvalidInput, "unknown edit scope %q", s)
}

// TenantFilter narrows an occurrence query. All requires super admin
// privilege; an empty filter means the tenants visible to the actor.
type TenantFilter struct {
	TenantIDs []string
	All       bool
}

// Controller is the entry point for every series operation.
type Controller struct {
	store        storage.Storage
	engine       *recurrence.Engine
	directory    tenant.Directory
	expander     *occurrence.Expander
	materializer *Materializer
	splitter     *Splitter
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string
	mode         Mode
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger for the controller
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator replaces the random series and exception id source.
func WithIDGenerator(newID func() string) Option {
	return func(c *Controller) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// WithMode sets the query mode.
func WithMode(mode Mode) Option {
	return func(c *Controller) {
		if mode != "" {
			c.mode = mode
		}
	}
}

// NewController creates a controller over store. directory is consulted for
// SYSTEM series targeting every tenant.
func NewController(store storage.Storage, engine *recurrence.Engine, directory tenant.Directory, opts ...Option) *Controller {
	c := &Controller{
		store:     store,
		engine:    engine,
		directory: directory,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:       time.Now,
		newID:     uuid.NewString,
		mode:      ModeMaterialized,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.expander = occurrence.NewExpander(engine, c.logger)
	c.materializer = NewMaterializer(c.expander, directory, c.logger)
	c.splitter = NewSplitter(engine)
	return c
}

// Mode reports the query mode.
func (c *Controller) Mode() Mode {
	return c.mode
}

// CreateSeries stores a new series and materializes its occurrences. Actors
// that can approve create APPROVED, locked series; everyone else proposes a
// PENDING one.
func (c *Controller) CreateSeries(ctx context.Context, def Definition, actor *auth.Actor) (*storage.Series, error) {
	if actor == nil {
		return nil, newError(ErrPermissionDenied, "no actor")
	}
	s, err := c.newSeries(def, actor)
	if err != nil {
		return nil, err
	}

	err = c.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreateSeries(ctx, s); err != nil {
			return fromStorage(err, "create series")
		}
		return c.materializer.Materialize(ctx, tx, s)
	})
	if err != nil {
		c.logger.Error("failed to create series",
			"actor_id", actor.ID,
			"error", err)
		return nil, fromStorage(err, "create series")
	}

	c.logger.Info("series created",
		"series_id", s.ID,
		"actor_id", actor.ID,
		"scope", s.Scope,
		"status", s.Status)
	return s, nil
}

func (c *Controller) newSeries(def Definition, actor *auth.Actor) (*storage.Series, error) {
	now := c.now().UTC()
	s := &storage.Series{
		ID:             c.newID(),
		Title:          strings.TrimSpace(def.Title),
		Description:    def.Description,
		Goal:           def.Goal,
		TargetAudience: def.TargetAudience,
		Organizer:      def.Organizer,
		IsAllDay:       def.IsAllDay,
		StartTime:      def.StartTime.UTC(),
		EndTime:        def.EndTime.UTC(),
		RecurrenceRule: def.RecurrenceRule,
		Scope:          def.Scope,
		TargetPolicy:   def.TargetPolicy,
		Status:         storage.StatusPending,
		LockVersion:    1,
		ProposerID:     actor.ID,
		TenantID:       strings.TrimSpace(def.TenantID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if s.Scope == "" {
		s.Scope = storage.ScopeTenant
	}
	if actor.CanApprove() {
		s.Status = storage.StatusApproved
		s.IsLocked = true
	}

	switch s.Scope {
	case storage.ScopeSystem:
		if !actor.IsSuperAdmin() {
			return nil, newError(ErrPermissionDenied, "only super admins create system series")
		}
		if s.TenantID != "" {
			return nil, newError(ErrScopeMismatch, "system series cannot belong to tenant %s", s.TenantID)
		}
	case storage.ScopeTenant:
		if s.TenantID == "" {
			s.TenantID = actor.ActiveTenantID
		}
		if s.TenantID == "" {
			return nil, newError(ErrScopeMismatch, "tenant series require a tenant id")
		}
		if len(s.TargetPolicy.Include) > 0 || len(s.TargetPolicy.Exclude) > 0 {
			return nil, newError(ErrScopeMismatch, "target policy applies to system series only")
		}
		if !actor.MemberOf(s.TenantID) {
			return nil, newError(ErrPermissionDenied, "actor %s is not a member of tenant %s", actor.ID, s.TenantID)
		}
	default:
		return nil, newError(ErrInvalidInput, "unknown scope %q", s.Scope)
	}

	if err := c.validate(s); err != nil {
		return nil, err
	}
	until, err := c.materializer.Horizon(s, now)
	if err != nil {
		return nil, wrapError(ErrInvalidInput, err, "expand series")
	}
	s.MaterializedUntil = until
	return s, nil
}

// validate checks title and times and canonicalizes the rule of s.
func (c *Controller) validate(s *storage.Series) error {
	if strings.TrimSpace(s.Title) == "" {
		return newError(ErrInvalidInput, "title is required")
	}
	if s.StartTime.IsZero() || s.EndTime.IsZero() {
		return newError(ErrInvalidInput, "start and end time are required")
	}
	if !s.EndTime.After(s.StartTime) {
		return newError(ErrInvalidInput, "end time must be after start time")
	}
	rule, err := recurrence.NormalizeRule(s.RecurrenceRule)
	if err != nil {
		return wrapError(ErrInvalidInput, err, "recurrence rule")
	}
	s.RecurrenceRule = rule
	return nil
}

// parseRule parses the stored rule of s; nil for single series.
func parseRule(s *storage.Series) (*recurrence.Rule, error) {
	rule, err := occurrence.ParseSeriesRule(s)
	if err != nil {
		return nil, wrapError(ErrInvalidInput, err, "series %s", s.ID)
	}
	return rule, nil
}

// GetSeries returns a series visible to actor.
func (c *Controller) GetSeries(ctx context.Context, id string, actor *auth.Actor) (*storage.Series, error) {
	if actor == nil {
		return nil, newError(ErrPermissionDenied, "no actor")
	}
	s, err := c.store.GetSeries(ctx, id)
	if err != nil {
		return nil, fromStorage(err, "get series %s", id)
	}
	if !visible(s, actor) {
		return nil, newError(ErrNotFound, "series %s not found", id)
	}
	return s, nil
}

// ListExceptions returns the per-day overrides of a series visible to actor.
func (c *Controller) ListExceptions(ctx context.Context, id string, actor *auth.Actor) ([]*storage.Exception, error) {
	if _, err := c.GetSeries(ctx, id, actor); err != nil {
		return nil, err
	}
	exceptions, err := c.store.ListExceptions(ctx, id)
	if err != nil {
		return nil, fromStorage(err, "list exceptions of %s", id)
	}
	return exceptions, nil
}

func visible(s *storage.Series, actor *auth.Actor) bool {
	if s.Scope == storage.ScopeSystem {
		return true
	}
	return actor.MemberOf(s.TenantID)
}

// QueryOccurrences returns the occurrences starting in [windowStart,
// windowEnd] for the tenants selected by filter, ordered by start, tenant
// and series. A series that cannot be expanded is logged and skipped.
func (c *Controller) QueryOccurrences(ctx context.Context, windowStart, windowEnd time.Time, filter TenantFilter, actor *auth.Actor) ([]storage.Occurrence, error) {
	if actor == nil {
		return nil, newError(ErrPermissionDenied, "no actor")
	}
	windowStart, windowEnd = windowStart.UTC(), windowEnd.UTC()
	if windowEnd.Before(windowStart) {
		return nil, newError(ErrInvalidInput, "window end is before window start")
	}

	tenants, all, err := queryTenants(filter, actor)
	if err != nil {
		return nil, err
	}
	if !all && len(tenants) == 0 {
		return []storage.Occurrence{}, nil
	}

	var (
		out              []storage.Occurrence
		virtual, skipped int
	)
	switch c.mode {
	case ModeDirect:
		out, virtual, skipped, err = c.queryDirect(ctx, windowStart, windowEnd, tenants, all)
	default:
		out, virtual, skipped, err = c.queryMaterialized(ctx, windowStart, windowEnd, tenants, all)
	}
	metrics.ObserveQuery(string(c.mode), virtual, skipped, err)
	if err != nil {
		return nil, fromStorage(err, "query occurrences")
	}

	slices.SortFunc(out, storage.CompareOccurrences)
	c.logger.Debug("occurrences queried",
		"actor_id", actor.ID,
		"mode", c.mode,
		"count", len(out),
		"virtual", virtual,
		"skipped", skipped)
	return out, nil
}

// queryTenants resolves the tenant set of a query; all reports an
// unrestricted query.
func queryTenants(filter TenantFilter, actor *auth.Actor) ([]string, bool, error) {
	if filter.All {
		if !actor.IsSuperAdmin() {
			return nil, false, newError(ErrPermissionDenied, "only super admins query every tenant")
		}
		return nil, true, nil
	}
	if len(filter.TenantIDs) > 0 {
		for _, id := range filter.TenantIDs {
			if !actor.MemberOf(id) {
				return nil, false, newError(ErrPermissionDenied, "actor %s cannot read tenant %s", actor.ID, id)
			}
		}
		ids := slices.Clone(filter.TenantIDs)
		slices.Sort(ids)
		return slices.Compact(ids), false, nil
	}

	ids := actor.VisibleTenants()
	if len(ids) == 0 && actor.IsSuperAdmin() {
		return nil, true, nil
	}
	return ids, false, nil
}

func (c *Controller) seriesFilter(windowEnd time.Time, tenants []string, all bool) storage.SeriesFilter {
	return storage.SeriesFilter{
		TenantIDs:     tenants,
		AllTenants:    all,
		IncludeSystem: true,
		StartBefore:   &windowEnd,
	}
}

func (c *Controller) queryMaterialized(ctx context.Context, windowStart, windowEnd time.Time, tenants []string, all bool) ([]storage.Occurrence, int, int, error) {
	rows, err := c.store.ListOccurrences(ctx, storage.OccurrenceFilter{
		TenantIDs:  tenants,
		AllTenants: all,
		Start:      windowStart,
		End:        windowEnd,
	})
	if err != nil {
		return nil, 0, 0, err
	}
	out := make([]storage.Occurrence, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}

	list, err := c.store.ListSeries(ctx, c.seriesFilter(windowEnd, tenants, all))
	if err != nil {
		return nil, 0, 0, err
	}

	virtual, skipped := 0, 0
	for _, s := range list {
		if !s.Recurring() || !s.MaterializedUntil.Before(windowEnd) {
			continue
		}
		tail, err := c.expandSeries(ctx, s, windowStart, windowEnd, s.MaterializedUntil, tenants, all).Get()
		if err != nil {
			skipped++
			continue
		}
		// overrides moved back to or before MaterializedUntil are stored rows
		tail = slices.DeleteFunc(tail, func(o storage.Occurrence) bool {
			return !o.StartTime.After(s.MaterializedUntil)
		})
		virtual += len(tail)
		out = append(out, tail...)
	}
	return out, virtual, skipped, nil
}

func (c *Controller) queryDirect(ctx context.Context, windowStart, windowEnd time.Time, tenants []string, all bool) ([]storage.Occurrence, int, int, error) {
	list, err := c.store.ListSeries(ctx, c.seriesFilter(windowEnd, tenants, all))
	if err != nil {
		return nil, 0, 0, err
	}

	var out []storage.Occurrence
	skipped := 0
	for _, s := range list {
		occs, err := c.expandSeries(ctx, s, windowStart, windowEnd, time.Time{}, tenants, all).Get()
		if err != nil {
			skipped++
			continue
		}
		out = append(out, occs...)
	}
	return out, len(out), skipped, nil
}

// expandSeries expands one series at read time for the queried tenants.
// Failures are logged here and returned so callers can skip the series.
func (c *Controller) expandSeries(ctx context.Context, s *storage.Series, windowStart, windowEnd, after time.Time, tenants []string, all bool) mo.Result[[]storage.Occurrence] {
	exceptions, err := c.store.ListExceptions(ctx, s.ID)
	if err != nil {
		return c.skip(s, err)
	}
	occs, err := c.expander.Expand(s, exceptions, windowStart, windowEnd, after)
	if err != nil {
		return c.skip(s, err)
	}
	targets, err := occurrence.TenantsFor(ctx, s, c.directory)
	if err != nil {
		return c.skip(s, err)
	}
	if !all {
		targets = slices.DeleteFunc(targets, func(id string) bool {
			return !slices.Contains(tenants, id)
		})
	}
	return mo.Ok(occurrence.Fanout(occs, targets))
}

func (c *Controller) skip(s *storage.Series, err error) mo.Result[[]storage.Occurrence] {
	c.logger.Warn("skipping series in query",
		"series_id", s.ID,
		"rule", s.RecurrenceRule,
		"error", err)
	return mo.Err[[]storage.Occurrence](err)
}
