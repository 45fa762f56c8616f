package series

import (
	"context"
	"time"

	"github.com/samber/mo"

	"github.com/zaman-cal/seriesd/internal/timeutil"
	"github.com/zaman-cal/seriesd/server/auth"
	"github.com/zaman-cal/seriesd/server/recurrence"
	"github.com/zaman-cal/seriesd/server/storage"
)

// UpdateSeries applies patch to the whole series, to the occurrence on the
// day of instanceDate, or to that occurrence and every later one. Single
// edits return the original series; future edits return the successor.
func (c *Controller) UpdateSeries(ctx context.Context, id string, scope EditScope, instanceDate *time.Time, patch Patch, actor *auth.Actor) (*storage.Series, error) {
	if actor == nil {
		return nil, newError(ErrPermissionDenied, "no actor")
	}
	if err := checkScope(scope, instanceDate); err != nil {
		return nil, err
	}
	if patch.IsLocked.IsPresent() && !actor.CanOverrideLock() {
		return nil, newError(ErrPermissionDenied, "actor %s cannot change the lock", actor.ID)
	}

	var result *storage.Series
	err := c.store.WithTx(ctx, func(tx storage.Tx) error {
		current, err := c.loadForWrite(ctx, tx, id, actor, patch.ExpectedVersion)
		if err != nil {
			return err
		}
		if patch.TargetPolicy.IsPresent() && current.Scope != storage.ScopeSystem {
			return newError(ErrScopeMismatch, "target policy applies to system series only")
		}

		switch scope {
		case EditSingle:
			result, err = c.updateSingle(ctx, tx, current, *instanceDate, patch, actor)
		case EditFuture:
			result, err = c.updateFuture(ctx, tx, current, *instanceDate, patch, actor)
		default:
			result, err = c.updateAll(ctx, tx, current, patch, actor)
		}
		return err
	})
	if err != nil {
		c.logger.Warn("failed to update series",
			"series_id", id,
			"scope", scope,
			"actor_id", actor.ID,
			"error", err)
		return nil, fromStorage(err, "update series %s", id)
	}

	c.logger.Info("series updated",
		"series_id", id,
		"scope", scope,
		"result_id", result.ID,
		"actor_id", actor.ID)
	return result, nil
}

func checkScope(scope EditScope, instanceDate *time.Time) error {
	switch scope {
	case EditAll, "":
		return nil
	case EditSingle, EditFuture:
		if instanceDate == nil || instanceDate.IsZero() {
			return newError(ErrMissingInstanceDate, "scope %s requires an instance date", scope)
		}
		return nil
	}
	return newError(ErrInvalidInput, "unknown edit scope %q", scope)
}

// loadForWrite reads a series and checks the actor may mutate it.
func (c *Controller) loadForWrite(ctx context.Context, tx storage.Tx, id string, actor *auth.Actor, expected mo.Option[int64]) (*storage.Series, error) {
	s, err := tx.GetSeries(ctx, id)
	if err != nil {
		return nil, fromStorage(err, "get series %s", id)
	}
	if !visible(s, actor) {
		return nil, newError(ErrNotFound, "series %s not found", id)
	}
	if s.IsLocked && !actor.CanOverrideLock() {
		return nil, newError(ErrLocked, "series %s is locked", id)
	}
	if s.Scope == storage.ScopeSystem && !actor.IsSuperAdmin() {
		return nil, newError(ErrPermissionDenied, "only super admins modify system series")
	}
	if !actor.CanApprove() && s.ProposerID != actor.ID {
		return nil, newError(ErrPermissionDenied, "series %s belongs to another actor", id)
	}
	if v, ok := expected.Get(); ok && v != s.LockVersion {
		return nil, newError(ErrVersionConflict, "series %s is at version %d, not %d", id, s.LockVersion, v)
	}
	return s, nil
}

func (c *Controller) updateAll(ctx context.Context, tx storage.Tx, current *storage.Series, patch Patch, actor *auth.Actor) (*storage.Series, error) {
	now := c.now().UTC()
	next := current.Clone()
	patch.apply(next)
	if patch.StartTime.IsPresent() && !patch.EndTime.IsPresent() {
		next.EndTime = next.StartTime.Add(current.Duration())
	}
	if v, ok := patch.IsLocked.Get(); ok {
		next.IsLocked = v
	}
	if err := c.validate(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = now

	timeEdit := patch.AffectsTime()
	if timeEdit {
		if !actor.CanApprove() {
			next.Status = storage.StatusPending
			next.IsLocked = false
		}
		until, err := c.materializer.Horizon(next, now)
		if err != nil {
			return nil, wrapError(ErrInvalidInput, err, "expand series %s", next.ID)
		}
		next.MaterializedUntil = until
	}

	if err := tx.UpdateSeries(ctx, next); err != nil {
		return nil, fromStorage(err, "update series %s", next.ID)
	}
	switch {
	case timeEdit:
		if err := c.materializer.Materialize(ctx, tx, next); err != nil {
			return nil, err
		}
	case patch.affectsDetails() || next.Status != current.Status:
		if err := c.materializer.RefreshDetails(ctx, tx, next); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// occurrenceOn returns the candidate of s on the day of instance.
func (c *Controller) occurrenceOn(s *storage.Series, instance time.Time) (time.Time, error) {
	rule, err := parseRule(s)
	if err != nil {
		return time.Time{}, err
	}
	day := timeutil.StartOfDay(instance)
	candidate, ok, err := c.engine.FirstOccurrence(rule, s.StartTime, day, timeutil.EndOfDay(day))
	if err != nil {
		return time.Time{}, wrapError(ErrInvalidInput, err, "expand series %s", s.ID)
	}
	if !ok {
		return time.Time{}, newError(ErrInvalidInput, "series %s has no occurrence on %s", s.ID, timeutil.DateKey(day))
	}
	return candidate, nil
}

// exceptionOn returns the stored exception of the day, if any.
func exceptionOn(ctx context.Context, tx storage.Tx, seriesID string, day time.Time) (*storage.Exception, error) {
	exceptions, err := tx.ListExceptions(ctx, seriesID)
	if err != nil {
		return nil, fromStorage(err, "list exceptions of %s", seriesID)
	}
	for _, e := range exceptions {
		if timeutil.SameDay(e.OriginalDate, day) {
			return e, nil
		}
	}
	return nil, nil
}

func (c *Controller) updateSingle(ctx context.Context, tx storage.Tx, current *storage.Series, instance time.Time, patch Patch, actor *auth.Actor) (*storage.Series, error) {
	if patch.RecurrenceRule.IsPresent() || patch.TargetPolicy.IsPresent() || patch.IsLocked.IsPresent() ||
		patch.IsAllDay.IsPresent() || patch.Goal.IsPresent() || patch.TargetAudience.IsPresent() || patch.Organizer.IsPresent() {
		return nil, newError(ErrInvalidInput, "a single occurrence only takes title, description, start and end")
	}

	candidate, err := c.occurrenceOn(current, instance)
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	day := timeutil.StartOfDay(candidate)

	existing, err := exceptionOn(ctx, tx, current.ID, day)
	if err != nil {
		return nil, err
	}
	e := &storage.Exception{
		ID:           c.newID(),
		SeriesID:     current.ID,
		OriginalDate: day,
		CreatedAt:    now,
	}
	if existing != nil {
		if existing.IsCancelled {
			return nil, newError(ErrInvalidInput, "occurrence on %s is cancelled", timeutil.DateKey(day))
		}
		e = existing.Clone()
	}

	start := candidate
	if e.NewStartTime != nil {
		start = *e.NewStartTime
	}
	end := start.Add(current.Duration())
	if e.NewEndTime != nil {
		end = *e.NewEndTime
	}
	if v, ok := patch.StartTime.Get(); ok {
		start = v.UTC()
		end = start.Add(current.Duration())
	}
	if v, ok := patch.EndTime.Get(); ok {
		end = v.UTC()
	}
	if !end.After(start) {
		return nil, newError(ErrInvalidInput, "end time must be after start time")
	}
	e.NewStartTime, e.NewEndTime = &start, &end

	if v, ok := patch.Title.Get(); ok {
		e.Title = &v
	}
	if v, ok := patch.Description.Get(); ok {
		e.Description = &v
	}
	if patch.AffectsTime() && !actor.CanApprove() {
		pending := storage.StatusPending
		e.Status = &pending
	}

	next := current.Clone()
	next.UpdatedAt = now
	if err := tx.UpdateSeries(ctx, next); err != nil {
		return nil, fromStorage(err, "update series %s", next.ID)
	}
	if err := tx.UpsertException(ctx, e); err != nil {
		return nil, fromStorage(err, "store exception of %s", next.ID)
	}
	if err := c.materializer.Materialize(ctx, tx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// firstDay returns the day of the first occurrence of s, false when it has none.
func (c *Controller) firstDay(s *storage.Series, rule *recurrence.Rule) (time.Time, bool, error) {
	first, ok, err := c.engine.FirstOccurrence(rule, s.StartTime, s.StartTime, searchEnd(rule, s.StartTime))
	if err != nil {
		return time.Time{}, false, wrapError(ErrInvalidInput, err, "expand series %s", s.ID)
	}
	return timeutil.StartOfDay(first), ok, nil
}

func (c *Controller) updateFuture(ctx context.Context, tx storage.Tx, current *storage.Series, instance time.Time, patch Patch, actor *auth.Actor) (*storage.Series, error) {
	rule, err := parseRule(current)
	if err != nil {
		return nil, err
	}
	cutoff := timeutil.StartOfDay(instance)
	first, ok, err := c.firstDay(current, rule)
	if err != nil {
		return nil, err
	}
	if !ok || !cutoff.After(first) {
		return c.updateAll(ctx, tx, current, patch, actor)
	}
	if rule == nil {
		return nil, newError(ErrInvalidInput, "series %s has no occurrence on or after %s", current.ID, timeutil.DateKey(cutoff))
	}

	truncated, successor, err := c.splitter.Split(current, rule, cutoff, patch)
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()

	truncated.UpdatedAt = now
	if truncated.MaterializedUntil, err = c.materializer.Horizon(truncated, now); err != nil {
		return nil, wrapError(ErrInvalidInput, err, "expand series %s", truncated.ID)
	}
	if err := tx.UpdateSeries(ctx, truncated); err != nil {
		return nil, fromStorage(err, "update series %s", truncated.ID)
	}
	if err := tx.DeleteExceptionsFrom(ctx, truncated.ID, cutoff); err != nil {
		return nil, fromStorage(err, "trim exceptions of %s", truncated.ID)
	}
	if err := c.materializer.Materialize(ctx, tx, truncated); err != nil {
		return nil, err
	}

	successor.ID = c.newID()
	successor.LockVersion = 1
	successor.CreatedAt, successor.UpdatedAt = now, now
	if v, ok := patch.IsLocked.Get(); ok {
		successor.IsLocked = v
	}
	if patch.AffectsTime() && !actor.CanApprove() {
		successor.Status = storage.StatusPending
		successor.IsLocked = false
	}
	if err := c.validate(successor); err != nil {
		return nil, err
	}
	if successor.MaterializedUntil, err = c.materializer.Horizon(successor, now); err != nil {
		return nil, wrapError(ErrInvalidInput, err, "expand series %s", successor.ID)
	}
	if err := tx.CreateSeries(ctx, successor); err != nil {
		return nil, fromStorage(err, "create series %s", successor.ID)
	}
	if err := c.materializer.Materialize(ctx, tx, successor); err != nil {
		return nil, err
	}
	return successor, nil
}

// DeleteSeries removes the whole series, cancels the occurrence on the day
// of instanceDate, or truncates the series before that day. Truncating at
// or before the first occurrence removes the series.
func (c *Controller) DeleteSeries(ctx context.Context, id string, scope EditScope, instanceDate *time.Time, actor *auth.Actor) error {
	if actor == nil {
		return newError(ErrPermissionDenied, "no actor")
	}
	if err := checkScope(scope, instanceDate); err != nil {
		return err
	}

	err := c.store.WithTx(ctx, func(tx storage.Tx) error {
		current, err := c.loadForWrite(ctx, tx, id, actor, mo.None[int64]())
		if err != nil {
			return err
		}
		switch scope {
		case EditSingle:
			return c.cancelOccurrence(ctx, tx, current, *instanceDate)
		case EditFuture:
			return c.truncate(ctx, tx, current, *instanceDate)
		}
		return fromStorage(tx.DeleteSeries(ctx, id), "delete series %s", id)
	})
	if err != nil {
		c.logger.Warn("failed to delete series",
			"series_id", id,
			"scope", scope,
			"actor_id", actor.ID,
			"error", err)
		return fromStorage(err, "delete series %s", id)
	}

	c.logger.Info("series deleted",
		"series_id", id,
		"scope", scope,
		"actor_id", actor.ID)
	return nil
}

func (c *Controller) cancelOccurrence(ctx context.Context, tx storage.Tx, current *storage.Series, instance time.Time) error {
	candidate, err := c.occurrenceOn(current, instance)
	if err != nil {
		return err
	}
	now := c.now().UTC()
	day := timeutil.StartOfDay(candidate)

	existing, err := exceptionOn(ctx, tx, current.ID, day)
	if err != nil {
		return err
	}
	e := &storage.Exception{
		ID:           c.newID(),
		SeriesID:     current.ID,
		OriginalDate: day,
		IsCancelled:  true,
		CreatedAt:    now,
	}
	if existing != nil {
		e.ID = existing.ID
		e.CreatedAt = existing.CreatedAt
	}

	next := current.Clone()
	next.UpdatedAt = now
	if err := tx.UpdateSeries(ctx, next); err != nil {
		return fromStorage(err, "update series %s", next.ID)
	}
	if err := tx.UpsertException(ctx, e); err != nil {
		return fromStorage(err, "store exception of %s", next.ID)
	}
	return c.materializer.Materialize(ctx, tx, next)
}

func (c *Controller) truncate(ctx context.Context, tx storage.Tx, current *storage.Series, instance time.Time) error {
	rule, err := parseRule(current)
	if err != nil {
		return err
	}
	cutoff := timeutil.StartOfDay(instance)
	first, ok, err := c.firstDay(current, rule)
	if err != nil {
		return err
	}
	if !ok || !cutoff.After(first) {
		return fromStorage(tx.DeleteSeries(ctx, current.ID), "delete series %s", current.ID)
	}
	if rule == nil {
		return newError(ErrInvalidInput, "series %s has no occurrence on or after %s", current.ID, timeutil.DateKey(cutoff))
	}
	if _, err := c.splitter.nextOccurrence(current, rule, cutoff); err != nil {
		return err
	}

	now := c.now().UTC()
	next := current.Clone()
	next.RecurrenceRule = rule.Truncate(cutoff.Add(-time.Second)).String()
	next.UpdatedAt = now
	if next.MaterializedUntil, err = c.materializer.Horizon(next, now); err != nil {
		return wrapError(ErrInvalidInput, err, "expand series %s", next.ID)
	}
	if err := tx.UpdateSeries(ctx, next); err != nil {
		return fromStorage(err, "update series %s", next.ID)
	}
	if err := tx.DeleteExceptionsFrom(ctx, next.ID, cutoff); err != nil {
		return fromStorage(err, "trim exceptions of %s", next.ID)
	}
	return c.materializer.Materialize(ctx, tx, next)
}
