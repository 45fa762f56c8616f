package series

import (
	"context"
	"strings"

	"github.com/zaman-cal/seriesd/server/auth"
	"github.com/zaman-cal/seriesd/server/storage"
)

var transitions = map[storage.Status][]storage.Status{
	storage.StatusPending:  {storage.StatusApproved, storage.StatusRejected, storage.StatusCancelled},
	storage.StatusApproved: {storage.StatusRejected, storage.StatusCancelled},
}

// CanTransition reports whether a series may move from one status to another.
func CanTransition(from, to storage.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Review moves a series to APPROVED, REJECTED or CANCELLED. Approval locks
// the series unless lock says otherwise; rejection and cancellation unlock
// it. Proposers may cancel their own unlocked series; every other decision
// needs approver privilege. Status overrides on exceptions are cleared.
func (c *Controller) Review(ctx context.Context, id string, decision storage.Status, reason string, lock *bool, actor *auth.Actor) (*storage.Series, error) {
	if actor == nil {
		return nil, newError(ErrPermissionDenied, "no actor")
	}
	if !decision.Valid() || decision == storage.StatusPending {
		return nil, newError(ErrInvalidInput, "unknown decision %q", decision)
	}

	var result *storage.Series
	err := c.store.WithTx(ctx, func(tx storage.Tx) error {
		current, err := tx.GetSeries(ctx, id)
		if err != nil {
			return fromStorage(err, "get series %s", id)
		}
		if !visible(current, actor) {
			return newError(ErrNotFound, "series %s not found", id)
		}
		ownCancel := decision == storage.StatusCancelled && current.ProposerID == actor.ID && !current.IsLocked
		if !ownCancel && !actor.CanApprove() {
			return newError(ErrPermissionDenied, "actor %s cannot review series", actor.ID)
		}
		if current.Scope == storage.ScopeSystem && !actor.IsSuperAdmin() {
			return newError(ErrPermissionDenied, "only super admins review system series")
		}
		if !CanTransition(current.Status, decision) {
			return newError(ErrInvalidTransition, "series %s cannot move from %s to %s", id, current.Status, decision)
		}

		next := current.Clone()
		next.Status = decision
		next.UpdatedAt = c.now().UTC()
		switch decision {
		case storage.StatusApproved:
			next.IsLocked = true
			if lock != nil {
				next.IsLocked = *lock
			}
			next.RejectionReason = ""
		case storage.StatusRejected:
			next.IsLocked = false
			next.RejectionReason = strings.TrimSpace(reason)
		case storage.StatusCancelled:
			next.IsLocked = false
		}

		if err := tx.UpdateSeries(ctx, next); err != nil {
			return fromStorage(err, "update series %s", id)
		}
		if err := clearExceptionStatus(ctx, tx, id); err != nil {
			return err
		}
		if err := c.materializer.RefreshDetails(ctx, tx, next); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		c.logger.Warn("failed to review series",
			"series_id", id,
			"decision", decision,
			"actor_id", actor.ID,
			"error", err)
		return nil, fromStorage(err, "review series %s", id)
	}

	c.logger.Info("series reviewed",
		"series_id", id,
		"decision", decision,
		"actor_id", actor.ID)
	return result, nil
}

func clearExceptionStatus(ctx context.Context, tx storage.Tx, seriesID string) error {
	exceptions, err := tx.ListExceptions(ctx, seriesID)
	if err != nil {
		return fromStorage(err, "list exceptions of %s", seriesID)
	}
	for _, e := range exceptions {
		if e.Status == nil {
			continue
		}
		e.Status = nil
		if err := tx.UpsertException(ctx, e); err != nil {
			return fromStorage(err, "store exception of %s", seriesID)
		}
	}
	return nil
}
