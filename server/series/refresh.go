package series

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zaman-cal/seriesd/internal/metrics"
	"github.com/zaman-cal/seriesd/server/storage"
)

// Rematerialize regenerates the rows of every series with horizons computed
// from the current time. It returns how many series were rewritten; failures
// of single series are logged, joined and do not stop the run.
func (c *Controller) Rematerialize(ctx context.Context) (int, error) {
	return c.refresh(ctx, c.now().UTC(), true)
}

// RefreshHorizons rolls MaterializedUntil forward for series whose horizon
// as of now is past the stored one and regenerates only those.
func (c *Controller) RefreshHorizons(ctx context.Context, now time.Time) (int, error) {
	return c.refresh(ctx, now.UTC(), false)
}

func (c *Controller) refresh(ctx context.Context, now time.Time, force bool) (int, error) {
	list, err := c.store.ListSeries(ctx, storage.SeriesFilter{AllTenants: true, IncludeSystem: true})
	if err != nil {
		return 0, fromStorage(err, "list series")
	}

	n := 0
	var errs []error
	for _, s := range list {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		changed, err := c.refreshOne(ctx, s.ID, now, force)
		metrics.ObserveRefresh(err)
		if err != nil {
			c.logger.Warn("failed to refresh series",
				"series_id", s.ID,
				"error", err)
			errs = append(errs, err)
			continue
		}
		if changed {
			n++
		}
	}

	c.logger.Info("series refreshed",
		"total", len(list),
		"rewritten", n,
		"failed", len(errs),
		"force", force)
	return n, errors.Join(errs...)
}

func (c *Controller) refreshOne(ctx context.Context, id string, now time.Time, force bool) (bool, error) {
	changed := false
	err := c.store.WithTx(ctx, func(tx storage.Tx) error {
		s, err := tx.GetSeries(ctx, id)
		if err != nil {
			return fromStorage(err, "get series %s", id)
		}
		until, err := c.materializer.Horizon(s, now)
		if err != nil {
			return wrapError(ErrRegeneration, err, "expand series %s", id)
		}
		if !force && !until.After(s.MaterializedUntil) {
			return nil
		}
		s.MaterializedUntil = until
		if err := tx.UpdateSeries(ctx, s); err != nil {
			return fromStorage(err, "update series %s", id)
		}
		if err := c.materializer.Materialize(ctx, tx, s); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, fromStorage(err, "refresh series %s", id)
	}
	return changed, nil
}

// Refresher runs RefreshHorizons on a cron schedule.
type Refresher struct {
	controller *Controller
	cron       *cron.Cron
	logger     *slog.Logger
	timeout    time.Duration
}

// NewRefresher schedules horizon refreshes with a standard five-field cron
// spec (or a descriptor such as "@daily").
func NewRefresher(controller *Controller, spec string, logger *slog.Logger) (*Refresher, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Refresher{
		controller: controller,
		cron:       cron.New(cron.WithLocation(time.UTC)),
		logger:     logger,
		timeout:    10 * time.Minute,
	}
	if _, err := r.cron.AddFunc(spec, r.Run); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	return r, nil
}

// Run refreshes horizons once.
func (r *Refresher) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	n, err := r.controller.RefreshHorizons(ctx, r.controller.now())
	if err != nil {
		r.logger.Error("horizon refresh failed",
			"rewritten", n,
			"error", err)
		return
	}
	r.logger.Info("horizon refresh complete", "rewritten", n)
}

// Start starts the schedule in its own goroutine.
func (r *Refresher) Start() {
	r.cron.Start()
}

// Stop stops the schedule and waits for a running refresh.
func (r *Refresher) Stop() {
	<-r.cron.Stop().Done()
}
