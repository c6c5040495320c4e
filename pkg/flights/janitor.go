package flights

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/wsm/pkg/stores"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

// Janitor marks orphaned rows BROKEN. A row is orphaned when it is in an
// in-progress state and its owning run is missing or finished. Orphans are
// never re-driven; an operator deletes them.
type Janitor struct {
	store    *stores.Store
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	interval time.Duration
}

// NewJanitor creates a janitor sweeping every interval.
func NewJanitor(store *stores.Store, tel *telemetry.Telemetry, interval time.Duration) *Janitor {
	if tel == nil {
		tel = telemetry.NewNoop()
	}
	return &Janitor{
		store:    store,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("janitor"),
		interval: interval,
	}
}

// RunOnce performs one sweep and returns the number of rows marked BROKEN.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	orphans, err := j.store.ListOrphans(ctx)
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, o := range orphans {
		status := o.RunStatus
		if status == "" {
			status = "missing"
		}
		reason := fmt.Sprintf("orphaned: owning run %s is %s", o.OwningRunID, status)

		// The owner check loses to a run that re-claimed the row meanwhile
		ok, err := j.store.MarkBroken(ctx, o.Ref, o.OwningRunID, reason)
		if err != nil {
			return marked, fmt.Errorf("failed to mark %s broken: %w", o.Ref, err)
		}
		if !ok {
			continue
		}

		marked++
		j.logger.WithField("object_id", o.Ref.ObjectID()).
			WithField("state", string(o.State)).
			Warn(reason)
		j.tel.Metrics.RecordStateChange(string(o.Ref.Kind), string(stores.StateBroken))
		j.tel.Events.PublishOrphanMarked(o.Ref.ObjectID(), o.OwningRunID)
	}

	j.tel.Metrics.RecordOrphansMarked(marked)
	return marked, nil
}

// Run sweeps until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Infof("janitor started, interval %s", j.interval)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			n, err := j.RunOnce(ctx)
			if err != nil {
				j.logger.WithError(err).Error("janitor sweep failed")
				continue
			}
			if n > 0 {
				j.logger.Infof("marked %d orphaned rows broken", n)
			}
		}
	}
}
