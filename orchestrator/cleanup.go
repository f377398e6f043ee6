package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/lcpu-dev/labsched/models"
	"github.com/lcpu-dev/labsched/utils/logging"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

// CleanupInstance deletes the machines of inst, then its endpoints and the
// bridges it was wired to. Every step tolerates resources that are already
// gone, so it can be run again after a partial failure. Imported instances
// are left alone.
func (o *Orchestrator) CleanupInstance(ctx context.Context, inst *models.Instance) error {
	if inst.Imported {
		return nil
	}
	log := logging.From(ctx).WithField("instance", inst.DocID())

	var errs []error
	wp := pool.New().WithErrors()
	for id, m := range inst.Machines {
		id, m := id, m
		tmpl := inst.Lab.Machines[id]
		if m == nil || m.Name == "" || tmpl == nil {
			continue
		}
		wp.Go(func() error {
			b, err := o.backends.For(tmpl.Type)
			if err == nil {
				err = b.DeleteMachine(ctx, m.Name)
			}
			if err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"type":    tmpl.Type,
					"machine": id,
					"name":    m.Name,
				}).Warn("failed to delete machine")
				return fmt.Errorf("delete machine %s: %w", m.Name, err)
			}
			return nil
		})
	}
	if err := wp.Wait(); err != nil {
		errs = append(errs, err)
	}

	if inst.Endpoints != nil && o.labProxy != nil {
		if err := o.labProxy.RemoveEndpoints(ctx, inst); err != nil {
			log.WithError(err).Warn("failed to remove endpoints")
			errs = append(errs, err)
		}
	}

	if o.networks != nil {
		if err := o.networks.DeleteDanglingNetworks(ctx, inst); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ScheduleCleanup tears inst down in the background. The caller does not
// wait for it; failures are queued for RetryCleanups.
func (o *Orchestrator) ScheduleCleanup(ctx context.Context, inst *models.Instance) {
	snapshot := inst.Stored()
	ctx = logging.Detach(ctx)
	o.cleanups.Add(1)
	go func() {
		defer o.cleanups.Done()
		_ = o.rollback(ctx, snapshot)
	}()
}

// Wait blocks until every scheduled cleanup has finished.
func (o *Orchestrator) Wait() {
	o.cleanups.Wait()
}

// rollback runs CleanupInstance and queues inst for retry when it fails.
func (o *Orchestrator) rollback(ctx context.Context, inst *models.Instance) error {
	err := o.CleanupInstance(ctx, inst)
	if err == nil {
		o.metrics.IncRollback("ok")
		return nil
	}
	o.metrics.IncRollback("failed")
	log := logging.From(ctx).WithField("instance", inst.DocID())
	p := &models.PendingCleanup{
		ID:       models.CleanupDocID(inst, o.now().UnixNano()),
		Instance: inst.Stored(),
		Attempts: 1,
		LastErr:  err.Error(),
	}
	if perr := o.store.Post(ctx, p); perr != nil {
		log.WithError(perr).Error("failed to queue cleanup for retry")
	} else {
		log.WithError(err).WithField("cleanup", p.ID).Warn("cleanup queued for retry")
	}
	return err
}

// RetryCleanups runs every queued cleanup once. Records are removed when
// the cleanup succeeds and updated with the last error otherwise.
func (o *Orchestrator) RetryCleanups(ctx context.Context) error {
	raws, err := o.store.AllDocs(ctx, models.CleanupPrefix)
	if err != nil {
		return err
	}
	log := logging.From(ctx)
	for _, raw := range raws {
		p := &models.PendingCleanup{}
		if err := raw.Decode(p); err != nil {
			log.WithError(err).WithField("cleanup", raw.ID).Error("unreadable cleanup record")
			continue
		}
		if p.Instance == nil {
			if err := o.store.Remove(ctx, p.ID, p.Rev); err != nil {
				log.WithError(err).WithField("cleanup", p.ID).Warn("failed to drop empty cleanup record")
			}
			continue
		}
		cerr := o.CleanupInstance(ctx, p.Instance)
		if cerr == nil {
			o.metrics.IncRollback("ok")
			if err := o.store.Remove(ctx, p.ID, p.Rev); err != nil {
				log.WithError(err).WithField("cleanup", p.ID).Warn("failed to remove cleanup record")
			}
			continue
		}
		o.metrics.IncRollback("failed")
		p.Attempts++
		p.LastErr = cerr.Error()
		if err := o.store.Put(ctx, p); err != nil {
			log.WithError(err).WithField("cleanup", p.ID).Warn("failed to update cleanup record")
		}
		log.WithError(cerr).WithFields(logrus.Fields{"cleanup": p.ID, "attempts": p.Attempts}).Warn("cleanup still failing")
	}
	return nil
}
