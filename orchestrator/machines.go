package orchestrator

import (
	"context"
	"fmt"

	"github.com/lcpu-dev/labsched/backend"
	"github.com/lcpu-dev/labsched/models"
	"github.com/lcpu-dev/labsched/utils/logging"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

// RefreshMachines fills the live state of every machine of inst. A machine
// the backend cannot describe is reported in the unknown state.
func (o *Orchestrator) RefreshMachines(ctx context.Context, inst *models.Instance) {
	var wg conc.WaitGroup
	for id, m := range inst.Machines {
		id, m := id, m
		tmpl := inst.Lab.Machines[id]
		if m == nil || tmpl == nil {
			continue
		}
		wg.Go(func() {
			m.MachineInfo = o.machineInfo(ctx, tmpl.Type, id, m.Name)
		})
	}
	wg.Wait()
}

func (o *Orchestrator) machineInfo(ctx context.Context, t models.MachineType, id, name string) *models.MachineInfo {
	b, err := o.backends.For(t)
	var info *models.MachineInfo
	if err == nil {
		info, err = b.MachineInfo(ctx, name)
	}
	if err != nil {
		logging.From(ctx).WithError(err).WithFields(logrus.Fields{
			"type":    t,
			"machine": id,
			"name":    name,
		}).Warn("failed to get machine info")
		return &models.MachineInfo{State: models.StateUnknown}
	}
	return info
}

// UpdateMachineState asks the backend to move machineID of inst towards
// state and merges the reported state into inst. Holders of the public
// token may only do so when the machine enables restarts.
func (o *Orchestrator) UpdateMachineState(ctx context.Context, inst *models.Instance, machineID string, state models.MachineState, private bool) (*models.InstanceMachine, error) {
	m, ok := inst.Machines[machineID]
	tmpl := inst.Lab.Machines[machineID]
	if !ok || m == nil || tmpl == nil {
		return nil, fmt.Errorf("%s: %w", machineID, ErrMachineNotFound)
	}
	if !private && !tmpl.EnableRestart {
		return nil, ErrForbidden
	}
	if err := backend.ValidateDesiredState(tmpl.Type, state); err != nil {
		return nil, err
	}
	b, err := o.backends.For(tmpl.Type)
	if err != nil {
		return nil, err
	}
	info, err := b.UpdateMachineState(ctx, m.Name, state)
	if err != nil {
		logging.From(ctx).WithError(err).WithFields(logrus.Fields{
			"type":    tmpl.Type,
			"machine": machineID,
			"name":    m.Name,
			"state":   state,
		}).Error("failed to update machine state")
		return nil, err
	}
	m.MachineInfo = info
	return m, nil
}
