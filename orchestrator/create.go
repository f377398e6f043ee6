package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/lcpu-dev/labsched/backend"
	"github.com/lcpu-dev/labsched/models"
	"github.com/lcpu-dev/labsched/network"
	"github.com/lcpu-dev/labsched/store"
	"github.com/lcpu-dev/labsched/utils/logging"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/iter"
)

// stopwatch collects the timing map of one provisioning run.
type stopwatch struct {
	mu     sync.Mutex
	now    func() time.Time
	phases map[string]interface{}
}

func seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*10) / 10
}

func (s *stopwatch) record(phase string, start time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases[phase] = seconds(s.now().Sub(start))
}

func (s *stopwatch) recordNested(group, name string, start, end time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.phases[group].(map[string]interface{})
	if !ok {
		g = map[string]interface{}{}
		s.phases[group] = g
	}
	g[name] = seconds(end.Sub(start))
}

// CreateInstance provisions a new instance of lab for username.
func (o *Orchestrator) CreateInstance(ctx context.Context, lab *models.Lab, username string) (*models.Instance, error) {
	return o.Provision(ctx, &models.Instance{Lab: *lab, Username: username})
}

func (o *Orchestrator) assignIdentity(inst *models.Instance) {
	inst.ID = models.InstanceDocID(inst.Lab.ID, inst.Username)
	inst.Rev = ""
	if inst.StartTime.IsZero() {
		inst.StartTime = o.now().UTC().Truncate(time.Second)
	}
	if inst.PrivateToken == "" {
		inst.PrivateToken = o.newToken()
	}
	if inst.PublicToken == "" {
		inst.PublicToken = o.newToken()
	}
}

// Provision runs the creation workflow over inst, which may already carry
// tokens, a start time or integration results. Business outcomes come back
// as Failure; store errors other than a duplicate id are returned as is.
func (o *Orchestrator) Provision(ctx context.Context, inst *models.Instance) (*models.Instance, error) {
	started := o.now()
	inst, err := o.provision(ctx, inst)
	o.metrics.ObserveProvision(o.now().Sub(started))
	switch {
	case err == nil:
		o.metrics.IncInstanceCreate("ok")
	case errors.Is(err, ErrInstanceExists):
		o.metrics.IncInstanceCreate("exists")
	case IsFailure(err):
		o.metrics.IncInstanceCreate("failed")
	default:
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			o.metrics.IncInstanceCreate("invalid")
		} else {
			o.metrics.IncInstanceCreate("error")
		}
	}
	return inst, err
}

func (o *Orchestrator) provision(ctx context.Context, inst *models.Instance) (*models.Instance, error) {
	if err := inst.Lab.Validate(); err != nil {
		return nil, err
	}
	if err := models.ValidateUsername(inst.Username); err != nil {
		return nil, err
	}
	inst = inst.Stored()
	// tokens handed in by the caller may be shared with a concurrent run
	sharedTokens := inst.PrivateToken != ""
	o.assignIdentity(inst)
	log := logging.From(ctx).WithFields(logrus.Fields{"lab": inst.Lab.ID, "username": inst.Username})
	ctx = logging.WithEntry(ctx, log)

	if _, err := o.store.GetRaw(ctx, inst.ID); err == nil {
		return nil, ErrInstanceExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	sw := &stopwatch{now: o.now, phases: map[string]interface{}{}}
	total := o.now()

	if len(inst.Lab.Repositories) > 0 {
		if o.repos != nil {
			inst.Repositories = o.repos.Links(inst)
		} else {
			log.Warn("lab defines repositories but no repository server is configured")
		}
	}

	if inst.Lab.Assistant != nil && inst.Assistant == nil {
		if o.assistant == nil {
			return nil, Failure("Assistant is not configured")
		}
		start := o.now()
		res, err := o.assistant.CreateUser(ctx, inst)
		if err != nil {
			log.WithError(err).Error("failed to create assistant user")
			return nil, failureOf(err, "Failed to create assistant user")
		}
		inst.Assistant = res
		sw.record("assistant", start)
	}

	if len(inst.Lab.Endpoints) > 0 && o.labProxy != nil && inst.Endpoints == nil {
		start := o.now()
		eps, err := o.labProxy.RegisterEndpoints(ctx, inst)
		if err != nil {
			log.WithError(err).Error("failed to register endpoints")
			return nil, failureOf(err, "Failed to register endpoints")
		}
		inst.Endpoints = eps
		sw.record("endpoints", start)
	}

	if conf := o.gitlabConfig(&inst.Lab); conf != nil && inst.Gitlab == nil {
		start := o.now()
		res, err := o.createGitlab(ctx, conf, inst)
		if err != nil {
			log.WithError(err).Error("failed to create gitlab context")
			return nil, ErrCreateGitlab
		}
		inst.Gitlab = res
		sw.record("gitlab", start)
	}

	if len(inst.Lab.Machines) > 0 {
		if err := o.createNetworks(ctx, inst, sw); err != nil {
			return nil, err
		}
		if err := o.createMachines(ctx, inst, sw, sharedTokens); err != nil {
			return nil, err
		}
	}

	sw.record("total", total)
	inst.Timing = sw.phases
	stored := inst.Stored()
	if err := o.store.Post(ctx, stored); err != nil {
		if !inst.Imported {
			o.ScheduleCleanup(ctx, owned(inst, sharedTokens))
		}
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrInstanceExists
		}
		return nil, fmt.Errorf("persist %s: %w", inst.ID, err)
	}
	inst.Rev = stored.Rev
	log.WithFields(logrus.Fields{
		"privateToken": inst.PrivateToken,
		"publicToken":  inst.PublicToken,
		"timing":       inst.Timing,
	}).Info("instance created")
	return inst, nil
}

func (o *Orchestrator) gitlabConfig(lab *models.Lab) *models.GitlabConfig {
	if lab.Gitlab != nil {
		return lab.Gitlab
	}
	return o.gitlab
}

func (o *Orchestrator) createGitlab(ctx context.Context, conf *models.GitlabConfig, inst *models.Instance) (*models.GitlabResult, error) {
	if o.newGitlab == nil {
		return nil, errors.New("gitlab connector is not wired")
	}
	gl, err := o.newGitlab(conf)
	if err != nil {
		return nil, err
	}
	return gl.CreateContext(ctx, inst)
}

// createNetworks names every machine and resolves its networks. Bridges
// created before a failure are deleted before returning.
func (o *Orchestrator) createNetworks(ctx context.Context, inst *models.Instance, sw *stopwatch) error {
	start := o.now()
	var run *network.Run
	if o.networks != nil {
		run = o.networks.NewRun()
	}
	nonce := o.newNonce()
	inst.Machines = make(map[string]*models.InstanceMachine, len(inst.Lab.Machines))
	for _, id := range inst.Lab.MachineIDs() {
		tmpl := inst.Lab.Machines[id]
		m := &models.InstanceMachine{Name: models.InstantiateName(tmpl.Base, inst.Username, inst.StartTime, nonce)}
		for _, n := range tmpl.Networks {
			name, err := resolveNetwork(ctx, run, tmpl.Type, n)
			if err != nil {
				logging.From(ctx).WithError(err).WithFields(logrus.Fields{"machine": id, "network": n.Name}).Error("failed to create network")
				if run != nil {
					if rerr := run.Rollback(logging.Detach(ctx)); rerr != nil {
						logging.From(ctx).WithError(rerr).Error("failed to roll back networks")
					}
				}
				return ErrCreateNetworks
			}
			m.Networks = append(m.Networks, models.NetworkInstance{Name: name})
		}
		inst.Machines[id] = m
	}
	sw.record("networks", start)
	return nil
}

func resolveNetwork(ctx context.Context, run *network.Run, t models.MachineType, n models.NetworkTemplate) (string, error) {
	if run != nil {
		return run.Resolve(ctx, t, n)
	}
	if models.IsTemplateName(n.Name) {
		return "", fmt.Errorf("network %s needs a bridge but lxd is not configured", n.Name)
	}
	return n.Name, nil
}

// createMachines creates every machine in parallel. When any of them fails
// the machines of the run and every bridge of the run are deleted before
// returning.
func (o *Orchestrator) createMachines(ctx context.Context, inst *models.Instance, sw *stopwatch, sharedTokens bool) error {
	ids := inst.Lab.MachineIDs()
	errs := iter.Map(ids, func(id *string) error {
		tmpl := inst.Lab.Machines[*id]
		start := o.now()
		err := o.createMachine(ctx, inst, *id)
		sw.recordNested("machines", *id, start, o.now())
		if err != nil {
			o.metrics.IncMachineCreate(tmpl.Type, "failed")
			logging.From(ctx).WithError(err).WithFields(logrus.Fields{
				"type":    tmpl.Type,
				"machine": *id,
				"name":    inst.Machines[*id].Name,
			}).Error("failed to create machine")
			return err
		}
		o.metrics.IncMachineCreate(tmpl.Type, "ok")
		return nil
	})
	failed := false
	for _, err := range errs {
		if err != nil {
			failed = true
		}
	}
	if !failed {
		return nil
	}
	if cerr := o.rollback(logging.Detach(ctx), rollbackSnapshot(owned(inst, sharedTokens), ids, errs)); cerr != nil {
		logging.From(ctx).WithError(cerr).Error("rollback incomplete, queued for retry")
	}
	return ErrCreateMachines
}

// owned is the part of inst a failed run may tear down. Endpoints are keyed
// by the private token, so they are left alone when the token was shared.
func owned(inst *models.Instance, sharedTokens bool) *models.Instance {
	snap := inst.Stored()
	if sharedTokens {
		snap.Endpoints = nil
	}
	return snap
}

// rollbackSnapshot drops the machines whose create failed on a name
// collision: the machine under that name is not ours. Every other machine
// of the run is deleted, including ones that failed half way.
func rollbackSnapshot(snap *models.Instance, ids []string, errs []error) *models.Instance {
	for i, id := range ids {
		if backend.IsAlreadyExists(errs[i]) {
			snap.Machines[id].Name = ""
		}
	}
	return snap
}

func (o *Orchestrator) createMachine(ctx context.Context, inst *models.Instance, id string) error {
	b, err := o.backends.For(inst.Lab.Machines[id].Type)
	if err != nil {
		return err
	}
	return b.CreateMachine(ctx, inst, id)
}
