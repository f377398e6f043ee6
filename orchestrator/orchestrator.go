// Package orchestrator drives the lifecycle of lab instances: it provisions
// networks, machines and integrations for a (lab, username) pair, persists
// the result and unwinds whatever was created when a step fails.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lcpu-dev/labsched/backend"
	"github.com/lcpu-dev/labsched/models"
	"github.com/lcpu-dev/labsched/network"
	"github.com/lcpu-dev/labsched/repository"
	"github.com/lcpu-dev/labsched/store"
)

var (
	ErrMachineNotFound = fmt.Errorf("machine %w", store.ErrNotFound)
	// ErrForbidden is returned when the public token asks for something
	// the lab does not expose.
	ErrForbidden = errors.New("forbidden")
)

type GitlabConnector interface {
	CreateContext(ctx context.Context, inst *models.Instance) (*models.GitlabResult, error)
}

// GitlabFactory builds a connector for the GitLab a lab is bound to.
type GitlabFactory func(conf *models.GitlabConfig) (GitlabConnector, error)

type EndpointRegistrar interface {
	RegisterEndpoints(ctx context.Context, inst *models.Instance) (map[string]map[string]interface{}, error)
	RemoveEndpoints(ctx context.Context, inst *models.Instance) error
}

type AssistantConnector interface {
	CreateUser(ctx context.Context, inst *models.Instance) (*models.AssistantResult, error)
}

// Options wires the orchestrator. Optional integrations are nil when not
// configured.
type Options struct {
	Store        *store.Store
	Backends     backend.Registry
	Networks     *network.Provisioner
	Repositories *repository.Manager
	// Gitlab is used for labs that do not name their own GitLab.
	Gitlab    *models.GitlabConfig
	NewGitlab GitlabFactory
	LabProxy  EndpointRegistrar
	Assistant AssistantConnector
	Metrics   *Metrics
}

type Orchestrator struct {
	store     *store.Store
	backends  backend.Registry
	networks  *network.Provisioner
	repos     *repository.Manager
	gitlab    *models.GitlabConfig
	newGitlab GitlabFactory
	labProxy  EndpointRegistrar
	assistant AssistantConnector
	metrics   *Metrics

	cleanups sync.WaitGroup
	now      func() time.Time
	newToken func() string
	// newNonce makes machine names unique per provisioning run.
	newNonce func() string
}

func New(opts Options) *Orchestrator {
	return &Orchestrator{
		store:     opts.Store,
		backends:  opts.Backends,
		networks:  opts.Networks,
		repos:     opts.Repositories,
		gitlab:    opts.Gitlab,
		newGitlab: opts.NewGitlab,
		labProxy:  opts.LabProxy,
		assistant: opts.Assistant,
		metrics:   opts.Metrics,
		now:       time.Now,
		newToken: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		},
		newNonce: func() string {
			return uuid.NewString()[:6]
		},
	}
}

func (o *Orchestrator) Store() *store.Store {
	return o.store
}

func (o *Orchestrator) Metrics() *Metrics {
	return o.metrics
}

// SaveLab creates the lab when it carries no revision and updates it
// otherwise.
func (o *Orchestrator) SaveLab(ctx context.Context, lab *models.Lab) error {
	if err := lab.Validate(); err != nil {
		return err
	}
	if lab.Rev == "" {
		return o.store.Post(ctx, lab)
	}
	return o.store.Put(ctx, lab)
}

func (o *Orchestrator) GetLab(ctx context.Context, id string) (*models.Lab, error) {
	lab := &models.Lab{}
	if err := o.store.Get(ctx, models.LabDocID(id), lab); err != nil {
		return nil, err
	}
	return lab, nil
}

func (o *Orchestrator) DeleteLab(ctx context.Context, id, rev string) error {
	return o.store.Remove(ctx, models.LabDocID(id), rev)
}

func (o *Orchestrator) ListLabs(ctx context.Context) ([]*models.Lab, error) {
	raws, err := o.store.AllDocs(ctx, models.LabDocID(""))
	if err != nil {
		return nil, err
	}
	labs := make([]*models.Lab, 0, len(raws))
	for _, raw := range raws {
		lab := &models.Lab{}
		if err := raw.Decode(lab); err != nil {
			return nil, err
		}
		labs = append(labs, lab)
	}
	return labs, nil
}

func (o *Orchestrator) GetInstance(ctx context.Context, labID, username string) (*models.Instance, error) {
	inst := &models.Instance{}
	if err := o.store.Get(ctx, models.InstanceDocID(labID, username), inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// GetInstanceByToken resolves a private or public token, reporting which.
func (o *Orchestrator) GetInstanceByToken(ctx context.Context, token string) (*models.Instance, bool, error) {
	raw, private, err := o.store.QueryToken(ctx, token)
	if err != nil {
		return nil, false, err
	}
	if raw.Kind != "instance" {
		return nil, false, fmt.Errorf("token: %w", store.ErrNotFound)
	}
	inst := &models.Instance{}
	if err := raw.Decode(inst); err != nil {
		return nil, false, err
	}
	return inst, private, nil
}

func (o *Orchestrator) ListInstances(ctx context.Context, labID string) ([]*models.Instance, error) {
	raws, err := o.store.AllDocs(ctx, models.InstancePrefix(labID))
	if err != nil {
		return nil, err
	}
	out := make([]*models.Instance, 0, len(raws))
	for _, raw := range raws {
		inst := &models.Instance{}
		if err := raw.Decode(inst); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// UpdateInstance writes inst at its current revision. Live machine state is
// never written.
func (o *Orchestrator) UpdateInstance(ctx context.Context, inst *models.Instance) error {
	stored := inst.Stored()
	if err := o.store.Put(ctx, stored); err != nil {
		return err
	}
	inst.Rev = stored.Rev
	return nil
}

// DeleteInstance removes the instance document at rev (the current one when
// rev is empty) and schedules the teardown of its resources.
func (o *Orchestrator) DeleteInstance(ctx context.Context, labID, username, rev string) (*models.Instance, error) {
	inst, err := o.GetInstance(ctx, labID, username)
	if err != nil {
		return nil, err
	}
	if rev == "" {
		rev = inst.Rev
	}
	if err := o.store.Remove(ctx, inst.DocID(), rev); err != nil {
		return nil, err
	}
	if !inst.Imported {
		o.ScheduleCleanup(ctx, inst)
	}
	return inst, nil
}

// ImportInstance records an instance that was built elsewhere. Nothing is
// provisioned and nothing is torn down when it is deleted.
func (o *Orchestrator) ImportInstance(ctx context.Context, inst *models.Instance) (*models.Instance, error) {
	if err := models.ValidateUsername(inst.Username); err != nil {
		return nil, err
	}
	inst = inst.Stored()
	inst.Imported = true
	o.assignIdentity(inst)
	if err := o.store.Post(ctx, inst); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrInstanceExists
		}
		return nil, err
	}
	return inst, nil
}

// View is the instance as seen by the holder of a private or public token.
func View(inst *models.Instance, private bool) *models.Instance {
	if private {
		return inst.PrivateView()
	}
	return inst.PublicView()
}
