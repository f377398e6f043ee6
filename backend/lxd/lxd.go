// Package lxd runs lab machines as LXD containers.
package lxd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lcpu-dev/labsched/backend"
	"github.com/lcpu-dev/labsched/models"
	"github.com/lcpu-dev/labsched/renderer"
	lxd "github.com/lxc/lxd/client"
	"github.com/lxc/lxd/shared/api"
)

// Client is the part of lxd.InstanceServer the adapter uses.
type Client interface {
	CreateInstance(instance api.InstancesPost) (lxd.Operation, error)
	DeleteInstance(name string) (lxd.Operation, error)
	UpdateInstanceState(name string, state api.InstanceStatePut, ETag string) (lxd.Operation, error)
	GetInstanceState(name string) (*api.InstanceState, string, error)
}

var _ Client = lxd.InstanceServer(nil)

type Options struct {
	// RepositoryPath holds the bare repositories bound into containers.
	RepositoryPath string
	// OperationTimeout bounds each wait on an LXD operation.
	OperationTimeout time.Duration
	// StopTimeout is the grace period, in seconds, of a clean shutdown.
	StopTimeout int
}

type Backend struct {
	client   Client
	renderer *renderer.Renderer
	opts     Options
}

var _ backend.Backend = (*Backend)(nil)

func New(client Client, r *renderer.Renderer, opts Options) *Backend {
	if r == nil {
		r = renderer.NewRenderer(nil)
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 5 * time.Minute
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30
	}
	return &Backend{client: client, renderer: r, opts: opts}
}

// wait blocks until op reaches a terminal status. Every LXD call that
// returns an operation goes through here.
func (b *Backend) wait(ctx context.Context, op lxd.Operation, err error) error {
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.OperationTimeout)
	defer cancel()
	return op.WaitContext(ctx)
}

// InstancesPost builds the creation request for one machine of inst.
func (b *Backend) InstancesPost(inst *models.Instance, machineID string) (api.InstancesPost, error) {
	tmpl, ok := inst.Lab.Machines[machineID]
	if !ok || tmpl == nil {
		return api.InstancesPost{}, fmt.Errorf("machine %q is not defined by lab %s", machineID, inst.Lab.ID)
	}
	m, ok := inst.Machines[machineID]
	if !ok || m == nil || m.Name == "" {
		return api.InstancesPost{}, fmt.Errorf("machine %q has no instance name", machineID)
	}
	conf, err := b.renderer.RenderConfig(tmpl.Config, renderer.InstanceEnv(inst, machineID))
	if err != nil {
		return api.InstancesPost{}, err
	}
	if conf == nil {
		conf = map[string]string{}
	}
	if tmpl.Limits != nil {
		if tmpl.Limits.CPU > 0 {
			conf["limits.cpu"] = strconv.Itoa(tmpl.Limits.CPU)
		}
		if tmpl.Limits.CPUAllowance != "" {
			conf["limits.cpu.allowance"] = tmpl.Limits.CPUAllowance
		}
		if tmpl.Limits.Memory != "" {
			conf["limits.memory"] = tmpl.Limits.Memory
		}
	}
	conf["user.labsched.instance"] = inst.DocID()
	conf["user.labsched.machine"] = machineID

	devices := map[string]map[string]string{}
	for i, n := range m.Networks {
		dev := "eth" + strconv.Itoa(i)
		devices[dev] = map[string]string{
			"type":    "nic",
			"nictype": "bridged",
			"parent":  n.Name,
			"name":    dev,
		}
	}
	aliases := make([]string, 0, len(tmpl.Repositories))
	for alias := range tmpl.Repositories {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		repo, ok := inst.Lab.Repositories[alias]
		if !ok {
			return api.InstancesPost{}, fmt.Errorf("repository %q is not defined by lab %s", alias, inst.Lab.ID)
		}
		devices["repo-"+alias] = map[string]string{
			"type":     "disk",
			"source":   filepath.Join(b.opts.RepositoryPath, repo.Name+".git"),
			"path":     tmpl.Repositories[alias],
			"readonly": "true",
		}
	}

	return api.InstancesPost{
		Name: m.Name,
		Type: api.InstanceTypeContainer,
		Source: api.InstanceSource{
			Type:  "image",
			Alias: tmpl.Base,
		},
		InstancePut: api.InstancePut{
			Config:  conf,
			Devices: devices,
		},
	}, nil
}

func (b *Backend) CreateMachine(ctx context.Context, inst *models.Instance, machineID string) error {
	req, err := b.InstancesPost(inst, machineID)
	if err != nil {
		return err
	}
	op, err := b.client.CreateInstance(req)
	if err = b.wait(ctx, op, err); err != nil {
		return fmt.Errorf("create %s: %w", req.Name, err)
	}
	if !inst.Lab.Machines[machineID].Autostart {
		return nil
	}
	op, err = b.client.UpdateInstanceState(req.Name, api.InstanceStatePut{Action: "start"}, "")
	if err = b.wait(ctx, op, err); err != nil {
		err = fmt.Errorf("start %s: %w", req.Name, err)
		// remove the container that could not start
		if derr := b.DeleteMachine(ctx, req.Name); derr != nil {
			return errors.Join(err, derr)
		}
		return err
	}
	return nil
}

func (b *Backend) DeleteMachine(ctx context.Context, name string) error {
	op, err := b.client.UpdateInstanceState(name, api.InstanceStatePut{
		Action:  "stop",
		Force:   true,
		Timeout: -1,
	}, "")
	err = b.wait(ctx, op, err)
	if err != nil && !backend.IsAlreadyStopped(err) {
		if backend.IsGone(err) {
			return nil
		}
		return fmt.Errorf("stop %s: %w", name, err)
	}
	op, err = b.client.DeleteInstance(name)
	if err = b.wait(ctx, op, err); err != nil && !backend.IsGone(err) {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

func (b *Backend) MachineInfo(ctx context.Context, name string) (*models.MachineInfo, error) {
	state, _, err := b.client.GetInstanceState(name)
	if err != nil {
		if backend.IsGone(err) {
			return nil, fmt.Errorf("%s: %w", name, backend.ErrNotFound)
		}
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("%s: %w", name, backend.ErrNotFound)
	}
	return &models.MachineInfo{
		State: canonicalState(state.Status),
		IP:    addresses(state),
	}, nil
}

func canonicalState(status string) models.MachineState {
	switch status {
	case "Running":
		return models.StateRunning
	case "Stopped":
		return models.StatePoweroff
	case "Starting":
		return models.StateStarting
	case "Stopping":
		return models.StateStopping
	}
	return models.StateUnknown
}

// addresses lists the non link-local addresses of every non loopback
// interface, in interface name order.
func addresses(state *api.InstanceState) []string {
	names := make([]string, 0, len(state.Network))
	for n := range state.Network {
		names = append(names, n)
	}
	sort.Strings(names)
	ips := []string{}
	for _, n := range names {
		iface := state.Network[n]
		if iface.Type == "loopback" || n == "lo" {
			continue
		}
		for _, a := range iface.Addresses {
			if a.Scope == "link" || a.Address == "" {
				continue
			}
			ips = append(ips, a.Address)
		}
	}
	return ips
}

type transition struct {
	action     string
	force      bool
	failOnNoop bool
}

var transitions = map[models.MachineState]transition{
	models.StateStarting: {action: "start", failOnNoop: true},
	models.StateRunning:  {action: "start"},
	models.StateStopping: {action: "stop", failOnNoop: true},
	models.StatePoweroff: {action: "stop", force: true},
}

func isNoop(action string, err error) bool {
	msg := strings.ToLower(err.Error())
	if action == "start" {
		return strings.Contains(msg, "already running")
	}
	return backend.IsAlreadyStopped(err)
}

func (b *Backend) UpdateMachineState(ctx context.Context, name string, state models.MachineState) (*models.MachineInfo, error) {
	t, ok := transitions[state]
	if !ok {
		return nil, fmt.Errorf("%w: %q on lxd", backend.ErrUnsupportedState, state)
	}
	req := api.InstanceStatePut{Action: t.action, Force: t.force}
	if t.action == "stop" && !t.force {
		req.Timeout = b.opts.StopTimeout
	}
	op, err := b.client.UpdateInstanceState(name, req, "")
	if err = b.wait(ctx, op, err); err != nil {
		if t.failOnNoop || !isNoop(t.action, err) {
			return nil, fmt.Errorf("%s %s: %w", t.action, name, err)
		}
	}
	return b.MachineInfo(ctx, name)
}
