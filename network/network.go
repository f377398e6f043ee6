// Package network allocates the isolated bridges lab machines are wired to.
package network

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lcpu-dev/labsched/backend"
	"github.com/lcpu-dev/labsched/models"
	"github.com/lcpu-dev/labsched/utils/logging"
	"github.com/lxc/lxd/shared/api"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

// BridgePrefix starts every bridge this package creates.
const BridgePrefix = "lsb"

// Client is the part of lxd.InstanceServer the provisioner uses.
type Client interface {
	CreateNetwork(network api.NetworksPost) error
	DeleteNetwork(name string) error
}

type Provisioner struct {
	client  Client
	maxName int
	newID   func() string
}

func New(client Client, maxInterfaceName int) *Provisioner {
	if maxInterfaceName <= len(BridgePrefix)+1 {
		maxInterfaceName = 15
	}
	return &Provisioner{
		client:  client,
		maxName: maxInterfaceName,
		newID: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		},
	}
}

// BridgeName derives a bridge name from a fresh id. The name is kept one
// character below the interface name limit.
func (p *Provisioner) BridgeName() string {
	id := p.newID()
	n := p.maxName - 1 - len(BridgePrefix)
	if n < len(id) {
		id = id[len(id)-n:]
	}
	return BridgePrefix + id
}

// Create allocates an isolated L2 bridge for the template network name.
func (p *Provisioner) Create(ctx context.Context, templateName string) (string, error) {
	name := p.BridgeName()
	err := p.client.CreateNetwork(api.NetworksPost{
		Name: name,
		Type: "bridge",
		NetworkPut: api.NetworkPut{
			Description: "labsched " + templateName,
			Config: map[string]string{
				"ipv4.address":  "none",
				"ipv6.address":  "none",
				"ipv4.nat":      "false",
				"ipv6.nat":      "false",
				"ipv4.dhcp":     "false",
				"ipv6.dhcp":     "false",
				"ipv4.firewall": "false",
				"ipv6.firewall": "false",
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create bridge for %s: %w", templateName, err)
	}
	logging.From(ctx).WithFields(logrus.Fields{"network": templateName, "bridge": name}).Debug("bridge created")
	return name, nil
}

// Delete removes a bridge; a missing bridge is not an error.
func (p *Provisioner) Delete(ctx context.Context, name string) error {
	if err := p.client.DeleteNetwork(name); err != nil && !backend.IsGone(err) {
		return fmt.Errorf("delete bridge %s: %w", name, err)
	}
	return nil
}

// Run deduplicates allocations within one provisioning run: machines that
// share an instance scoped network name get the same bridge.
type Run struct {
	p       *Provisioner
	mu      sync.Mutex
	names   map[string]string
	created []string
}

func (p *Provisioner) NewRun() *Run {
	return &Run{p: p, names: map[string]string{}}
}

func (r *Run) key(t models.MachineType, n models.NetworkTemplate) string {
	if t == models.MachineVirtualBox && n.Type == models.NetworkInternal {
		return "internal/" + n.Name
	}
	return "bridge/" + n.Name
}

// Resolve returns the instance network name for one template network of a
// machine of type t. Names without the template suffix pass through.
// VirtualBox internal networks need no bridge, only a unique name.
func (r *Run) Resolve(ctx context.Context, t models.MachineType, n models.NetworkTemplate) (string, error) {
	if !models.IsTemplateName(n.Name) {
		return n.Name, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := r.key(t, n)
	if name, ok := r.names[k]; ok {
		return name, nil
	}
	var name string
	if t == models.MachineVirtualBox && n.Type == models.NetworkInternal {
		name = strings.TrimSuffix(n.Name, models.TemplateSuffix) + "-" + r.p.newID()[:12]
	} else {
		var err error
		name, err = r.p.Create(ctx, n.Name)
		if err != nil {
			return "", err
		}
		r.created = append(r.created, name)
	}
	r.names[k] = name
	return name, nil
}

// Created lists the bridges allocated by this run.
func (r *Run) Created() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.created...)
}

// Rollback deletes every bridge of the run. Failures are logged.
func (r *Run) Rollback(ctx context.Context) error {
	return r.p.deleteAll(ctx, r.Created())
}

func (p *Provisioner) deleteAll(ctx context.Context, names []string) error {
	wp := pool.New().WithErrors()
	for _, name := range names {
		name := name
		wp.Go(func() error {
			err := p.Delete(ctx, name)
			if err != nil {
				logging.From(ctx).WithField("bridge", name).WithError(err).Warn("failed to delete bridge")
			}
			return err
		})
	}
	return wp.Wait()
}

// Dangling lists the bridges inst was wired to: networks of lxd machines or
// bridged VirtualBox networks whose name was synthesized for the instance.
func Dangling(inst *models.Instance) []string {
	seen := map[string]bool{}
	names := []string{}
	for _, id := range inst.Lab.MachineIDs() {
		tmpl := inst.Lab.Machines[id]
		m, ok := inst.Machines[id]
		if !ok || m == nil {
			continue
		}
		for i, n := range m.Networks {
			if i >= len(tmpl.Networks) {
				break
			}
			nt := tmpl.Networks[i]
			bridged := nt.Type == models.NetworkBridged || nt.Type == ""
			if tmpl.Type != models.MachineLXD && !bridged {
				continue
			}
			if n.Name == "" || n.Name == nt.Name || seen[n.Name] {
				continue
			}
			seen[n.Name] = true
			names = append(names, n.Name)
		}
	}
	return names
}

// DeleteDanglingNetworks removes the bridges of inst in parallel. Errors
// are logged and returned joined; not found is not an error.
func (p *Provisioner) DeleteDanglingNetworks(ctx context.Context, inst *models.Instance) error {
	return p.deleteAll(ctx, Dangling(inst))
}
