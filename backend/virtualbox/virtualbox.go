// Package virtualbox drives lab VMs through a VirtualBox REST service.
package virtualbox

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/lcpu-dev/labsched/backend"
	"github.com/lcpu-dev/labsched/models"
	"github.com/lcpu-dev/labsched/utils/rest"
)

// MachinePut is the declarative body of PUT /machine/{name}.
type MachinePut struct {
	Image    string            `json:"image,omitempty"`
	Groups   []string          `json:"groups,omitempty"`
	State    string            `json:"state"`
	RDP      bool              `json:"rdp,omitempty"`
	DMI      map[string]string `json:"dmi,omitempty"`
	Networks []Network         `json:"networks,omitempty"`
}

type Network struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	IP          string `json:"ip,omitempty"`
	Promiscuous bool   `json:"promiscuous,omitempty"`
	ResetMAC    bool   `json:"resetMac,omitempty"`
}

type Backend struct {
	client *rest.Client
}

var _ backend.Backend = (*Backend)(nil)

func New(baseURL, key string, timeout time.Duration) *Backend {
	return &Backend{client: rest.NewClient(baseURL, timeout).WithBearer(key)}
}

func machinePath(name string) string {
	return "/machine/" + url.PathEscape(name)
}

// MachinePutFor builds the desired state for one machine of inst. The
// instance tokens reach the guest through DMI strings.
func MachinePutFor(inst *models.Instance, machineID string) (*MachinePut, error) {
	tmpl, ok := inst.Lab.Machines[machineID]
	if !ok || tmpl == nil {
		return nil, fmt.Errorf("machine %q is not defined by lab %s", machineID, inst.Lab.ID)
	}
	m, ok := inst.Machines[machineID]
	if !ok || m == nil || m.Name == "" {
		return nil, fmt.Errorf("machine %q has no instance name", machineID)
	}
	state := models.StatePoweroff
	if tmpl.Autostart {
		state = models.StateRunning
	}
	body := &MachinePut{
		Image:  tmpl.Base,
		Groups: []string{"/" + inst.Lab.ID},
		State:  string(state),
		RDP:    tmpl.EnableRemote,
		DMI: map[string]string{
			"SystemSKU":     inst.PrivateToken,
			"SystemFamily":  inst.PublicToken,
			"SystemProduct": inst.Lab.ID,
			"SystemVersion": machineID,
		},
	}
	for i, n := range tmpl.Networks {
		nt := n.Type
		if nt == "" {
			nt = models.NetworkBridged
		}
		name := n.Name
		if i < len(m.Networks) {
			name = m.Networks[i].Name
		}
		body.Networks = append(body.Networks, Network{
			Type:        string(nt),
			Name:        name,
			IP:          n.IP,
			Promiscuous: n.Promiscuous,
			ResetMAC:    n.ResetMAC,
		})
	}
	return body, nil
}

func (b *Backend) CreateMachine(ctx context.Context, inst *models.Instance, machineID string) error {
	body, err := MachinePutFor(inst, machineID)
	if err != nil {
		return err
	}
	name := inst.Machines[machineID].Name
	if err := b.client.Do(ctx, http.MethodPut, machinePath(name), nil, body, nil); err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	return nil
}

func (b *Backend) DeleteMachine(ctx context.Context, name string) error {
	err := b.client.Do(ctx, http.MethodDelete, machinePath(name), nil, nil, nil)
	if err != nil && !rest.IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

func (b *Backend) MachineInfo(ctx context.Context, name string) (*models.MachineInfo, error) {
	info := &models.MachineInfo{}
	err := b.client.Do(ctx, http.MethodGet, machinePath(name), url.Values{"ip": {""}}, nil, info)
	if err != nil {
		if rest.IsStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%s: %w", name, backend.ErrNotFound)
		}
		return nil, err
	}
	return info, nil
}

func (b *Backend) UpdateMachineState(ctx context.Context, name string, state models.MachineState) (*models.MachineInfo, error) {
	if err := backend.ValidateDesiredState(models.MachineVirtualBox, state); err != nil {
		return nil, err
	}
	info := &models.MachineInfo{}
	err := b.client.Do(ctx, http.MethodPut, machinePath(name), url.Values{"ip": {""}}, &MachinePut{State: string(state)}, info)
	if err != nil {
		if rest.IsStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%s: %w", name, backend.ErrNotFound)
		}
		return nil, fmt.Errorf("%s %s: %w", state, name, err)
	}
	return info, nil
}
