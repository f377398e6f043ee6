package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleLab() *Lab {
	return &Lab{
		ID: "networking",
		Machines: map[string]*MachineTemplate{
			"win": {
				Type:          MachineVirtualBox,
				Base:          "win10-template",
				EnableRemote:  true,
				EnableRestart: true,
				Networks:      []NetworkTemplate{{Name: "lan-template", Type: NetworkBridged, IP: "10.0.0.2"}},
			},
			"gw": {
				Type:          MachineLXD,
				Base:          "alpine-template",
				EnablePrivate: true,
				Networks:      []NetworkTemplate{{Name: "lan-template"}, {Name: "lxdbr0"}},
				Repositories:  map[string]string{"src": "/srv/src"},
			},
		},
		MachineOrder:   []string{"gw", "win"},
		PrimaryMachine: "win",
		Repositories:   map[string]RepositoryBinding{"src": {Name: "course"}},
		Assistant:      &AssistantConfig{URL: "https://ta.example", Key: "ta-secret", LabHash: "abc"},
		Gitlab:         &GitlabConfig{URL: "https://gitlab.example", Key: "gl-secret"},
	}
}

func TestLabValidate(t *testing.T) {
	require.NoError(t, sampleLab().Validate())

	tests := []struct {
		name   string
		mutate func(l *Lab)
		field  string
	}{
		{"bad id", func(l *Lab) { l.ID = "bad/id" }, "_id"},
		{"unknown order entry", func(l *Lab) { l.MachineOrder = append(l.MachineOrder, "db") }, "machine_order"},
		{"unknown primary", func(l *Lab) { l.PrimaryMachine = "db" }, "primary_machine"},
		{"base without suffix", func(l *Lab) { l.Machines["win"].Base = "win10" }, "machines.win.base"},
		{"unknown type", func(l *Lab) { l.Machines["win"].Type = "qemu" }, "machines.win.type"},
		{"remote on lxd", func(l *Lab) { l.Machines["gw"].EnableRemote = true }, "machines.gw.enable_remote"},
		{"undefined repository", func(l *Lab) { l.Machines["gw"].Repositories["docs"] = "/docs" }, "machines.gw.repositories"},
		{"vbox limits", func(l *Lab) { l.Machines["win"].Limits = &Limits{CPU: 2} }, "machines.win"},
		{"lxd static ip", func(l *Lab) { l.Machines["gw"].Networks[0].IP = "10.0.0.1" }, "machines.gw.networks[0]"},
		{"network type", func(l *Lab) { l.Machines["win"].Networks[0].Type = "nat" }, "machines.win.networks[0].type"},
		{"assistant without hash", func(l *Lab) { l.Assistant.LabHash = "" }, "assistant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := sampleLab()
			tt.mutate(l)
			err := l.Validate()
			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidateUsername(t *testing.T) {
	assert.NoError(t, ValidateUsername("alice"))
	assert.NoError(t, ValidateUsername("j.doe_2"))
	assert.Error(t, ValidateUsername(""))
	assert.Error(t, ValidateUsername("../etc"))
	assert.Error(t, ValidateUsername("a b"))
}

func TestMachineIDs(t *testing.T) {
	l := sampleLab()
	l.MachineOrder = []string{"win"}
	l.Machines["db"] = &MachineTemplate{Type: MachineLXD, Base: "pg-template"}
	assert.Equal(t, []string{"win", "db", "gw"}, l.MachineIDs())
}

func TestInstantiateName(t *testing.T) {
	start := time.Unix(1700000000, 0)
	assert.Equal(t, "win10-alice-1700000000", InstantiateName("win10-template", "alice", start, ""))
	assert.Equal(t, "win10-j-doe-1700000000", InstantiateName("win10-template", "j.doe", start, ""))
	assert.Equal(t, "win10-alice-1700000000-c0ffee", InstantiateName("win10-template", "alice", start, "c0ffee"))
	assert.True(t, IsTemplateName("lan-template"))
	assert.False(t, IsTemplateName("-template"))
	assert.False(t, IsTemplateName("lxdbr0"))
}

func sampleInstance() *Instance {
	return &Instance{
		ID:           InstanceDocID("networking", "alice"),
		Lab:          *sampleLab(),
		Username:     "alice",
		StartTime:    time.Unix(1700000000, 0).UTC(),
		PrivateToken: "private",
		PublicToken:  "public",
		Machines: map[string]*InstanceMachine{
			"win": {
				Name:        "win10-alice-1700000000",
				Networks:    []NetworkInstance{{Name: "nab12"}},
				MachineInfo: &MachineInfo{State: StateRunning, IP: []string{"10.0.0.2"}, RDPPort: 5001},
			},
			"gw": {
				Name:        "alpine-alice-1700000000",
				Networks:    []NetworkInstance{{Name: "nab12"}, {Name: "lxdbr0"}},
				MachineInfo: &MachineInfo{State: StatePoweroff, IP: []string{"10.0.0.1"}},
			},
		},
		Repositories: map[string]RepositoryLink{"src": {Link: "https://git.example/repo/private/course.git"}},
		Gitlab: &GitlabResult{
			Group: &GitlabGroup{ID: 7, Name: "public", Path: "public", Link: "https://gitlab.example/public"},
			User:  &GitlabUser{ID: 9, Username: "public", Password: "hunter2", Email: "public@labs", Link: "https://gitlab.example/public-user"},
		},
		Assistant: &AssistantResult{UserKey: "ukey", Link: "https://ta.example/#/lab/abc"},
		Compat:    &CompatRef{LabID: 3, UserID: 4},
	}
}

func TestPublicViewHidesSecrets(t *testing.T) {
	inst := sampleInstance()
	view := inst.PublicView()

	raw, err := json.Marshal(view)
	require.NoError(t, err)
	body := string(raw)
	for _, secret := range []string{"private", "hunter2", "ukey", "ta-secret", "gl-secret", "public@labs"} {
		assert.NotContains(t, body, `"`+secret+`"`)
	}

	win := view.Machines["win"]
	assert.Empty(t, win.Name)
	assert.Empty(t, win.Networks)
	require.NotNil(t, win.MachineInfo)
	assert.Equal(t, StateRunning, win.State)
	assert.Equal(t, 5001, win.RDPPort)
	assert.Empty(t, win.IP)

	gw := view.Machines["gw"]
	assert.Equal(t, "alpine-alice-1700000000", gw.Name)
	require.NotNil(t, gw.MachineInfo)
	assert.Empty(t, gw.State)
	assert.Equal(t, []string{"10.0.0.1"}, gw.IP)

	assert.Equal(t, "public", view.Gitlab.User.Username)
	assert.Equal(t, "https://ta.example/#/lab/abc", view.Assistant.Link)

	// the source instance is untouched
	assert.Equal(t, "private", inst.PrivateToken)
	assert.Equal(t, "hunter2", inst.Gitlab.User.Password)
}

func TestStoredDropsLiveState(t *testing.T) {
	inst := sampleInstance()
	stored := inst.Stored()
	for id, m := range stored.Machines {
		assert.Nil(t, m.MachineInfo, id)
	}
	assert.NotNil(t, inst.Machines["win"].MachineInfo)

	raw, err := json.Marshal(inst.Machines["win"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"win10-alice-1700000000","networks":[{"name":"nab12"}],"state":"running","ip":["10.0.0.2"],"rdp-port":5001}`, string(raw))
}

func TestDocIndex(t *testing.T) {
	inst := sampleInstance()
	assert.Equal(t, Index{PrivateToken: "private", PublicToken: "public", External: "3/4"}, inst.DocIndex())

	placeholder := &CompatLabUser{LabID: 3, UserID: 4, PrivateToken: "p"}
	assert.Equal(t, "i-tee-compat/3/4", placeholder.DocID())
	assert.Equal(t, Index{External: "3/4"}, placeholder.DocIndex())
}
