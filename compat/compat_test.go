package compat

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/lcpu-dev/labsched/backend"
	"github.com/lcpu-dev/labsched/models"
	"github.com/lcpu-dev/labsched/orchestrator"
	"github.com/lcpu-dev/labsched/store"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu       sync.Mutex
	machines map[string]models.MachineState
}

func (b *fakeBackend) CreateMachine(ctx context.Context, inst *models.Instance, machineID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.machines[inst.Machines[machineID].Name] = models.StateRunning
	return nil
}

func (b *fakeBackend) DeleteMachine(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.machines, name)
	return nil
}

func (b *fakeBackend) MachineInfo(ctx context.Context, name string) (*models.MachineInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.machines[name]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return &models.MachineInfo{State: state}, nil
}

func (b *fakeBackend) UpdateMachineState(ctx context.Context, name string, state models.MachineState) (*models.MachineInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.machines[name] = state
	return &models.MachineInfo{State: state}, nil
}

func newShim(t *testing.T) (*Shim, *fakeBackend) {
	t.Helper()
	s, err := store.Open("sqlite3", filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b := &fakeBackend{machines: map[string]models.MachineState{}}
	o := orchestrator.New(orchestrator.Options{
		Store:    s,
		Backends: backend.Registry{models.MachineLXD: b},
	})
	t.Cleanup(o.Wait)
	require.NoError(t, o.SaveLab(context.Background(), &models.Lab{
		ID: "os",
		Machines: map[string]*models.MachineTemplate{
			"shell": {Type: models.MachineLXD, Base: "debian-template", Networks: []models.NetworkTemplate{{Name: "lxdbr0"}}},
		},
	}))
	return New(o), b
}

func TestLabUserLifecycle(t *testing.T) {
	ctx := context.Background()
	s, b := newShim(t)

	_, err := s.FindLabUser(ctx, 3, 42)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	added, err := s.AddLabUser(ctx, 3, 42, "os", "alice")
	require.NoError(t, err)
	assert.Nil(t, added.Instance)
	assert.Len(t, added.PrivateToken, 32)

	again, err := s.AddLabUser(ctx, 3, 42, "os", "alice")
	require.NoError(t, err)
	assert.Equal(t, added.PrivateToken, again.PrivateToken)

	inst, err := s.StartLab(ctx, 3, 42)
	require.NoError(t, err)
	assert.Equal(t, added.PrivateToken, inst.PrivateToken)
	assert.Equal(t, added.PublicToken, inst.PublicToken)
	require.NotNil(t, inst.Compat)
	assert.Equal(t, 42, inst.Compat.UserID)
	assert.Len(t, b.machines, 1)

	found, err := s.FindLabUser(ctx, 3, 42)
	require.NoError(t, err)
	require.NotNil(t, found.Instance)
	assert.Equal(t, inst.ID, found.Instance.ID)

	restarted, err := s.StartLab(ctx, 3, 42)
	require.NoError(t, err)
	assert.Equal(t, inst.Rev, restarted.Rev)

	stopped, err := s.StopLab(ctx, 3, 42)
	require.NoError(t, err)
	assert.Equal(t, models.StatePoweroff, stopped.Machines["shell"].State)

	ended, err := s.EndLab(ctx, 3, 42)
	require.NoError(t, err)
	assert.Nil(t, ended.Instance)
	assert.NotEqual(t, inst.PrivateToken, ended.PrivateToken)
	assert.NotEqual(t, inst.PublicToken, ended.PublicToken)

	s.orch.Wait()
	assert.Empty(t, b.machines)

	_, _, err = s.store.QueryToken(ctx, inst.PrivateToken)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	found, err = s.FindLabUser(ctx, 3, 42)
	require.NoError(t, err)
	assert.Nil(t, found.Instance)
	assert.Equal(t, ended.PrivateToken, found.PrivateToken)
}

func TestEndLabRotatesPlaceholderTokens(t *testing.T) {
	ctx := context.Background()
	s, _ := newShim(t)

	added, err := s.AddLabUser(ctx, 1, 1, "os", "bob")
	require.NoError(t, err)
	ended, err := s.EndLab(ctx, 1, 1)
	require.NoError(t, err)
	assert.NotEqual(t, added.PrivateToken, ended.PrivateToken)

	_, err = s.EndLab(ctx, 9, 9)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = s.StopLab(ctx, 1, 1)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestInconsistentLabUser(t *testing.T) {
	ctx := context.Background()
	s, _ := newShim(t)

	_, err := s.AddLabUser(ctx, 2, 7, "os", "carol")
	require.NoError(t, err)
	lab, err := s.orch.GetLab(ctx, "os")
	require.NoError(t, err)
	_, err = s.orch.ImportInstance(ctx, &models.Instance{
		Lab:      *lab,
		Username: "carol",
		Compat:   &models.CompatRef{LabID: 2, UserID: 7},
	})
	require.NoError(t, err)

	_, err = s.FindLabUser(ctx, 2, 7)
	assert.True(t, errors.Is(err, ErrInconsistent), "%v", err)
	_, err = s.StartLab(ctx, 2, 7)
	assert.True(t, errors.Is(err, ErrInconsistent), "%v", err)
}

func TestStartLabUnknownLab(t *testing.T) {
	ctx := context.Background()
	s, _ := newShim(t)

	_, err := s.AddLabUser(ctx, 5, 5, "missing", "dave")
	require.NoError(t, err)
	_, err = s.StartLab(ctx, 5, 5)
	assert.True(t, errors.Is(err, store.ErrNotFound), "%v", err)

	found, err := s.FindLabUser(ctx, 5, 5)
	require.NoError(t, err)
	assert.Equal(t, "missing", found.LabName)
}
