// Package compat serves an external roster that addresses lab users by
// integer (lab, user) ids. A placeholder record reserves the tokens of a
// lab user until the instance is started; afterwards the instance itself
// carries the ids.
package compat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lcpu-dev/labsched/models"
	"github.com/lcpu-dev/labsched/orchestrator"
	"github.com/lcpu-dev/labsched/store"
	"github.com/lcpu-dev/labsched/utils/logging"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

// ErrInconsistent is returned when both a placeholder and an instance exist
// for one external id.
var ErrInconsistent = errors.New("lab user has both a placeholder and an instance")

// LabUser is the roster's view of a lab user. Instance is nil until the lab
// is started.
type LabUser struct {
	LabID        int              `json:"labId"`
	UserID       int              `json:"userId"`
	LabName      string           `json:"labName"`
	Username     string           `json:"username"`
	PrivateToken string           `json:"privateToken"`
	PublicToken  string           `json:"publicToken"`
	Instance     *models.Instance `json:"instance,omitempty"`
}

type Shim struct {
	orch     *orchestrator.Orchestrator
	store    *store.Store
	newToken func() string
}

func New(orch *orchestrator.Orchestrator) *Shim {
	return &Shim{
		orch:  orch,
		store: orch.Store(),
		newToken: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		},
	}
}

func fromPlaceholder(p *models.CompatLabUser) *LabUser {
	return &LabUser{
		LabID:        p.LabID,
		UserID:       p.UserID,
		LabName:      p.LabName,
		Username:     p.Username,
		PrivateToken: p.PrivateToken,
		PublicToken:  p.PublicToken,
	}
}

func fromInstance(labID, userID int, inst *models.Instance) *LabUser {
	return &LabUser{
		LabID:        labID,
		UserID:       userID,
		LabName:      inst.Lab.ID,
		Username:     inst.Username,
		PrivateToken: inst.PrivateToken,
		PublicToken:  inst.PublicToken,
		Instance:     inst,
	}
}

// lookup returns the placeholder and the instance indexed by the external
// id. At most one of them is set.
func (s *Shim) lookup(ctx context.Context, labID, userID int) (*models.CompatLabUser, *models.Instance, error) {
	raws, err := s.store.QueryExternal(ctx, models.CompatKey(labID, userID))
	if err != nil {
		return nil, nil, err
	}
	var (
		placeholder *models.CompatLabUser
		inst        *models.Instance
	)
	for _, raw := range raws {
		switch raw.Kind {
		case "i-tee-compat":
			placeholder = &models.CompatLabUser{}
			if err := raw.Decode(placeholder); err != nil {
				return nil, nil, err
			}
		case "instance":
			inst = &models.Instance{}
			if err := raw.Decode(inst); err != nil {
				return nil, nil, err
			}
		}
	}
	if placeholder != nil && inst != nil {
		return nil, nil, fmt.Errorf("%s: %w", models.CompatKey(labID, userID), ErrInconsistent)
	}
	return placeholder, inst, nil
}

func notFound(labID, userID int) error {
	return fmt.Errorf("lab user %s: %w", models.CompatKey(labID, userID), store.ErrNotFound)
}

// FindLabUser resolves an external id to its placeholder or instance.
func (s *Shim) FindLabUser(ctx context.Context, labID, userID int) (*LabUser, error) {
	placeholder, inst, err := s.lookup(ctx, labID, userID)
	if err != nil {
		return nil, err
	}
	switch {
	case inst != nil:
		return fromInstance(labID, userID, inst), nil
	case placeholder != nil:
		return fromPlaceholder(placeholder), nil
	}
	return nil, notFound(labID, userID)
}

// AddLabUser reserves tokens for a lab user. Adding a lab user that is
// already known returns the existing one.
func (s *Shim) AddLabUser(ctx context.Context, labID, userID int, labName, username string) (*LabUser, error) {
	if err := models.ValidateUsername(username); err != nil {
		return nil, err
	}
	if u, err := s.FindLabUser(ctx, labID, userID); err == nil {
		return u, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	p := &models.CompatLabUser{
		LabID:        labID,
		UserID:       userID,
		LabName:      labName,
		Username:     username,
		PrivateToken: s.newToken(),
		PublicToken:  s.newToken(),
	}
	if err := s.store.Post(ctx, p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return s.FindLabUser(ctx, labID, userID)
		}
		return nil, err
	}
	return fromPlaceholder(p), nil
}

// StartLab provisions the instance of a lab user with the tokens its
// placeholder reserved, then drops the placeholder. Starting a started lab
// returns the running instance.
func (s *Shim) StartLab(ctx context.Context, labID, userID int) (*models.Instance, error) {
	placeholder, inst, err := s.lookup(ctx, labID, userID)
	if err != nil {
		return nil, err
	}
	if inst != nil {
		return inst, nil
	}
	if placeholder == nil {
		return nil, notFound(labID, userID)
	}
	lab, err := s.orch.GetLab(ctx, placeholder.LabName)
	if err != nil {
		return nil, err
	}
	inst, err = s.orch.Provision(ctx, &models.Instance{
		Lab:          *lab,
		Username:     placeholder.Username,
		PrivateToken: placeholder.PrivateToken,
		PublicToken:  placeholder.PublicToken,
		Compat:       &models.CompatRef{LabID: labID, UserID: userID},
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.Remove(ctx, placeholder.DocID(), placeholder.Rev); err != nil {
		logging.From(ctx).WithError(err).WithField("placeholder", placeholder.DocID()).Error("failed to remove placeholder")
		return nil, err
	}
	return inst, nil
}

// StopLab powers off every machine of the lab user's instance.
func (s *Shim) StopLab(ctx context.Context, labID, userID int) (*models.Instance, error) {
	_, inst, err := s.lookup(ctx, labID, userID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, notFound(labID, userID)
	}
	wp := pool.New().WithErrors()
	for _, id := range inst.Lab.MachineIDs() {
		id := id
		if _, ok := inst.Machines[id]; !ok {
			continue
		}
		wp.Go(func() error {
			_, err := s.orch.UpdateMachineState(ctx, inst, id, models.StatePoweroff, true)
			if err != nil {
				logging.From(ctx).WithError(err).WithFields(logrus.Fields{
					"instance": inst.DocID(),
					"machine":  id,
				}).Warn("failed to power off machine")
			}
			return err
		})
	}
	return inst, wp.Wait()
}

// EndLab deletes the lab user's instance and leaves a placeholder with
// fresh tokens, so the tokens of the ended instance grant nothing.
func (s *Shim) EndLab(ctx context.Context, labID, userID int) (*LabUser, error) {
	placeholder, inst, err := s.lookup(ctx, labID, userID)
	if err != nil {
		return nil, err
	}
	switch {
	case inst != nil:
		if _, err := s.orch.DeleteInstance(ctx, inst.Lab.ID, inst.Username, inst.Rev); err != nil {
			return nil, err
		}
		placeholder = &models.CompatLabUser{
			LabID:        labID,
			UserID:       userID,
			LabName:      inst.Lab.ID,
			Username:     inst.Username,
			PrivateToken: s.newToken(),
			PublicToken:  s.newToken(),
		}
		if err := s.store.Post(ctx, placeholder); err != nil {
			return nil, err
		}
	case placeholder != nil:
		placeholder.PrivateToken = s.newToken()
		placeholder.PublicToken = s.newToken()
		if err := s.store.Put(ctx, placeholder); err != nil {
			return nil, err
		}
	default:
		return nil, notFound(labID, userID)
	}
	return fromPlaceholder(placeholder), nil
}
