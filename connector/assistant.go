package connector

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/lcpu-dev/labsched/models"
	"github.com/lcpu-dev/labsched/utils/rest"
)

type assistantUserPost struct {
	Username string `json:"username"`
	LabHash  string `json:"labHash"`
	Token    string `json:"token"`
}

type assistantUser struct {
	Key string `json:"key"`
}

// Assistant creates the instance user on the lab's teaching assistant.
type Assistant struct {
	timeout time.Duration
}

func NewAssistant(timeout time.Duration) *Assistant {
	return &Assistant{timeout: timeout}
}

// AssistantLink is the deep link to the lab on the assistant.
func AssistantLink(conf *models.AssistantConfig) string {
	return strings.TrimRight(conf.URL, "/") + "/#/lab/" + conf.LabHash
}

func (a *Assistant) CreateUser(ctx context.Context, inst *models.Instance) (*models.AssistantResult, error) {
	conf := inst.Lab.Assistant
	if conf == nil {
		return nil, fail("Lab has no assistant", nil)
	}
	c := rest.NewClient(conf.URL, a.timeout)
	if conf.Key != "" {
		c.Header.Set("X-API-Key", conf.Key)
	}
	out := &assistantUser{}
	err := c.Do(ctx, http.MethodPost, "/api/v1/user", nil, &assistantUserPost{
		Username: inst.Username,
		LabHash:  conf.LabHash,
		Token:    inst.PublicToken,
	}, out)
	if err != nil {
		return nil, fail("Failed to create assistant user", err)
	}
	if out.Key == "" {
		return nil, fail("Failed to create assistant user", errMissingKey)
	}
	return &models.AssistantResult{UserKey: out.Key, Link: AssistantLink(conf)}, nil
}
