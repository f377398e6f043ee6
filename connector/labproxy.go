package connector

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/lcpu-dev/labsched/models"
	"github.com/lcpu-dev/labsched/utils/rest"
)

// LabProxy registers the named endpoints of an instance with the lab proxy.
type LabProxy struct {
	client *rest.Client
}

func NewLabProxy(baseURL, key string, timeout time.Duration) *LabProxy {
	c := rest.NewClient(baseURL, timeout)
	if key != "" {
		c.Header.Set("X-API-Key", key)
	}
	return &LabProxy{client: c}
}

// RegisterEndpoints reserves one placeholder per endpoint name and returns
// what the proxy assigned, without the internal destination.
func (p *LabProxy) RegisterEndpoints(ctx context.Context, inst *models.Instance) (map[string]map[string]interface{}, error) {
	body := make(map[string]map[string]interface{}, len(inst.Lab.Endpoints))
	for _, name := range inst.Lab.Endpoints {
		body[name] = map[string]interface{}{}
	}
	out := map[string]map[string]interface{}{}
	path := "/endpoint/" + url.PathEscape(inst.PrivateToken)
	if err := p.client.Do(ctx, http.MethodPut, path, nil, body, &out); err != nil {
		return nil, fail("Failed to register endpoints", err)
	}
	for _, ep := range out {
		delete(ep, "destination")
	}
	return out, nil
}

// RemoveEndpoints releases the endpoints of inst; missing ones are ignored.
func (p *LabProxy) RemoveEndpoints(ctx context.Context, inst *models.Instance) error {
	path := "/endpoint/" + url.PathEscape(inst.PrivateToken)
	err := p.client.Do(ctx, http.MethodDelete, path, nil, nil, nil)
	if err != nil && !rest.IsStatus(err, http.StatusNotFound) {
		return err
	}
	return nil
}
