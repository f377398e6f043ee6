package renderer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/antonmedv/expr"
	"github.com/lcpu-dev/labsched/models"
)

// Renderer evaluates ${expr} values in raw LXD machine config against the
// instance being provisioned.
type Renderer struct {
	exprEnv map[string]interface{}
}

func NewRenderer(extraEnv map[string]interface{}) *Renderer {
	r := &Renderer{exprEnv: make(map[string]interface{})}
	r.exprEnv["join"] = strings.Join
	r.exprEnv["upper"] = strings.ToUpper
	r.exprEnv["lower"] = strings.ToLower
	for k, v := range extraEnv {
		r.exprEnv[k] = v
	}
	return r
}

// InstanceEnv is the environment exposed to machine config expressions.
// The private token is deliberately absent: config is readable by the guest.
func InstanceEnv(inst *models.Instance, machineID string) map[string]interface{} {
	env := map[string]interface{}{
		"username":    inst.Username,
		"lab":         inst.Lab.ID,
		"machine":     machineID,
		"publicToken": inst.PublicToken,
		"startTime":   inst.StartTime.Unix(),
	}
	if m, ok := inst.Machines[machineID]; ok && m != nil {
		env["name"] = m.Name
	}
	return env
}

func (r *Renderer) ExecuteExpression(e string, extraEnv map[string]interface{}) (interface{}, error) {
	trimmedE := strings.Trim(e, "\r\t\n ")
	if !strings.HasPrefix(trimmedE, "${") || !strings.HasSuffix(trimmedE, "}") {
		return e, nil
	}
	trimmedE = trimmedE[2 : len(trimmedE)-1]
	env := make(map[string]interface{}, len(r.exprEnv)+len(extraEnv))
	for k, v := range r.exprEnv {
		env[k] = v
	}
	for k, v := range extraEnv {
		env[k] = v
	}
	return expr.Eval(trimmedE, env)
}

// RenderConfig returns a rendered copy of config. Non-string results are
// formatted with %v so numeric limits can be computed.
func (r *Renderer) RenderConfig(config map[string]string, env map[string]interface{}) (map[string]string, error) {
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(config))
	for _, k := range keys {
		nv, err := r.ExecuteExpression(config[k], env)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", k, err)
		}
		switch v := nv.(type) {
		case string:
			out[k] = v
		case int, int64, float64, bool:
			out[k] = fmt.Sprintf("%v", v)
		default:
			return nil, fmt.Errorf("config %s: value %#v cannot be converted to string", k, nv)
		}
	}
	return out, nil
}
