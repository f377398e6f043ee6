package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type MachineState string

const (
	StateStarting MachineState = "starting"
	StateRunning  MachineState = "running"
	StateStopping MachineState = "stopping"
	StatePoweroff MachineState = "poweroff"
	StateUnknown  MachineState = "unknown"
	// StateACPIPowerButton is only ever requested, never reported.
	StateACPIPowerButton MachineState = "acpipowerbutton"
)

type Instance struct {
	ID           string                            `json:"_id,omitempty"`
	Rev          string                            `json:"_rev,omitempty"`
	Lab          Lab                               `json:"lab"`
	Username     string                            `json:"username"`
	StartTime    time.Time                         `json:"startTime"`
	PrivateToken string                            `json:"privateToken,omitempty"`
	PublicToken  string                            `json:"publicToken"`
	Machines     map[string]*InstanceMachine       `json:"machines,omitempty"`
	Repositories map[string]RepositoryLink         `json:"repositories,omitempty"`
	Endpoints    map[string]map[string]interface{} `json:"endpoints,omitempty"`
	Gitlab       *GitlabResult                     `json:"gitlab,omitempty"`
	Assistant    *AssistantResult                  `json:"assistant,omitempty"`
	Timing       map[string]interface{}            `json:"timing,omitempty"`
	Imported     bool                              `json:"imported,omitempty"`
	Compat       *CompatRef                        `json:"iTeeCompat,omitempty"`
}

type InstanceMachine struct {
	Name     string            `json:"name,omitempty"`
	Networks []NetworkInstance `json:"networks,omitempty"`
	// live state, filled on demand and never persisted
	*MachineInfo
}

type MachineInfo struct {
	State   MachineState `json:"state,omitempty"`
	IP      []string     `json:"ip,omitempty"`
	RDPPort int          `json:"rdp-port,omitempty"`
}

type NetworkInstance struct {
	Name string `json:"name"`
}

type RepositoryLink struct {
	Link string `json:"link"`
	Head string `json:"head,omitempty"`
}

type GitlabResult struct {
	Group *GitlabGroup `json:"group,omitempty"`
	User  *GitlabUser  `json:"user,omitempty"`
}

type GitlabGroup struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
	Link string `json:"link"`
}

type GitlabUser struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
	Link     string `json:"link"`
}

type AssistantResult struct {
	UserKey string `json:"userKey,omitempty"`
	Link    string `json:"link"`
}

// CompatRef cross references the integer ids of the external roster.
type CompatRef struct {
	LabID      int `json:"labId"`
	UserID     int `json:"userId"`
	InstanceID int `json:"instanceId,omitempty"`
}

func (c *CompatRef) Key() string {
	return CompatKey(c.LabID, c.UserID)
}

func CompatKey(labID, userID int) string {
	return strconv.Itoa(labID) + "/" + strconv.Itoa(userID)
}

func InstanceDocID(labID, username string) string {
	return "instance/" + labID + "/" + username
}

// InstancePrefix is the id prefix shared by every instance of labID.
func InstancePrefix(labID string) string {
	return "instance/" + labID + "/"
}

func (i *Instance) DocID() string {
	if i.ID == "" {
		return InstanceDocID(i.Lab.ID, i.Username)
	}
	return i.ID
}

func (i *Instance) DocRev() string {
	return i.Rev
}

func (i *Instance) SetDocRev(rev string) {
	i.Rev = rev
}

func (i *Instance) DocIndex() Index {
	idx := Index{PrivateToken: i.PrivateToken, PublicToken: i.PublicToken}
	if i.Compat != nil {
		idx.External = i.Compat.Key()
	}
	return idx
}

var hostnameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// InstantiateName replaces the template suffix of base with the username
// and the instance start time, e.g. win10-template -> win10-alice-1700000000.
// A non-empty nonce is appended so that two provisioning runs started in
// the same second never share a machine name.
func InstantiateName(base, username string, start time.Time, nonce string) string {
	prefix := strings.TrimSuffix(base, TemplateSuffix)
	user := strings.Trim(hostnameUnsafe.ReplaceAllString(username, "-"), "-")
	name := fmt.Sprintf("%s-%s-%d", prefix, user, start.Unix())
	if nonce != "" {
		name += "-" + nonce
	}
	return name
}

// Clone returns a deep copy of the instance.
func (i *Instance) Clone() *Instance {
	b, err := json.Marshal(i)
	if err != nil {
		panic(fmt.Sprintf("instance is not serialisable: %v", err))
	}
	c := new(Instance)
	if err := json.Unmarshal(b, c); err != nil {
		panic(fmt.Sprintf("instance is not serialisable: %v", err))
	}
	return c
}

// Stored returns a copy without the live machine state.
func (i *Instance) Stored() *Instance {
	c := i.Clone()
	for _, m := range c.Machines {
		m.MachineInfo = nil
	}
	return c
}

// PrivateView is what the holder of the private token sees: everything
// except the lab's integration secrets.
func (i *Instance) PrivateView() *Instance {
	c := i.Clone()
	if c.Lab.Assistant != nil {
		c.Lab.Assistant.Key = ""
	}
	if c.Lab.Gitlab != nil {
		c.Lab.Gitlab.Key = ""
	}
	return c
}

// PublicView is what the holder of only the public token sees.
func (i *Instance) PublicView() *Instance {
	c := i.PrivateView()
	c.PrivateToken = ""
	c.Repositories = nil
	c.Timing = nil
	c.Compat = nil
	for id, m := range c.Machines {
		tmpl := c.Lab.Machines[id]
		if tmpl == nil {
			tmpl = &MachineTemplate{}
		}
		c.Machines[id] = m.publicView(tmpl)
	}
	if c.Gitlab != nil {
		g := &GitlabResult{}
		if c.Gitlab.Group != nil {
			g.Group = &GitlabGroup{Name: c.Gitlab.Group.Name, Path: c.Gitlab.Group.Path, Link: c.Gitlab.Group.Link}
		}
		if c.Gitlab.User != nil {
			g.User = &GitlabUser{Username: c.Gitlab.User.Username, Link: c.Gitlab.User.Link}
		}
		c.Gitlab = g
	}
	if c.Assistant != nil {
		c.Assistant = &AssistantResult{Link: c.Assistant.Link}
	}
	return c
}

func (m *InstanceMachine) publicView(tmpl *MachineTemplate) *InstanceMachine {
	r := &InstanceMachine{}
	if tmpl.EnablePrivate {
		r.Name = m.Name
		r.Networks = m.Networks
	}
	if m.MachineInfo == nil {
		return r
	}
	info := &MachineInfo{}
	if tmpl.EnablePrivate {
		info.IP = m.IP
	}
	if tmpl.EnableRestart {
		info.State = m.State
	}
	if tmpl.EnableRemote {
		info.RDPPort = m.RDPPort
	}
	if info.State != "" || len(info.IP) > 0 || info.RDPPort != 0 {
		r.MachineInfo = info
	}
	return r
}
