package models

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// TemplateSuffix marks names that are instantiated once per instance.
const TemplateSuffix = "-template"

type MachineType string

const (
	MachineLXD        MachineType = "lxd"
	MachineVirtualBox MachineType = "virtualbox"
)

type NetworkType string

const (
	NetworkBridged  NetworkType = "bridged"
	NetworkInternal NetworkType = "internal"
)

var (
	labIDPattern    = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)
)

type Lab struct {
	ID             string                       `json:"_id" yaml:"_id"`
	Rev            string                       `json:"_rev,omitempty" yaml:"_rev,omitempty"`
	Machines       map[string]*MachineTemplate  `json:"machines,omitempty" yaml:"machines,omitempty"`
	MachineOrder   []string                     `json:"machine_order,omitempty" yaml:"machine_order,omitempty"`
	PrimaryMachine string                       `json:"primary_machine,omitempty" yaml:"primary_machine,omitempty"`
	Assistant      *AssistantConfig             `json:"assistant,omitempty" yaml:"assistant,omitempty"`
	Repositories   map[string]RepositoryBinding `json:"repositories,omitempty" yaml:"repositories,omitempty"`
	Endpoints      []string                     `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	Gitlab         *GitlabConfig                `json:"gitlab,omitempty" yaml:"gitlab,omitempty"`
}

type MachineTemplate struct {
	Type          MachineType       `json:"type" yaml:"type"`
	Base          string            `json:"base" yaml:"base"`
	Description   string            `json:"description,omitempty" yaml:"description,omitempty"`
	Autostart     bool              `json:"autostart,omitempty" yaml:"autostart,omitempty"`
	EnablePrivate bool              `json:"enable_private,omitempty" yaml:"enable_private,omitempty"`
	EnableRemote  bool              `json:"enable_remote,omitempty" yaml:"enable_remote,omitempty"`
	EnableRestart bool              `json:"enable_restart,omitempty" yaml:"enable_restart,omitempty"`
	Networks      []NetworkTemplate `json:"networks,omitempty" yaml:"networks,omitempty"`
	// lxd only
	Repositories map[string]string `json:"repositories,omitempty" yaml:"repositories,omitempty"`
	Limits       *Limits           `json:"limits,omitempty" yaml:"limits,omitempty"`
	Config       map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}

type Limits struct {
	CPU          int    `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	CPUAllowance string `json:"cpu_allowance,omitempty" yaml:"cpu_allowance,omitempty"`
	Memory       string `json:"memory,omitempty" yaml:"memory,omitempty"`
}

type NetworkTemplate struct {
	Name string      `json:"name" yaml:"name"`
	Type NetworkType `json:"type,omitempty" yaml:"type,omitempty"`
	// virtualbox only
	IP          string `json:"ip,omitempty" yaml:"ip,omitempty"`
	Promiscuous bool   `json:"promiscuous,omitempty" yaml:"promiscuous,omitempty"`
	ResetMAC    bool   `json:"resetMac,omitempty" yaml:"resetMac,omitempty"`
}

type AssistantConfig struct {
	URL     string `json:"url" yaml:"url"`
	Key     string `json:"key" yaml:"key"`
	LabHash string `json:"lab_hash" yaml:"lab_hash"`
}

type RepositoryBinding struct {
	Name string `json:"name" yaml:"name"`
	Head string `json:"head,omitempty" yaml:"head,omitempty"`
}

type GitlabConfig struct {
	URL string `json:"url" yaml:"url"`
	Key string `json:"key" yaml:"key"`
}

func LabDocID(id string) string {
	return "lab/" + id
}

func (l *Lab) DocID() string {
	return LabDocID(l.ID)
}

func (l *Lab) DocRev() string {
	return l.Rev
}

func (l *Lab) SetDocRev(rev string) {
	l.Rev = rev
}

func (l *Lab) DocIndex() Index {
	return Index{}
}

// IsTemplateName reports whether name is instantiated per instance.
func IsTemplateName(name string) bool {
	return strings.HasSuffix(name, TemplateSuffix) && len(name) > len(TemplateSuffix)
}

// MachineIDs lists machine ids in machine_order first, then the rest sorted.
func (l *Lab) MachineIDs() []string {
	seen := make(map[string]bool, len(l.Machines))
	ids := make([]string, 0, len(l.Machines))
	for _, id := range l.MachineOrder {
		if _, ok := l.Machines[id]; ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	rest := []string{}
	for id := range l.Machines {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(ids, rest...)
}

// ValidationError is returned for malformed input before any side effect.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return invalid("username", "%q does not match %s", username, usernamePattern.String())
	}
	return nil
}

func (l *Lab) Validate() error {
	if !labIDPattern.MatchString(l.ID) {
		return invalid("_id", "%q is not a URL-safe lab name", l.ID)
	}
	for _, id := range l.MachineOrder {
		if _, ok := l.Machines[id]; !ok {
			return invalid("machine_order", "machine %q is not defined", id)
		}
	}
	if l.PrimaryMachine != "" {
		if _, ok := l.Machines[l.PrimaryMachine]; !ok {
			return invalid("primary_machine", "machine %q is not defined", l.PrimaryMachine)
		}
	}
	for id, m := range l.Machines {
		if m == nil {
			return invalid("machines."+id, "empty machine template")
		}
		if err := m.validate("machines."+id, l.Repositories); err != nil {
			return err
		}
	}
	for alias, r := range l.Repositories {
		if r.Name == "" {
			return invalid("repositories."+alias, "repository name is required")
		}
	}
	for _, e := range l.Endpoints {
		if strings.TrimSpace(e) == "" {
			return invalid("endpoints", "empty endpoint name")
		}
	}
	if l.Assistant != nil && (l.Assistant.URL == "" || l.Assistant.LabHash == "") {
		return invalid("assistant", "url and lab_hash are required")
	}
	if l.Gitlab != nil && (l.Gitlab.URL == "" || l.Gitlab.Key == "") {
		return invalid("gitlab", "url and key are required")
	}
	return nil
}

func (m *MachineTemplate) validate(field string, repos map[string]RepositoryBinding) error {
	switch m.Type {
	case MachineLXD, MachineVirtualBox:
	default:
		return invalid(field+".type", "unknown machine type %q", m.Type)
	}
	if !IsTemplateName(m.Base) {
		return invalid(field+".base", "%q must end with %s", m.Base, TemplateSuffix)
	}
	if m.Type == MachineLXD {
		if m.EnableRemote {
			return invalid(field+".enable_remote", "remote console is only available for virtualbox machines")
		}
		for alias := range m.Repositories {
			if _, ok := repos[alias]; !ok {
				return invalid(field+".repositories", "repository %q is not defined by the lab", alias)
			}
		}
	} else if len(m.Repositories) > 0 || m.Limits != nil || len(m.Config) > 0 {
		return invalid(field, "repositories, limits and config are only available for lxd machines")
	}
	for i, n := range m.Networks {
		if n.Name == "" {
			return invalid(fmt.Sprintf("%s.networks[%d].name", field, i), "network name is required")
		}
		switch n.Type {
		case "", NetworkBridged, NetworkInternal:
		default:
			return invalid(fmt.Sprintf("%s.networks[%d].type", field, i), "unknown network type %q", n.Type)
		}
		if m.Type == MachineLXD && (n.IP != "" || n.Promiscuous || n.ResetMAC) {
			return invalid(fmt.Sprintf("%s.networks[%d]", field, i), "ip, promiscuous and resetMac are only available for virtualbox machines")
		}
	}
	return nil
}
