package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Configure struct {
	Listen       string               `yaml:"listen" json:"listen"`
	APIKey       string               `yaml:"api-key" json:"api-key"`
	CronInterval time.Duration        `yaml:"cron-interval" json:"cron-interval"`
	Log          *LogConfigure        `yaml:"log" json:"log"`
	Database     *DatabaseConfigure   `yaml:"database" json:"database"`
	LXD          *LXDConfigure        `yaml:"lxd" json:"lxd"`
	VirtualBox   *VirtualBoxConfigure `yaml:"virtualbox" json:"virtualbox"`
	Gitlab       *GitlabConfigure     `yaml:"gitlab" json:"gitlab"`
	LabProxy     *LabProxyConfigure   `yaml:"lab-proxy" json:"lab-proxy"`
	Repositories *RepositoryConfigure `yaml:"repositories" json:"repositories"`
	Timeouts     *TimeoutConfigure    `yaml:"timeouts" json:"timeouts"`
}

type LogConfigure struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // text or json
}

type DatabaseConfigure struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

type LXDConfigure struct {
	Address    string `yaml:"address" json:"address"`
	ClientKey  string `yaml:"client-key" json:"client-key"`
	ClientCert string `yaml:"client-cert" json:"client-cert"`
	// MaxInterfaceName is the longest network interface name the host accepts.
	MaxInterfaceName int `yaml:"max-interface-name" json:"max-interface-name"`
}

type VirtualBoxConfigure struct {
	URL string `yaml:"url" json:"url"`
	Key string `yaml:"key" json:"key"`
}

type GitlabConfigure struct {
	URL         string `yaml:"url" json:"url"`
	Key         string `yaml:"key" json:"key"`
	EmailDomain string `yaml:"email-domain" json:"email-domain"`
}

type LabProxyConfigure struct {
	URL string `yaml:"url" json:"url"`
	Key string `yaml:"key" json:"key"`
}

type RepositoryConfigure struct {
	Path string `yaml:"path" json:"path"`
	URL  string `yaml:"url" json:"url"`
	Git  string `yaml:"git" json:"git"`
}

type TimeoutConfigure struct {
	HTTP      time.Duration `yaml:"http" json:"http"`
	Operation time.Duration `yaml:"operation" json:"operation"`
}

const (
	DefaultHTTPTimeout      = 30 * time.Second
	DefaultOperationTimeout = 5 * time.Minute
	DefaultCronInterval     = time.Minute
	DefaultMaxInterfaceName = 15
)

func LoadConfigure(path string) (*Configure, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfigure(f)
}

func ParseConfigure(data []byte) (*Configure, error) {
	r := new(Configure)
	err := yaml.Unmarshal(data, r)
	if err != nil {
		return nil, err
	}
	r.applyDefaults()
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Configure) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.CronInterval <= 0 {
		c.CronInterval = DefaultCronInterval
	}
	if c.Log == nil {
		c.Log = new(LogConfigure)
	}
	if c.Database == nil {
		c.Database = new(DatabaseConfigure)
	}
	if c.LXD == nil {
		c.LXD = new(LXDConfigure)
	}
	if c.LXD.MaxInterfaceName <= 0 {
		c.LXD.MaxInterfaceName = DefaultMaxInterfaceName
	}
	if c.Timeouts == nil {
		c.Timeouts = new(TimeoutConfigure)
	}
	if c.Timeouts.HTTP <= 0 {
		c.Timeouts.HTTP = DefaultHTTPTimeout
	}
	if c.Timeouts.Operation <= 0 {
		c.Timeouts.Operation = DefaultOperationTimeout
	}
	if c.Repositories != nil && c.Repositories.Git == "" {
		c.Repositories.Git = "git"
	}
}

func (c *Configure) validate() error {
	if c.LXD.MaxInterfaceName < 2 {
		return fmt.Errorf("lxd.max-interface-name must be at least 2")
	}
	if c.Gitlab != nil && c.Gitlab.URL != "" && c.Gitlab.Key == "" {
		return fmt.Errorf("gitlab.key is required when gitlab.url is set")
	}
	return nil
}

// GitlabConfig reports the global GitLab integration, if configured.
func (c *Configure) GitlabConfig() (*GitlabConfigure, bool) {
	if c.Gitlab == nil || strings.TrimSpace(c.Gitlab.URL) == "" {
		return nil, false
	}
	return c.Gitlab, true
}

func (c *Configure) LabProxyConfig() (*LabProxyConfigure, bool) {
	if c.LabProxy == nil || strings.TrimSpace(c.LabProxy.URL) == "" {
		return nil, false
	}
	return c.LabProxy, true
}

func (c *Configure) VirtualBoxConfig() (*VirtualBoxConfigure, bool) {
	if c.VirtualBox == nil || strings.TrimSpace(c.VirtualBox.URL) == "" {
		return nil, false
	}
	return c.VirtualBox, true
}

func (c *Configure) RepositoryConfig() (*RepositoryConfigure, bool) {
	if c.Repositories == nil || strings.TrimSpace(c.Repositories.Path) == "" {
		return nil, false
	}
	return c.Repositories, true
}

func (c *Configure) LXDConfig() (*LXDConfigure, bool) {
	if strings.TrimSpace(c.LXD.Address) == "" {
		return nil, false
	}
	return c.LXD, true
}
