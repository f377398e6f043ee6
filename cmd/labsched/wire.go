package main

import (
	"github.com/lcpu-dev/labsched/backend"
	lxdbackend "github.com/lcpu-dev/labsched/backend/lxd"
	"github.com/lcpu-dev/labsched/backend/virtualbox"
	"github.com/lcpu-dev/labsched/connector"
	"github.com/lcpu-dev/labsched/models"
	"github.com/lcpu-dev/labsched/network"
	"github.com/lcpu-dev/labsched/orchestrator"
	"github.com/lcpu-dev/labsched/renderer"
	"github.com/lcpu-dev/labsched/repository"
	"github.com/lcpu-dev/labsched/server"
	"github.com/lcpu-dev/labsched/store"
	"github.com/lcpu-dev/labsched/utils/config"
	lxd "github.com/lxc/lxd/client"
	"github.com/sirupsen/logrus"
)

type deps struct {
	conf  *config.Configure
	log   *logrus.Logger
	store *store.Store
	lxd   lxd.InstanceServer
	repos *repository.Manager
	orch  *orchestrator.Orchestrator
}

func (a *deps) Close() {
	if a.lxd != nil {
		a.lxd.Disconnect()
	}
	if a.store != nil {
		a.store.Close()
	}
}

// wire connects every configured integration. Integrations without
// configuration stay nil and the steps using them are skipped.
func wire(conf *config.Configure, log *logrus.Logger) (*deps, error) {
	a := &deps{conf: conf, log: log}
	st, err := store.Open(conf.Database.Driver, conf.Database.DSN)
	if err != nil {
		return nil, err
	}
	a.store = st

	backends := backend.Registry{}
	var networks *network.Provisioner
	if lc, ok := conf.LXDConfig(); ok {
		client, err := lxd.ConnectLXD(lc.Address, &lxd.ConnectionArgs{
			InsecureSkipVerify: true,
			TLSClientCert:      lc.ClientCert,
			TLSClientKey:       lc.ClientKey,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.lxd = client
		opts := lxdbackend.Options{OperationTimeout: conf.Timeouts.Operation}
		if rc, ok := conf.RepositoryConfig(); ok {
			opts.RepositoryPath = rc.Path
		}
		backends[models.MachineLXD] = lxdbackend.New(client, renderer.NewRenderer(nil), opts)
		networks = network.New(client, lc.MaxInterfaceName)
	} else {
		log.Warn("lxd is not configured, lxd machines and networks are unavailable")
	}
	if vc, ok := conf.VirtualBoxConfig(); ok {
		backends[models.MachineVirtualBox] = virtualbox.New(vc.URL, vc.Key, conf.Timeouts.HTTP)
	}

	if rc, ok := conf.RepositoryConfig(); ok {
		a.repos = repository.NewManager(rc.Path, rc.URL, rc.Git)
	}

	opts := orchestrator.Options{
		Store:        st,
		Backends:     backends,
		Networks:     networks,
		Repositories: a.repos,
		Assistant:    connector.NewAssistant(conf.Timeouts.HTTP),
		Metrics:      orchestrator.NewMetrics(),
	}
	emailDomain := ""
	if gc, ok := conf.GitlabConfig(); ok {
		opts.Gitlab = &models.GitlabConfig{URL: gc.URL, Key: gc.Key}
		emailDomain = gc.EmailDomain
	}
	opts.NewGitlab = func(gc *models.GitlabConfig) (orchestrator.GitlabConnector, error) {
		g, err := connector.NewGitlab(connector.GitlabOptions{
			URL:         gc.URL,
			Key:         gc.Key,
			EmailDomain: emailDomain,
			Timeout:     conf.Timeouts.HTTP,
		})
		if err != nil {
			return nil, err
		}
		return g, nil
	}
	if pc, ok := conf.LabProxyConfig(); ok {
		opts.LabProxy = connector.NewLabProxy(pc.URL, pc.Key, conf.Timeouts.HTTP)
	}
	a.orch = orchestrator.New(opts)
	return a, nil
}

func (a *deps) server() *server.Server {
	opts := server.Options{
		Orchestrator: a.orch,
		Repositories: a.repos,
		APIKey:       a.conf.APIKey,
		Log:          a.log,
	}
	if a.lxd != nil {
		opts.Console = a.lxd
	}
	return server.New(opts)
}
