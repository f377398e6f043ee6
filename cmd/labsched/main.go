package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	"github.com/lcpu-dev/labsched/models"
	"github.com/lcpu-dev/labsched/orchestrator"
	"github.com/lcpu-dev/labsched/repository"
	"github.com/lcpu-dev/labsched/store"
	"github.com/lcpu-dev/labsched/utils/config"
	"github.com/lcpu-dev/labsched/utils/logging"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

func main() {
	app := &cli.App{}
	app.Name = "labsched"
	app.Usage = "Lab Instance Scheduling Service"
	app.Flags = append(app.Flags, &cli.StringFlag{
		Name:        "configure",
		Aliases:     []string{"config", "c"},
		Usage:       "configure file path",
		Value:       "/etc/labsched.yml",
		DefaultText: "/etc/labsched.yml",
	})
	var (
		conf   *config.Configure
		logger *logrus.Logger
	)
	app.Before = func(ctx *cli.Context) error {
		var err error
		conf, err = config.LoadConfigure(ctx.String("configure"))
		if err != nil {
			return err
		}
		logger = logging.New(conf.Log.Level, conf.Log.Format)
		return nil
	}
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "serve",
		UsageText: "Start the server",
		Action: func(ctx *cli.Context) error {
			a, err := wire(conf, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			srv := a.server()
			go srv.StartCron(sigCtx, conf.CronInterval)
			return srv.Run(sigCtx, conf.Listen)
		},
	})
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "cron",
		UsageText: "Run the periodic jobs once",
		Action: func(ctx *cli.Context) error {
			a, err := wire(conf, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			srv := a.server()
			srv.RunCron(logging.WithRequestID(ctx.Context, logger, ""))
			a.orch.Wait()
			return nil
		},
	})
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "init-db",
		UsageText: "Initialize the database",
		Action: func(ctx *cli.Context) error {
			st, err := store.Open(conf.Database.Driver, conf.Database.DSN)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Println("DB initialize finished")
			return nil
		},
	})
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "import-lab",
		Usage:     "Create or replace a lab from a YAML file",
		UsageText: "labsched import-lab [--id ID] FILE",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "lab id, defaults to the file name"},
		},
		Action: func(ctx *cli.Context) error {
			file := ctx.Args().First()
			if file == "" {
				return cli.Exit("missing lab file", 2)
			}
			lab, err := readLab(file, ctx.String("id"))
			if err != nil {
				return err
			}
			st, err := store.Open(conf.Database.Driver, conf.Database.DSN)
			if err != nil {
				return err
			}
			defer st.Close()
			orch := orchestrator.New(orchestrator.Options{Store: st})
			c := logging.WithRequestID(ctx.Context, logger, "")
			existing, err := orch.GetLab(c, lab.ID)
			switch {
			case err == nil:
				lab.Rev = existing.Rev
			case !orchestrator.IsNotFound(err):
				return err
			}
			if err := orch.SaveLab(c, lab); err != nil {
				return err
			}
			fmt.Printf("Lab '%v' saved at revision %v\n", lab.ID, lab.Rev)
			return nil
		},
	})
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "fetch-repos",
		UsageText: "Fetch every repository referenced by a lab",
		Action: func(ctx *cli.Context) error {
			rc, ok := conf.RepositoryConfig()
			if !ok {
				return cli.Exit("repositories are not configured", 1)
			}
			a, err := wire(conf, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			c := logging.WithRequestID(ctx.Context, logger, "")
			labs, err := a.orch.ListLabs(c)
			if err != nil {
				return err
			}
			return repository.NewManager(rc.Path, rc.URL, rc.Git).FetchAll(c, repository.LabRepositories(labs))
		},
	})
	err := app.RunContext(context.Background(), os.Args)
	if err != nil {
		log.Fatalln(err)
	}
}

func readLab(file, id string) (*models.Lab, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	lab := &models.Lab{}
	if err := yaml.Unmarshal(data, lab); err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	switch {
	case id != "":
		lab.ID = id
	case lab.ID == "":
		lab.ID = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}
	lab.Rev = ""
	return lab, nil
}
