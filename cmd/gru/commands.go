package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lancer-kit/cluster"
	"github.com/lancer-kit/cluster/socket"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

const (
	configFlag         = "config"
	workersFlag        = "workers"
	lifetimeFlag       = "lifetime"
	graceFlag          = "grace"
	masterFlag         = "master"
	dedicatedFlag      = "dedicated"
	nameFlag           = "name"
	serviceSocketFlag  = "service-socket"
	adminAddrFlag      = "admin-addr"
	logLevelFlag       = "log-level"
	detailsFlag        = "details"
	timeoutFlag        = "timeout"
	exitCodeNotHealthy = 7
)

func runCommand() cli.Command {
	return cli.Command{
		Name:      "run",
		Usage:     "runs a pool of worker processes executing the command",
		ArgsUsage: "[command...]",
		Action:    runAction,
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:   configFlag + ", c",
				Usage:  "path to the TOML configuration file",
				EnvVar: "GRU_CONFIG",
			},
			cli.IntFlag{
				Name:  workersFlag + ", w",
				Usage: "number of generic workers, 0 runs the command in the master",
			},
			cli.StringFlag{
				Name:  lifetimeFlag + ", l",
				Usage: `"until-killed" or milliseconds during which exited workers are replaced`,
			},
			cli.DurationFlag{
				Name:  graceFlag + ", g",
				Usage: "time given to the workers to stop before they are killed",
			},
			cli.StringFlag{
				Name:  masterFlag + ", m",
				Usage: "command run once in the master, its output is passed to every worker",
			},
			cli.StringSliceFlag{
				Name:  dedicatedFlag + ", d",
				Usage: "dedicated worker as role=command, can be repeated",
			},
			cli.StringFlag{
				Name:  nameFlag + ", n",
				Usage: "name of the pool, used for the service socket",
			},
			cli.BoolFlag{
				Name:  serviceSocketFlag,
				Usage: "enables the service socket used by the check command",
			},
			cli.StringFlag{
				Name:  adminAddrFlag,
				Usage: "address of the admin HTTP server with the status and metrics",
			},
			cli.StringFlag{
				Name:  logLevelFlag,
				Usage: "log level",
			},
		},
	}
}

func runAction(c *cli.Context) error {
	opts, err := buildOptions(c)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	pool, err := cluster.New(opts)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if err := pool.Run(context.Background()); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	return nil
}

// buildOptions applies the defaults, the config file, the environment and the flags, in that order.
func buildOptions(c *cli.Context) (cluster.Options, error) {
	opts := cluster.DefaultOptions()
	spec := PoolSpec{}

	if path := c.String(configFlag); path != "" {
		cfg, err := ReadConfig(path)
		if err != nil {
			return opts, err
		}
		if err := cfg.Apply(&opts, &spec); err != nil {
			return opts, err
		}
	}

	if err := cluster.ApplyEnv(&opts); err != nil {
		return opts, err
	}

	if c.IsSet(workersFlag) {
		opts.Workers = c.Int(workersFlag)
	}
	if c.IsSet(lifetimeFlag) {
		lifetime, err := cluster.ParseLifetime(c.String(lifetimeFlag))
		if err != nil {
			return opts, err
		}
		opts.Lifetime = lifetime
	}
	if c.IsSet(graceFlag) {
		opts.Grace = c.Duration(graceFlag)
	}
	if c.IsSet(nameFlag) {
		opts.App.Name = c.String(nameFlag)
	}
	if c.Bool(serviceSocketFlag) {
		opts.ServiceSocket = true
	}
	if c.IsSet(adminAddrFlag) {
		opts.AdminAddr = c.String(adminAddrFlag)
	}
	if c.IsSet(logLevelFlag) {
		spec.LogLevel = c.String(logLevelFlag)
	}
	if c.IsSet(masterFlag) {
		spec.Master = c.String(masterFlag)
	}
	if c.NArg() > 0 {
		spec.Command = joinArgs(c.Args())
	}

	dedicated, err := ParseDedicated(c.StringSlice(dedicatedFlag))
	if err != nil {
		return opts, err
	}
	for role, line := range dedicated {
		if spec.Dedicated == nil {
			spec.Dedicated = map[string]string{}
		}
		spec.Dedicated[role] = line
	}

	if err := spec.Bind(&opts); err != nil {
		return opts, err
	}
	return opts, nil
}

func checkCommand() cli.Command {
	return cli.Command{
		Name:  "check",
		Usage: "receives the status of a running pool through its service socket",
		Action: func(c *cli.Context) error {
			app := cluster.AppInfo{Name: c.String(nameFlag)}
			if app.Name == "" {
				return cli.NewExitError("the pool name is required", 1)
			}

			client := socket.NewClient(app.SocketName())
			client.Timeout = c.Duration(timeoutFlag)
			resp, err := client.Send(socket.Request{Action: cluster.StatusAction})
			if err != nil {
				return cli.NewExitError(err.Error(), 1)
			}
			if resp.Status != socket.StatusOk {
				return cli.NewExitError(resp.Error, 1)
			}

			stateInfo, err := cluster.ParseStateInfo(resp.Data)
			if err != nil {
				return cli.NewExitError("invalid response:"+err.Error(), 1)
			}

			if err := checkHealth(stateInfo); err != nil {
				return cli.NewExitError(err.Error(), exitCodeNotHealthy)
			}

			if !c.Bool(detailsFlag) {
				return nil
			}

			data, err := json.MarshalIndent(stateInfo, "", "  ")
			if err != nil {
				return cli.NewExitError(err.Error(), 1)
			}
			fmt.Fprintln(c.App.Writer, string(data))
			return nil
		},

		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  nameFlag + ", n",
				Usage: "name of the pool",
			},
			cli.BoolFlag{
				Name:  detailsFlag + ", d",
				Usage: "if true, then prints the detailed json result to the stdout, otherwise the output will be empty",
			},
			cli.DurationFlag{
				Name:  timeoutFlag,
				Usage: "timeout of the request",
				Value: 5 * time.Second,
			},
		},
	}
}

// checkHealth reports an error unless the pool is running and all its workers are started.
func checkHealth(info *cluster.StateInfo) error {
	if info.State != cluster.StateRunning {
		return errors.Errorf("pool is %s", info.State)
	}
	for _, w := range info.Workers {
		if w.State != cluster.WStateRunning {
			return errors.Errorf("worker %d is %s", w.ID, w.State)
		}
	}
	return nil
}

// joinArgs builds a command line from the words, quoting the ones with spaces.
func joinArgs(args []string) string {
	words := make([]string, len(args))
	for i, arg := range args {
		switch {
		case arg == "" || strings.ContainsAny(arg, " \t'"):
			words[i] = `"` + arg + `"`
		case strings.Contains(arg, `"`):
			words[i] = "'" + arg + "'"
		default:
			words[i] = arg
		}
	}
	return strings.Join(words, " ")
}
