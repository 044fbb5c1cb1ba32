package main

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/lancer-kit/cluster"
	"github.com/lancer-kit/cluster/presets/command"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config is the content of the TOML configuration file of `gru run`.
type Config struct {
	Name           string            `toml:"name"`
	Command        string            `toml:"command"`
	Master         string            `toml:"master"`
	Workers        *int              `toml:"workers"`
	Lifetime       string            `toml:"lifetime"`
	Grace          string            `toml:"grace"`
	MasterArgsWait string            `toml:"master_args_wait"`
	ConfigFileEnv  *string           `toml:"config_file_env"`
	ServiceSocket  bool              `toml:"service_socket"`
	AdminAddr      string            `toml:"admin_addr"`
	LogLevel       string            `toml:"log_level"`
	Dedicated      map[string]string `toml:"dedicated"`
}

// ReadConfig reads the configuration file at `path`.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config")
	}

	cfg := new(Config)
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "unable to parse config")
	}
	return cfg, nil
}

// Apply copies the values set in the file to `opts` and `spec`.
func (cfg *Config) Apply(opts *cluster.Options, spec *PoolSpec) error {
	if cfg.Name != "" {
		opts.App.Name = cfg.Name
	}
	if cfg.Workers != nil {
		opts.Workers = *cfg.Workers
	}
	if cfg.Lifetime != "" {
		lifetime, err := cluster.ParseLifetime(cfg.Lifetime)
		if err != nil {
			return err
		}
		opts.Lifetime = lifetime
	}
	if err := parseDuration(cfg.Grace, &opts.Grace); err != nil {
		return errors.Wrap(err, "invalid grace")
	}
	if err := parseDuration(cfg.MasterArgsWait, &opts.MasterArgsWait); err != nil {
		return errors.Wrap(err, "invalid master_args_wait")
	}
	if cfg.ConfigFileEnv != nil {
		opts.ConfigFileEnv = *cfg.ConfigFileEnv
	}
	opts.ServiceSocket = opts.ServiceSocket || cfg.ServiceSocket
	if cfg.AdminAddr != "" {
		opts.AdminAddr = cfg.AdminAddr
	}

	if cfg.Command != "" {
		spec.Command = cfg.Command
	}
	if cfg.Master != "" {
		spec.Master = cfg.Master
	}
	if cfg.LogLevel != "" {
		spec.LogLevel = cfg.LogLevel
	}
	for role, line := range cfg.Dedicated {
		if spec.Dedicated == nil {
			spec.Dedicated = map[string]string{}
		}
		spec.Dedicated[role] = line
	}
	return nil
}

func parseDuration(s string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// PoolSpec holds the commands of the pool.
type PoolSpec struct {
	Command   string
	Master    string
	Dedicated map[string]string
	LogLevel  string
}

// ParseDedicated parses `role=command` pairs.
func ParseDedicated(pairs []string) (map[string]string, error) {
	res := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		role, line, ok := strings.Cut(pair, "=")
		role = strings.TrimSpace(role)
		if !ok || role == "" || strings.TrimSpace(line) == "" {
			return nil, errors.Errorf("invalid dedicated worker %q, expected role=command", pair)
		}
		res[role] = line
	}
	return res, nil
}

// Roles returns the sorted names of the dedicated workers.
func (spec PoolSpec) Roles() []string {
	roles := make([]string, 0, len(spec.Dedicated))
	for role := range spec.Dedicated {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Bind sets the callbacks of `opts` to run the commands of the pool.
func (spec PoolSpec) Bind(opts *cluster.Options) error {
	if spec.Command != "" {
		if _, err := command.Split(spec.Command); err != nil {
			return err
		}
		opts.Start = command.Worker(command.New(spec.Command))
	}
	if spec.Master != "" {
		if _, err := command.Split(spec.Master); err != nil {
			return err
		}
		opts.Master = command.Master(command.New(spec.Master))
	}

	if len(spec.Dedicated) > 0 {
		opts.Dedicated = make(map[string]cluster.StartFunc, len(spec.Dedicated))
	}
	for _, role := range spec.Roles() {
		line := spec.Dedicated[role]
		if _, err := command.Split(line); err != nil {
			return errors.Wrapf(err, "dedicated worker %s", role)
		}
		opts.Dedicated[role] = command.Worker(command.New(line))
	}

	level := logrus.InfoLevel
	if spec.LogLevel != "" {
		var err error
		if level, err = logrus.ParseLevel(spec.LogLevel); err != nil {
			return err
		}
	}
	logger := logrus.New()
	logger.SetLevel(level)
	opts.Logger = logrus.NewEntry(logger)
	return nil
}
