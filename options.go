package cluster

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/caarlos0/env/v9"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/lancer-kit/cluster/transport"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Lifetime is the period during which exited workers are replaced.
type Lifetime time.Duration

// UntilKilled keeps the pool replenished until the master is stopped.
const UntilKilled Lifetime = -1

const untilKilledName = "until-killed"

// ParseLifetime parses "until-killed" or a number of milliseconds.
func ParseLifetime(s string) (Lifetime, error) {
	if s == untilKilledName {
		return UntilKilled, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid lifetime %q", s)
	}
	if ms < 0 {
		return 0, errors.Errorf("invalid lifetime %q: must not be negative", s)
	}
	return Lifetime(time.Duration(ms) * time.Millisecond), nil
}

func (l Lifetime) String() string {
	if l == UntilKilled {
		return untilKilledName
	}
	return time.Duration(l).String()
}

// MasterFunc initializes the master before any worker is started.
// A value result becomes the master arguments of every worker.
type MasterFunc func(ctx context.Context) Result

// StartFunc is the body of a worker.
type StartFunc func(ctx WorkerContext) Result

// Options configures a Cluster. Use DefaultOptions as a base.
type Options struct {
	// Workers is the number of generic workers. Zero runs Start inline in the master.
	Workers int
	// Lifetime after which exited workers are no longer replaced.
	Lifetime Lifetime
	// Grace is the time between the stop request and the forced kill of a worker.
	Grace time.Duration
	// MasterArgsWait bounds the worker's wait for the handshake and the master arguments.
	MasterArgsWait time.Duration
	// ResizeInterval is the period of the self-healing resize pass.
	ResizeInterval time.Duration
	// ConfigFileEnv names the environment variable holding the path of the
	// worker environment file. Empty disables the file.
	ConfigFileEnv string

	Master    MasterFunc
	Start     StartFunc
	Dedicated map[string]StartFunc

	// App describes the application in the status output and names the service socket.
	App AppInfo
	// ServiceSocket enables the unix socket with the status and ping commands.
	ServiceSocket bool
	// AdminAddr enables the admin HTTP server on the address.
	AdminAddr string

	Logger    *logrus.Entry
	Transport transport.Transport
}

// DefaultOptions returns options with the default limits and no callbacks.
func DefaultOptions() Options {
	return Options{
		Workers:        runtime.NumCPU(),
		Lifetime:       UntilKilled,
		Grace:          5 * time.Second,
		MasterArgsWait: 5 * time.Second,
		ResizeInterval: 5 * time.Minute,
		ConfigFileEnv:  "CONFIG_FILE",
	}
}

// Validate checks the limits and the dedicated roles.
func (o Options) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.Workers, validation.Min(0)),
		validation.Field(&o.Lifetime, validation.By(validLifetime)),
		validation.Field(&o.Grace, validation.Min(time.Duration(0))),
		validation.Field(&o.MasterArgsWait, validation.Min(time.Duration(0))),
		validation.Field(&o.ResizeInterval, validation.Min(time.Duration(0))),
		validation.Field(&o.Dedicated, validation.By(validRoles)),
	)
}

func validLifetime(value interface{}) error {
	l, _ := value.(Lifetime)
	if l < 0 && l != UntilKilled {
		return errors.New("must be until-killed or not negative")
	}
	return nil
}

func validRoles(value interface{}) error {
	roles, _ := value.(map[string]StartFunc)
	for name, fn := range roles {
		if name == "" {
			return errors.New("role name must not be empty")
		}
		if fn == nil {
			return errors.Errorf("role %q has no start callback", name)
		}
	}
	return nil
}

func (o Options) hasStart() bool {
	return o.Start != nil || len(o.Dedicated) > 0
}

type envOptions struct {
	Workers        string `env:"WORKERS"`
	Lifetime       string `env:"LIFETIME"`
	Grace          string `env:"GRACE"`
	MasterArgsWait string `env:"MASTER_ARGS_WAIT"`
}

// ApplyEnv overrides the limits from CLUSTER_WORKERS, CLUSTER_LIFETIME,
// CLUSTER_GRACE and CLUSTER_MASTER_ARGS_WAIT. Durations are in milliseconds.
func ApplyEnv(o *Options) error {
	var cfg envOptions
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "CLUSTER_"}); err != nil {
		return errors.Wrap(err, "parse environment")
	}

	if cfg.Workers != "" {
		n, err := strconv.Atoi(cfg.Workers)
		if err != nil {
			return errors.Wrap(err, "CLUSTER_WORKERS")
		}
		o.Workers = n
	}
	if cfg.Lifetime != "" {
		l, err := ParseLifetime(cfg.Lifetime)
		if err != nil {
			return errors.Wrap(err, "CLUSTER_LIFETIME")
		}
		o.Lifetime = l
	}
	if cfg.Grace != "" {
		d, err := parseMillis(cfg.Grace)
		if err != nil {
			return errors.Wrap(err, "CLUSTER_GRACE")
		}
		o.Grace = d
	}
	if cfg.MasterArgsWait != "" {
		d, err := parseMillis(cfg.MasterArgsWait)
		if err != nil {
			return errors.Wrap(err, "CLUSTER_MASTER_ARGS_WAIT")
		}
		o.MasterArgsWait = d
	}
	return nil
}

func parseMillis(s string) (time.Duration, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
