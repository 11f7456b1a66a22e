package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/CZERTAINLY/pipewatch/internal/model"
)

const (
	DefaultGracePeriod  = 5 * time.Second
	DefaultDrainTimeout = 2 * time.Second
	DefaultPollInterval = time.Second
)

// Config is the resolved configuration of a Supervisor.
type Config struct {
	// AppRoot is the working directory of drivers.
	AppRoot string
	// LogsDir is the shared log directory. Every run gets its own
	// sub-directory named after the run id.
	LogsDir      string
	PollInterval time.Duration
	// DrainTimeout bounds how long driver output is read after the driver
	// exited while a grandchild keeps the pipe open.
	DrainTimeout time.Duration
	Pipelines    []model.Pipeline
}

// ConfigFromModel resolves paths and durations of a loaded configuration.
// Relative directories are taken relative to the service app_root.
func ConfigFromModel(cfg model.Config) (Config, error) {
	appRoot, err := model.Path(cfg.Service.AppRoot)
	if err != nil {
		return Config{}, fmt.Errorf("service.app_root: %w", err)
	}
	if appRoot == "" {
		appRoot = "."
	}
	if appRoot, err = filepath.Abs(appRoot); err != nil {
		return Config{}, fmt.Errorf("service.app_root: %w", err)
	}
	logsDir, err := model.Path(cfg.Service.LogsDir)
	if err != nil {
		return Config{}, fmt.Errorf("service.logs_dir: %w", err)
	}
	if logsDir == "" {
		return Config{}, errors.New("service.logs_dir is empty")
	}
	if !filepath.IsAbs(logsDir) {
		logsDir = filepath.Join(appRoot, logsDir)
	}
	poll, err := model.Duration(cfg.Service.PollInterval, DefaultPollInterval)
	if err != nil {
		return Config{}, fmt.Errorf("service.poll_interval: %w", err)
	}
	return Config{
		AppRoot:      appRoot,
		LogsDir:      logsDir,
		PollInterval: poll,
		DrainTimeout: DefaultDrainTimeout,
		Pipelines:    cfg.Pipelines,
	}, nil
}

// pipeline is a validated model.Pipeline.
type pipeline struct {
	name               string
	driver             []string
	policy             CheckpointPolicy
	initialStage       string
	logPattern         string
	gracePeriod        time.Duration
	recipientsFromArgs bool
	truncate           []string
	env                []string
}

func newPipeline(p model.Pipeline) (*pipeline, error) {
	if p.Name == "" {
		return nil, errors.New("pipeline name is empty")
	}
	if len(p.Driver) == 0 || p.Driver[0] == "" {
		return nil, fmt.Errorf("pipeline %s: driver is empty", p.Name)
	}
	grace, err := model.Duration(p.GracePeriod, DefaultGracePeriod)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: grace_period: %w", p.Name, err)
	}
	pattern := p.LogPattern
	if pattern == "" {
		pattern = "*.log"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("pipeline %s: log_pattern: %w", p.Name, err)
	}
	for _, name := range p.Truncate {
		if filepath.Base(name) != name {
			return nil, fmt.Errorf("pipeline %s: truncate: %q is not a file name", p.Name, name)
		}
	}

	var policy CheckpointPolicy
	initial := p.InitialStage
	switch p.Mode {
	case "", model.ModeCheckpointed:
		policy = Checkpointed{PassThrough: slices.Clone(p.PassThrough)}
		if initial == "" {
			initial = "INIT"
		}
	case model.ModeFireAndForget:
		policy = FireAndForget{}
		if initial == "" {
			initial = "RUNNING"
		}
	default:
		return nil, fmt.Errorf("pipeline %s: unsupported mode %q", p.Name, p.Mode)
	}

	return &pipeline{
		name:               p.Name,
		driver:             slices.Clone(p.Driver),
		policy:             policy,
		initialStage:       initial,
		logPattern:         pattern,
		gracePeriod:        grace,
		recipientsFromArgs: p.RecipientsFromArgs,
		truncate:           slices.Clone(p.Truncate),
		env:                environ(p.Env),
	}, nil
}

// environ turns configured variables into KEY=value pairs, values starting
// with $ are expanded.
func environ(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, k+"="+v)
	}
	slices.Sort(env)
	return env
}

func (p *pipeline) command(args []string) []string {
	cmd := slices.Clone(p.driver)
	return append(cmd, args...)
}
