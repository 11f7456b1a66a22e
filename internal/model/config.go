package model

import (
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/mitchellh/go-homedir"

	_ "embed"
)

const (
	ModeCheckpointed  = "checkpointed"
	ModeFireAndForget = "fire-and-forget"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version   int        `json:"version" yaml:"version"` // fixed 0 for now
	Service   Service    `json:"service" yaml:"service"`
	Pipelines []Pipeline `json:"pipelines" yaml:"pipelines"`
	Notify    Notify     `json:"notify" yaml:"notify"`
	Events    Events     `json:"events" yaml:"events"`
}

type Service struct {
	Verbose      bool     `json:"verbose" yaml:"verbose"`
	Log          string   `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
	Listen       string   `json:"listen" yaml:"listen"`
	AppRoot      string   `json:"app_root" yaml:"app_root"` // working directory of drivers
	LogsDir      string   `json:"logs_dir" yaml:"logs_dir"` // shared log directory, parent of run directories
	PollInterval string   `json:"poll_interval" yaml:"poll_interval"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins"`
	StartLimit   int      `json:"start_limit" yaml:"start_limit"` // run starts per minute and client, 0 disables
}

// Pipeline describes one kind of driver that can be started.
type Pipeline struct {
	Name               string            `json:"name" yaml:"name"`
	Driver             []string          `json:"driver" yaml:"driver"` // argv prefix, start args are appended
	Mode               string            `json:"mode" yaml:"mode"`
	InitialStage       string            `json:"initial_stage" yaml:"initial_stage"`
	PassThrough        []string          `json:"pass_through" yaml:"pass_through"`
	LogPattern         string            `json:"log_pattern" yaml:"log_pattern"`
	GracePeriod        string            `json:"grace_period" yaml:"grace_period"`
	RecipientsFromArgs bool              `json:"recipients_from_args" yaml:"recipients_from_args"`
	Truncate           []string          `json:"truncate" yaml:"truncate"` // shared log files emptied on start
	Env                map[string]string `json:"env" yaml:"env"`
}

type Notify struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Recipients []string `json:"recipients" yaml:"recipients"`
	SMTP       SMTP     `json:"smtp" yaml:"smtp"`
}

type SMTP struct {
	Server string `json:"server" yaml:"server"`
	Port   int    `json:"port" yaml:"port"`
	Sender string `json:"sender" yaml:"sender"`
}

type Events struct {
	NATSURL       URL    `json:"nats_url" yaml:"nats_url"` // empty disables forwarding
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}

// DefaultConfig returns the configuration written on the first start. It knows the
// two stock drivers: a checkpointed one and a fire-and-forget one.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Service: Service{
			Log:          LogStderr,
			Listen:       ":8000",
			AppRoot:      ".",
			LogsDir:      "runner/logs",
			PollInterval: "1s",
			CORSOrigins:  []string{"*"},
			StartLimit:   30,
		},
		Pipelines: []Pipeline{
			{
				Name:               "soma",
				Driver:             []string{"/bin/bash", "scripts/soma_bash.sh"},
				Mode:               ModeCheckpointed,
				InitialStage:       "INIT",
				PassThrough:        []string{"CONFIG", "COMPLETE"},
				LogPattern:         "*.log",
				GracePeriod:        "5s",
				RecipientsFromArgs: true,
				Truncate:           []string{"soma_run.log"},
				Env:                map[string]string{},
			},
			{
				Name:         "impulse",
				Driver:       []string{"/bin/bash", "scripts/impulse_bash.sh"},
				Mode:         ModeFireAndForget,
				InitialStage: "RUNNING",
				PassThrough:  []string{},
				LogPattern:   "*.log",
				GracePeriod:  "3s",
				Truncate:     []string{},
				Env:          map[string]string{},
			},
		},
		Notify: Notify{
			Recipients: []string{},
			SMTP: SMTP{
				Server: "localhost",
				Port:   25,
				Sender: "pipewatch@localhost",
			},
		},
		Events: Events{
			SubjectPrefix: "pipewatch.runs",
		},
	}
}

// Duration parses a schema validated duration string, empty means def.
func Duration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", s, err)
	}
	return d, nil
}

// Path expands a leading ~ of a configured path.
func Path(p string) (string, error) {
	return homedir.Expand(p)
}
