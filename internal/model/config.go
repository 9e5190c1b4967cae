package model

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	DefaultManagerHost = "127.0.0.1"
	DefaultManagerPort = 8099
	// DefaultWorkerPort is the first port of the IANA dynamic range.
	DefaultWorkerPort = 49152
	MaxPort           = 65535
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

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int           `json:"version" yaml:"version"` // fixed 0 for now
	Manager ManagerConfig `json:"manager" yaml:"manager"`
	Worker  WorkerConfig  `json:"worker" yaml:"worker"`
	Client  ClientConfig  `json:"client" yaml:"client"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// ManagerConfig is where the manager listens and where workers find it.
type ManagerConfig struct {
	Host          string   `json:"host" yaml:"host"`
	Port          int      `json:"port" yaml:"port"`
	ShutdownDelay Duration `json:"shutdown_delay" yaml:"shutdown_delay"`
}

type WorkerConfig struct {
	Host          string   `json:"host" yaml:"host"`
	Port          int      `json:"port" yaml:"port"` // 0 => DefaultWorkerPort
	PortMax       int      `json:"port_max" yaml:"port_max"`
	OutputDir     string   `json:"output_dir" yaml:"output_dir"` // task stdout/stderr files, empty => cwd
	ShutdownDelay Duration `json:"shutdown_delay" yaml:"shutdown_delay"`
	JoinTimeout   Duration `json:"join_timeout" yaml:"join_timeout"`
	ProbeTimeout  Duration `json:"probe_timeout" yaml:"probe_timeout"`
	LoopInterval  Duration `json:"loop_interval" yaml:"loop_interval"`
}

type ClientConfig struct {
	Timeout       Duration `json:"timeout" yaml:"timeout"`
	Retries       int      `json:"retries" yaml:"retries"`
	RetryInterval Duration `json:"retry_interval" yaml:"retry_interval"`
	PollInterval  Duration `json:"poll_interval" yaml:"poll_interval"`
	WaitTimeout   Duration `json:"wait_timeout" yaml:"wait_timeout"`
}

type LogConfig struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	File    string `json:"file" yaml:"file"` // empty => stderr
}

func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Manager: ManagerConfig{
			Host:          DefaultManagerHost,
			Port:          DefaultManagerPort,
			ShutdownDelay: Duration(3 * time.Second),
		},
		Worker: WorkerConfig{
			Host:          "127.0.0.1",
			Port:          DefaultWorkerPort,
			PortMax:       MaxPort,
			ShutdownDelay: Duration(5 * time.Second),
			JoinTimeout:   Duration(3 * time.Second),
			ProbeTimeout:  Duration(3 * time.Second),
			LoopInterval:  Duration(time.Second),
		},
		Client: ClientConfig{
			Timeout:       Duration(30 * time.Second),
			Retries:       3,
			RetryInterval: Duration(500 * time.Millisecond),
			PollInterval:  Duration(100 * time.Millisecond),
			WaitTimeout:   Duration(time.Minute),
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes it on top
// of DefaultConfig, so omitted fields keep their defaults.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return nil, err
	}

	out := DefaultConfig(context.Background())
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &out, nil
}
