// Package config loads beamline configuration from a YAML file with
// BEAMLINE_* environment overrides layered on top.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var envKeyReplacer = strings.NewReplacer(".", "_")

type Config struct {
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Scan        ScanConfig        `mapstructure:"scan" yaml:"scan"`
	Results     ResultsConfig     `mapstructure:"results" yaml:"results"`
	Processing  ProcessingConfig  `mapstructure:"processing" yaml:"processing"`
	Resources   ResourcesConfig   `mapstructure:"resources" yaml:"resources"`
	Retry       RetryConfig       `mapstructure:"retry" yaml:"retry"`
	Breaker     BreakerConfig     `mapstructure:"breaker" yaml:"breaker"`
	HPC         HPCConfig         `mapstructure:"hpc" yaml:"hpc"`
	Executables ExecutablesConfig `mapstructure:"executables" yaml:"executables"`
	Monitor     MonitorConfig     `mapstructure:"monitor" yaml:"monitor"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

type DatabaseConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	BusyTimeoutMS int    `mapstructure:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

type ScanConfig struct {
	Directory   string `mapstructure:"directory" yaml:"directory"`
	DebounceSec int    `mapstructure:"debounce_sec" yaml:"debounce_sec"`
}

type ResultsConfig struct {
	// Directory is the local root results land under: {directory}/{case}/{beam}/.
	Directory string `mapstructure:"directory" yaml:"directory"`
}

type ProcessingConfig struct {
	MaxWorkers      int `mapstructure:"max_workers" yaml:"max_workers"`
	LocalTimeoutSec int `mapstructure:"local_timeout_sec" yaml:"local_timeout_sec"`
}

type ResourcesConfig struct {
	AcquireTimeoutSec int `mapstructure:"acquire_timeout_sec" yaml:"acquire_timeout_sec"`
	PollIntervalMS    int `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// RetryConfig carries one policy per remote-operation class.
type RetryConfig struct {
	Transfer   RetryPolicyConfig `mapstructure:"transfer" yaml:"transfer"`
	Submission RetryPolicyConfig `mapstructure:"submission" yaml:"submission"`
	Poll       RetryPolicyConfig `mapstructure:"poll" yaml:"poll"`
}

type RetryPolicyConfig struct {
	MaxAttempts  int    `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelayMS  int    `mapstructure:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMS   int    `mapstructure:"max_delay_ms" yaml:"max_delay_ms"`
	Strategy     string `mapstructure:"strategy" yaml:"strategy"` // fixed | linear | exponential
}

type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	WindowSec        int `mapstructure:"window_sec" yaml:"window_sec"`
	CooldownSec      int `mapstructure:"cooldown_sec" yaml:"cooldown_sec"`
}

type HPCConfig struct {
	Host              string `mapstructure:"host" yaml:"host"`
	Port              int    `mapstructure:"port" yaml:"port"`
	User              string `mapstructure:"user" yaml:"user"`
	KeyFile           string `mapstructure:"key_file" yaml:"key_file"`
	ConnectTimeoutSec int    `mapstructure:"connect_timeout_sec" yaml:"connect_timeout_sec"`
	// RemoteCaseRoot is the remote directory beams are staged under:
	// {remote_case_root}/{case}/{beam}/.
	RemoteCaseRoot string `mapstructure:"remote_case_root" yaml:"remote_case_root"`
	// SimulationCommand is the binary invoked in the remote beam directory.
	SimulationCommand string `mapstructure:"simulation_command" yaml:"simulation_command"`
	ResultFileName    string `mapstructure:"result_file_name" yaml:"result_file_name"`
	JobPollIntervalSec int   `mapstructure:"job_poll_interval_sec" yaml:"job_poll_interval_sec"`
	JobTimeoutSec      int   `mapstructure:"job_timeout_sec" yaml:"job_timeout_sec"`
}

type ExecutablesConfig struct {
	PythonInterpreter string `mapstructure:"python_interpreter" yaml:"python_interpreter"`
	InterpreterScript string `mapstructure:"interpreter_script" yaml:"interpreter_script"`
	ConverterScript   string `mapstructure:"converter_script" yaml:"converter_script"`
}

type MonitorConfig struct {
	Enabled     bool `mapstructure:"enabled" yaml:"enabled"`
	IntervalSec int  `mapstructure:"interval_sec" yaml:"interval_sec"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // text | json
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "data/beamline.db")
	v.SetDefault("database.busy_timeout_ms", 5000)

	v.SetDefault("scan.directory", "cases")
	v.SetDefault("scan.debounce_sec", 5)

	v.SetDefault("results.directory", "results")

	v.SetDefault("processing.max_workers", 4)
	v.SetDefault("processing.local_timeout_sec", 3600)

	v.SetDefault("resources.acquire_timeout_sec", 300)
	v.SetDefault("resources.poll_interval_ms", 2000)

	for _, class := range []string{"transfer", "submission", "poll"} {
		v.SetDefault("retry."+class+".max_attempts", 3)
		v.SetDefault("retry."+class+".base_delay_ms", 1000)
		v.SetDefault("retry."+class+".max_delay_ms", 60000)
		v.SetDefault("retry."+class+".strategy", "exponential")
	}

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.window_sec", 60)
	v.SetDefault("breaker.cooldown_sec", 60)

	// Empty defaults register the keys so environment overrides are visible
	// to Unmarshal.
	v.SetDefault("hpc.host", "")
	v.SetDefault("hpc.user", "")
	v.SetDefault("hpc.key_file", "")
	v.SetDefault("hpc.port", 22)
	v.SetDefault("hpc.connect_timeout_sec", 15)
	v.SetDefault("hpc.remote_case_root", "/scratch/beamline/cases")
	v.SetDefault("hpc.simulation_command", "./moqui")
	v.SetDefault("hpc.result_file_name", "output.raw")
	v.SetDefault("hpc.job_poll_interval_sec", 10)
	v.SetDefault("hpc.job_timeout_sec", 3600)

	v.SetDefault("executables.python_interpreter", "python3")
	v.SetDefault("executables.interpreter_script", "")
	v.SetDefault("executables.converter_script", "")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval_sec", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads configuration from path (optional; defaults apply when empty)
// and the environment. BEAMLINE_HPC_HOST overrides hpc.host, and so on.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BEAMLINE")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Processing.MaxWorkers < 1 {
		return errors.New("processing.max_workers must be at least 1")
	}
	if c.Resources.AcquireTimeoutSec < 1 {
		return errors.New("resources.acquire_timeout_sec must be at least 1")
	}
	if c.Breaker.FailureThreshold < 1 {
		return errors.New("breaker.failure_threshold must be at least 1")
	}
	for class, rp := range map[string]RetryPolicyConfig{
		"transfer":   c.Retry.Transfer,
		"submission": c.Retry.Submission,
		"poll":       c.Retry.Poll,
	} {
		if rp.MaxAttempts < 1 {
			return errors.Errorf("retry.%s.max_attempts must be at least 1", class)
		}
		switch rp.Strategy {
		case "fixed", "linear", "exponential":
		default:
			return errors.Errorf("retry.%s.strategy must be fixed, linear or exponential", class)
		}
	}
	return nil
}

func (c *ResourcesConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSec) * time.Second
}

func (c *ResourcesConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c *RetryPolicyConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

func (c *RetryPolicyConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMS) * time.Millisecond
}

func (c *ScanConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceSec) * time.Second
}

func (c *ProcessingConfig) LocalTimeout() time.Duration {
	return time.Duration(c.LocalTimeoutSec) * time.Second
}

func (c *BreakerConfig) Window() time.Duration {
	return time.Duration(c.WindowSec) * time.Second
}

func (c *BreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSec) * time.Second
}

func (c *HPCConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

func (c *HPCConfig) JobPollInterval() time.Duration {
	return time.Duration(c.JobPollIntervalSec) * time.Second
}

func (c *HPCConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSec) * time.Second
}

func (c *MonitorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}
