package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultWorkerCount is used when neither an override nor a prod/dev count is configured
const DefaultWorkerCount = 5

// MaxPort is the highest TCP port a worker may be assigned
const MaxPort = 65535

// Config is the on-disk configuration shared by the factory and every worker
type Config struct {
	DataDir   string `yaml:"data_dir"`
	Datastore string `yaml:"datastore"`
	LogDir    string `yaml:"log_dir"`
	CertDir   string `yaml:"cert_dir"`
	Region    string `yaml:"region"`

	Production      bool `yaml:"production"`
	WorkerCount     int  `yaml:"worker_count"`
	ProdWorkerCount int  `yaml:"prod_worker_count"`
	DevWorkerCount  int  `yaml:"dev_worker_count"`

	BasePort        int           `yaml:"base_port"`
	StrictPortCheck bool          `yaml:"strict_port_check"`
	SocketTimeout   time.Duration `yaml:"socket_timeout"`
	AgentLocal      bool          `yaml:"agent_local"`

	Admin   AdminConfig   `yaml:"admin"`
	FDCheck FDCheckConfig `yaml:"fd_check"`

	// MaxThreads is the goroutine ceiling of the self health check; 0 disables it
	MaxThreads int  `yaml:"max_threads"`
	Mock       bool `yaml:"mock"`

	Monitor  MonitorConfig       `yaml:"monitor"`
	Proxy    ProxyConfig         `yaml:"proxy"`
	Handlers map[string][]string `yaml:"handlers"`
	// HandlerDir holds <kind> executables for kinds missing from Handlers
	HandlerDir string          `yaml:"handler_dir"`
	Spawn      SpawnConfig     `yaml:"spawn"`
	Workspace  WorkspaceConfig `yaml:"workspace"`

	ShutdownPollInterval time.Duration `yaml:"shutdown_poll_interval"`
}

// AdminConfig is the Basic-Auth credential of every control plane
type AdminConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// FDCheckConfig configures the open-descriptor ceiling
type FDCheckConfig struct {
	Enabled bool `yaml:"enabled"`
	// Percent of the limit above which a worker flags itself corrupted
	Percent int `yaml:"percent"`
	// LimitOverride replaces the OS-reported RLIMIT_NOFILE when non-zero
	LimitOverride uint64 `yaml:"limit_override"`
}

type MonitorConfig struct {
	ClusterConfigDir  string   `yaml:"cluster_config_dir"`
	RefreshIterations int      `yaml:"refresh_iterations"`
	Command           []string `yaml:"command"`
}

type ProxyConfig struct {
	CoordinatorURL       string        `yaml:"coordinator_url"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	CriticalPollInterval time.Duration `yaml:"critical_poll_interval"`
	CriticalCommands     []string      `yaml:"critical_commands"`
}

type SpawnConfig struct {
	// Binary defaults to the running executable
	Binary       string        `yaml:"binary"`
	ReadyRetries int           `yaml:"ready_retries"`
	ReadyDelay   time.Duration `yaml:"ready_delay"`
}

type WorkspaceConfig struct {
	Dir        string `yaml:"dir"`
	Archive    bool   `yaml:"archive"`
	ArchiveDir string `yaml:"archive_dir"`
	Cleanup    bool   `yaml:"cleanup"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		DataDir:         "/var/lib/exaworker",
		Datastore:       "bolt",
		LogDir:          "/var/log/exaworker",
		CertDir:         "/var/lib/exaworker/certs",
		HandlerDir:      "/opt/exaworker/libexec",
		ProdWorkerCount: 10,
		DevWorkerCount:  3,
		BasePort:        9000,
		SocketTimeout:   2 * time.Second,
		AgentLocal:      true,
		Admin:           AdminConfig{User: "admin"},
		FDCheck:         FDCheckConfig{Enabled: true, Percent: 90},
		MaxThreads:      1000,
		Monitor: MonitorConfig{
			RefreshIterations: 600,
		},
		Proxy: ProxyConfig{
			PollInterval:         10 * time.Second,
			CriticalPollInterval: 2 * time.Second,
		},
		Spawn: SpawnConfig{
			ReadyRetries: 10,
			ReadyDelay:   time.Second,
		},
		ShutdownPollInterval: time.Second,
	}
}

// Load reads the YAML file at path on top of Default().
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if cfg.Admin.Password == "" {
		cfg.Admin.Password = os.Getenv("EXAWORKER_ADMIN_PASSWORD")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations no worker could run with
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Datastore != "bolt" && c.Datastore != "sqlite" {
		errs = append(errs, fmt.Errorf("datastore must be bolt or sqlite, got %q", c.Datastore))
	}
	if c.BasePort <= 0 || c.BasePort > MaxPort {
		errs = append(errs, fmt.Errorf("base_port %d out of range", c.BasePort))
	}
	if c.WorkerCount < 0 || c.ProdWorkerCount < 0 || c.DevWorkerCount < 0 {
		errs = append(errs, errors.New("worker counts must not be negative"))
	}
	if c.FDCheck.Enabled && (c.FDCheck.Percent <= 0 || c.FDCheck.Percent > 100) {
		errs = append(errs, fmt.Errorf("fd_check.percent must be in 1..100, got %d", c.FDCheck.Percent))
	}
	if c.Monitor.RefreshIterations <= 0 {
		errs = append(errs, errors.New("monitor.refresh_iterations must be positive"))
	}
	if c.Spawn.ReadyRetries <= 0 {
		errs = append(errs, errors.New("spawn.ready_retries must be positive"))
	}
	if c.SocketTimeout <= 0 {
		errs = append(errs, errors.New("socket_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// BindHost is the control-plane bind address host part
func (c *Config) BindHost() string {
	if c.AgentLocal {
		return "localhost"
	}
	return ""
}

// WorkerLogPath is the default per-port daemon log
func (c *Config) WorkerLogPath(port int) string {
	return filepath.Join(c.LogDir, "workers", fmt.Sprintf("worker_%d.log", port))
}

// JobLogDir is the directory holding per-request job logs
func (c *Config) JobLogDir() string {
	return filepath.Join(c.LogDir, "jobs")
}

// ClusterLogDir is the per-cluster directory job logs are linked into
func (c *Config) ClusterLogDir(cluster string) string {
	return filepath.Join(c.LogDir, "clusters", cluster)
}

// IsCriticalCommand reports whether cmd polls with the shorter proxy interval
func (c *Config) IsCriticalCommand(cmd string) bool {
	for _, crit := range c.Proxy.CriticalCommands {
		if crit == cmd {
			return true
		}
	}
	return false
}
