package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Backend selects the runtime backend implementation at process start.
type Backend string

const (
	BackendDocker     Backend = "docker"
	BackendKubernetes Backend = "kubernetes"
)

// Config holds all service configuration. It is constructed once at startup
// and passed by reference; there is no process-global deployment state.
type Config struct {
	Server     ServerConfig
	Pool       PoolConfig
	Runtime    RuntimeConfig
	Catalog    CatalogConfig
	Artifacts  ArtifactsConfig
	Events     EventsConfig
	Logging    LogConfig
	RateLimit  RateLimitConfig
	PolicyFile string `envconfig:"POLICY_FILE"`

	// Policy is loaded from PolicyFile when set.
	Policy Policy
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// PoolConfig holds admission-control and standby-pool policy.
type PoolConfig struct {
	MaxStandbyPerImage int           `envconfig:"MAX_STANDBY_PER_IMAGE" default:"2"`
	MaxRunningTotal    int           `envconfig:"MAX_RUNNING_TOTAL" default:"10"`
	StaleLeaseTTL      time.Duration `envconfig:"STALE_LEASE_TTL" default:"3h"`
	SweepInterval      time.Duration `envconfig:"SWEEP_INTERVAL" default:"10m"`
}

// RuntimeConfig holds runtime-backend configuration.
type RuntimeConfig struct {
	Backend        Backend       `envconfig:"DEPLOYMENT_BACKEND" default:"docker"`
	Namespace      string        `envconfig:"K8S_NAMESPACE" default:"cometa"`
	ControlPort    int           `envconfig:"SANDBOX_CONTROL_PORT" default:"4444"`
	ReadyTimeout   time.Duration `envconfig:"SANDBOX_READY_TIMEOUT" default:"90s"`
	StorePath      string        `envconfig:"RECORD_STORE_PATH" default:"/var/lib/sandboxd/records.db"`
	VideoVolume    string        `envconfig:"SHARED_VIDEO_VOLUME" default:"/data/videos"`
	NetworkName    string        `envconfig:"SANDBOX_NETWORK" default:"cometa_testing"`
	EmulatorDevice string        `envconfig:"EMULATOR_DEVICE" default:"/dev/kvm"`
}

// CatalogConfig holds the external image-catalog collaborator address.
type CatalogConfig struct {
	Address string        `envconfig:"IMAGE_CATALOG_ADDR" default:"http://localhost:8001"`
	Timeout time.Duration `envconfig:"IMAGE_CATALOG_TIMEOUT" default:"10s"`
}

// ArtifactsConfig holds the artifact-store root directory.
type ArtifactsConfig struct {
	Root string `envconfig:"ARTIFACT_STORE_ROOT" default:"/var/lib/sandboxd/artifacts"`
}

// EventsConfig holds the fire-and-forget notification bus endpoint.
type EventsConfig struct {
	WebhookURL string `envconfig:"EVENT_WEBHOOK_URL"`
	Enabled    bool   `envconfig:"EVENTS_ENABLED" default:"true"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// HostMapping injects a hostname->IP entry into every sandbox.
type HostMapping struct {
	Hostname string `yaml:"hostname"`
	IP       string `yaml:"ip"`
}

// Policy is deployment-wide sandbox policy, read from a YAML file so
// operators can change host mappings and resource limits without a rebuild.
type Policy struct {
	ExtraHosts  []HostMapping `yaml:"extra_hosts"`
	MemoryBytes int64         `yaml:"memory_bytes"`
	NanoCPUs    int64         `yaml:"nano_cpus"`
	ShmBytes    int64         `yaml:"shm_bytes"`
}

// Load loads configuration from environment variables and, when POLICY_FILE
// is set, merges the YAML deployment policy.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.PolicyFile != "" {
		policy, err := LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		cfg.Policy = *policy
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// LoadPolicy reads a deployment policy YAML file.
func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	var policy Policy
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	return &policy, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
			Host: "0.0.0.0",
		},
		Pool: PoolConfig{
			MaxStandbyPerImage: 2,
			MaxRunningTotal:    10,
			StaleLeaseTTL:      3 * time.Hour,
			SweepInterval:      10 * time.Minute,
		},
		Runtime: RuntimeConfig{
			Backend:      BackendDocker,
			Namespace:    "cometa",
			ControlPort:  4444,
			ReadyTimeout: 90 * time.Second,
			StorePath:    "/var/lib/sandboxd/records.db",
			VideoVolume:  "/data/videos",
			NetworkName:  "cometa_testing",
		},
		Catalog: CatalogConfig{
			Address: "http://localhost:8001",
			Timeout: 10 * time.Second,
		},
		Artifacts: ArtifactsConfig{
			Root: "/var/lib/sandboxd/artifacts",
		},
		Events: EventsConfig{
			Enabled: true,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
