package drover

import (
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config represents the .drover.yaml configuration file.
type Config struct {
	// Worker selects the isolation boundary: "process" or "inproc".
	Worker string `yaml:"worker,omitempty"`

	Parallel        int           `yaml:"parallel,omitempty"`
	RampUp          time.Duration `yaml:"rampUp,omitempty"`
	Delay           time.Duration `yaml:"delay,omitempty"`
	MaxFailures     int           `yaml:"maxFailures,omitempty"`
	ContinueOnError bool          `yaml:"continueOnError,omitempty"`

	// Modules holds per-module options, keyed by module name.
	Modules map[string]ModuleConfig `yaml:"modules,omitempty"`

	Env          map[string]string `yaml:"env,omitempty"`
	EnvFiles     []string          `yaml:"envFiles,omitempty"`
	Capabilities []Capabilities    `yaml:"capabilities,omitempty"`

	Log       LogConfig       `yaml:"log,omitempty"`
	Artifacts ArtifactConfig  `yaml:"artifacts,omitempty"`
	Report    ReportConfig    `yaml:"report,omitempty"`
	Metrics   MetricsConfig   `yaml:"metrics,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// LogConfig selects the zap level and encoding.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// ArtifactConfig controls failure artifact capture.
type ArtifactConfig struct {
	Dir         string    `yaml:"dir,omitempty"`
	Screenshots bool      `yaml:"screenshots,omitempty"`
	S3          *S3Config `yaml:"s3,omitempty"`
}

// S3Config holds object store settings for artifact upload.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	AccessKey string `yaml:"accessKey,omitempty"`
	SecretKey string `yaml:"secretKey,omitempty"`
	PathStyle bool   `yaml:"pathStyle,omitempty"`
}

// ReportConfig controls report sinks.
type ReportConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// MetricsConfig controls Prometheus exposition.
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty"`
	File string `yaml:"file,omitempty"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint,omitempty"`
	Insecure    bool              `yaml:"insecure,omitempty"`
	ServiceName string            `yaml:"serviceName,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
}

// DefaultConfig returns the settings used when no config file overrides them.
func DefaultConfig() *Config {
	return &Config{
		Worker:   "process",
		Parallel: 1,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Artifacts: ArtifactConfig{Dir: filepath.Join(".drover", "artifacts")},
		Report:    ReportConfig{Dir: filepath.Join(".drover", "reports")},
		Telemetry: TelemetryConfig{ServiceName: "drover"},
	}
}

// DefaultConfigNames are the filenames we search for.
var DefaultConfigNames = []string{".drover.yaml", ".drover.yml", "drover.yaml", "drover.yml"}

// LoadConfig finds and loads the nearest .drover.yaml walking up from dir.
// Fields the file leaves empty take their DefaultConfig values.
func LoadConfig(dir string) (*Config, error) {
	path, err := FindConfig(dir)
	if err != nil {
		return nil, err
	}

	return LoadConfigFile(path)
}

// FindConfig searches for a config file starting from dir and walking up.
func FindConfig(dir string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	for dir := absDir; ; {
		for _, name := range DefaultConfigNames {
			path := filepath.Join(dir, name)

			_, err := os.Stat(path)
			if err == nil {
				return path, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrConfigNotFound
		}

		dir = parent
	}
}

// LoadConfigFile loads a config from a specific path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	var cfg Config

	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, err
	}

	err = mergo.Merge(&cfg, DefaultConfig())
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyTo fills suite settings the suite leaves unset. Suite values win;
// module options and env entries are merged key by key.
func (c *Config) ApplyTo(s *Suite) error {
	if s.Parallel == 0 {
		s.Parallel = c.Parallel
	}

	if s.RampUp == 0 {
		s.RampUp = c.RampUp
	}

	if s.Delay == 0 {
		s.Delay = c.Delay
	}

	if c.ContinueOnError {
		s.ContinueOnError = true
	}

	if len(s.Capabilities) == 0 {
		s.Capabilities = c.Capabilities
	}

	if s.Env == nil {
		s.Env = map[string]string{}
	}

	err := mergo.Merge(&s.Env, c.Env)
	if err != nil {
		return err
	}

	if s.Modules == nil {
		s.Modules = map[string]ModuleConfig{}
	}

	for name, cfg := range c.Modules {
		existing := s.Modules[name]
		if existing == nil {
			existing = ModuleConfig{}
		}

		err = mergo.Merge(&existing, cfg)
		if err != nil {
			return err
		}

		s.Modules[name] = existing
	}

	return nil
}
