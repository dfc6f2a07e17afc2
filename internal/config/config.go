// Package config loads the orchestrator's YAML configuration and maps it
// onto a test plan input.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cole20444/load-opt-agent/internal/plan"
)

// Config is the full YAML configuration file.
type Config struct {
	Target       string             `yaml:"target"`
	TestType     string             `yaml:"test_type"`
	Distribution DistributionConfig `yaml:"distribution"`
	Storage      StorageConfig      `yaml:"storage"`
	Azure        AzureConfig        `yaml:"azure"`
	Env          map[string]string  `yaml:"env"`
	LogLevel     string             `yaml:"log_level"`
}

// DistributionConfig shapes the workload partitioning.
type DistributionConfig struct {
	TotalVUs        int                       `yaml:"total_vus"`
	Duration        string                    `yaml:"duration"`
	VUsPerContainer map[string]int            `yaml:"vus_per_container"`
	Resources       map[string]plan.Resources `yaml:"resources"`
}

// StorageConfig selects and configures the blob backend.
type StorageConfig struct {
	Mode      string   `yaml:"mode"` // azure, s3 or local
	Namespace string   `yaml:"namespace"`
	Account   string   `yaml:"account"` // azure storage account
	S3        S3Config `yaml:"s3"`
	LocalPath string   `yaml:"local_path"`
}

// S3Config configures the S3-compatible backend.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// AzureConfig locates the container service.
type AzureConfig struct {
	SubscriptionID    string `yaml:"subscription_id"`
	ResourceGroup     string `yaml:"resource_group"`
	Location          string `yaml:"location"`
	ContainerRegistry string `yaml:"container_registry"`
	WorkerImage       string `yaml:"worker_image"` // optional explicit image
}

// Load reads and parses the configuration file, then applies defaults and
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	LoadFromEnv(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.TestType == "" {
		cfg.TestType = string(plan.TestKindProtocol)
	}
	if cfg.Distribution.Duration == "" {
		cfg.Distribution.Duration = "1m"
	}
	if cfg.Distribution.TotalVUs == 0 {
		cfg.Distribution.TotalVUs = 10
	}
	if cfg.Storage.Mode == "" {
		cfg.Storage.Mode = "local"
	}
	if cfg.Storage.Namespace == "" {
		cfg.Storage.Namespace = "results"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// PlanInput maps the configuration onto the compiler's input record.
func (c *Config) PlanInput() plan.Input {
	perWorker := c.Distribution.VUsPerContainer[c.TestType]
	if perWorker == 0 {
		perWorker = 10
	}

	var resources *plan.Resources
	if r, ok := c.Distribution.Resources[c.TestType]; ok {
		resources = &r
	}

	return plan.Input{
		TargetURL:     c.Target,
		TestKind:      plan.TestKind(c.TestType),
		TotalVUs:      c.Distribution.TotalVUs,
		PerWorkerVUs:  perWorker,
		Duration:      c.Distribution.Duration,
		Registry:      c.Azure.ContainerRegistry,
		ImageRef:      c.Azure.WorkerImage,
		BlobNamespace: c.Storage.Namespace,
		Resources:     resources,
		EnvOverrides:  c.Env,
	}
}
