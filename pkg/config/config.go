package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full set of options for one scale-down pass. Values come
// from an optional YAML file; CLI flags override individual fields in main.
type Config struct {
	LogLevel string `yaml:"logLevel"`

	ClusterName string `yaml:"clusterName"`
	Region      string `yaml:"region"`

	// GroupName pins the autoscaling group; when empty it is discovered from
	// the aws:autoscaling:groupName tag of a cluster member.
	GroupName string `yaml:"groupName,omitempty"`

	Count       int      `yaml:"count"`
	InstanceIDs []string `yaml:"instanceIds,omitempty"`
	IgnoreList  []string `yaml:"ignoreList,omitempty"`
	AlarmName   string   `yaml:"alarmName,omitempty"`

	// MaxWait bounds how long a single instance may stay DRAINING before it
	// is treated as forced-terminable. Zero disables forcing.
	MaxWait time.Duration `yaml:"maxWait,omitempty"`

	DryRun bool `yaml:"dryRun"`

	Profile         string `yaml:"profile,omitempty"`
	AccessKeyID     string `yaml:"accessKeyId,omitempty"`
	SecretAccessKey string `yaml:"secretAccessKey,omitempty"`

	MetricsAddr string `yaml:"metricsAddr,omitempty"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// count defaults to 1 unless the file sets it, including an explicit 0
	// for cleanup-only runs.
	cfg := Config{Count: 1}
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) ApplyDefaultsAndValidate() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.ClusterName == "" {
		return fmt.Errorf("clusterName is required")
	}
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.Count < 0 {
		return fmt.Errorf("count must be >= 0, got %d", c.Count)
	}
	if c.MaxWait < 0 {
		return fmt.Errorf("maxWait must be >= 0, got %s", c.MaxWait)
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("accessKeyId and secretAccessKey must be set together")
	}
	return nil
}
