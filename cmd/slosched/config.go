package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envHTTPBind      = "SLOSCHED_HTTP_ADDR"
	envNumCPUs       = "SLOSCHED_NUM_CPUS"
	envWorkloadsPath = "SLOSCHED_WORKLOADS_FILE"
	envLockPath      = "SLOSCHED_LOCK_FILE"
	envSinkURL       = "SLOSCHED_SINK_URL"
	envSinkInterval  = "SLOSCHED_SINK_INTERVAL"
	envSimCPUs       = "SLOSCHED_SIM_CPUS"
	envSimPeriod     = "SLOSCHED_SIM_PERIOD"
	envSimService    = "SLOSCHED_SIM_SERVICE"
)

type runtimeConfig struct {
	Engine    engineConfig
	HTTP      httpConfig
	Workloads workloadsConfig
	Sink      sinkConfig
	Sim       simConfig
}

type engineConfig struct {
	NumCPUs int
}

type httpConfig struct {
	Bind string
}

type workloadsConfig struct {
	Path string
}

type sinkConfig struct {
	URL          string
	PollInterval time.Duration
}

type simConfig struct {
	CPUs    int
	Period  time.Duration
	Service time.Duration
}

type fileConfig struct {
	Engine    engineFileConfig    `yaml:"engine"`
	HTTP      httpFileConfig      `yaml:"http"`
	Workloads workloadsFileConfig `yaml:"workloads"`
	Sink      sinkFileConfig      `yaml:"sink"`
	Sim       simFileConfig       `yaml:"sim"`
}

type engineFileConfig struct {
	NumCPUs *int `yaml:"numCpus"`
}

type httpFileConfig struct {
	Bind *string `yaml:"bind"`
}

type workloadsFileConfig struct {
	Path *string `yaml:"path"`
}

type sinkFileConfig struct {
	URL          *string        `yaml:"url"`
	PollInterval *time.Duration `yaml:"pollInterval"`
}

type simFileConfig struct {
	CPUs    *int           `yaml:"cpus"`
	Period  *time.Duration `yaml:"period"`
	Service *time.Duration `yaml:"service"`
}

func defaultRuntimeConfig() runtimeConfig {
	var cfg runtimeConfig

	cfg.Engine.NumCPUs = runtime.NumCPU()
	cfg.HTTP.Bind = ":9090"
	cfg.Sink.PollInterval = time.Second
	cfg.Sim.CPUs = 2
	cfg.Sim.Period = 10 * time.Millisecond
	cfg.Sim.Service = time.Millisecond

	return cfg
}

// loadRuntimeConfig merges, in order: defaults, the optional YAML file, and
// environment overrides.
func loadRuntimeConfig(path string) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()

	if path != "" {
		err := applyFileConfig(&cfg, path)
		if err != nil {
			return runtimeConfig{}, err
		}
	}

	err := applyEnvOverrides(&cfg)
	if err != nil {
		return runtimeConfig{}, err
	}

	if cfg.Engine.NumCPUs <= 0 {
		return runtimeConfig{}, errors.New("engine cpu count must be positive")
	}

	return cfg, nil
}

func applyFileConfig(cfg *runtimeConfig, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("read config %s: %w", path, err)
	}

	var file fileConfig

	err = yaml.Unmarshal(raw, &file)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if file.Engine.NumCPUs != nil {
		cfg.Engine.NumCPUs = *file.Engine.NumCPUs
	}

	if file.HTTP.Bind != nil {
		cfg.HTTP.Bind = *file.HTTP.Bind
	}

	if file.Workloads.Path != nil {
		cfg.Workloads.Path = *file.Workloads.Path
	}

	if file.Sink.URL != nil {
		cfg.Sink.URL = *file.Sink.URL
	}

	if file.Sink.PollInterval != nil {
		cfg.Sink.PollInterval = *file.Sink.PollInterval
	}

	if file.Sim.CPUs != nil {
		cfg.Sim.CPUs = *file.Sim.CPUs
	}

	if file.Sim.Period != nil {
		cfg.Sim.Period = *file.Sim.Period
	}

	if file.Sim.Service != nil {
		cfg.Sim.Service = *file.Sim.Service
	}

	return nil
}

func applyEnvOverrides(cfg *runtimeConfig) error {
	if v, ok := os.LookupEnv(envHTTPBind); ok {
		cfg.HTTP.Bind = v
	}

	if v, ok := os.LookupEnv(envWorkloadsPath); ok {
		cfg.Workloads.Path = v
	}

	if v, ok := os.LookupEnv(envSinkURL); ok {
		cfg.Sink.URL = v
	}

	err := overrideInt(envNumCPUs, &cfg.Engine.NumCPUs)
	if err != nil {
		return err
	}

	err = overrideInt(envSimCPUs, &cfg.Sim.CPUs)
	if err != nil {
		return err
	}

	err = overrideDuration(envSinkInterval, &cfg.Sink.PollInterval)
	if err != nil {
		return err
	}

	err = overrideDuration(envSimPeriod, &cfg.Sim.Period)
	if err != nil {
		return err
	}

	return overrideDuration(envSimService, &cfg.Sim.Service)
}

func overrideInt(env string, dst *int) error {
	raw, ok := os.LookupEnv(env)
	if !ok {
		return nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", env, err)
	}

	*dst = value

	return nil
}

func overrideDuration(env string, dst *time.Duration) error {
	raw, ok := os.LookupEnv(env)
	if !ok {
		return nil
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", env, err)
	}

	*dst = value

	return nil
}
