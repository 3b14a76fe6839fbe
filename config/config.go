// Package config loads the tuning knobs of a scheduler.Config from a YAML
// file (SPEC_FULL §A.3), grounded on the teacher's preference for plain
// struct-tagged config over a flag/env framework, using
// go.yaml.in/yaml/v3 for decoding.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/novaq/scheduler"
)

// Duration unmarshals a YAML scalar like "30s" or "5m" into a time.Duration,
// since yaml.v3 has no built-in support for Go's Duration text form.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Options is the serializable subset of a scheduler.Config: the tuning
// knobs named in §6's options table. Store, JobFactory, Logger, and
// Listeners are Go values the caller still wires up directly — a YAML file
// cannot name a JobStore implementation or a callback.
type Options struct {
	InstanceName string `yaml:"instanceName"`
	InstanceID   string `yaml:"instanceId"`

	ThreadCount int `yaml:"threadCount"`

	IdleWaitTime     Duration `yaml:"idleWaitTime"`
	MaxBatchSize     int      `yaml:"maxBatchSize"`
	BatchTimeWindow  Duration `yaml:"batchTimeWindow"`
	MisfireThreshold Duration `yaml:"misfireThreshold"`
	CostThreshold    Duration `yaml:"costThreshold"`
	MaxFireRate      float64  `yaml:"maxFireRate"`
}

// Load reads and parses a YAML config file, then applies SCHED_<KEY>
// environment variable overrides on top of it (§A.3's override order:
// file first, then environment).
func Load(path string) (Options, error) {
	var opts Options
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := applyEnvOverrides(&opts); err != nil {
		return opts, err
	}
	return opts, nil
}

// envOverrides maps each SCHED_<KEY> suffix to a setter on Options.
var envOverrides = map[string]func(*Options, string) error{
	"INSTANCE_NAME": func(o *Options, v string) error { o.InstanceName = v; return nil },
	"INSTANCE_ID":   func(o *Options, v string) error { o.InstanceID = v; return nil },
	"THREAD_COUNT": func(o *Options, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: SCHED_THREAD_COUNT: %w", err)
		}
		o.ThreadCount = n
		return nil
	},
	"IDLE_WAIT_TIME":     func(o *Options, v string) error { return setDuration(&o.IdleWaitTime, "SCHED_IDLE_WAIT_TIME", v) },
	"BATCH_TIME_WINDOW":  func(o *Options, v string) error { return setDuration(&o.BatchTimeWindow, "SCHED_BATCH_TIME_WINDOW", v) },
	"MISFIRE_THRESHOLD":  func(o *Options, v string) error { return setDuration(&o.MisfireThreshold, "SCHED_MISFIRE_THRESHOLD", v) },
	"COST_THRESHOLD":     func(o *Options, v string) error { return setDuration(&o.CostThreshold, "SCHED_COST_THRESHOLD", v) },
	"MAX_BATCH_SIZE": func(o *Options, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: SCHED_MAX_BATCH_SIZE: %w", err)
		}
		o.MaxBatchSize = n
		return nil
	},
	"MAX_FIRE_RATE": func(o *Options, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: SCHED_MAX_FIRE_RATE: %w", err)
		}
		o.MaxFireRate = f
		return nil
	},
}

func setDuration(d *Duration, envKey, v string) error {
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", envKey, err)
	}
	*d = Duration(parsed)
	return nil
}

func applyEnvOverrides(opts *Options) error {
	for suffix, setter := range envOverrides {
		v, ok := os.LookupEnv("SCHED_" + suffix)
		if !ok || v == "" {
			continue
		}
		if err := setter(opts, v); err != nil {
			return err
		}
	}
	return nil
}

// Apply copies every non-zero option onto cfg, leaving cfg's Store,
// JobFactory, Logger, and Listeners untouched.
func (o Options) Apply(cfg *scheduler.Config) {
	if o.InstanceName != "" {
		cfg.InstanceName = o.InstanceName
	}
	if o.InstanceID != "" {
		cfg.InstanceID = o.InstanceID
	}
	if o.ThreadCount != 0 {
		cfg.ThreadCount = o.ThreadCount
	}
	if o.IdleWaitTime != 0 {
		cfg.IdleWaitTime = time.Duration(o.IdleWaitTime)
	}
	if o.MaxBatchSize != 0 {
		cfg.MaxBatchSize = o.MaxBatchSize
	}
	if o.BatchTimeWindow != 0 {
		cfg.BatchTimeWindow = time.Duration(o.BatchTimeWindow)
	}
	if o.MisfireThreshold != 0 {
		cfg.MisfireThreshold = time.Duration(o.MisfireThreshold)
	}
	if o.CostThreshold != 0 {
		cfg.CostThreshold = time.Duration(o.CostThreshold)
	}
	if o.MaxFireRate != 0 {
		cfg.MaxFireRate = o.MaxFireRate
	}
}
