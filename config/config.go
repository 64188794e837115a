/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the external ts2phc.* configuration surface: one
// block per slave PHC device, plus the ambient logging knobs. It is
// deliberately not part of the core: argument parsing and file loading
// are collaborators, not the servo/slave/registry logic itself.
package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"

	"github.com/ptpdisc/ts2phc/phc"
	"github.com/ptpdisc/ts2phc/slave"
)

// Polarity bitmask values for ts2phc.extts_polarity, independent of the
// kernel's own PTP_RISING_EDGE/PTP_FALLING_EDGE encoding.
const (
	PolarityRising  = 1
	PolarityFalling = 2
)

// SlaveConfig is the per-slave-device block under the ts2phc.* namespace.
type SlaveConfig struct {
	PinIndex      uint   `yaml:"pin_index"`
	ExttsIndex    uint32 `yaml:"extts_index"`
	ExttsPolarity int    `yaml:"extts_polarity"`
	PulsewidthNS  int64  `yaml:"pulsewidth"`
}

// DefaultSlaveConfig returns the defaults documented in the configuration
// surface: pin 0, EXTTS channel 1, rising edge, no pulse-width filter.
func DefaultSlaveConfig() SlaveConfig {
	return SlaveConfig{
		PinIndex:      0,
		ExttsIndex:    1,
		ExttsPolarity: PolarityRising,
		PulsewidthNS:  0,
	}
}

// Validate checks a single slave block is sane.
func (c *SlaveConfig) Validate() error {
	if c.ExttsPolarity&^(PolarityRising|PolarityFalling) != 0 {
		return fmt.Errorf("extts_polarity must be a combination of %d (rising) and %d (falling)", PolarityRising, PolarityFalling)
	}
	if c.ExttsPolarity == 0 {
		return fmt.Errorf("extts_polarity must set at least one edge")
	}
	if c.PulsewidthNS < 0 || c.PulsewidthNS >= 1e9 {
		return fmt.Errorf("pulsewidth must be within [0, 1e9) nanoseconds")
	}
	return nil
}

// ToSlaveConfig converts the external config block into the slave
// package's own Config, translating the spec-level polarity bitmask into
// the kernel's PTP_RISING_EDGE/PTP_FALLING_EDGE flags.
func (c *SlaveConfig) ToSlaveConfig(maxFreqPPB float64) slave.Config {
	var polarity uint32
	if c.ExttsPolarity&PolarityRising != 0 {
		polarity |= phc.PTPRisingEdge
	}
	if c.ExttsPolarity&PolarityFalling != 0 {
		polarity |= phc.PTPFallingEdge
	}
	return slave.Config{
		PinIndex:     c.PinIndex,
		ExttsChannel: c.ExttsIndex,
		Polarity:     polarity,
		PulsewidthNS: c.PulsewidthNS,
		MaxFreqPPB:   maxFreqPPB,
	}
}

// LoggingConfig controls the ambient logging surface; routing to
// logrus/syslog is the CLI's responsibility, this only carries the knobs.
type LoggingConfig struct {
	Verbose      bool   `yaml:"verbose"`
	UseSyslog    bool   `yaml:"use_syslog"`
	LoggingLevel string `yaml:"logging_level"`
	MessageTag   string `yaml:"message_tag"`
}

// DefaultLoggingConfig returns info-level logging to stderr.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Verbose:      false,
		UseSyslog:    false,
		LoggingLevel: "info",
		MessageTag:   "ts2phc",
	}
}

// Config is the full external configuration: a PPS source, one block per
// slave device keyed by its identifier (device path or interface name),
// and logging.
type Config struct {
	// PPSSource is "generic" or a PHC device path/interface name.
	PPSSource string `yaml:"pps_source"`
	// PPSSourcePin is the pin used when PPSSource names a PHC.
	PPSSourcePin uint `yaml:"pps_source_pin"`
	// MaxFreqPPB clamps every slave's servo output.
	MaxFreqPPB float64                `yaml:"max_freq_ppb"`
	Slaves     map[string]SlaveConfig `yaml:"ts2phc"`
	Logging    LoggingConfig          `yaml:"logging"`
}

// DefaultConfig returns a Config with no slaves and every other field at
// its documented default.
func DefaultConfig() *Config {
	return &Config{
		PPSSource:  "generic",
		MaxFreqPPB: 100000,
		Slaves:     map[string]SlaveConfig{},
		Logging:    DefaultLoggingConfig(),
	}
}

// Validate checks the config is sane enough to start the run loop.
func (c *Config) Validate() error {
	if c.PPSSource == "" {
		return fmt.Errorf("pps_source must be specified")
	}
	if c.MaxFreqPPB <= 0 {
		return fmt.Errorf("max_freq_ppb must be positive")
	}
	if len(c.Slaves) == 0 {
		return fmt.Errorf("at least one slave device must be configured")
	}
	for name, sc := range c.Slaves {
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("slave %q: %w", name, err)
		}
	}
	return nil
}

// ReadConfig reads and validates a Config from a YAML file.
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}
