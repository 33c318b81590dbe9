// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/common/model"
	"github.com/prometheus/prometheus/model/relabel"
	"gopkg.in/yaml.v3"
)

var ErrEmptyConfig = errors.New("empty config")

// Config holds the settings of the sampler that can be changed at runtime.
type Config struct {
	Sampling       SamplingConfig    `yaml:"sampling,omitempty"`
	ExternalLabels map[string]string `yaml:"external_labels,omitempty"`
	RelabelConfigs []*relabel.Config `yaml:"relabel_configs,omitempty"`
}

type SamplingConfig struct {
	// Interval between two interrupts of every registered thread. Zero keeps
	// the current interval.
	Interval time.Duration `yaml:"interval,omitempty"`
	// ExportDuration is how often the collected samples are written to the
	// profile store. Zero keeps the current duration.
	ExportDuration time.Duration `yaml:"export_duration,omitempty"`
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// Validate checks the values that cannot be corrected when applied.
func (c *Config) Validate() error {
	if c.Sampling.Interval < 0 {
		return fmt.Errorf("sampling interval must not be negative, got %s", c.Sampling.Interval)
	}
	if c.Sampling.ExportDuration < 0 {
		return fmt.Errorf("export duration must not be negative, got %s", c.Sampling.ExportDuration)
	}
	for name, value := range c.ExternalLabels {
		if !model.LabelName(name).IsValid() {
			return fmt.Errorf("%q is not a valid label name", name)
		}
		if !model.LabelValue(value).IsValid() {
			return fmt.Errorf("%q is not a valid value for label %q", value, name)
		}
	}
	for i, rc := range c.RelabelConfigs {
		if rc == nil {
			return fmt.Errorf("relabel config %d is empty", i)
		}
		if err := rc.Validate(); err != nil {
			return fmt.Errorf("relabel config %d: %w", i, err)
		}
	}
	return nil
}

// Labels returns the external labels as a label set.
func (c *Config) Labels() model.LabelSet {
	ls := make(model.LabelSet, len(c.ExternalLabels))
	for name, value := range c.ExternalLabels {
		ls[model.LabelName(name)] = model.LabelValue(value)
	}
	return ls
}

// Load parses the YAML input s into a Config.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := &Config{}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}
