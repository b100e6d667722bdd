/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

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

package flowpeer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config bounds the peer cache. All values must be positive.
type Config struct {
	MaxPeers     int `json:"maxPeers" yaml:"maxPeers"`
	MaxSources   int `json:"maxSources" yaml:"maxSources"`
	MaxTemplates int `json:"maxTemplates" yaml:"maxTemplates"`

	// MaxLayoutBytes limits the size of a single template's field layout
	MaxLayoutBytes int `json:"maxLayoutBytes" yaml:"maxLayoutBytes"`
}

var (
	DefaultConfig = Config{
		MaxPeers:       128,
		MaxSources:     64,
		MaxTemplates:   64,
		MaxLayoutBytes: 2048,
	}
)

func (c Config) Validate() error {
	var errs []error
	if c.MaxPeers <= 0 {
		errs = append(errs, fmt.Errorf("maxPeers must be positive, got %d", c.MaxPeers))
	}
	if c.MaxSources <= 0 {
		errs = append(errs, fmt.Errorf("maxSources must be positive, got %d", c.MaxSources))
	}
	if c.MaxTemplates <= 0 {
		errs = append(errs, fmt.Errorf("maxTemplates must be positive, got %d", c.MaxTemplates))
	}
	if c.MaxLayoutBytes <= 0 {
		errs = append(errs, fmt.Errorf("maxLayoutBytes must be positive, got %d", c.MaxLayoutBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development" yaml:"development"`
}

// CollectorConfig is the configuration file of the flowpeerd collector.
type CollectorConfig struct {
	Listen       string        `json:"listen" yaml:"listen"`
	HTTP         string        `json:"http" yaml:"http"`
	DumpInterval time.Duration `json:"dumpInterval" yaml:"dumpInterval"`
	Cache        Config        `json:"cache" yaml:"cache"`
	Log          LogConfig     `json:"log" yaml:"log"`
}

func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		Listen:       "[::]:2055",
		HTTP:         ":9995",
		DumpInterval: 5 * time.Minute,
		Cache:        DefaultConfig,
		Log: LogConfig{
			Level: "info",
		},
	}
}

func (c *CollectorConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: listen address must not be empty", ErrInvalidConfig)
	}
	if c.DumpInterval < 0 {
		return fmt.Errorf("%w: dumpInterval must not be negative", ErrInvalidConfig)
	}
	return c.Cache.Validate()
}

// DecodeConfig reads YAML from r on top of the defaults. Unknown keys are rejected.
func DecodeConfig(r io.Reader) (*CollectorConfig, error) {
	cfg := DefaultCollectorConfig()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to unmarshal config YAML, %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads the configuration from a YAML file
func LoadConfig(path string) (*CollectorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file, %w", err)
	}
	return DecodeConfig(bytes.NewReader(data))
}

