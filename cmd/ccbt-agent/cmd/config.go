// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"fmt"
	"io/ioutil"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	yaml "gopkg.in/yaml.v2"

	"github.com/ccbt-project/ccbt/core"
	"github.com/ccbt-project/ccbt/metrics"
	"github.com/ccbt-project/ccbt/session"
)

// Config defines agent configuration.
type Config struct {
	PeerIDFactory core.PeerIDFactory    `yaml:"peer_id_factory"`
	Logging       LoggingConfig         `yaml:"logging"`
	Metrics       metrics.Config        `yaml:"metrics"`
	Manager       session.ManagerConfig `yaml:"manager"`
}

// LoggingConfig configures the global zap logger. It is deliberately a thin
// YAML-friendly shape rather than an embedded zap.Config: zapcore.Level
// only implements encoding.TextUnmarshaler, which gopkg.in/yaml.v2 does not
// consult, so a raw zap.Config left unset wouldn't parse "info"/"debug"
// out of a config file.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func (l LoggingConfig) zapConfig() (zap.Config, error) {
	lvl := zapcore.InfoLevel
	if l.Level != "" {
		if err := lvl.Set(l.Level); err != nil {
			return zap.Config{}, fmt.Errorf("parse logging level: %w", err)
		}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Development = l.Development
	return cfg, nil
}

func (c Config) applyDefaults() Config {
	if c.PeerIDFactory == "" {
		c.PeerIDFactory = core.RandomPeerIDFactory
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Backend == "" {
		c.Metrics.Backend = "disabled"
	}
	return c
}

// loadConfig reads and parses the YAML configuration file at path. An empty
// path yields an all-defaults Config, useful for local smoke testing.
func loadConfig(path string) (Config, error) {
	var config Config
	if path != "" {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	return config.applyDefaults(), nil
}
