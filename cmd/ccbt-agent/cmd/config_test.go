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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/ccbt-project/ccbt/core"
)

func TestLoadConfigEmptyPathAppliesDefaults(t *testing.T) {
	config, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, core.RandomPeerIDFactory, config.PeerIDFactory)
	require.Equal(t, "info", config.Logging.Level)
	require.Equal(t, "disabled", config.Metrics.Backend)
}

func TestLoadConfigParsesYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	contents := "peer_id_factory: addr_hash\n" +
		"logging:\n  level: debug\n" +
		"manager:\n  listen_addr: \":6881\"\n  output_dir: /tmp/downloads\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	config, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, core.AddrHashPeerIDFactory, config.PeerIDFactory)
	require.Equal(t, "debug", config.Logging.Level)
	require.Equal(t, ":6881", config.Manager.ListenAddr)
}

func TestLoadConfigMissingFileErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoggingConfigZapConfigParsesLevel(t *testing.T) {
	cfg, err := LoggingConfig{Level: "warn"}.zapConfig()
	require.NoError(t, err)
	require.Equal(t, zapcore.WarnLevel, cfg.Level.Level())
}

func TestLoggingConfigZapConfigRejectsInvalidLevel(t *testing.T) {
	_, err := LoggingConfig{Level: "not-a-level"}.zapConfig()
	require.Error(t, err)
}
