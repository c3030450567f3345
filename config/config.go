// Copyright 2024 The BM2 Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon's own settings (not service specs,
// which live in the ecosystem manifest) from a config file and
// BM2_-prefixed environment variables layered over defaults derived
// from the caller's state directory, using viper the way
// 3leaps-gonimbus/internal/cmd wires its root command's configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the daemon's own runtime configuration.
type Config struct {
	HomeDir    string `mapstructure:"home_dir"`
	SocketPath string `mapstructure:"socket_path"`
	PIDFile    string `mapstructure:"pid_file"`

	Monitor struct {
		IntervalMS int `mapstructure:"interval_ms"`
	} `mapstructure:"monitor"`

	Logging struct {
		Level      string `mapstructure:"level"`
		FilePath   string `mapstructure:"file_path"`
		MaxBytesMB int    `mapstructure:"max_bytes_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
		RingLines  int    `mapstructure:"ring_lines"`
	} `mapstructure:"logging"`

	Backup struct {
		Enabled bool   `mapstructure:"enabled"`
		Bucket  string `mapstructure:"bucket"`
		Region  string `mapstructure:"region"`
		Key     string `mapstructure:"key"`
	} `mapstructure:"backup"`
}

// Load reads configFile (if non-empty), layers in BM2_-prefixed
// environment variables, and returns the merged, defaulted Config.
func Load(configFile, homeDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v, homeDir)

	v.SetEnvPrefix("BM2")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, homeDir string) {
	v.SetDefault("home_dir", homeDir)
	v.SetDefault("socket_path", homeDir+"/daemon.sock")
	v.SetDefault("pid_file", homeDir+"/daemon.pid")

	v.SetDefault("monitor.interval_ms", 1000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file_path", homeDir+"/bm2d.log")
	v.SetDefault("logging.max_bytes_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.ring_lines", 2000)

	v.SetDefault("backup.enabled", false)
}
