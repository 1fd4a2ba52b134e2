// Copyright 2024 Google Inc. All Rights Reserved.
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

package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the engine's full configuration surface, populated from
// flags, a YAML config file, or both (flags win, per viper.BindPFlag
// precedence).
type Config struct {
	SR Connection `yaml:"sr"`

	Backend BackendConfig `yaml:"backend"`

	Logging LoggingConfig `yaml:"logging"`

	Metrics MetricsConfig `yaml:"metrics"`

	Coalesce CoalesceConfig `yaml:"coalesce"`
}

// Connection identifies which SR this process's worker serves.
type Connection struct {
	UUID string `yaml:"uuid"`

	ThisHost string `yaml:"this-host"`
}

// BackendConfig selects and configures the SR Driver implementation.
type BackendConfig struct {
	Kind BackendKind `yaml:"kind"`

	MountDir ResolvedPath `yaml:"mount-dir"`

	VGPrefix string `yaml:"vg-prefix"`

	VHDUtilPath string `yaml:"vhd-util-path"`

	TapCtlPath string `yaml:"tap-ctl-path"`

	TransientDir ResolvedPath `yaml:"transient-dir"`
}

type LoggingConfig struct {
	Severity LogSeverity `yaml:"severity"`

	Format string `yaml:"format"`
}

type MetricsConfig struct {
	ListenAddress string `yaml:"listen-address"`
}

type CoalesceConfig struct {
	AutoOnlineLeafCoalesceDisabled bool `yaml:"auto-online-leaf-coalesce-disabled"`

	MessageIntervalSecs int `yaml:"message-interval-secs"`

	CacheMaxAgeHours float64 `yaml:"cache-max-age-hours"`
}

// BindFlags registers every flag this engine accepts on flagSet and
// binds each to its viper key.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("sr-uuid", "u", "", "UUID of the SR this worker serves.")
	if err = viper.BindPFlag("sr.uuid", flagSet.Lookup("sr-uuid")); err != nil {
		return err
	}

	flagSet.StringP("this-host", "", "", "UUID of the host this process is running on.")
	if err = viper.BindPFlag("sr.this-host", flagSet.Lookup("this-host")); err != nil {
		return err
	}

	flagSet.StringP("backend", "", "file", "SR Driver backend: 'file' or 'lv'.")
	if err = viper.BindPFlag("backend.kind", flagSet.Lookup("backend")); err != nil {
		return err
	}

	flagSet.StringP("mount-dir", "", "", "Mount point of the file-backed SR (file backend only).")
	if err = viper.BindPFlag("backend.mount-dir", flagSet.Lookup("mount-dir")); err != nil {
		return err
	}

	flagSet.StringP("vg-prefix", "", "VG_XenStorage-", "Volume group name prefix for the LV backend.")
	if err = viper.BindPFlag("backend.vg-prefix", flagSet.Lookup("vg-prefix")); err != nil {
		return err
	}

	flagSet.StringP("vhd-util-path", "", DefaultVHDUtilPath, "Path to the vhd-util binary.")
	if err = viper.BindPFlag("backend.vhd-util-path", flagSet.Lookup("vhd-util-path")); err != nil {
		return err
	}

	flagSet.StringP("tap-ctl-path", "", DefaultTapCtlPath, "Path to the tap-ctl binary.")
	if err = viper.BindPFlag("backend.tap-ctl-path", flagSet.Lookup("tap-ctl-path")); err != nil {
		return err
	}

	flagSet.StringP("transient-dir", "", DefaultTransientDir, "Directory for this SR's lock files, journal and speed log.")
	if err = viper.BindPFlag("backend.transient-dir", flagSet.Lookup("transient-dir")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", string(InfoLogSeverity), "Minimum log severity: TRACE, DEBUG, INFO, WARNING, ERROR, or OFF.")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Log output format: 'text' or 'json'.")
	if err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.StringP("metrics-addr", "", DefaultMetricsListenAddress, "Listen address for the Prometheus metrics endpoint. Empty disables it.")
	if err = viper.BindPFlag("metrics.listen-address", flagSet.Lookup("metrics-addr")); err != nil {
		return err
	}

	flagSet.BoolP("auto-online-leaf-coalesce-disabled", "", false, "Disable automatic online leaf-coalesce; only explicit leaf-coalesce=force candidates run.")
	if err = viper.BindPFlag("coalesce.auto-online-leaf-coalesce-disabled", flagSet.Lookup("auto-online-leaf-coalesce-disabled")); err != nil {
		return err
	}

	flagSet.IntP("message-interval", "", DefaultMessageIntervalSecs, "Minimum seconds between repeated identical throttled alert messages.")
	if err = viper.BindPFlag("coalesce.message-interval-secs", flagSet.Lookup("message-interval")); err != nil {
		return err
	}

	flagSet.Float64P("cache-max-age-hours", "", DefaultCacheMaxAgeHours, "Maximum age in hours a read-cache file may reach before cache_cleanup reclaims it while unattached. 0 disables age-based reclaim.")
	if err = viper.BindPFlag("coalesce.cache-max-age-hours", flagSet.Lookup("cache-max-age-hours")); err != nil {
		return err
	}

	return nil
}
