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
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DecodeHook composes the hooks viper needs to unmarshal flag/file
// values into Config's richer field types: the text-unmarshaller hook
// drives Octal, LogSeverity, BackendKind and ResolvedPath through
// their own UnmarshalText methods.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// DecoderOptions returns the option set every viper.Unmarshal of a
// Config must use: the DecodeHook above, plus the yaml tag name so the
// same struct tags serve both the config file and viper's key mapping.
func DecoderOptions() []viper.DecoderConfigOption {
	return []viper.DecoderConfigOption{
		viper.DecodeHook(DecodeHook()),
		func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" },
	}
}
