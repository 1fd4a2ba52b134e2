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

// Command smgc is the per-SR garbage-collection and coalescing worker
// (`-u <sr-uuid>`, `-b`, `-g`, plus the administrative subcommands
// gc_force, abort, get_state, cache_cleanup, debug).
package main

import "github.com/vhdsr/smgc/cmd"

func main() {
	cmd.Execute()
}
