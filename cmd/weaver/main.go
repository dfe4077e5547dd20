// Copyright 2025 Tom Barlow
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

// Weaver is a deep research orchestrator: it routes a question to the
// cheapest capable pipeline, searches and reads the open web, and
// writes a report whose claims carry inline citations.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// First interrupt cancels the command context for a graceful stop;
	// a second one kills the process the usual way.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	rootCmd.AddCommand(
		newResearchCommand(),
		newRunsCommand(),
		newVersionCommand(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		handleExit(err)
	}
}
