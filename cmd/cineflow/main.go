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

// cineflow is the command-line client for the cineflowd control API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const defaultServer = "http://127.0.0.1:8844"

func main() {
	var serverURL string

	root := &cobra.Command{
		Use:           "cineflow",
		Short:         "Batch video generation orchestrator client",
		Long:          "cineflow talks to a running cineflowd daemon: register storyboards, submit generation runs, inspect tasks, and manage the provider catalogue.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("CINEFLOW_SERVER", defaultServer), "cineflowd base URL")

	client := &apiClient{base: func() string { return serverURL }}

	root.AddCommand(
		newStoryboardsCommand(client),
		newSubmitCommand(client),
		newRunsCommand(client),
		newTasksCommand(client),
		newProvidersCommand(client),
		newModelsCommand(client),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cineflow %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
