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

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStoryboardsCommand(c *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storyboards",
		Short: "Register and list storyboards",
	}

	var name string
	upload := &cobra.Command{
		Use:   "upload <file>",
		Short: "Register a storyboard JSON document with the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var doc map[string]any
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("invalid storyboard document: %w", err)
			}
			if name != "" {
				doc["name"] = name
			}
			doc["file_path"] = args[0]

			var sb map[string]any
			if err := c.post("/api/v1/storyboards", doc, &sb); err != nil {
				return err
			}
			fmt.Printf("Registered storyboard %s\n", sb["id"])
			return nil
		},
	}
	upload.Flags().StringVar(&name, "name", "", "Override the storyboard name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered storyboards",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Storyboards []struct {
					ID         string   `json:"id"`
					Name       string   `json:"name"`
					SegmentIDs []string `json:"segment_ids"`
				} `json:"storyboards"`
			}
			if err := c.get("/api/v1/storyboards", &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSEGMENTS")
			for _, sb := range resp.Storyboards {
				fmt.Fprintf(w, "%s\t%s\t%d\n", sb.ID, sb.Name, len(sb.SegmentIDs))
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(upload, list)
	return cmd
}

func newSubmitCommand(c *apiClient) *cobra.Command {
	var (
		modelID      string
		strategy     string
		genCount     int
		concurrency  int
		segmentRange string
		dryRun       bool
		force        bool
		outputLayout string
		outputPath   string
	)

	cmd := &cobra.Command{
		Use:   "submit <storyboard-id>",
		Short: "Submit a generation run for a storyboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"storyboard_id":    args[0],
				"model_id":         modelID,
				"routing_strategy": strategy,
				"gen_count":        genCount,
				"concurrency":      concurrency,
				"segment_range":    segmentRange,
				"dry_run":          dryRun,
				"force":            force,
				"output_layout":    outputLayout,
				"output_path":      outputPath,
			}
			var run map[string]any
			if err := c.post("/api/v1/runs", body, &run); err != nil {
				return err
			}
			fmt.Printf("Run %s submitted (%v tasks)\n", run["id"], run["total_tasks"])
			return nil
		},
	}

	cmd.Flags().StringVar(&modelID, "model", "sora2", "Logical model id")
	cmd.Flags().StringVar(&strategy, "strategy", "default", "Routing strategy (default, failover, weighted)")
	cmd.Flags().IntVar(&genCount, "gen-count", 0, "Versions per segment (daemon default when 0)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Run-level worker pool size (daemon default when 0)")
	cmd.Flags().StringVar(&segmentRange, "segments", "all", "Segment selection, e.g. \"1-3,7\"")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Assemble prompts without calling providers")
	cmd.Flags().BoolVar(&force, "force", false, "Regenerate even when output files already exist")
	cmd.Flags().StringVar(&outputLayout, "output-layout", "", "Output layout (centralized, in_place, custom)")
	cmd.Flags().StringVar(&outputPath, "output-path", "", "Base directory for the custom layout")
	return cmd
}

func newRunsCommand(c *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect generation runs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Runs []struct {
					ID             string `json:"id"`
					Status         string `json:"status"`
					TotalTasks     int    `json:"total_tasks"`
					Completed      int    `json:"completed"`
					Failed         int    `json:"failed"`
					DownloadFailed int    `json:"download_failed"`
				} `json:"runs"`
			}
			if err := c.get("/api/v1/runs", &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tTOTAL\tCOMPLETED\tFAILED\tDL-FAILED")
			for _, r := range resp.Runs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n",
					r.ID, r.Status, r.TotalTasks, r.Completed, r.Failed, r.DownloadFailed)
			}
			return w.Flush()
		},
	}

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var run map[string]any
			if err := c.get("/api/v1/runs/"+args[0], &run); err != nil {
				return err
			}
			return printJSON(run)
		},
	}

	var statusFilter string
	tasks := &cobra.Command{
		Use:   "tasks <run-id>",
		Short: "List a run's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/runs/" + args[0] + "/tasks"
			if statusFilter != "" {
				path += "?status=" + statusFilter
			}
			var resp struct {
				Tasks []struct {
					ID           string `json:"id"`
					SegmentIndex int    `json:"segment_index"`
					VersionIndex int    `json:"version_index"`
					Status       string `json:"status"`
					ProviderID   string `json:"provider_id"`
					ErrorCode    string `json:"error_code"`
				} `json:"tasks"`
			}
			if err := c.get(path, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSEGMENT\tVERSION\tSTATUS\tPROVIDER\tERROR")
			for _, t := range resp.Tasks {
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\n",
					t.ID, t.SegmentIndex, t.VersionIndex, t.Status, t.ProviderID, t.ErrorCode)
			}
			return w.Flush()
		},
	}
	tasks.Flags().StringVar(&statusFilter, "status", "", "Filter by task status")

	cmd.AddCommand(list, show, tasks)
	return cmd
}

func newTasksCommand(c *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and retry generation tasks",
	}

	show := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var task map[string]any
			if err := c.get("/api/v1/tasks/"+args[0], &task); err != nil {
				return err
			}
			return printJSON(task)
		},
	}

	retry := &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Re-run a terminal task in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var task map[string]any
			if err := c.post("/api/v1/tasks/"+args[0]+"/retry", map[string]any{}, &task); err != nil {
				return err
			}
			fmt.Printf("Task %s requeued\n", task["id"])
			return nil
		},
	}

	metadata := &cobra.Command{
		Use:   "metadata <task-id>",
		Short: "Print a task's metadata sidecar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var meta map[string]any
			if err := c.get("/api/v1/tasks/"+args[0]+"/metadata", &meta); err != nil {
				return err
			}
			return printJSON(meta)
		},
	}

	cmd.AddCommand(show, retry, metadata)
	return cmd
}

func newProvidersCommand(c *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect and manage the provider catalogue",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Providers []struct {
					ID       string `json:"id"`
					Enabled  bool   `json:"enabled"`
					Priority int    `json:"priority"`
					Weight   int    `json:"weight"`
				} `json:"providers"`
			}
			if err := c.get("/api/v1/providers", &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tENABLED\tPRIORITY\tWEIGHT")
			for _, p := range resp.Providers {
				fmt.Fprintf(w, "%s\t%t\t%d\t%d\n", p.ID, p.Enabled, p.Priority, p.Weight)
			}
			return w.Flush()
		},
	}

	setEnabled := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <provider-id>",
			Short: fmt.Sprintf("%s a provider", use),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				body := map[string]any{"enabled": enabled}
				if err := c.patch("/api/v1/providers/"+args[0], body, nil); err != nil {
					return err
				}
				fmt.Printf("Provider %s %sd\n", args[0], use)
				return nil
			},
		}
	}

	var priority, weight int
	set := &cobra.Command{
		Use:   "set <provider-id>",
		Short: "Update provider priority or weight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if cmd.Flags().Changed("priority") {
				body["priority"] = priority
			}
			if cmd.Flags().Changed("weight") {
				body["weight"] = weight
			}
			if len(body) == 0 {
				return fmt.Errorf("nothing to update: pass --priority or --weight")
			}
			return c.patch("/api/v1/providers/"+args[0], body, nil)
		},
	}
	set.Flags().IntVar(&priority, "priority", 0, "Routing priority (lower wins)")
	set.Flags().IntVar(&weight, "weight", 0, "Weighted-routing weight")

	cmd.AddCommand(list, setEnabled("enable", true), setEnabled("disable", false), set)
	return cmd
}

func newModelsCommand(c *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect and manage logical models",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List models",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Models []struct {
					ID          string `json:"id"`
					DisplayName string `json:"display_name"`
					Enabled     bool   `json:"enabled"`
					ProviderMap []struct {
						ProviderID string   `json:"provider_id"`
						ModelIDs   []string `json:"model_ids"`
					} `json:"provider_map"`
				} `json:"models"`
			}
			if err := c.get("/api/v1/models", &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tENABLED\tPROVIDERS")
			for _, m := range resp.Models {
				fmt.Fprintf(w, "%s\t%s\t%t\t%d\n", m.ID, m.DisplayName, m.Enabled, len(m.ProviderMap))
			}
			return w.Flush()
		},
	}

	var modelIDs []string
	mapCmd := &cobra.Command{
		Use:   "map <model-id> <provider-id>",
		Short: "Replace a model's provider-model ids for one provider (empty removes)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"provider_model_ids": modelIDs}
			return c.put("/api/v1/models/"+args[0]+"/providers/"+args[1], body, nil)
		},
	}
	mapCmd.Flags().StringSliceVar(&modelIDs, "ids", nil, "Provider-specific model ids")

	cmd.AddCommand(list, mapCmd)
	return cmd
}
