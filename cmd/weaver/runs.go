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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/weaver/sdk"
)

// newRunsCommand creates the runs command group.
func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and manage research runs",
		Long: `Runs lists the controller's run records and operates on single runs:
show a run's report, cancel an active run, or answer a parked run's
clarifying question and stream the rest of it.`,
	}
	cmd.AddCommand(
		newRunsListCommand(),
		newRunsGetCommand(),
		newRunsCancelCommand(),
		newRunsResumeCommand(),
	)
	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		status string
		mode   string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cleanup, err := buildClient(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer cleanup()

			runs, err := client.Runs(cmd.Context(), sdk.RunFilter{
				Status: status,
				Mode:   mode,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			if rootOpts.jsonOut {
				out := make([]runJSON, 0, len(runs))
				for _, run := range runs {
					out = append(out, toRunJSON(run))
				}
				return printJSON(out)
			}
			newRenderer(os.Stdout).runsTable(runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status: pending, running, awaiting_review, completed, failed, cancelled")
	cmd.Flags().StringVar(&mode, "mode", "", "Filter by mode: direct, clarify, web, agent, deep")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to show; 0 shows all")

	return cmd
}

func newRunsGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one run, including its report or open question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cleanup, err := buildClient(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer cleanup()

			info, err := client.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			res, err := client.Result(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if rootOpts.jsonOut {
				return printJSON(runDetailJSON{
					runJSON:   toRunJSON(*info),
					Report:    res.Report,
					Question:  res.Question,
					Sources:   toSourceJSON(res.Sources),
					Revisions: res.Revisions,
					Coverage:  res.Coverage,
				})
			}
			newRenderer(os.Stdout).runDetail(info, res)
			return nil
		},
	}
	return cmd
}

func newRunsCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an active or parked run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cleanup, err := buildClient(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer cleanup()

			if !client.Cancel(args[0]) {
				return &exitError{code: exitRunFailed, message: "run " + args[0] + " is not active"}
			}
			if rootOpts.jsonOut {
				return printJSON(struct {
					ID        string `json:"id"`
					Cancelled bool   `json:"cancelled"`
				}{ID: args[0], Cancelled: true})
			}
			r := newRenderer(os.Stdout)
			r.line(styleOK, symbolOK, "run %s cancelled", args[0])
			return nil
		},
	}
	return cmd
}

func newRunsResumeCommand() *cobra.Command {
	var answer string

	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Answer a parked run's question and stream it to completion",
		Long: `Resume restores a parked run from its checkpoint, folds the answer
into the research topic, and re-attaches to the event stream. Without
--answer the question is prompted on a terminal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cleanup, err := buildClient(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := client.Result(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !res.Parked {
				return &exitError{
					code:    exitRunFailed,
					message: fmt.Sprintf("run %s is %s, not awaiting an answer", args[0], res.Status),
				}
			}

			if answer == "" {
				if rootOpts.jsonOut || !interactiveTerminal() {
					return &exitError{code: exitParked, message: "an answer is required: pass --answer"}
				}
				answer, err = promptAnswer(res.Question)
				if err != nil {
					return err
				}
			}

			handle, err := client.Resume(cmd.Context(), args[0], answer)
			if err != nil {
				return err
			}
			return streamRun(cmd.Context(), client, handle)
		},
	}

	cmd.Flags().StringVar(&answer, "answer", "", "Answer to the run's clarifying question")

	return cmd
}
