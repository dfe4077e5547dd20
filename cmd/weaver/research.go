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
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tombee/weaver/internal/config"
	"github.com/tombee/weaver/sdk"
)

// newResearchCommand creates the research command.
func newResearchCommand() *cobra.Command {
	var (
		mode     string
		model    string
		deepMode string
		epochs   int
	)

	cmd := &cobra.Command{
		Use:   "research <question>",
		Short: "Answer a research question with a cited report",
		Long: `Research routes the question to the cheapest capable pipeline
(direct answer, web search, agentic tool loop, or multi-epoch deep
search), streams progress while the run executes, and prints a report
whose claims carry inline [n] citations.

Ambiguous questions park on a single clarifying question. On a
terminal the answer is prompted inline; otherwise the run stays
parked and 'weaver runs resume <id>' picks it up later.

Exit codes:
  0  report passed the citation gate
  1  run failed or was cancelled
  2  run aborted on a budget or quality limit (partial report printed)
  3  run parked awaiting an answer (non-interactive session)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cleanup, err := buildClient(cmd.Context(), func(cfg *config.Config) {
				if epochs >= 0 {
					cfg.DeepSearch.MaxEpochs = epochs
				}
			})
			if err != nil {
				return err
			}
			defer cleanup()

			handle, err := client.Research(cmd.Context(), sdk.Request{
				Input:    args[0],
				Mode:     mode,
				Model:    model,
				DeepMode: deepMode,
			})
			if err != nil {
				return err
			}
			return streamRun(cmd.Context(), client, handle)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "Force a route: direct, clarify, web, agent, deep")
	cmd.Flags().StringVar(&model, "model", "", "Override the configured model for this run")
	cmd.Flags().StringVar(&deepMode, "deep-mode", "", "Deep search shape: auto, linear, tree")
	cmd.Flags().IntVar(&epochs, "epochs", -1, "Cap deep search epochs; 0 skips the epoch loop")

	return cmd
}

// streamRun renders the run's event stream, answers clarifying
// questions interactively, and prints the final report. Shared by
// research and runs resume.
func streamRun(ctx context.Context, client *sdk.Client, handle *sdk.Handle) error {
	progress := newRenderer(os.Stderr)
	rendered := make(chan struct{})
	if rootOpts.jsonOut {
		close(rendered)
	} else {
		go func() {
			defer close(rendered)
			for ev := range handle.Events(ctx) {
				progress.event(ev)
			}
		}()
	}

	res, err := handle.Wait(ctx)
	if err != nil {
		return waitError(ctx, client, handle.ID(), err)
	}

	for res.Parked {
		if rootOpts.jsonOut || !interactiveTerminal() {
			if rootOpts.jsonOut {
				if err := printJSON(toResultJSON(res)); err != nil {
					return err
				}
			} else {
				progress.parked(res, handle.ID())
			}
			return &exitError{code: exitParked, message: "run " + handle.ID() + " awaiting an answer"}
		}

		answer, err := promptAnswer(res.Question)
		if err != nil {
			return err
		}
		handle, err = client.Resume(ctx, handle.ID(), answer)
		if err != nil {
			return err
		}
		res, err = handle.Wait(ctx)
		if err != nil {
			return waitError(ctx, client, handle.ID(), err)
		}
	}

	// The progress goroutine drains the closed stream before the
	// report block starts.
	<-rendered

	if rootOpts.jsonOut {
		if err := printJSON(toResultJSON(res)); err != nil {
			return err
		}
		return exitFor(res)
	}
	newRenderer(os.Stdout).report(res)
	return exitFor(res)
}

// waitError folds an interrupted wait into a cancellation so the run
// does not keep burning budget behind a dead terminal.
func waitError(ctx context.Context, client *sdk.Client, runID string, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		client.Cancel(runID)
		return &exitError{code: exitRunFailed, message: "interrupted, run " + runID + " cancelled"}
	}
	return err
}

// promptAnswer asks the clarifying question inline.
func promptAnswer(question string) (string, error) {
	var answer string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Clarification needed").
				Description(question).
				Value(&answer).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("an answer is required")
					}
					return nil
				}),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", &exitError{code: exitRunFailed, message: "clarification aborted"}
		}
		return "", fmt.Errorf("clarification prompt: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

// exitFor maps a terminal result onto the documented exit codes.
func exitFor(res *sdk.Result) error {
	switch {
	case res.Status == "completed" && res.Verdict != "abort":
		return nil
	case res.Status == "completed":
		return &exitError{code: exitAbort, message: "run aborted with a partial report"}
	case res.Status == "cancelled":
		return &exitError{code: exitRunFailed, message: "run cancelled"}
	default:
		msg := res.Error
		if msg == "" {
			msg = "run " + res.Status
		}
		return &exitError{code: exitRunFailed, message: msg}
	}
}
