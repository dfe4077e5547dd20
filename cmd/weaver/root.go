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
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/weaver/internal/config"
	"github.com/tombee/weaver/internal/log"
	"github.com/tombee/weaver/internal/tracing"
	weavererrors "github.com/tombee/weaver/pkg/errors"
	"github.com/tombee/weaver/sdk"
)

// Exit codes for the weaver CLI.
const (
	exitOK        = 0
	exitRunFailed = 1
	exitAbort     = 2
	exitParked    = 3
)

// rootOptions holds the persistent flag values shared by subcommands.
type rootOptions struct {
	configPath string
	jsonOut    bool
	logLevel   string
	logFormat  string
}

var rootOpts rootOptions

// newRootCommand creates the root cobra command for weaver.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weaver",
		Short: "Weaver - deep research orchestration",
		Long: `Weaver answers research questions with cited reports. It routes each
question to the cheapest capable pipeline (direct answer, web search,
agentic tool loop, or multi-epoch deep search), fans sub-queries across
search providers, reads the strongest sources, and gates the written
report on citation coverage.

Run 'weaver research "your question"' to start. Configuration comes
from --config (YAML), WEAVER_* environment variables, and a .env file
in the working directory when present.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env feeds the WEAVER_* overrides below; a missing file
			// is not an error.
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			bindFlagEnv(cmd.Root().PersistentFlags())
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&rootOpts.configPath, "config", "", "Path to a YAML config file")
	cmd.PersistentFlags().BoolVar(&rootOpts.jsonOut, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(&rootOpts.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	cmd.PersistentFlags().StringVar(&rootOpts.logFormat, "log-format", "", "Log format: json or text (overrides config)")

	return cmd
}

// bindFlagEnv fills unset persistent flags from WEAVER_* environment
// variables, so WEAVER_CONFIG=weaver.yaml works like --config.
func bindFlagEnv(flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		env := "WEAVER_" + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if v, ok := os.LookupEnv(env); ok && v != "" {
			_ = flags.Set(f.Name, v)
		}
	})
}

// buildClient loads configuration, applies the optional mutation (flag
// overrides), and assembles the SDK client with logging and tracing.
// The returned cleanup cancels outstanding runs and flushes telemetry.
func buildClient(ctx context.Context, mutate func(*config.Config)) (*sdk.Client, func(), error) {
	cfg, err := config.Load(rootOpts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if rootOpts.logLevel != "" {
		cfg.Log.Level = rootOpts.logLevel
	}
	if rootOpts.logFormat != "" {
		cfg.Log.Format = rootOpts.logFormat
	}
	if mutate != nil {
		mutate(cfg)
	}

	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.Source,
	})

	tp, err := tracing.Setup(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRate:     cfg.Tracing.SampleRate,
		ServiceVersion: version,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("tracing setup: %w", err)
	}

	client, err := sdk.New(sdk.WithConfig(cfg), sdk.WithLogger(logger))
	if err != nil {
		shutdownCtx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()
		_ = tp.Shutdown(shutdownCtx)
		return nil, nil, err
	}

	cleanup := func() {
		// Detached from the command context so an interrupt still
		// gets a bounded, orderly shutdown.
		shutdownCtx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelFn()
		if err := client.Close(shutdownCtx); err != nil {
			logger.Warn("client close", "error", err)
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}
	return client, cleanup, nil
}

// exitError carries an exit code through cobra's error return.
type exitError struct {
	code    int
	message string
	cause   error
}

func (e *exitError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *exitError) Unwrap() error { return e.cause }

// handleExit prints the error, any attached suggestion, and exits with
// the error's code (execution failure when it carries none).
func handleExit(err error) {
	code := exitRunFailed
	var xe *exitError
	if errors.As(err, &xe) {
		code = xe.code
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	if s := weavererrors.Suggestion(err); s != "" {
		fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", s)
	}
	os.Exit(code)
}
