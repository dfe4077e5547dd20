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
	"errors"
	"testing"

	"github.com/spf13/pflag"

	"github.com/tombee/weaver/sdk"
)

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		name string
		res  sdk.Result
		code int // 0 means nil error expected
	}{
		{"pass", sdk.Result{Status: "completed", Verdict: "pass"}, exitOK},
		{"abort", sdk.Result{Status: "completed", Verdict: "abort"}, exitAbort},
		{"cancelled", sdk.Result{Status: "cancelled"}, exitRunFailed},
		{"failed", sdk.Result{Status: "failed", Error: "provider down"}, exitRunFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := exitFor(&tc.res)
			if tc.code == exitOK {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			var xe *exitError
			if !errors.As(err, &xe) {
				t.Fatalf("expected an exitError, got %v", err)
			}
			if xe.code != tc.code {
				t.Errorf("expected code %d, got %d", tc.code, xe.code)
			}
		})
	}
}

func TestExitErrorCarriesCause(t *testing.T) {
	cause := errors.New("boom")
	err := &exitError{code: exitRunFailed, message: "run failed", cause: cause}
	if !errors.Is(err, cause) {
		t.Error("exitError should unwrap to its cause")
	}
	if err.Error() != "run failed: boom" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestBindFlagEnv(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var configPath, logLevel string
	flags.StringVar(&configPath, "config", "", "")
	flags.StringVar(&logLevel, "log-level", "", "")

	t.Setenv("WEAVER_CONFIG", "weaver.yaml")
	t.Setenv("WEAVER_LOG_LEVEL", "debug")

	bindFlagEnv(flags)

	if configPath != "weaver.yaml" {
		t.Errorf("expected env to fill --config, got %q", configPath)
	}
	if logLevel != "debug" {
		t.Errorf("expected env to fill --log-level, got %q", logLevel)
	}
}

func TestBindFlagEnvKeepsExplicitFlags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var configPath string
	flags.StringVar(&configPath, "config", "", "")
	if err := flags.Set("config", "explicit.yaml"); err != nil {
		t.Fatal(err)
	}

	t.Setenv("WEAVER_CONFIG", "from-env.yaml")
	bindFlagEnv(flags)

	if configPath != "explicit.yaml" {
		t.Errorf("explicit flag should win over env, got %q", configPath)
	}
}
