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

package secrets

import (
	"context"
	"testing"

	"github.com/tombee/weaver/pkg/errors"
)

func TestEnvProviderResolve(t *testing.T) {
	t.Setenv("WEAVER_SECRET_TEST", "sk-from-env")

	var p EnvProvider
	got, err := p.Resolve(context.Background(), "WEAVER_SECRET_TEST")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "sk-from-env" {
		t.Errorf("got %q, want sk-from-env", got)
	}
}

func TestEnvProviderMissing(t *testing.T) {
	var p EnvProvider
	_, err := p.Resolve(context.Background(), "WEAVER_DEFINITELY_UNSET_VAR")
	if !errors.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

type staticProvider struct {
	scheme string
	values map[string]string
}

func (s staticProvider) Scheme() string { return s.scheme }

func (s staticProvider) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := s.values[ref]
	if !ok {
		return "", errors.NewNotFoundError("secret", ref)
	}
	return v, nil
}

func TestResolverDispatch(t *testing.T) {
	r := &Resolver{providers: make(map[string]Provider)}
	r.Register(staticProvider{scheme: "vault", values: map[string]string{"token": "tkn-1"}})

	got, err := r.Resolve(context.Background(), "vault:token")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "tkn-1" {
		t.Errorf("got %q, want tkn-1", got)
	}
}

func TestResolverPassesLiteralsThrough(t *testing.T) {
	r := NewResolver()

	for _, literal := range []string{
		"sk-plain-key",
		"sk-contains:colon",
		"",
	} {
		got, err := r.Resolve(context.Background(), literal)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", literal, err)
		}
		if got != literal {
			t.Errorf("Resolve(%q) = %q, want unchanged", literal, got)
		}
	}
}

func TestIsReference(t *testing.T) {
	r := NewResolver()

	if !r.IsReference("env:API_KEY") {
		t.Error("env:API_KEY should be a reference")
	}
	if !r.IsReference("keychain:openai") {
		t.Error("keychain:openai should be a reference")
	}
	if r.IsReference("sk-contains:colon") {
		t.Error("unknown scheme should not be a reference")
	}
	if r.IsReference("plain") {
		t.Error("value without colon should not be a reference")
	}
}
