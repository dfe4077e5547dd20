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

// Package secrets resolves credential references in configuration.
//
// Two reference schemes are recognized:
//
//	env:NAME          -> value of the NAME environment variable
//	keychain:account  -> system keychain entry under the weaver service
//
// Anything else is treated as a literal value and passed through.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	weavererrors "github.com/tombee/weaver/pkg/errors"
)

// Service is the keychain service name for all weaver entries.
const Service = "weaver"

// Provider resolves one reference scheme.
type Provider interface {
	// Scheme is the reference prefix this provider handles, without
	// the colon.
	Scheme() string

	// Resolve returns the secret value for reference (scheme stripped).
	Resolve(ctx context.Context, reference string) (string, error)
}

// EnvProvider resolves env:NAME references from the process environment.
type EnvProvider struct{}

func (EnvProvider) Scheme() string { return "env" }

func (EnvProvider) Resolve(_ context.Context, reference string) (string, error) {
	if reference == "" {
		return "", weavererrors.NewConfigError("env:", "empty variable name")
	}
	value := os.Getenv(reference)
	if value == "" {
		return "", weavererrors.NewNotFoundError("environment variable", reference)
	}
	return value, nil
}

// KeychainProvider resolves keychain:account references from the
// system keychain: Keychain Access on macOS, Secret Service on Linux,
// Credential Manager on Windows.
type KeychainProvider struct {
	service   string
	available bool
}

// NewKeychainProvider probes the keychain once so that later failures
// on locked or headless systems degrade to a clear error instead of a
// platform-specific one.
func NewKeychainProvider(service string) *KeychainProvider {
	p := &KeychainProvider{service: service, available: true}
	if _, err := keyring.Get(service, "__weaver_availability_probe__"); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		p.available = false
	}
	return p
}

func (k *KeychainProvider) Scheme() string { return "keychain" }

// Available reports whether the probe found a usable keychain.
func (k *KeychainProvider) Available() bool { return k.available }

func (k *KeychainProvider) Resolve(_ context.Context, reference string) (string, error) {
	if !k.available {
		return "", weavererrors.NewConfigError("keychain:"+reference,
			"system keychain unavailable or locked")
	}
	value, err := keyring.Get(k.service, reference)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", weavererrors.NewNotFoundError("keychain entry", reference)
		}
		return "", fmt.Errorf("keychain access for %q: %w", reference, err)
	}
	return value, nil
}

// Store writes a keychain entry, for `weaver` setup flows and tests.
func (k *KeychainProvider) Store(_ context.Context, reference, value string) error {
	if !k.available {
		return weavererrors.NewConfigError("keychain:"+reference,
			"system keychain unavailable or locked")
	}
	return keyring.Set(k.service, reference, value)
}

// Resolver dispatches references to scheme providers.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver returns a resolver with the env and keychain providers
// registered.
func NewResolver() *Resolver {
	r := &Resolver{providers: make(map[string]Provider)}
	r.Register(EnvProvider{})
	r.Register(NewKeychainProvider(Service))
	return r
}

// Register adds or replaces the provider for its scheme.
func (r *Resolver) Register(p Provider) {
	r.providers[p.Scheme()] = p
}

// IsReference reports whether value carries a recognized scheme prefix.
// Literal values that happen to contain a colon are not references.
func (r *Resolver) IsReference(value string) bool {
	scheme, _, ok := strings.Cut(value, ":")
	if !ok {
		return false
	}
	_, known := r.providers[scheme]
	return known
}

// Resolve returns the secret behind value. Non-reference values are
// returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	scheme, rest, ok := strings.Cut(value, ":")
	if !ok {
		return value, nil
	}
	p, known := r.providers[scheme]
	if !known {
		return value, nil
	}
	return p.Resolve(ctx, rest)
}
