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

package workflow

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/weaver/internal/state"
	weavererrors "github.com/tombee/weaver/pkg/errors"
)

// Rule routes an input to a mode when its expression matches. Rules are
// evaluated in order before the LLM classifier; the first match wins.
//
// Expressions see `input` (the raw question), `words` (its word count),
// and `has_year` (whether it mentions a four-digit year), plus the
// helpers has(collection, elem), includes (alias), and length(v).
//
//	rules:
//	  - when: 'words < 4 && !has_year'
//	    mode: direct
//	  - when: 'includes(input, "step by step")'
//	    mode: agent
type Rule struct {
	When string
	Mode string
}

type compiledRule struct {
	when string
	mode state.Mode
	prog *vm.Program
}

// ruleSet holds the compiled routing rules.
type ruleSet struct {
	rules []compiledRule
}

func compileRules(rules []Rule) (*ruleSet, error) {
	env := map[string]any{
		"has":      hasFunc,
		"includes": hasFunc,
		"length":   lengthFunc,
	}

	out := &ruleSet{}
	for i, r := range rules {
		if strings.TrimSpace(r.When) == "" {
			return nil, weavererrors.NewConfigError(
				fmt.Sprintf("router.rules[%d].when", i), "must not be empty")
		}
		mode, err := state.ParseMode(r.Mode)
		if err != nil {
			return nil, weavererrors.NewConfigError(
				fmt.Sprintf("router.rules[%d].mode", i), err.Error())
		}
		prog, err := expr.Compile(r.When,
			expr.Env(env),
			expr.AllowUndefinedVariables(),
			expr.AsBool(),
		)
		if err != nil {
			return nil, &weavererrors.ConfigError{
				Key:    fmt.Sprintf("router.rules[%d].when", i),
				Reason: "expression does not compile",
				Cause:  err,
			}
		}
		out.rules = append(out.rules, compiledRule{when: r.When, mode: mode, prog: prog})
	}
	return out, nil
}

// match evaluates the rules in order against env and returns the first
// matching rule's mode. A rule that errors at runtime is skipped.
func (s *ruleSet) match(env map[string]any) (state.Mode, string, bool) {
	if s == nil || len(s.rules) == 0 {
		return "", "", false
	}
	runEnv := map[string]any{
		"has":      hasFunc,
		"includes": hasFunc,
		"length":   lengthFunc,
	}
	for k, v := range env {
		runEnv[k] = v
	}
	for _, r := range s.rules {
		result, err := expr.Run(r.prog, runEnv)
		if err != nil {
			continue
		}
		if ok, _ := result.(bool); ok {
			return r.mode, r.when, true
		}
	}
	return "", "", false
}

// hasFunc reports membership: element in a slice, key in a map, or
// substring in a string. "contains" is a reserved expr operator, hence
// the name.
func hasFunc(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("has requires exactly 2 arguments, got %d", len(args))
	}
	collection, target := args[0], args[1]
	if collection == nil {
		return false, nil
	}

	v := reflect.ValueOf(collection)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if reflect.DeepEqual(v.Index(i).Interface(), target) {
				return true, nil
			}
		}
		return false, nil
	case reflect.Map:
		return v.MapIndex(reflect.ValueOf(target)).IsValid(), nil
	case reflect.String:
		sub, ok := target.(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(
			strings.ToLower(v.String()), strings.ToLower(sub)), nil
	default:
		return false, nil
	}
}

// lengthFunc returns the length of a string, slice, or map.
func lengthFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("length requires exactly 1 argument, got %d", len(args))
	}
	if args[0] == nil {
		return 0, nil
	}
	v := reflect.ValueOf(args[0])
	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return v.Len(), nil
	default:
		return nil, fmt.Errorf("length: unsupported type %T", args[0])
	}
}
