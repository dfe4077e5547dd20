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

package evaluate

import (
	"reflect"
	"testing"
)

func TestExtractClaimsNumericFact(t *testing.T) {
	draft := "Concrete production reached 4.4 billion tons [1]. The weather was nice."

	claims := ExtractClaims(draft)
	if len(claims) != 1 {
		t.Fatalf("expected 1 claim, got %d: %+v", len(claims), claims)
	}
	if !reflect.DeepEqual(claims[0].Citations, []int{1}) {
		t.Errorf("expected citations [1], got %v", claims[0].Citations)
	}
}

func TestExtractClaimsTimeReference(t *testing.T) {
	draft := "The standard has been stable since the first release [2]."

	claims := ExtractClaims(draft)
	if len(claims) != 1 {
		t.Fatalf("expected time reference to flag a claim, got %+v", claims)
	}
}

func TestExtractClaimsComparative(t *testing.T) {
	draft := "The new codec is faster than its predecessor [1]."

	claims := ExtractClaims(draft)
	if len(claims) != 1 {
		t.Fatalf("expected comparative language to flag a claim, got %+v", claims)
	}
}

func TestExtractClaimsEntityRun(t *testing.T) {
	draft := "A team at Stanford Medical School confirmed the hypothesis [3]."

	claims := ExtractClaims(draft)
	if len(claims) != 1 {
		t.Fatalf("expected entity run to flag a claim, got %+v", claims)
	}
}

func TestExtractClaimsSkipsPlainProse(t *testing.T) {
	draft := "It is widely believed that things will improve. The researchers disagreed about methodology."

	claims := ExtractClaims(draft)
	if len(claims) != 0 {
		t.Fatalf("expected no claims from plain prose, got %+v", claims)
	}
}

func TestExtractClaimsCitationDigitsDoNotCount(t *testing.T) {
	draft := "Several experts were consulted about the approach [1]."

	claims := ExtractClaims(draft)
	if len(claims) != 0 {
		t.Fatalf("citation markers alone must not read as numeric facts, got %+v", claims)
	}
}

func TestExtractClaimsSkipsHeadingsAndCode(t *testing.T) {
	draft := "# Revenue grew 40% in 2024\n\n```\ntotal = 123\n```\n\nRevenue grew 40% year over year [1].\n"

	claims := ExtractClaims(draft)
	if len(claims) != 1 {
		t.Fatalf("expected only the prose claim, got %d: %+v", len(claims), claims)
	}
}

func TestExtractClaimsStripsListMarkers(t *testing.T) {
	draft := "- Revenue rose 12% in 2024 [1]\n2. Costs fell 3% over the same period [2]\n"

	claims := ExtractClaims(draft)
	if len(claims) != 2 {
		t.Fatalf("expected 2 list claims, got %d: %+v", len(claims), claims)
	}
	if !reflect.DeepEqual(claims[0].Citations, []int{1}) || !reflect.DeepEqual(claims[1].Citations, []int{2}) {
		t.Errorf("unexpected citations: %+v", claims)
	}
}

func TestCitationsDeduplicated(t *testing.T) {
	got := citations("first [1] then [2] then [1] again")
	if !reflect.DeepEqual(got, []int{1, 2}) {
		t.Errorf("expected [1 2], got %v", got)
	}
}

func TestCitationsMultiplePerSentence(t *testing.T) {
	draft := "Estimates range from 10% [1] to 50% [2] annually."

	claims := ExtractClaims(draft)
	if len(claims) != 1 {
		t.Fatalf("expected 1 claim, got %d", len(claims))
	}
	if !reflect.DeepEqual(claims[0].Citations, []int{1, 2}) {
		t.Errorf("expected citations [1 2], got %v", claims[0].Citations)
	}
}
