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
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Claim is one declared factual statement extracted from a draft report.
type Claim struct {
	Text string

	// Citations holds the distinct 1-based citation numbers appearing in
	// the sentence, in order of appearance.
	Citations []int
}

var (
	citationRe    = regexp.MustCompile(`\[(\d+)\]`)
	numericRe     = regexp.MustCompile(`\d`)
	timeRefRe     = regexp.MustCompile(`(?i)\b(since|as of|today)\b`)
	comparativeRe = regexp.MustCompile(`(?i)\b(faster|higher|more|less|versus)\b`)
	sentenceEndRe = regexp.MustCompile(`[.!?](?:\s+|$)`)
	listItemRe    = regexp.MustCompile(`^\d+\.\s+`)
)

// ExtractClaims splits the draft into sentences and keeps those that
// assert checkable facts: numeric values, time references, comparative
// language, or multi-word proper nouns.
func ExtractClaims(draft string) []Claim {
	var claims []Claim
	for _, sentence := range splitSentences(draft) {
		if !isClaim(sentence) {
			continue
		}
		claims = append(claims, Claim{
			Text:      sentence,
			Citations: citations(sentence),
		})
	}
	return claims
}

// splitSentences breaks markdown prose into candidate sentences.
// Headings and fenced code are skipped; list markers are stripped.
func splitSentences(draft string) []string {
	var out []string
	inFence := false
	for _, line := range strings.Split(draft, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence || trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		trimmed = strings.TrimPrefix(trimmed, "- ")
		trimmed = strings.TrimPrefix(trimmed, "* ")
		trimmed = strings.TrimPrefix(trimmed, "> ")
		trimmed = listItemRe.ReplaceAllString(trimmed, "")

		for _, part := range sentenceEndRe.Split(trimmed, -1) {
			part = strings.TrimSpace(part)
			if len(strings.Fields(part)) < 3 {
				continue
			}
			out = append(out, part)
		}
	}
	return out
}

// isClaim reports whether a sentence asserts a checkable fact. Citation
// markers are removed first so their indices do not read as numeric
// facts.
func isClaim(sentence string) bool {
	bare := citationRe.ReplaceAllString(sentence, "")
	if numericRe.MatchString(bare) || timeRefRe.MatchString(bare) || comparativeRe.MatchString(bare) {
		return true
	}
	return hasEntityRun(bare)
}

// hasEntityRun looks for two or more consecutive capitalized words. The
// sentence-initial word is skipped so ordinary capitalization does not
// register as an entity.
func hasEntityRun(sentence string) bool {
	fields := strings.Fields(sentence)
	if len(fields) < 3 {
		return false
	}
	run := 0
	for _, f := range fields[1:] {
		r, _ := utf8.DecodeRuneInString(f)
		if unicode.IsUpper(r) {
			run++
			if run >= 2 {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

// citations returns the distinct citation numbers in text, in order of
// appearance.
func citations(text string) []int {
	var out []int
	seen := make(map[int]struct{})
	for _, m := range citationRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
