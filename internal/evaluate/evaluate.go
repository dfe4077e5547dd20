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

// Package evaluate scores draft reports against the evidence that backs
// them and decides whether a draft passes or needs another revision.
package evaluate

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/tombee/weaver/internal/cancel"
	"github.com/tombee/weaver/internal/state"
	pkgerrors "github.com/tombee/weaver/pkg/errors"
)

// Config holds the citation gate thresholds.
type Config struct {
	// MinCoverage is the citation coverage below which a draft is sent
	// back for revision. Default 0.6.
	MinCoverage float64

	// MinFresh is the freshness ratio below which a time-sensitive draft
	// is sent back for revision. Default 0.4.
	MinFresh float64

	// FreshnessWindowDays bounds how old a cited source may be and still
	// count as fresh. Default 30.
	FreshnessWindowDays float64

	// MaxRevisions caps the refine loop. Zero coerces every revise
	// verdict to pass.
	MaxRevisions int
}

func (c Config) withDefaults() Config {
	if c.MinCoverage <= 0 {
		c.MinCoverage = 0.6
	}
	if c.MinFresh <= 0 {
		c.MinFresh = 0.4
	}
	if c.FreshnessWindowDays <= 0 {
		c.FreshnessWindowDays = 30
	}
	if c.MaxRevisions < 0 {
		c.MaxRevisions = 0
	}
	return c
}

// Result is the evaluator's full output for one draft.
type Result struct {
	Metrics state.QualityMetrics
	Verdict state.Verdict

	// Gaps lists planned dimensions no cited source covered, in
	// canonical order, for refinement targeting.
	Gaps []state.Dimension

	// Summary is a one-line quality digest suitable for run artifacts.
	Summary string

	// ForcedPass marks a revise verdict coerced to pass at the revision
	// cap.
	ForcedPass bool
}

// Evaluator computes quality metrics for draft reports and applies the
// citation gate.
type Evaluator struct {
	cfg      Config
	verifier *Verifier
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an evaluator. The verifier may be nil, in which case
// consistency is reported as 1.0.
func New(cfg Config, verifier *Verifier, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		cfg:      cfg.withDefaults(),
		verifier: verifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Evaluate scores the draft report in rs and returns metrics, a verdict,
// and the dimension gaps a revision should target.
func (e *Evaluator) Evaluate(ctx context.Context, tok *cancel.Token, rs *state.RunState) (Result, error) {
	claims := ExtractClaims(rs.DraftReport)
	cited := citedSources(rs)

	var res Result
	res.Metrics.CitationCoverage, res.Metrics.UnsupportedClaims = citationCoverage(claims, rs)
	res.Metrics.QueryCoverage, res.Gaps = queryCoverage(rs.Plan, cited.ids)

	timeSensitive := TimeSensitive(rs.Input, e.now())
	res.Metrics.FreshnessRatio = 1
	if timeSensitive {
		res.Metrics.FreshnessRatio = freshnessRatio(cited.sources, e.cfg.FreshnessWindowDays)
	}

	consistency, err := e.consistency(ctx, tok, claims, cited, rs)
	if err != nil {
		return Result{}, err
	}
	res.Metrics.Consistency = consistency

	res.Verdict, res.ForcedPass = e.gate(res.Metrics, timeSensitive, rs.Revisions)
	if res.Verdict == state.VerdictRevise && timeSensitive && res.Metrics.FreshnessRatio < e.cfg.MinFresh {
		res.Gaps = appendMissing(res.Gaps, state.DimensionTemporal)
	}
	res.Summary = summarize(res, cited.sources, len(claims))
	return res, nil
}

// citedSet is the distinct set of sources cited anywhere in the draft.
type citedSet struct {
	sources []state.Source
	ids     map[string]struct{}
}

func citedSources(rs *state.RunState) citedSet {
	set := citedSet{ids: make(map[string]struct{})}
	for _, n := range citations(rs.DraftReport) {
		src, ok := rs.SourceByCitation(n)
		if !ok {
			continue
		}
		if _, dup := set.ids[src.SourceID]; dup {
			continue
		}
		set.ids[src.SourceID] = struct{}{}
		set.sources = append(set.sources, src)
	}
	return set
}

// citationCoverage is the fraction of claims carrying at least one
// citation that resolves to a known source, plus the count of claims
// with no resolving citation. A draft with no claims is vacuously
// covered.
func citationCoverage(claims []Claim, rs *state.RunState) (float64, int) {
	if len(claims) == 0 {
		return 1, 0
	}
	supported := 0
	for _, c := range claims {
		if claimSupported(c, rs) {
			supported++
		}
	}
	return float64(supported) / float64(len(claims)), len(claims) - supported
}

func claimSupported(c Claim, rs *state.RunState) bool {
	for _, n := range c.Citations {
		if _, ok := rs.SourceByCitation(n); ok {
			return true
		}
	}
	return false
}

// queryCoverage is the fraction of planned dimensions with at least one
// sub-query that contributed a cited source. Uncovered dimensions come
// back as gaps in canonical order. An empty plan is vacuously covered.
func queryCoverage(plan []state.SubQuery, citedIDs map[string]struct{}) (float64, []state.Dimension) {
	covered := make(map[state.Dimension]bool)
	for _, sq := range plan {
		if _, seen := covered[sq.Dimension]; !seen {
			covered[sq.Dimension] = false
		}
		for _, id := range sq.SourceIDs {
			if _, ok := citedIDs[id]; ok {
				covered[sq.Dimension] = true
				break
			}
		}
	}

	planned := 0
	hits := 0
	var gaps []state.Dimension
	for _, d := range state.Dimensions() {
		got, ok := covered[d]
		if !ok {
			continue
		}
		planned++
		if got {
			hits++
		} else {
			gaps = append(gaps, d)
		}
	}
	if planned == 0 {
		return 1, nil
	}
	return float64(hits) / float64(planned), gaps
}

// freshnessRatio is the fraction of cited sources younger than the
// window. No cited sources means no fresh evidence.
func freshnessRatio(cited []state.Source, windowDays float64) float64 {
	if len(cited) == 0 {
		return 0
	}
	fresh := 0
	for _, src := range cited {
		if src.FreshnessDays != nil && *src.FreshnessDays <= windowDays {
			fresh++
		}
	}
	return float64(fresh) / float64(len(cited))
}

var (
	timeSensitiveRe = regexp.MustCompile(`(?i)\b(latest|recent|current|newest|updated|today|this year|trend)\b`)
	yearRe          = regexp.MustCompile(`\b(19|20)\d{2}\b`)
)

// TimeSensitive reports whether a topic demands fresh evidence, either
// through recency keywords or a year at or past the current one.
func TimeSensitive(topic string, now time.Time) bool {
	if timeSensitiveRe.MatchString(topic) {
		return true
	}
	for _, m := range yearRe.FindAllString(topic, -1) {
		if y, err := strconv.Atoi(m); err == nil && y >= now.Year() {
			return true
		}
	}
	return false
}

// consistency asks the verifier to flag contradicting sources. An
// unavailable or failing verifier degrades to full consistency rather
// than blocking the run; cancellation still propagates.
func (e *Evaluator) consistency(ctx context.Context, tok *cancel.Token, claims []Claim, cited citedSet, rs *state.RunState) (float64, error) {
	if len(cited.sources) == 0 {
		return 1, nil
	}
	verifiable := verifiableClaims(claims, rs)
	if len(verifiable) == 0 {
		return 1, nil
	}
	if e.verifier == nil {
		e.logger.Warn("claim verifier not configured, reporting full consistency",
			"run_id", rs.RunID,
			"verifiable_claims", len(verifiable))
		return 1, nil
	}

	contradicted, err := e.verifier.contradicted(ctx, tok, verifiable, rs)
	if err != nil {
		if pkgerrors.IsCancelled(err) || stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		e.logger.Warn("claim verification unavailable, reporting full consistency",
			"run_id", rs.RunID,
			"error", err)
		return 1, nil
	}
	return 1 - float64(len(contradicted))/float64(len(cited.sources)), nil
}

// verifiableClaims keeps claims citing at least two known sources, the
// minimum for a contradiction between sources to exist.
func verifiableClaims(claims []Claim, rs *state.RunState) []Claim {
	var out []Claim
	for _, c := range claims {
		resolved := 0
		for _, n := range c.Citations {
			if _, ok := rs.SourceByCitation(n); ok {
				resolved++
			}
		}
		if resolved >= 2 {
			out = append(out, c)
		}
	}
	return out
}

// gate applies the citation gate. At the revision cap a revise verdict
// is coerced to pass so runs always terminate.
func (e *Evaluator) gate(m state.QualityMetrics, timeSensitive bool, revisions int) (state.Verdict, bool) {
	verdict := state.VerdictPass
	if m.CitationCoverage < e.cfg.MinCoverage {
		verdict = state.VerdictRevise
	}
	if timeSensitive && m.FreshnessRatio < e.cfg.MinFresh {
		verdict = state.VerdictRevise
	}
	if verdict == state.VerdictRevise && revisions >= e.cfg.MaxRevisions {
		e.logger.Warn("revision limit reached, passing despite quality gate",
			"citation_coverage", m.CitationCoverage,
			"freshness_ratio", m.FreshnessRatio,
			"revisions", revisions)
		return state.VerdictPass, true
	}
	return verdict, false
}

// summarize renders the one-line quality digest stored in run artifacts.
func summarize(res Result, cited []state.Source, claimCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "verdict=%s query_coverage=%.2f citation_coverage=%.2f freshness=%.2f consistency=%.2f claims=%d unsupported=%d cited=%d",
		res.Verdict, res.Metrics.QueryCoverage, res.Metrics.CitationCoverage,
		res.Metrics.FreshnessRatio, res.Metrics.Consistency,
		claimCount, res.Metrics.UnsupportedClaims, len(cited))
	if res.ForcedPass {
		b.WriteString(" forced_pass=true")
	}
	if len(cited) > 0 {
		ranks := make(stats.Float64Data, len(cited))
		rels := make(stats.Float64Data, len(cited))
		for i, src := range cited {
			ranks[i] = src.RankScore
			rels[i] = src.RelevanceScore
		}
		b.WriteString(" rank=" + aggregates(ranks))
		b.WriteString(" relevance=" + aggregates(rels))
	}
	return b.String()
}

// aggregates formats mean/median/stddev for a sample.
func aggregates(data stats.Float64Data) string {
	mean, _ := stats.Mean(data)
	median, _ := stats.Median(data)
	stddev, _ := stats.StandardDeviation(data)
	return fmt.Sprintf("%.2f/%.2f/%.2f", mean, median, stddev)
}

func appendMissing(gaps []state.Dimension, d state.Dimension) []state.Dimension {
	for _, g := range gaps {
		if g == d {
			return gaps
		}
	}
	return append(gaps, d)
}
