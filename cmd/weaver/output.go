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
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tombee/weaver/sdk"
)

// resultJSON is the machine-readable form of a run result.
type resultJSON struct {
	RunID      string       `json:"run_id"`
	Status     string       `json:"status"`
	Mode       string       `json:"mode,omitempty"`
	Verdict    string       `json:"verdict,omitempty"`
	Report     string       `json:"report,omitempty"`
	Parked     bool         `json:"parked,omitempty"`
	Question   string       `json:"question,omitempty"`
	Sources    []sourceJSON `json:"sources,omitempty"`
	Epochs     int          `json:"epochs"`
	Revisions  int          `json:"revisions"`
	TokensUsed int64        `json:"tokens_used"`
	DurationMS int64        `json:"duration_ms"`
	Coverage   float64      `json:"citation_coverage"`
	Error      string       `json:"error,omitempty"`
}

type sourceJSON struct {
	Index       int        `json:"index"`
	URL         string     `json:"url"`
	Title       string     `json:"title,omitempty"`
	Provider    string     `json:"provider,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Relevance   float64    `json:"relevance"`
}

// runJSON is the machine-readable form of a run record.
type runJSON struct {
	ID          string     `json:"id"`
	Input       string     `json:"input"`
	Mode        string     `json:"mode,omitempty"`
	Model       string     `json:"model,omitempty"`
	AgentID     string     `json:"agent_id,omitempty"`
	Status      string     `json:"status"`
	Verdict     string     `json:"verdict,omitempty"`
	Error       string     `json:"error,omitempty"`
	Epoch       int        `json:"epoch"`
	TokensUsed  int64      `json:"tokens_used"`
	Resumable   bool       `json:"resumable"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// runDetailJSON extends the record with checkpoint-derived detail.
type runDetailJSON struct {
	runJSON
	Report    string       `json:"report,omitempty"`
	Question  string       `json:"question,omitempty"`
	Sources   []sourceJSON `json:"sources,omitempty"`
	Revisions int          `json:"revisions,omitempty"`
	Coverage  float64      `json:"citation_coverage,omitempty"`
}

func toResultJSON(res *sdk.Result) resultJSON {
	return resultJSON{
		RunID:      res.RunID,
		Status:     res.Status,
		Mode:       res.Mode,
		Verdict:    res.Verdict,
		Report:     res.Report,
		Parked:     res.Parked,
		Question:   res.Question,
		Sources:    toSourceJSON(res.Sources),
		Epochs:     res.Epochs,
		Revisions:  res.Revisions,
		TokensUsed: res.TokensUsed,
		DurationMS: res.Duration.Milliseconds(),
		Coverage:   res.Coverage,
		Error:      res.Error,
	}
}

func toSourceJSON(sources []sdk.Source) []sourceJSON {
	out := make([]sourceJSON, 0, len(sources))
	for i, src := range sources {
		out = append(out, sourceJSON{
			Index:       i + 1,
			URL:         src.URL,
			Title:       src.Title,
			Provider:    src.Provider,
			PublishedAt: src.PublishedAt,
			Relevance:   src.Relevance,
		})
	}
	return out
}

func toRunJSON(info sdk.RunInfo) runJSON {
	return runJSON{
		ID:          info.ID,
		Input:       info.Input,
		Mode:        info.Mode,
		Model:       info.Model,
		AgentID:     info.AgentID,
		Status:      info.Status,
		Verdict:     info.Verdict,
		Error:       info.Error,
		Epoch:       info.Epoch,
		TokensUsed:  info.TokensUsed,
		Resumable:   info.Resumable,
		CreatedAt:   info.CreatedAt,
		StartedAt:   info.StartedAt,
		CompletedAt: info.CompletedAt,
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(data))
	return nil
}
