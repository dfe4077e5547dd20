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

package controller

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/tombee/weaver/internal/controller/backend"
	"github.com/tombee/weaver/internal/deepsearch"
	"github.com/tombee/weaver/internal/state"
	weavererrors "github.com/tombee/weaver/pkg/errors"
)

// maxImageAttachments bounds the attachment list on one request.
const maxImageAttachments = 8

// Request describes one research run. Only Input is required; an empty
// Mode lets the router classify the question.
type Request struct {
	// Input is the research question or topic.
	Input string

	// Mode forces a route (direct, web, agent, deep, clarify) instead of
	// router classification.
	Mode string

	// Model overrides the configured completion model for this run.
	Model string

	// AgentID tags the run with the calling agent, for listing.
	AgentID string

	// UserID scopes memory recall; empty falls back to the global
	// namespace.
	UserID string

	// DeepMode overrides the deep-search mode selector (auto, tree,
	// linear) for this run.
	DeepMode string

	// Images are http(s) URLs attached to the question. The chat surface
	// is text-only, so they are folded into the topic as reference lines
	// rather than sent as vision content.
	Images []string
}

// runSpec is a validated, normalized request.
type runSpec struct {
	input    string
	mode     state.Mode
	model    string
	agentID  string
	userID   string
	deepMode string
}

// spec validates the request. Mode and DeepMode strings must parse;
// attachments must be absolute http(s) URLs.
func (r Request) spec() (runSpec, error) {
	s := runSpec{
		input:   strings.TrimSpace(r.Input),
		model:   strings.TrimSpace(r.Model),
		agentID: strings.TrimSpace(r.AgentID),
		userID:  strings.TrimSpace(r.UserID),
	}
	if s.input == "" {
		return runSpec{}, weavererrors.NewValidationError("input",
			"research input is empty", "provide a question or topic")
	}

	if strings.TrimSpace(r.Mode) != "" {
		mode, err := state.ParseMode(r.Mode)
		if err != nil {
			return runSpec{}, err
		}
		s.mode = mode
	}

	if strings.TrimSpace(r.DeepMode) != "" {
		dm, err := deepsearch.ParseMode(r.DeepMode)
		if err != nil {
			return runSpec{}, err
		}
		s.deepMode = string(dm)
	}

	if len(r.Images) > maxImageAttachments {
		return runSpec{}, weavererrors.NewValidationError("images",
			fmt.Sprintf("%d attachments exceed the limit of %d", len(r.Images), maxImageAttachments),
			"attach fewer images")
	}
	for _, raw := range r.Images {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return runSpec{}, weavererrors.NewValidationError("images",
				fmt.Sprintf("attachment %q is not an absolute http(s) URL", raw),
				"attach images by URL")
		}
	}
	if len(r.Images) > 0 {
		var b strings.Builder
		b.WriteString(s.input)
		b.WriteString("\n\nAttached images:")
		for _, raw := range r.Images {
			b.WriteString("\n- ")
			b.WriteString(strings.TrimSpace(raw))
		}
		s.input = b.String()
	}

	return s, nil
}

// newRunState builds the initial engine state for a validated request.
func newRunState(s runSpec) *state.RunState {
	rs := state.New(uuid.NewString(), s.input)
	rs.Mode = s.mode
	rs.Model = s.model
	rs.UserID = s.userID
	rs.DeepSearchMode = s.deepMode
	return rs
}

// newRunRecord builds the pending run record persisted before execution
// starts.
func newRunRecord(rs *state.RunState, s runSpec) *backend.Run {
	return &backend.Run{
		ID:        rs.RunID,
		Input:     rs.Input,
		Mode:      string(rs.Mode),
		Model:     rs.Model,
		AgentID:   s.agentID,
		UserID:    rs.UserID,
		Status:    string(state.StatusPending),
		CreatedAt: rs.CreatedAt,
		UpdatedAt: rs.UpdatedAt,
	}
}
