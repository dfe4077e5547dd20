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

package llm

import "context"

// Metered wraps a provider so that every completion reports its token
// usage to record. Callers that aggregate per-run budgets pass a closure
// bound to the run state; the wrapper itself keeps no totals. A nil
// record returns the provider unchanged.
func Metered(p Provider, record func(TokenUsage)) Provider {
	if record == nil {
		return p
	}
	return &meteredProvider{Provider: p, record: record}
}

type meteredProvider struct {
	Provider
	record func(TokenUsage)
}

func (m *meteredProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	resp, err := m.Provider.Complete(ctx, req)
	if resp != nil {
		m.record(resp.Usage)
	}
	return resp, err
}

// Stream forwards chunks unchanged. Usage arrives on the final chunk
// only, so at most one record call is made per stream.
func (m *meteredProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	inner, err := m.Provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		for chunk := range inner {
			if chunk.Usage != nil {
				m.record(*chunk.Usage)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
