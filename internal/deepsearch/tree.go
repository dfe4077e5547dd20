package deepsearch

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/tombee/weaver/internal/cancel"
	"github.com/tombee/weaver/internal/events"
	"github.com/tombee/weaver/internal/state"
	pkgerrors "github.com/tombee/weaver/pkg/errors"
)

// branchTitleWords bounds how much of a result title feeds a follow-up
// query.
const branchTitleWords = 8

// expandBranches issues follow-up queries derived from the strongest
// results under parent, recording each as a child tree node and as a
// plan entry so later epochs avoid re-asking. Depth is bounded by
// TreeDepth; branch results join the epoch's chosen set like any other.
func (e *Engine) expandBranches(ctx context.Context, tok *cancel.Token, hooks Hooks, rs *state.RunState, parent *state.TreeNode, roots []*state.Source, dim state.Dimension, seen map[string]bool, depth int) ([]*state.Source, error) {
	if depth > e.cfg.TreeDepth {
		return nil, nil
	}

	issued := rs.IssuedQueries()
	var out []*state.Source
	for _, root := range topRoots(roots, e.cfg.TreeBranches) {
		query := branchQuery(rs.Input, root)
		if query == "" || containsQuery(issued, query) {
			continue
		}
		issued = append(issued, query)

		rs.Plan = append(rs.Plan, state.SubQuery{
			Text:        query,
			Dimension:   dim,
			IssuedEpoch: rs.Epoch,
			Status:      state.SubQueryInFlight,
		})
		idx := len(rs.Plan) - 1
		rs.Artifacts.QueriesIssued = rs.IssuedQueries()

		e.emit(hooks, events.KindToolStart, map[string]any{
			"tool":   "search",
			"query":  query,
			"epoch":  rs.Epoch,
			"branch": true,
		})

		results, err := e.search.Search(ctx, tok, []string{query}, e.searchOpts())
		if err != nil {
			rs.Plan[idx].Status = state.SubQueryFailed
			if pkgerrors.IsCancelled(err) || stderrors.Is(err, pkgerrors.ErrNoProviders) || ctx.Err() != nil {
				return nil, err
			}
			e.emit(hooks, events.KindToolError, map[string]any{
				"tool":  "search",
				"query": query,
				"error": err.Error(),
			})
			e.logger.Warn("branch search failed",
				"run_id", rs.RunID,
				"query", query,
				"error", err)
			continue
		}

		picked := pickNew(results, seen, e.cfg.ResultsPerQuery)
		rs.Plan[idx].SourceIDs = sourceIDs(picked)
		rs.Plan[idx].Status = state.SubQueryDone
		out = append(out, picked...)

		e.emit(hooks, events.KindToolResult, map[string]any{
			"tool":    "search",
			"query":   query,
			"results": len(picked),
			"epoch":   rs.Epoch,
			"branch":  true,
		})

		child := &state.TreeNode{
			Query:     query,
			Depth:     parent.Depth + 1,
			SourceIDs: sourceIDs(picked),
		}
		parent.Children = append(parent.Children, child)

		deeper, err := e.expandBranches(ctx, tok, hooks, rs, child, picked, dim, seen, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, deeper...)
	}
	return out, nil
}

// branchQuery derives a drill-down query from a strong result's title.
// Empty titles and titles that restate the topic produce no branch.
func branchQuery(topic string, src *state.Source) string {
	fields := strings.Fields(src.Title)
	if len(fields) == 0 {
		return ""
	}
	if len(fields) > branchTitleWords {
		fields = fields[:branchTitleWords]
	}
	focus := strings.Join(fields, " ")
	topic = strings.TrimSpace(topic)
	if strings.EqualFold(focus, topic) {
		return ""
	}
	return topic + " " + focus
}

// topRoots keeps the first n results, which arrive rank-ordered.
func topRoots(roots []*state.Source, n int) []*state.Source {
	if len(roots) <= n {
		return roots
	}
	return roots[:n]
}

func containsQuery(issued []string, query string) bool {
	for _, q := range issued {
		if strings.EqualFold(q, query) {
			return true
		}
	}
	return false
}
