package query

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/lodgic/graphsync/errors"
	"github.com/lodgic/graphsync/graph"
)

// pathBetween finds a shortest path between two nodes, treating edges as
// undirected. The traversal is breadth-first with a visited set, so cycles
// terminate, and depth is capped by the maxDepth parameter and the service
// ceiling.
func (s *Service) pathBetween(ctx context.Context, req Request) (*Result, error) {
	from, err := req.nodeKeyParams("fromType", "fromId")
	if err != nil {
		return nil, err
	}
	to, err := req.nodeKeyParams("toType", "toId")
	if err != nil {
		return nil, err
	}
	maxDepth, err := req.intParam("maxDepth", s.options.MaxDepth, s.options.MaxDepth+1)
	if err != nil {
		return nil, err
	}
	if maxDepth > s.options.MaxDepth {
		return nil, errors.WrapInvalid(errors.ErrDepthExceeded, "QueryService", "pathBetween",
			fmt.Sprintf("requested depth exceeds ceiling %d", s.options.MaxDepth))
	}

	// Both endpoints must exist within the tenant before walking.
	if _, err := s.getNode(ctx, req.TenantID, from); err != nil {
		return nil, err
	}
	if _, err := s.getNode(ctx, req.TenantID, to); err != nil {
		return nil, err
	}

	path, err := s.bfs(ctx, req.TenantID, from, to, maxDepth)
	if err != nil {
		return nil, err
	}

	return &Result{
		Template: req.Template,
		Path:     path,
		Stale:    s.staleFor(req.TenantID, from.EntityType, to.EntityType),
	}, nil
}

func (s *Service) bfs(ctx context.Context, tenantID string, from, to graph.NodeKey, maxDepth int) ([]string, error) {
	start := from.String()
	goal := to.String()
	if start == goal {
		return []string{start}, nil
	}

	type frontier struct {
		key   string
		depth int
	}

	visited := map[string]bool{start: true}
	parent := map[string]string{}
	queue := []frontier{{key: start, depth: 0}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current.depth >= maxDepth {
			continue
		}

		neighbors, err := s.neighbors(ctx, tenantID, current.key)
		if err != nil {
			return nil, err
		}
		for _, neighbor := range neighbors {
			if visited[neighbor] {
				continue
			}
			visited[neighbor] = true
			parent[neighbor] = current.key

			if neighbor == goal {
				return rebuildPath(parent, start, goal), nil
			}
			queue = append(queue, frontier{key: neighbor, depth: current.depth + 1})
		}
	}

	// No path within the depth bound. An empty path distinguishes "not
	// connected" from parameter errors.
	return nil, nil
}

// neighbors returns canonical keys adjacent to the node in either direction
func (s *Service) neighbors(ctx context.Context, tenantID, canonical string) ([]string, error) {
	key, err := graph.ParseKey(canonical)
	if err != nil {
		return nil, errors.WrapInvalid(err, "QueryService", "neighbors", fmt.Sprintf("key %q", canonical))
	}

	var out []string

	node, err := s.getNode(ctx, tenantID, key)
	if err != nil {
		if !stderrors.Is(err, errors.ErrNodeNotFound) {
			return nil, err
		}
	} else {
		for _, edge := range node.Edges {
			out = append(out, edge.To.String())
		}
	}

	index, err := s.store.GetIncoming(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, in := range index.Incoming {
		out = append(out, in.From.String())
	}
	return out, nil
}

func rebuildPath(parent map[string]string, start, goal string) []string {
	path := []string{goal}
	for current := goal; current != start; {
		current = parent[current]
		path = append(path, current)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
