package workflow

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/types"
)

// MaxTraversalDepth bounds the number of nodes one operation may pass
// through, so a cycle of condition nodes cannot loop forever.
const MaxTraversalDepth = 100

// findNode returns the node with key.
func findNode(def types.Definition, key string) (types.Node, bool) {
	for _, n := range def.Nodes {
		if n.Key == key {
			return n, true
		}
	}
	return types.Node{}, false
}

// outgoing returns the routes leaving key in evaluation order.
func outgoing(def types.Definition, key string) []types.Route {
	var routes []types.Route
	for _, r := range def.Routes {
		if r.From == key {
			routes = append(routes, r)
		}
	}
	sort.SliceStable(routes, func(i, j int) bool { return routes[i].Sort < routes[j].Sort })
	return routes
}

// NextNode returns the node that follows from once it is done. Start and
// approval nodes follow their single route; condition nodes take the first
// route, in sort order, whose condition holds for the instance payload.
func NextNode(m *rules.Matcher, def types.Definition, from string, inst types.Instance) (types.Node, error) {
	node, ok := findNode(def, from)
	if !ok {
		return types.Node{}, errors.Wrapf(ErrNodeNotFound, "node %q in definition %d", from, def.ID)
	}
	if node.Type == types.NodeEnd {
		return types.Node{}, errors.Wrapf(ErrNodeNotFound, "end node %q has no successor", from)
	}

	routes := outgoing(def, from)
	if node.Type != types.NodeCondition {
		if len(routes) == 0 {
			return types.Node{}, errors.Wrapf(ErrNodeNotFound, "node %q has no outgoing route", from)
		}
		return target(def, routes[0])
	}

	for _, r := range routes {
		ok, err := m.Match(r.ConditionType, r.Condition, inst.Payload)
		if err != nil {
			return types.Node{}, errors.Wrapf(err, "route %s->%s", r.From, r.To)
		}
		if ok {
			return target(def, r)
		}
	}
	return types.Node{}, errors.Wrapf(ErrStuckTransition, "condition node %q", from)
}

func target(def types.Definition, r types.Route) (types.Node, error) {
	n, ok := findNode(def, r.To)
	if !ok {
		return types.Node{}, errors.Wrapf(ErrNodeNotFound, "route target %q", r.To)
	}
	return n, nil
}

// isAncestor reports whether key can reach current by following routes.
func isAncestor(def types.Definition, key, current string) bool {
	if key == current {
		return false
	}
	// walk backwards from current
	seen := map[string]bool{current: true}
	queue := []string{current}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, r := range def.Routes {
			if r.To != n || seen[r.From] {
				continue
			}
			if r.From == key {
				return true
			}
			seen[r.From] = true
			queue = append(queue, r.From)
		}
	}
	return false
}
