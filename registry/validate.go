package registry

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/songzhibin97/approval-engine/types"
)

// Validate checks the structure of a definition graph and normalizes it in
// place: type, mode and assignee type names are lowercased and an empty
// approval mode becomes AND.
func (r *Registry) Validate(def *types.Definition) error {
	if len(def.Nodes) == 0 {
		return errors.Wrap(ErrInvalidDefinition, "definition has no nodes")
	}
	if err := checkRange(def.MinAmount, def.MaxAmount); err != nil {
		return err
	}

	nodes := make(map[string]types.Node, len(def.Nodes))
	starts, ends := 0, 0
	for i := range def.Nodes {
		node := &def.Nodes[i]
		node.Type = lower(node.Type)
		if node.Key == "" {
			return errors.Wrapf(ErrInvalidDefinition, "node %d has no key", i)
		}
		if _, dup := nodes[node.Key]; dup {
			return errors.Wrapf(ErrInvalidDefinition, "duplicate node key %q", node.Key)
		}
		switch node.Type {
		case types.NodeStart:
			starts++
		case types.NodeEnd:
			ends++
		case types.NodeCondition:
		case types.NodeApproval:
			if err := checkApproval(node); err != nil {
				return err
			}
		default:
			return errors.Wrapf(ErrInvalidDefinition, "node %q has unknown type %q", node.Key, node.Type)
		}
		nodes[node.Key] = *node
	}
	if starts != 1 {
		return errors.Wrapf(ErrInvalidDefinition, "definition needs exactly one start node, has %d", starts)
	}
	if ends == 0 {
		return errors.Wrap(ErrInvalidDefinition, "definition has no end node")
	}

	outgoing := make(map[string][]types.Route)
	for i := range def.Routes {
		def.Routes[i].ConditionType = lower(def.Routes[i].ConditionType)
		route := def.Routes[i]
		if _, ok := nodes[route.From]; !ok {
			return errors.Wrapf(ErrInvalidDefinition, "route from unknown node %q", route.From)
		}
		if _, ok := nodes[route.To]; !ok {
			return errors.Wrapf(ErrInvalidDefinition, "route to unknown node %q", route.To)
		}
		if err := r.matcher.Validate(route.ConditionType, route.Condition); err != nil {
			return errors.Wrapf(ErrInvalidDefinition, "route %s->%s: %v", route.From, route.To, err)
		}
		outgoing[route.From] = append(outgoing[route.From], route)
	}

	for key, node := range nodes {
		routes := outgoing[key]
		switch node.Type {
		case types.NodeEnd:
			if len(routes) > 0 {
				return errors.Wrapf(ErrInvalidDefinition, "end node %q has outgoing routes", key)
			}
		case types.NodeCondition:
			if len(routes) == 0 {
				return errors.Wrapf(ErrInvalidDefinition, "condition node %q has no routes", key)
			}
		default:
			// start and approval nodes do not branch
			if len(routes) != 1 || !unconditional(routes[0]) {
				return errors.Wrapf(ErrInvalidDefinition, "%s node %q needs exactly one unconditional route", node.Type, key)
			}
		}
	}
	return nil
}

func checkApproval(node *types.Node) error {
	node.Config.AssigneeType = lower(node.Config.AssigneeType)
	node.Config.Mode = lower(node.Config.Mode)
	switch node.Config.AssigneeType {
	case types.AssigneeUser, types.AssigneeRole:
	default:
		return errors.Wrapf(ErrInvalidDefinition, "approval node %q has unknown assignee type %q", node.Key, node.Config.AssigneeType)
	}
	if len(node.Config.Assignees) == 0 {
		return errors.Wrapf(ErrInvalidDefinition, "approval node %q has no assignees", node.Key)
	}
	switch node.Config.Mode {
	case "":
		node.Config.Mode = types.ModeAnd
	case types.ModeAnd, types.ModeOr:
	default:
		return errors.Wrapf(ErrInvalidDefinition, "approval node %q has unknown mode %q", node.Key, node.Config.Mode)
	}
	return nil
}

func checkRange(min, max *float64) error {
	if min != nil && max != nil && *min > *max {
		return errors.Wrapf(ErrInvalidDefinition, "min amount %v exceeds max amount %v", *min, *max)
	}
	return nil
}

func unconditional(route types.Route) bool {
	return route.ConditionType == "" || route.ConditionType == types.ConditionAlways
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
