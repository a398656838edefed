package tree

import (
	"errors"
	"fmt"
	"strings"

	"healthtree/internal/domain"
)

// DefaultHeartbeatCheckID is reserved check id used by the heartbeat monitor.
const DefaultHeartbeatCheckID = "heartbeat"

// node stores one element with its links.
type node struct {
	id       string
	name     string
	kind     domain.ComponentType
	parent   string
	children []string
}

// Index is immutable lookup structure over one environment tree.
// Params: nodes keyed by element id with parent links and pre-computed descendants.
// Returns: validation/propagation helper rebuilt on every refresh.
type Index struct {
	env         domain.Environment
	rootID      string
	heartbeatID string
	nodes       map[string]*node
	order       []string
	descendants map[string][]string
	checks      map[string]domain.Check
}

// Build validates environment tree and creates lookup index.
// Params: environment definition and reserved heartbeat check id (empty disables heartbeat element).
// Returns: index or ConfigurationError for empty/duplicate ids.
func Build(env domain.Environment, heartbeatCheckID string) (*Index, error) {
	rootID := strings.TrimSpace(env.ElementID)
	if rootID == "" {
		return nil, domain.NewError(domain.KindConfiguration, "build tree", errors.New("environment element_id is required"))
	}

	idx := &Index{
		env:         env,
		rootID:      rootID,
		nodes:       make(map[string]*node),
		descendants: make(map[string][]string),
		checks:      make(map[string]domain.Check),
	}
	if err := idx.add(rootID, env.Name, domain.ComponentTypeEnvironment, ""); err != nil {
		return nil, err
	}
	for _, service := range env.Services {
		if err := idx.add(service.ElementID, service.Name, domain.ComponentTypeService, rootID); err != nil {
			return nil, err
		}
		for _, action := range service.Actions {
			if err := idx.add(action.ElementID, action.Name, domain.ComponentTypeAction, service.ElementID); err != nil {
				return nil, err
			}
			for _, component := range action.Components {
				if err := idx.add(component.ElementID, component.Name, domain.ComponentTypeComponent, action.ElementID); err != nil {
					return nil, err
				}
				for _, check := range component.Checks {
					if err := idx.add(check.ElementID, check.Name, domain.ComponentTypeCheck, component.ElementID); err != nil {
						return nil, err
					}
					idx.checks[check.ElementID] = check
				}
			}
		}
	}

	heartbeatID := strings.TrimSpace(heartbeatCheckID)
	if heartbeatID != "" {
		if existing, ok := idx.nodes[heartbeatID]; ok {
			if existing.kind != domain.ComponentTypeCheck {
				return nil, domain.NewError(domain.KindConfiguration, "build tree",
					fmt.Errorf("heartbeat check id %q collides with %s element", heartbeatID, existing.kind))
			}
		} else {
			if err := idx.add(heartbeatID, "Heartbeat", domain.ComponentTypeCheck, rootID); err != nil {
				return nil, err
			}
			idx.checks[heartbeatID] = domain.Check{ElementID: heartbeatID, Name: "Heartbeat", CreatedAt: env.CreatedAt}
		}
		idx.heartbeatID = heartbeatID
	}

	idx.collectDescendants(rootID)
	return idx, nil
}

// add registers one node under parent.
// Params: element id, display name, type, and parent id (empty for root).
// Returns: ConfigurationError for empty or duplicate id.
func (i *Index) add(id, name string, kind domain.ComponentType, parent string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.NewError(domain.KindConfiguration, "build tree", fmt.Errorf("%s under %q has empty element_id", kind, parent))
	}
	if _, exists := i.nodes[id]; exists {
		return domain.NewError(domain.KindConfiguration, "build tree", fmt.Errorf("duplicate element_id %q", id))
	}
	i.nodes[id] = &node{id: id, name: name, kind: kind, parent: parent}
	i.order = append(i.order, id)
	if parent != "" {
		i.nodes[parent].children = append(i.nodes[parent].children, id)
	}
	return nil
}

// collectDescendants fills descendant lists bottom-up.
// Params: subtree root id.
// Returns: descendants of id in pre-order.
func (i *Index) collectDescendants(id string) []string {
	n := i.nodes[id]
	out := make([]string, 0, len(n.children))
	for _, child := range n.children {
		out = append(out, child)
		out = append(out, i.collectDescendants(child)...)
	}
	i.descendants[id] = out
	return out
}

// Environment returns tree definition used to build the index.
func (i *Index) Environment() domain.Environment {
	return i.env
}

// RootID returns environment element id.
func (i *Index) RootID() string {
	return i.rootID
}

// HeartbeatCheckID returns reserved heartbeat check id or empty string.
func (i *Index) HeartbeatCheckID() string {
	return i.heartbeatID
}

// Contains reports whether id is part of the tree.
func (i *Index) Contains(id string) bool {
	_, ok := i.nodes[id]
	return ok
}

// TypeOf returns element component type.
// Params: element id.
// Returns: type and presence flag.
func (i *Index) TypeOf(id string) (domain.ComponentType, bool) {
	n, ok := i.nodes[id]
	if !ok {
		return "", false
	}
	return n.kind, true
}

// NameOf returns element display name.
func (i *Index) NameOf(id string) string {
	if n, ok := i.nodes[id]; ok {
		return n.name
	}
	return ""
}

// Parent returns direct parent id.
// Params: element id.
// Returns: parent id and false for root/unknown ids.
func (i *Index) Parent(id string) (string, bool) {
	n, ok := i.nodes[id]
	if !ok || n.parent == "" {
		return "", false
	}
	return n.parent, true
}

// Children returns direct children ids in declaration order.
func (i *Index) Children(id string) []string {
	n, ok := i.nodes[id]
	if !ok {
		return nil
	}
	return append([]string(nil), n.children...)
}

// Ancestors returns causal chain from direct parent up to the root.
// Params: element id.
// Returns: ancestor ids ordered parent first, root last.
func (i *Index) Ancestors(id string) []string {
	var out []string
	current, ok := i.nodes[id]
	for ok && current.parent != "" {
		out = append(out, current.parent)
		current, ok = i.nodes[current.parent]
	}
	return out
}

// Descendants returns all direct and indirect descendants in pre-order.
func (i *Index) Descendants(id string) []string {
	return i.descendants[id]
}

// ElementIDs returns all element ids in pre-order (root first).
func (i *Index) ElementIDs() []string {
	return append([]string(nil), i.order...)
}

// AllowedElementIDs returns set of ids accepted as alert targets: the check leaves.
// Params: none.
// Returns: fresh set copy.
func (i *Index) AllowedElementIDs() map[string]struct{} {
	out := make(map[string]struct{}, len(i.checks))
	for id := range i.checks {
		out[id] = struct{}{}
	}
	return out
}

// Checks returns known check leaves keyed by element id.
// Params: none.
// Returns: fresh map copy, heartbeat check included when enabled.
func (i *Index) Checks() map[string]domain.Check {
	out := make(map[string]domain.Check, len(i.checks))
	for id, check := range i.checks {
		out[id] = check
	}
	return out
}
