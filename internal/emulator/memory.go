package emulator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process emulator that keeps the topology in maps. It models
// the bookkeeping of a real emulator (interface naming, cascading link
// removal) without touching the host network stack.
type Memory struct {
	mu    sync.RWMutex
	nodes map[string]*memNode
	links map[string]Link
	order []string
}

type memNode struct {
	id    string
	spec  NodeSpec
	intfs map[string]bool
}

// NewMemory returns an empty in-memory topology.
func NewMemory() *Memory {
	return &Memory{
		nodes: make(map[string]*memNode),
		links: make(map[string]Link),
	}
}

func (m *Memory) ListNodes(ctx context.Context) ([]Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.nodes))
	for _, name := range m.order {
		out = append(out, m.nodes[name].view())
	}
	return out, nil
}

func (m *Memory) GetNode(ctx context.Context, name string) (Node, error) {
	if err := ctx.Err(); err != nil {
		return Node{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[name]
	if !ok {
		return Node{}, fmt.Errorf("%w: node %q", ErrNotFound, name)
	}
	return n.view(), nil
}

func (m *Memory) CreateNode(ctx context.Context, spec NodeSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	spec, err := ValidateNodeSpec(spec)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nodes[spec.Name]; exists {
		return "", fmt.Errorf("%w: node %q already exists", ErrConflict, spec.Name)
	}
	n := &memNode{id: uuid.NewString(), spec: spec, intfs: make(map[string]bool)}
	m.nodes[spec.Name] = n
	m.order = append(m.order, spec.Name)
	return n.id, nil
}

func (m *Memory) RemoveNode(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[name]; !ok {
		return fmt.Errorf("%w: node %q", ErrNotFound, name)
	}
	for id, l := range m.links {
		if l.A.Node == name || l.B.Node == name {
			m.dropLinkLocked(id)
		}
	}
	delete(m.nodes, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) ListLinks(ctx context.Context) ([]Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	sortLinks(out)
	return out, nil
}

func (m *Memory) CreateLink(ctx context.Context, spec LinkSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	spec, err := ValidateLinkSpec(spec)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.nodes[spec.A.Node]
	if !ok {
		return "", fmt.Errorf("%w: endpoint node %q", ErrNotFound, spec.A.Node)
	}
	b, ok := m.nodes[spec.B.Node]
	if !ok {
		return "", fmt.Errorf("%w: endpoint node %q", ErrNotFound, spec.B.Node)
	}
	if spec.A.Intf, err = claimIntf(a, spec.A); err != nil {
		return "", err
	}
	if spec.B.Intf, err = claimIntf(b, spec.B); err != nil {
		delete(a.intfs, spec.A.Intf)
		return "", err
	}
	link := Link{ID: uuid.NewString(), A: spec.A, B: spec.B, Params: spec.Params}
	m.links[link.ID] = link
	return link.ID, nil
}

func (m *Memory) RemoveLink(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[id]; !ok {
		return fmt.Errorf("%w: link %q", ErrNotFound, id)
	}
	m.dropLinkLocked(id)
	return nil
}

// Ping always succeeds; the in-memory backend has nothing to lose contact with.
func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) dropLinkLocked(id string) {
	l := m.links[id]
	if n, ok := m.nodes[l.A.Node]; ok {
		delete(n.intfs, l.A.Intf)
	}
	if n, ok := m.nodes[l.B.Node]; ok {
		delete(n.intfs, l.B.Intf)
	}
	delete(m.links, id)
}

func claimIntf(n *memNode, ep Endpoint) (string, error) {
	if ep.Intf == "" {
		name, err := nextIntfName(n.spec.Name, n.intfs)
		if err != nil {
			return "", err
		}
		n.intfs[name] = true
		return name, nil
	}
	if n.intfs[ep.Intf] {
		return "", fmt.Errorf("%w: interface %s already in use", ErrConflict, ep)
	}
	n.intfs[ep.Intf] = true
	return ep.Intf, nil
}

func (n *memNode) view() Node {
	intfs := make([]string, 0, len(n.intfs))
	for name := range n.intfs {
		intfs = append(intfs, name)
	}
	sort.Strings(intfs)
	return Node{
		ID:         n.id,
		Name:       n.spec.Name,
		Kind:       n.spec.Kind,
		IP:         n.spec.IP,
		MAC:        n.spec.MAC,
		Interfaces: intfs,
	}
}

func sortLinks(links []Link) {
	sort.Slice(links, func(i, j int) bool {
		if links[i].A.Node != links[j].A.Node {
			return links[i].A.Node < links[j].A.Node
		}
		if links[i].A.Intf != links[j].A.Intf {
			return links[i].A.Intf < links[j].A.Intf
		}
		return links[i].ID < links[j].ID
	})
}
