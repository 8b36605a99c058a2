// Package topology binds the emulator collaborator to the command
// dispatcher: each topology operation is a typed command with a handler that
// calls the emulator and announces successful mutations on the event bus.
package topology

import (
	"context"
	"errors"

	"mnrestd/internal/emulator"
	"mnrestd/internal/events"
	"mnrestd/internal/runtime/commands"
)

const (
	CommandListNodes  = "topology.list_nodes"
	CommandGetNode    = "topology.get_node"
	CommandCreateNode = "topology.create_node"
	CommandRemoveNode = "topology.remove_node"
	CommandListLinks  = "topology.list_links"
	CommandCreateLink = "topology.create_link"
	CommandRemoveLink = "topology.remove_link"
	CommandSnapshot   = "topology.snapshot"
)

var ErrInvalidCommand = errors.New("topology: invalid command")

type ListNodesCommand struct{}

func (ListNodesCommand) Name() string { return CommandListNodes }

type ListNodesResponse struct {
	Nodes []emulator.Node
}

type GetNodeCommand struct {
	NodeName string
}

func (GetNodeCommand) Name() string { return CommandGetNode }

type GetNodeResponse struct {
	Node emulator.Node
}

type CreateNodeCommand struct {
	Spec emulator.NodeSpec
}

func (CreateNodeCommand) Name() string  { return CommandCreateNode }
func (CreateNodeCommand) Mutates() bool { return true }

type CreateNodeResponse struct {
	Node emulator.Node
}

type RemoveNodeCommand struct {
	NodeName string
}

func (RemoveNodeCommand) Name() string  { return CommandRemoveNode }
func (RemoveNodeCommand) Mutates() bool { return true }

type ListLinksCommand struct{}

func (ListLinksCommand) Name() string { return CommandListLinks }

type ListLinksResponse struct {
	Links []emulator.Link
}

type CreateLinkCommand struct {
	Spec emulator.LinkSpec
}

func (CreateLinkCommand) Name() string  { return CommandCreateLink }
func (CreateLinkCommand) Mutates() bool { return true }

type CreateLinkResponse struct {
	Link emulator.Link
}

type RemoveLinkCommand struct {
	ID string
}

func (RemoveLinkCommand) Name() string  { return CommandRemoveLink }
func (RemoveLinkCommand) Mutates() bool { return true }

type SnapshotCommand struct{}

func (SnapshotCommand) Name() string { return CommandSnapshot }

type SnapshotResponse struct {
	Topology emulator.Topology
}

// Module holds the collaborator and bus used by the topology handlers.
type Module struct {
	emu emulator.Emulator
	bus *events.Bus
}

// RegisterHandlers wires every topology command into d. bus may be nil.
func RegisterHandlers(d *commands.Dispatcher, emu emulator.Emulator, bus *events.Bus) *Module {
	m := &Module{emu: emu, bus: bus}
	d.Register(CommandListNodes, commands.HandlerFunc(m.handleListNodes))
	d.Register(CommandGetNode, commands.HandlerFunc(m.handleGetNode))
	d.Register(CommandCreateNode, commands.HandlerFunc(m.handleCreateNode))
	d.Register(CommandRemoveNode, commands.HandlerFunc(m.handleRemoveNode))
	d.Register(CommandListLinks, commands.HandlerFunc(m.handleListLinks))
	d.Register(CommandCreateLink, commands.HandlerFunc(m.handleCreateLink))
	d.Register(CommandRemoveLink, commands.HandlerFunc(m.handleRemoveLink))
	d.Register(CommandSnapshot, commands.HandlerFunc(m.handleSnapshot))
	return m
}

func (m *Module) handleListNodes(ctx context.Context, cmd commands.Command) (commands.Response, error) {
	if _, ok := cmd.(ListNodesCommand); !ok {
		return nil, ErrInvalidCommand
	}
	nodes, err := m.emu.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	return ListNodesResponse{Nodes: nodes}, nil
}

func (m *Module) handleGetNode(ctx context.Context, cmd commands.Command) (commands.Response, error) {
	request, ok := cmd.(GetNodeCommand)
	if !ok {
		return nil, ErrInvalidCommand
	}
	node, err := m.emu.GetNode(ctx, request.NodeName)
	if err != nil {
		return nil, err
	}
	return GetNodeResponse{Node: node}, nil
}

func (m *Module) handleCreateNode(ctx context.Context, cmd commands.Command) (commands.Response, error) {
	request, ok := cmd.(CreateNodeCommand)
	if !ok {
		return nil, ErrInvalidCommand
	}
	id, err := m.emu.CreateNode(ctx, request.Spec)
	if err != nil {
		return nil, err
	}
	node, err := m.emu.GetNode(ctx, request.Spec.Name)
	if err != nil {
		// The node exists; report what we know rather than failing the create.
		node = emulator.Node{ID: id, Name: request.Spec.Name, Kind: request.Spec.Kind}
	}
	m.publish(events.TopologyChanged{Op: events.OpNodeCreated, ID: id, Name: node.Name, Detail: node.Kind.String()})
	return CreateNodeResponse{Node: node}, nil
}

func (m *Module) handleRemoveNode(ctx context.Context, cmd commands.Command) (commands.Response, error) {
	request, ok := cmd.(RemoveNodeCommand)
	if !ok {
		return nil, ErrInvalidCommand
	}
	if err := m.emu.RemoveNode(ctx, request.NodeName); err != nil {
		return nil, err
	}
	m.publish(events.TopologyChanged{Op: events.OpNodeRemoved, Name: request.NodeName})
	return nil, nil
}

func (m *Module) handleListLinks(ctx context.Context, cmd commands.Command) (commands.Response, error) {
	if _, ok := cmd.(ListLinksCommand); !ok {
		return nil, ErrInvalidCommand
	}
	links, err := m.emu.ListLinks(ctx)
	if err != nil {
		return nil, err
	}
	return ListLinksResponse{Links: links}, nil
}

func (m *Module) handleCreateLink(ctx context.Context, cmd commands.Command) (commands.Response, error) {
	request, ok := cmd.(CreateLinkCommand)
	if !ok {
		return nil, ErrInvalidCommand
	}
	id, err := m.emu.CreateLink(ctx, request.Spec)
	if err != nil {
		return nil, err
	}
	link := emulator.Link{ID: id, A: request.Spec.A, B: request.Spec.B, Params: request.Spec.Params}
	if links, err := m.emu.ListLinks(ctx); err == nil {
		for _, l := range links {
			if l.ID == id {
				link = l
				break
			}
		}
	}
	m.publish(events.TopologyChanged{Op: events.OpLinkCreated, ID: id, Detail: link.String()})
	return CreateLinkResponse{Link: link}, nil
}

func (m *Module) handleRemoveLink(ctx context.Context, cmd commands.Command) (commands.Response, error) {
	request, ok := cmd.(RemoveLinkCommand)
	if !ok {
		return nil, ErrInvalidCommand
	}
	if err := m.emu.RemoveLink(ctx, request.ID); err != nil {
		return nil, err
	}
	m.publish(events.TopologyChanged{Op: events.OpLinkRemoved, ID: request.ID})
	return nil, nil
}

func (m *Module) handleSnapshot(ctx context.Context, cmd commands.Command) (commands.Response, error) {
	if _, ok := cmd.(SnapshotCommand); !ok {
		return nil, ErrInvalidCommand
	}
	topo, err := emulator.Snapshot(ctx, m.emu)
	if err != nil {
		return nil, err
	}
	return SnapshotResponse{Topology: topo}, nil
}

func (m *Module) publish(change events.TopologyChanged) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{Topic: events.TopicTopologyChanged, Payload: change})
}
