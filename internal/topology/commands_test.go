package topology

import (
	"context"
	"errors"
	"testing"

	"mnrestd/internal/emulator"
	"mnrestd/internal/events"
	"mnrestd/internal/runtime/commands"
)

func newTestDispatcher(t *testing.T) (*commands.Dispatcher, *events.Bus) {
	t.Helper()
	d := commands.NewDispatcher()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	RegisterHandlers(d, emulator.NewMemory(), bus)
	return d, bus
}

func TestCreateNode_PublishesChange(t *testing.T) {
	d, bus := newTestDispatcher(t)
	ch := bus.Subscribe(events.TopicTopologyChanged, 4)

	resp, err := d.Dispatch(context.Background(), CreateNodeCommand{Spec: emulator.NodeSpec{Name: "h1"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created, ok := resp.(CreateNodeResponse)
	if !ok || created.Node.Name != "h1" || created.Node.Kind != emulator.KindHost {
		t.Fatalf("unexpected response %#v", resp)
	}
	evt := <-ch
	change := evt.Payload.(events.TopologyChanged)
	if change.Op != events.OpNodeCreated || change.ID != created.Node.ID {
		t.Fatalf("unexpected change %#v", change)
	}
}

func TestCreateLink_ReturnsResolvedInterfaces(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	for _, name := range []string{"h1", "s1"} {
		if _, err := d.Dispatch(ctx, CreateNodeCommand{Spec: emulator.NodeSpec{Name: name}}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	resp, err := d.Dispatch(ctx, CreateLinkCommand{Spec: emulator.LinkSpec{
		A: emulator.Endpoint{Node: "h1"},
		B: emulator.Endpoint{Node: "s1"},
	}})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	link := resp.(CreateLinkResponse).Link
	if link.A.Intf != "h1-eth0" || link.B.Intf != "s1-eth0" {
		t.Fatalf("unexpected interfaces %s", link)
	}
}

func TestRemoveNode_NotFoundPropagates(t *testing.T) {
	d, bus := newTestDispatcher(t)
	ch := bus.Subscribe(events.TopicTopologyChanged, 1)
	_, err := d.Dispatch(context.Background(), RemoveNodeCommand{NodeName: "ghost"})
	if !errors.Is(err, emulator.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(ch) != 0 {
		t.Fatal("failed mutation must not publish")
	}
}

func TestSnapshot(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	if _, err := d.Dispatch(ctx, CreateNodeCommand{Spec: emulator.NodeSpec{Name: "h1"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	resp, err := d.Dispatch(ctx, SnapshotCommand{})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	topo := resp.(SnapshotResponse).Topology
	if len(topo.Nodes) != 1 || len(topo.Links) != 0 {
		t.Fatalf("unexpected topology %+v", topo)
	}
}

func TestCommandsDeclareMutation(t *testing.T) {
	for _, cmd := range []commands.Command{CreateNodeCommand{}, RemoveNodeCommand{}, CreateLinkCommand{}, RemoveLinkCommand{}} {
		if !commands.IsMutation(cmd) {
			t.Fatalf("%s should be a mutation", cmd.Name())
		}
	}
	for _, cmd := range []commands.Command{ListNodesCommand{}, GetNodeCommand{}, ListLinksCommand{}, SnapshotCommand{}} {
		if commands.IsMutation(cmd) {
			t.Fatalf("%s should be read-only", cmd.Name())
		}
	}
}
