// Package emulator defines the contract the control plane consumes from a
// network emulator, together with two reference backends: an in-memory
// topology and an SQLite-backed inventory.
//
// Backends own their own consistency. Callers that need serialized
// mutations (the HTTP control plane does) must provide it themselves.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("emulator: not found")
	ErrConflict    = errors.New("emulator: conflict")
	ErrInvalidSpec = errors.New("emulator: invalid spec")
)

// Emulator is the collaborator interface exposed by a network emulator.
type Emulator interface {
	ListNodes(ctx context.Context) ([]Node, error)
	GetNode(ctx context.Context, name string) (Node, error)
	CreateNode(ctx context.Context, spec NodeSpec) (string, error)
	RemoveNode(ctx context.Context, name string) error
	ListLinks(ctx context.Context) ([]Link, error)
	CreateLink(ctx context.Context, spec LinkSpec) (string, error)
	RemoveLink(ctx context.Context, id string) error
}

// Pinger is implemented by backends that can report their own liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

var (
	nameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.]{0,9}$`)
	intfRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,14}$`)
)

// Linux interface names are limited to 15 bytes, and "<node>-eth<N>" must fit.
const maxIntfLen = 15

// ValidateNodeSpec checks a spec and returns it normalized (kind defaulted,
// IP and MAC canonicalized).
func ValidateNodeSpec(spec NodeSpec) (NodeSpec, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return spec, fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if !nameRe.MatchString(spec.Name) {
		return spec, fmt.Errorf("%w: invalid node name %q", ErrInvalidSpec, spec.Name)
	}
	if spec.Kind == KindUnknown {
		spec.Kind = KindHost
	}
	if spec.IP != "" {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(spec.IP))
		if err != nil {
			return spec, fmt.Errorf("%w: ip must be CIDR: %v", ErrInvalidSpec, err)
		}
		spec.IP = prefix.String()
	}
	if spec.MAC != "" {
		hw, err := net.ParseMAC(strings.TrimSpace(spec.MAC))
		if err != nil || len(hw) != 6 {
			return spec, fmt.Errorf("%w: invalid mac %q", ErrInvalidSpec, spec.MAC)
		}
		spec.MAC = hw.String()
	}
	return spec, nil
}

// ValidateLinkSpec checks structural validity of a link spec. Whether the
// endpoints exist is left to the backend.
func ValidateLinkSpec(spec LinkSpec) (LinkSpec, error) {
	spec.A.Node = strings.TrimSpace(spec.A.Node)
	spec.B.Node = strings.TrimSpace(spec.B.Node)
	spec.A.Intf = strings.TrimSpace(spec.A.Intf)
	spec.B.Intf = strings.TrimSpace(spec.B.Intf)
	if spec.A.Node == "" || spec.B.Node == "" {
		return spec, fmt.Errorf("%w: both endpoints need a node", ErrInvalidSpec)
	}
	if spec.A.Node == spec.B.Node {
		return spec, fmt.Errorf("%w: link endpoints must be distinct nodes", ErrInvalidSpec)
	}
	for _, ep := range []Endpoint{spec.A, spec.B} {
		if ep.Intf != "" && !intfRe.MatchString(ep.Intf) {
			return spec, fmt.Errorf("%w: invalid interface name %q", ErrInvalidSpec, ep.Intf)
		}
	}
	p := spec.Params
	if !isFinite(p.BandwidthMbit) || p.BandwidthMbit < 0 {
		return spec, fmt.Errorf("%w: bw_mbit must be a finite number >= 0", ErrInvalidSpec)
	}
	if !isFinite(p.LossPct) || p.LossPct < 0 || p.LossPct > 100 {
		return spec, fmt.Errorf("%w: loss_pct must be within 0..100", ErrInvalidSpec)
	}
	if p.Delay != "" {
		d, err := time.ParseDuration(p.Delay)
		if err != nil || d < 0 {
			return spec, fmt.Errorf("%w: invalid delay %q", ErrInvalidSpec, p.Delay)
		}
		spec.Params.Delay = d.String()
	}
	return spec, nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// nextIntfName picks the first free "<node>-eth<N>" name.
func nextIntfName(node string, used map[string]bool) (string, error) {
	for i := 0; ; i++ {
		name := node + "-eth" + strconv.Itoa(i)
		if len(name) > maxIntfLen {
			return "", fmt.Errorf("%w: no interface name available on %s", ErrConflict, node)
		}
		if !used[name] {
			return name, nil
		}
	}
}

// Snapshot gathers nodes and links from any Emulator. The two listings are
// not taken atomically.
func Snapshot(ctx context.Context, e Emulator) (Topology, error) {
	nodes, err := e.ListNodes(ctx)
	if err != nil {
		return Topology{}, err
	}
	links, err := e.ListLinks(ctx)
	if err != nil {
		return Topology{}, err
	}
	return Topology{Nodes: nodes, Links: links}, nil
}
