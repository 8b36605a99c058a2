// Package api holds the wire representation of the control-plane resources.
// Handlers translate between these and the emulator's domain types.
package api

import (
	"time"

	"mnrestd/internal/emulator"
)

// Error kinds reported in ErrorBody.ErrorKind.
const (
	KindInvalidRequest      = "InvalidRequest"
	KindNotFound            = "NotFound"
	KindConflict            = "Conflict"
	KindInternalError       = "InternalError"
	KindServiceUnavailable  = "ServiceUnavailable"
	KindServiceShuttingDown = "ServiceShuttingDown"
	KindUnauthorized        = "Unauthorized"
	KindRateLimited         = "RateLimited"
	KindRequestCanceled     = "RequestCanceled"
)

// ErrorBody is the structured body of every non-2xx response.
type ErrorBody struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
	Code      int    `json:"code"`
}

// NodeView is a node as returned by the API.
type NodeView struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	IP         string   `json:"ip,omitempty"`
	MAC        string   `json:"mac,omitempty"`
	Interfaces []string `json:"interfaces"`
}

// EndpointView names one side of a link.
type EndpointView struct {
	Node string `json:"node" yaml:"node"`
	Intf string `json:"intf,omitempty" yaml:"intf,omitempty"`
}

// LinkParamsView carries the traffic-shaping parameters of a link.
type LinkParamsView struct {
	BandwidthMbit float64 `json:"bw_mbit,omitempty" yaml:"bw_mbit,omitempty"`
	Delay         string  `json:"delay,omitempty" yaml:"delay,omitempty"`
	LossPct       float64 `json:"loss_pct,omitempty" yaml:"loss_pct,omitempty"`
}

// LinkView is a link as returned by the API.
type LinkView struct {
	ID     string         `json:"id"`
	A      EndpointView   `json:"endpoint_a"`
	B      EndpointView   `json:"endpoint_b"`
	Params LinkParamsView `json:"params"`
}

// CreateNodeRequest is the body of POST /nodes.
type CreateNodeRequest struct {
	Name string `json:"name" yaml:"name"`
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`
	IP   string `json:"ip,omitempty" yaml:"ip,omitempty"`
	MAC  string `json:"mac,omitempty" yaml:"mac,omitempty"`
}

// CreateLinkRequest is the body of POST /links.
type CreateLinkRequest struct {
	A      EndpointView   `json:"endpoint_a" yaml:"endpoint_a"`
	B      EndpointView   `json:"endpoint_b" yaml:"endpoint_b"`
	Params LinkParamsView `json:"params,omitempty" yaml:"params,omitempty"`
}

type NodeListResponse struct {
	Nodes []NodeView `json:"nodes"`
}

type NodeResponse struct {
	Node NodeView `json:"node"`
}

type LinkListResponse struct {
	Links []LinkView `json:"links"`
}

type LinkResponse struct {
	Link LinkView `json:"link"`
}

// RemovedResponse acknowledges a successful DELETE.
type RemovedResponse struct {
	Removed string `json:"removed"`
}

type TopologyResponse struct {
	Nodes []NodeView `json:"nodes"`
	Links []LinkView `json:"links"`
}

type VersionResponse struct {
	Version   string `json:"version"`
	ServiceID string `json:"service_id"`
}

// HealthComponent is one component entry of a readiness report.
type HealthComponent struct {
	Name      string    `json:"name"`
	Level     string    `json:"level"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ReadinessResponse struct {
	Ready      bool              `json:"ready"`
	Status     string            `json:"status"`
	Components []HealthComponent `json:"components"`
}

// ToNodeSpec converts a create request into an emulator spec. The kind token
// is parsed here; an empty kind is left for the emulator to default.
func (r CreateNodeRequest) ToNodeSpec() (emulator.NodeSpec, error) {
	spec := emulator.NodeSpec{Name: r.Name, IP: r.IP, MAC: r.MAC}
	if r.Kind != "" {
		kind, err := emulator.ParseNodeKind(r.Kind)
		if err != nil {
			return emulator.NodeSpec{}, err
		}
		spec.Kind = kind
	}
	return spec, nil
}

// ToLinkSpec converts a create request into an emulator spec.
func (r CreateLinkRequest) ToLinkSpec() emulator.LinkSpec {
	return emulator.LinkSpec{
		A: emulator.Endpoint{Node: r.A.Node, Intf: r.A.Intf},
		B: emulator.Endpoint{Node: r.B.Node, Intf: r.B.Intf},
		Params: emulator.LinkParams{
			BandwidthMbit: r.Params.BandwidthMbit,
			Delay:         r.Params.Delay,
			LossPct:       r.Params.LossPct,
		},
	}
}

func FromNode(n emulator.Node) NodeView {
	intfs := n.Interfaces
	if intfs == nil {
		intfs = []string{}
	}
	return NodeView{
		ID:         n.ID,
		Name:       n.Name,
		Kind:       n.Kind.String(),
		IP:         n.IP,
		MAC:        n.MAC,
		Interfaces: intfs,
	}
}

func FromNodes(nodes []emulator.Node) []NodeView {
	out := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, FromNode(n))
	}
	return out
}

func FromLink(l emulator.Link) LinkView {
	return LinkView{
		ID: l.ID,
		A:  EndpointView{Node: l.A.Node, Intf: l.A.Intf},
		B:  EndpointView{Node: l.B.Node, Intf: l.B.Intf},
		Params: LinkParamsView{
			BandwidthMbit: l.Params.BandwidthMbit,
			Delay:         l.Params.Delay,
			LossPct:       l.Params.LossPct,
		},
	}
}

func FromLinks(links []emulator.Link) []LinkView {
	out := make([]LinkView, 0, len(links))
	for _, l := range links {
		out = append(out, FromLink(l))
	}
	return out
}
