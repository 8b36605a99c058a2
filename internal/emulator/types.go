package emulator

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// NodeKind enumerates the node roles the emulator knows how to instantiate.
type NodeKind uint8

const (
	KindUnknown NodeKind = iota
	KindHost
	KindSwitch
	KindController
)

var kindToString = map[NodeKind]string{
	KindHost:       "host",
	KindSwitch:     "switch",
	KindController: "controller",
}

var kindFromString = map[string]NodeKind{
	"host":       KindHost,
	"switch":     KindSwitch,
	"controller": KindController,
}

// String returns the token representation of the kind.
func (k NodeKind) String() string {
	if s, ok := kindToString[k]; ok {
		return s
	}
	return ""
}

// MarshalJSON converts the kind enum back to its token.
func (k NodeKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON parses a kind token.
func (k *NodeKind) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	kind, err := ParseNodeKind(raw)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (k NodeKind) MarshalYAML() (interface{}, error) {
	if k == KindUnknown {
		return nil, nil
	}
	return k.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (k *NodeKind) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	kind, err := ParseNodeKind(raw)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ParseNodeKind maps a token to a NodeKind. The empty token yields KindUnknown,
// which CreateNode later defaults to KindHost.
func ParseNodeKind(raw string) (NodeKind, error) {
	token := strings.ToLower(strings.TrimSpace(raw))
	if token == "" {
		return KindUnknown, nil
	}
	if kind, ok := kindFromString[token]; ok {
		return kind, nil
	}
	return KindUnknown, fmt.Errorf("%w: invalid node kind '%s'", ErrInvalidSpec, raw)
}

// NodeSpec describes a node to be created.
type NodeSpec struct {
	Name string   `json:"name" yaml:"name"`
	Kind NodeKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	// IP is an optional address in CIDR notation, e.g. 10.0.0.1/8.
	IP  string `json:"ip,omitempty" yaml:"ip,omitempty"`
	MAC string `json:"mac,omitempty" yaml:"mac,omitempty"`
}

// Node is a live node as reported by the emulator.
type Node struct {
	ID         string
	Name       string
	Kind       NodeKind
	IP         string
	MAC        string
	Interfaces []string
}

// Endpoint names one side of a link. Intf may be empty, in which case the
// emulator assigns the next free "<node>-eth<N>" name.
type Endpoint struct {
	Node string `json:"node" yaml:"node"`
	Intf string `json:"intf,omitempty" yaml:"intf,omitempty"`
}

func (e Endpoint) String() string {
	if e.Intf == "" {
		return e.Node
	}
	return e.Node + ":" + e.Intf
}

// LinkParams carries optional traffic-control settings for a link.
type LinkParams struct {
	BandwidthMbit float64 `json:"bw_mbit,omitempty" yaml:"bw_mbit,omitempty"`
	Delay         string  `json:"delay,omitempty" yaml:"delay,omitempty"`
	LossPct       float64 `json:"loss_pct,omitempty" yaml:"loss_pct,omitempty"`
}

// LinkSpec describes a link to be created between two existing nodes.
type LinkSpec struct {
	A      Endpoint   `json:"endpoint_a" yaml:"endpoint_a"`
	B      Endpoint   `json:"endpoint_b" yaml:"endpoint_b"`
	Params LinkParams `json:"params,omitempty" yaml:"params,omitempty"`
}

// Link is a live link. Both endpoints always carry a resolved interface name.
type Link struct {
	ID     string
	A      Endpoint
	B      Endpoint
	Params LinkParams
}

func (l Link) String() string {
	return fmt.Sprintf("%s -- %s", l.A, l.B)
}

// Topology is a point-in-time view of all nodes and links.
type Topology struct {
	Nodes []Node
	Links []Link
}
