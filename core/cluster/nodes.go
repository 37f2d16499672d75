// Package cluster holds the worker node metadata model consumed by the
// coordinator. Membership itself is maintained elsewhere; this package only
// exposes read access to the current node list.
package cluster

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
)

// NodeRole distinguishes the primary of a group from its secondaries.
type NodeRole string

const (
	RolePrimary   NodeRole = "primary"
	RoleSecondary NodeRole = "secondary"
)

// WorkerNode identifies one member of the cluster. Nodes sharing a GroupID
// hold replicas of the same data. The coordinator never mutates nodes, it
// only resolves them to connections.
type WorkerNode struct {
	NodeID  int32    `json:"node_id"`
	Host    string   `json:"host"`
	Port    int      `json:"port"`
	GroupID int32    `json:"group_id"`
	Role    NodeRole `json:"role"`
	Active  bool     `json:"active"`
}

// Address returns the host:port pair for dialing and diagnostics.
func (n WorkerNode) Address() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// NodeProvider yields the node list for a recovery pass. Implementations
// must return nodes in a stable order: the coordinator opens connections in
// listing order to keep lock acquisition order consistent across callers.
type NodeProvider interface {
	ActivePrimaryNodes() ([]WorkerNode, error)
}

// StaticProvider serves a fixed node list, sorted by node id.
type StaticProvider struct {
	nodes []WorkerNode
}

// NewStaticProvider copies and sorts the given nodes.
func NewStaticProvider(nodes []WorkerNode) *StaticProvider {
	sorted := make([]WorkerNode, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].NodeID < sorted[j].NodeID })
	return &StaticProvider{nodes: sorted}
}

// ActivePrimaryNodes returns the active primaries in node id order.
func (p *StaticProvider) ActivePrimaryNodes() ([]WorkerNode, error) {
	var out []WorkerNode
	for _, n := range p.nodes {
		if n.Active && n.Role == RolePrimary {
			out = append(out, n)
		}
	}
	return out, nil
}

// LoadNodesFile reads a JSON array of WorkerNode from path.
func LoadNodesFile(path string) ([]WorkerNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read nodes file %s: %w", path, err)
	}
	var nodes []WorkerNode
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("failed to parse nodes file %s: %w", path, err)
	}
	return nodes, nil
}
