package cluster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticProviderFiltersAndSorts(t *testing.T) {
	provider := NewStaticProvider([]WorkerNode{
		{NodeID: 3, Host: "c", Port: 5432, GroupID: 3, Role: RolePrimary, Active: true},
		{NodeID: 1, Host: "a", Port: 5432, GroupID: 1, Role: RolePrimary, Active: true},
		{NodeID: 2, Host: "b", Port: 5432, GroupID: 1, Role: RoleSecondary, Active: true},
		{NodeID: 4, Host: "d", Port: 5432, GroupID: 4, Role: RolePrimary, Active: false},
	})

	nodes, err := provider.ActivePrimaryNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.Equal(t, int32(1), nodes[0].NodeID)
	require.Equal(t, int32(3), nodes[1].NodeID)
}

func TestWorkerNodeAddress(t *testing.T) {
	node := WorkerNode{Host: "10.0.0.1", Port: 5432}
	require.Equal(t, "10.0.0.1:5432", node.Address())

	v6 := WorkerNode{Host: "::1", Port: 5432}
	require.Equal(t, "[::1]:5432", v6.Address())
}

func TestLoadNodesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")
	payload := `[
		{"node_id": 1, "host": "10.0.0.1", "port": 5432, "group_id": 1, "role": "primary", "active": true},
		{"node_id": 2, "host": "10.0.0.2", "port": 5432, "group_id": 2, "role": "primary", "active": true}
	]`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o600))

	nodes, err := LoadNodesFile(path)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.Equal(t, "10.0.0.1", nodes[0].Host)
	require.Equal(t, RolePrimary, nodes[0].Role)

	_, err = LoadNodesFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
