package nodeconfig

import (
	"encoding/json"
	"fmt"
	"os"

	"gnspaxos/packet"
)

// NodeInfo is one entry of the node file.
type NodeInfo struct {
	ID   packet.NodeID `json:"id"`
	Host string        `json:"host"`
	Port int           `json:"port"`
}

// ReadFromFile parses a JSON array of NodeInfo.
func ReadFromFile(loc string) ([]NodeInfo, error) {
	b, err := os.ReadFile(loc)
	if err != nil {
		return nil, fmt.Errorf("read node file: %w", err)
	}
	var nodes []NodeInfo
	if err := json.Unmarshal(b, &nodes); err != nil {
		return nil, fmt.Errorf("parse node file %s: %w", loc, err)
	}
	seen := make(map[packet.NodeID]bool, len(nodes))
	for _, n := range nodes {
		if seen[n.ID] {
			return nil, fmt.Errorf("node file %s: duplicate id %d", loc, n.ID)
		}
		if n.Host == "" || n.Port <= 0 || n.Port > 65535 {
			return nil, fmt.Errorf("node file %s: bad address for node %d", loc, n.ID)
		}
		seen[n.ID] = true
	}
	return nodes, nil
}

func Load(loc string) (*Directory, error) {
	nodes, err := ReadFromFile(loc)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("node file %s lists no nodes", loc)
	}
	return New(nodes), nil
}
