// Package analyze classifies extracted clauses against market practice.
// BuildGraph links a document's clauses into a deterministic graph,
// Analyze maps one clause to a band with findings, Redraft proposes
// replacement language for off-market clauses. All outputs are pure
// functions of their inputs, so re-running a stage reproduces the same
// artifacts.
package analyze

import (
	"encoding/json"
	"fmt"
)

// Node is one clause in the document graph.
type Node struct {
	ID        string `json:"id"`
	ClauseKey string `json:"clause_key"`
	Title     string `json:"title"`
}

// Edge links two nodes. Kinds: "sequence" for document order adjacency,
// "same_key" for clauses sharing a clause key.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"`
}

// Graph is the persisted graph_json shape.
type Graph struct {
	DocumentID string `json:"document_id"`
	Nodes      []Node `json:"nodes"`
	Edges      []Edge `json:"edges"`
	Version    string `json:"version"`
}

const graphVersion = "v1"

// BuildGraph constructs the clause graph for a document. Node order is
// preserved from the input; edges are derived deterministically so two
// runs over the same clauses serialize identically.
func BuildGraph(documentID string, nodes []Node) ([]byte, error) {
	g := Graph{
		DocumentID: documentID,
		Nodes:      nodes,
		Edges:      []Edge{},
		Version:    graphVersion,
	}
	for i := 1; i < len(nodes); i++ {
		g.Edges = append(g.Edges, Edge{
			From: nodes[i-1].ID,
			To:   nodes[i].ID,
			Kind: "sequence",
		})
	}
	for i := range nodes {
		for j := i + 1; j < len(nodes); j++ {
			if nodes[i].ClauseKey != "" && nodes[i].ClauseKey == nodes[j].ClauseKey {
				g.Edges = append(g.Edges, Edge{
					From: nodes[i].ID,
					To:   nodes[j].ID,
					Kind: "same_key",
				})
			}
		}
	}
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("marshal graph %s: %w", documentID, err)
	}
	return data, nil
}
