package graph

import (
	"github.com/YouSenRong/mindspore/internal/protocol"
)

// Node kinds that identify a data-loading graph. Graphs containing one of
// these are never bound for debugging.
const (
	KindGetNext          = "GetNext"
	KindInitDataSetQueue = "InitDataSetQueue"
)

// Node is one operation of an execution graph. StreamID and TaskID identify
// the hardware execution unit running the node, used to correlate overflow
// records back to an op name.
type Node struct {
	Name     string
	Kind     string
	Inputs   []string
	StreamID uint64
	TaskID   uint64
}

// Graph is the currently-bound execution graph.
type Graph struct {
	ID    uint32
	Nodes []Node
}

// StreamTask keys the (stream, task) execution unit of a node.
type StreamTask struct {
	Stream uint64
	Task   uint64
}

// IsDataLoading reports whether the graph's sole purpose is fetching or
// queuing input batches.
func (g *Graph) IsDataLoading() bool {
	for _, node := range g.Nodes {
		if node.Kind == KindGetNext || node.Kind == KindInitDataSetQueue {
			return true
		}
	}
	return false
}

// Topology converts the graph to its wire representation.
func (g *Graph) Topology() *protocol.GraphTopology {
	nodes := make([]protocol.TopologyNode, len(g.Nodes))
	for i, node := range g.Nodes {
		nodes[i] = protocol.TopologyNode{
			Name:   node.Name,
			Kind:   node.Kind,
			Inputs: node.Inputs,
		}
	}
	return &protocol.GraphTopology{GraphID: g.ID, Nodes: nodes}
}

// StreamTaskToOp builds the (stream, task) to op-name map used by overflow
// detection. Nodes without stream/task identity (both zero) are skipped.
func (g *Graph) StreamTaskToOp() map[StreamTask]string {
	m := make(map[StreamTask]string)
	for _, node := range g.Nodes {
		if node.StreamID == 0 && node.TaskID == 0 {
			continue
		}
		m[StreamTask{Stream: node.StreamID, Task: node.TaskID}] = node.Name
	}
	return m
}
