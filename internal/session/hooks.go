package session

import (
	"go.uber.org/zap"

	"github.com/YouSenRong/mindspore/internal/graph"
)

// PreExecute binds the graph about to run. A changed graph is re-classified;
// data-loading graphs are never debugged and no topology is sent for them.
// For a debuggable graph the topology and session metadata go to the
// controller once per distinct graph, then execution suspends in the command
// loop until the controller resumes it.
func (s *Session) PreExecute(g *graph.Graph) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Terminated || g == nil {
		return
	}
	if s.graph != nil && s.graph.ID == g.ID {
		return
	}

	s.log.Info("debugger got new graph", zap.Uint32("graph_id", g.ID))
	s.graph = g
	s.isDatasetGraph = g.IsDataLoading()
	if s.isDatasetGraph {
		s.log.Info("not debugging data-loading graph", zap.Uint32("graph_id", g.ID))
		return
	}
	s.streamTaskToOp = g.StreamTaskToOp()

	// first debuggable graph activates the debugger
	if s.state == Disabled {
		s.enableLocked()
	}
	if !s.enabled {
		return
	}

	s.state = GraphBound
	if !s.sentGraphs[g.ID] {
		s.sentGraphs[g.ID] = true
		s.sendMetadataLocked()
		reply, err := s.client.SendGraph(s.ctx, g.Topology())
		if err != nil {
			s.log.Error("SendGraph failed", zap.Error(err))
		} else if !replyOK(reply) {
			s.log.Error("SendGraph returned non-OK status", zap.String("status", string(reply.Status)))
		}
	}
	s.commandLoop("graph")
}

// PostExecute runs once per completed graph step. In node run-level the
// per-node hooks already handle suspension. A backend with node hooks only
// gives the controller a per-step interaction chance; a step-only backend
// additionally advances the step counter and evaluates every watchpoint
// against the full captured tensor set.
func (s *Session) PostExecute() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Terminated || !s.backendEnabledLocked() {
		return
	}
	if s.runLevel == RunLevelNode {
		s.log.Info("debugger is in node-level run mode")
		return
	}
	if !s.enabled || s.isDatasetGraph || s.graph == nil {
		return
	}

	if s.nodeHooks {
		s.commandLoop("step")
		return
	}

	s.numStep++
	if s.metrics != nil {
		s.metrics.StepsTotal.Inc()
	}
	s.log.Info("debugger suspends at end of step", zap.Int32("step", s.numStep))
	hits := s.checkWatchpointsLocked("")
	s.sendHitsAndSuspendLocked(hits, "step")
}

// PostExecuteNode runs once per executed node when node-level instrumentation
// is available. A watchpoint hit on the current node reports and suspends;
// otherwise node run-level suspends when the requested target (empty means
// any node) matches.
func (s *Session) PostExecuteNode() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Terminated || !s.enabled || s.isDatasetGraph {
		return
	}

	if s.store.IsWatched(s.curNode) {
		hits := s.checkWatchpointsLocked(s.curNode)
		if len(hits) > 0 {
			s.sendHitsAndSuspendLocked(hits, "node_hit")
			return
		}
	}
	if s.runLevel == RunLevelNode && (s.nodeName == "" || s.nodeName == s.curNode) {
		s.commandLoop("node_target")
	}
}

// PostDebugOp runs after a node explicitly emits debug-dump data and suspends
// unconditionally.
func (s *Session) PostDebugOp() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Terminated || !s.enabled || s.isDatasetGraph {
		return
	}
	s.log.Info("debugger suspends at debug op", zap.String("node", s.curNode))
	s.commandLoop("debug_op")
}

// ReadNodeDataRequired reports whether the engine should capture tensor data
// for the current node: it is watched, or it is the node-run target.
func (s *Session) ReadNodeDataRequired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || s.isDatasetGraph {
		return false
	}
	if s.store.IsWatched(s.curNode) {
		return true
	}
	return s.runLevel == RunLevelNode && (s.nodeName == "" || s.nodeName == s.curNode)
}
