package session

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/YouSenRong/mindspore/internal/protocol"
	"github.com/YouSenRong/mindspore/internal/tensor"
	"github.com/YouSenRong/mindspore/internal/watch"
)

// commandLoop is the suspend primitive: it pushes current metadata, then
// repeatedly blocks on wait-for-command and dispatches replies until a run
// command resumes execution or the session terminates. It runs with the
// access lock held; the engine thread stays paused at the instrumentation
// point for the whole suspension.
func (s *Session) commandLoop(reason string) {
	if s.client == nil {
		return
	}
	if s.metrics != nil {
		s.metrics.RecordSuspend(reason)
	}
	s.state = Suspended
	meta := s.metadataLocked()
	s.sendMetadataLocked()

	for {
		reply, err := s.waitForCommand(meta)
		if err != nil {
			s.log.Error("maximum number of WaitForCommand retries reached: exiting training session; "+
				"check the debugger host and port configuration", zap.Error(err))
			s.terminateLocked()
			return
		}

		cmd, err := reply.Command()
		if err != nil {
			// default value substituted, processing continues
			s.log.Error("malformed command reply", zap.Error(err))
		}

		switch c := cmd.(type) {
		case protocol.ExitCommand:
			s.recordCommand("exit")
			s.log.Info("received exit command")
			s.terminateLocked()
			return
		case protocol.RunCommand:
			s.recordCommand("run")
			s.runLevel = c.RunLevel
			s.nodeName = c.NodeName
			s.log.Info("received run command",
				zap.String("run_level", c.RunLevel),
				zap.String("node_name", c.NodeName))
			s.state = GraphBound
			return
		case protocol.SetCommand:
			s.recordCommand("set")
			s.handleSet(c)
		case protocol.ViewCommand:
			s.recordCommand("view")
			s.handleView(c)
		case protocol.UnknownCommand:
			s.log.Debug("received unknown command", zap.String("kind", string(c.Kind)))
		}
	}
}

// waitForCommand issues the blocking wait with bounded linear-backoff
// retries. Only failures here count toward the fatal retry budget.
func (s *Session) waitForCommand(meta *protocol.Metadata) (*protocol.Reply, error) {
	result, err := s.retrier.Execute(func() (interface{}, error) {
		reply, err := s.client.WaitForCommand(s.ctx, meta)
		if err != nil {
			return nil, err
		}
		if !replyOK(reply) {
			return nil, fmt.Errorf("WaitForCommand returned status %s", reply.Status)
		}
		return reply, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*protocol.Reply), nil
}

func (s *Session) handleSet(cmd protocol.SetCommand) {
	if cmd.Delete {
		s.store.Remove(cmd.ID)
	} else {
		cond, ok := watch.ParseCondition(cmd.Condition.Condition)
		if !ok {
			s.log.Error("unknown watch condition", zap.String("condition", cmd.Condition.Condition))
			return
		}
		targets := make([]watch.Target, len(cmd.Nodes))
		for i, node := range cmd.Nodes {
			targets[i] = watch.Target{
				Pattern: node.NodeName,
				Scope:   node.NodeType == protocol.NodeTypeScope,
			}
		}
		s.log.Info("setting watchpoint",
			zap.Int32("id", cmd.ID),
			zap.String("condition", cmd.Condition.Condition),
			zap.Int("targets", len(targets)))
		s.store.Add(cmd.ID, cond, cmd.Condition.Value, targets)
	}
	if s.metrics != nil {
		s.metrics.WatchpointsActive.Set(float64(s.store.Len()))
	}
}

func (s *Session) handleView(cmd protocol.ViewCommand) {
	chunks := s.loadTensorsLocked(cmd.Tensors)
	s.log.Info("sending tensors", zap.Int("requested", len(cmd.Tensors)), zap.Int("chunks", len(chunks)))

	reply, err := s.client.SendTensors(s.ctx, chunks)
	if err != nil {
		s.log.Error("SendTensors failed", zap.Error(err))
		return
	}
	if !replyOK(reply) {
		s.log.Error("SendTensors returned non-OK status", zap.String("status", string(reply.Status)))
	}
	if s.metrics != nil {
		var bytes int
		for _, chunk := range chunks {
			bytes += len(chunk.Content)
		}
		s.metrics.RecordChunks(len(chunks), bytes)
	}
}

// loadTensorsLocked resolves requested tensors against the snapshot cache and
// serializes matches in bounded chunks. A miss is reported back as a
// finished-empty placeholder, never an error, so the controller can tell
// "not yet available" from a transport failure.
func (s *Session) loadTensorsLocked(ids []protocol.TensorID) []protocol.TensorChunk {
	var chunks []protocol.TensorChunk
	for _, id := range ids {
		capture := s.cache.Find(id)
		if capture == nil {
			chunks = append(chunks, tensor.Placeholder(id))
			continue
		}
		chunks = append(chunks, tensor.Serialize(capture, id, s.chunkSize)...)
	}
	return chunks
}

// checkWatchpointsLocked evaluates watchpoints against captures of the given
// node, or against every capture when nodeName is empty. The overflow scan
// runs synchronously inside the evaluation.
func (s *Session) checkWatchpointsLocked(nodeName string) []protocol.WatchpointHit {
	var overflowOps []string
	if s.scanner != nil {
		overflowOps = s.scanner.Scan(s.streamTaskToOp)
	}

	captures := s.cache.Enumerate(nodeName)
	hits := s.store.Evaluate(captures, overflowOps)

	out := make([]protocol.WatchpointHit, len(hits))
	for i, hit := range hits {
		if s.metrics != nil {
			s.metrics.RecordHit(hit.Condition.String())
		}
		out[i] = protocol.WatchpointHit{
			ID: hit.WatchpointID,
			Tensor: protocol.TensorID{
				NodeName: hit.NodeName,
				Slot:     hit.Slot,
				Iter:     hit.Iter,
			},
			Condition: protocol.WatchCondition{Condition: hit.Condition.String()},
		}
	}
	return out
}

// sendHitsAndSuspendLocked reports hits (if any) and enters the command loop.
func (s *Session) sendHitsAndSuspendLocked(hits []protocol.WatchpointHit, reason string) {
	if len(hits) > 0 {
		reply, err := s.client.SendWatchpointHits(s.ctx, hits)
		if err != nil {
			s.log.Error("SendWatchpointHits failed", zap.Error(err))
		} else if !replyOK(reply) {
			s.log.Error("SendWatchpointHits returned non-OK status", zap.String("status", string(reply.Status)))
		}
	}
	s.commandLoop(reason)
}

func (s *Session) sendMetadataLocked() {
	reply, err := s.client.SendMetadata(s.ctx, s.metadataLocked())
	if err != nil {
		s.log.Error("SendMetadata failed", zap.Error(err))
		return
	}
	if !replyOK(reply) {
		s.log.Error("SendMetadata returned non-OK status", zap.String("status", string(reply.Status)))
	}
}

// terminateLocked releases host-owned resources and ends the process. This is
// the only path that exits the process from within the debugger.
func (s *Session) terminateLocked() {
	s.state = Terminated
	s.log.Info("terminating training session")
	if s.release != nil {
		s.release()
	}
	if s.client != nil {
		s.client.Close()
	}
	s.exit(1)
}

func (s *Session) recordCommand(kind string) {
	if s.metrics != nil {
		s.metrics.RecordCommand(kind)
	}
}

func replyOK(reply *protocol.Reply) bool {
	return reply != nil && reply.Status == protocol.StatusOK
}
