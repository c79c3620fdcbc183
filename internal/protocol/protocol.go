package protocol

import (
	"fmt"
	"strings"
)

// Status is the controller's verdict on a request.
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
)

// Method names for transport requests.
const (
	MethodSendMetadata       = "SendMetadata"
	MethodWaitForCommand     = "WaitForCommand"
	MethodSendGraph          = "SendGraph"
	MethodSendWatchpointHits = "SendWatchpointHits"
	MethodSendTensors        = "SendTensors"
)

// Metadata describes the current session position, pushed to the controller
// before every suspension and with every wait-for-command request.
type Metadata struct {
	SessionID    string `json:"session_id"`
	DeviceName   string `json:"device_name"`
	CurStep      int32  `json:"cur_step"`
	Backend      string `json:"backend"`
	CurNode      string `json:"cur_node"`
	TrainingDone bool   `json:"training_done"`
}

// TensorID identifies a captured tensor on the wire.
type TensorID struct {
	NodeName string `json:"node_name"`
	Slot     string `json:"slot"`
	Iter     string `json:"iter,omitempty"`
	Truncate bool   `json:"truncate,omitempty"`
}

// FullName returns the tensor's logical identity:
// node[:scope-truncated]:slot[:iter]. With Truncate set, everything up to and
// including the last scope separator is stripped from the node name.
func (t TensorID) FullName() string {
	name := t.NodeName
	if t.Truncate {
		if idx := strings.LastIndex(name, "/"); idx >= 0 {
			name = name[idx+1:]
		}
	}
	full := name + ":" + t.Slot
	if t.Iter != "" {
		full += ":" + t.Iter
	}
	return full
}

// TensorChunk carries one bounded-size piece of a tensor payload. Finished is
// set on the last chunk only; a zero-size tensor yields exactly one finished
// chunk with no content.
type TensorChunk struct {
	TensorID
	Finished   bool    `json:"finished"`
	DataType   string  `json:"data_type,omitempty"`
	Dims       []int64 `json:"dims,omitempty"`
	Content    []byte  `json:"content,omitempty"`
	Compressed bool    `json:"compressed,omitempty"`
}

// WatchNode is one target pattern of a watchpoint. NodeType "scope" makes the
// name a scope-prefix match instead of an exact one.
type WatchNode struct {
	NodeName string `json:"node_name"`
	NodeType string `json:"node_type,omitempty"`
}

// NodeTypeScope marks a WatchNode as a scope-prefix pattern.
const NodeTypeScope = "scope"

// WatchCondition is the numeric predicate of a watchpoint.
type WatchCondition struct {
	Condition string  `json:"condition"`
	Value     float64 `json:"value,omitempty"`
}

// WatchpointHit reports that a tensor satisfied a watchpoint. The tensor field
// is an indicator only and never carries content.
type WatchpointHit struct {
	ID        int32          `json:"id"`
	Tensor    TensorID       `json:"tensor"`
	Condition WatchCondition `json:"watch_condition"`
}

// GraphTopology is the graph structure sent to the controller once per
// distinct graph.
type GraphTopology struct {
	GraphID uint32         `json:"graph_id"`
	Nodes   []TopologyNode `json:"nodes"`
}

// TopologyNode is one node of the topology message.
type TopologyNode struct {
	Name   string   `json:"name"`
	Kind   string   `json:"kind"`
	Inputs []string `json:"inputs,omitempty"`
}

// Request is one frame sent to the controller. Exactly one payload field is
// set, matching Method.
type Request struct {
	Method   string          `json:"method"`
	Metadata *Metadata       `json:"metadata,omitempty"`
	Graph    *GraphTopology  `json:"graph,omitempty"`
	Hits     []WatchpointHit `json:"hits,omitempty"`
	Chunks   []TensorChunk   `json:"chunks,omitempty"`
}

// CommandKind tags the command carried by a Reply.
type CommandKind string

const (
	KindNone CommandKind = ""
	KindExit CommandKind = "exit"
	KindRun  CommandKind = "run"
	KindSet  CommandKind = "set"
	KindView CommandKind = "view"
)

// RunCommand resumes execution at the requested granularity. An empty
// NodeName means "any next node".
type RunCommand struct {
	RunLevel string `json:"run_level"`
	NodeName string `json:"node_name,omitempty"`
}

// SetCommand adds or removes a watchpoint. Delete takes precedence over add.
type SetCommand struct {
	ID        int32          `json:"id"`
	Delete    bool           `json:"delete,omitempty"`
	Condition WatchCondition `json:"watch_condition"`
	Nodes     []WatchNode    `json:"watch_nodes"`
}

// ViewCommand requests captured tensor values.
type ViewCommand struct {
	Tensors []TensorID `json:"tensors"`
}

// ExitCommand terminates the training session.
type ExitCommand struct{}

// UnknownCommand stands for an unrecognized or malformed command kind. The
// command loop ignores it and keeps waiting.
type UnknownCommand struct {
	Kind CommandKind
}

// Command is the closed set of controller commands:
// ExitCommand, RunCommand, SetCommand, ViewCommand or UnknownCommand.
type Command interface {
	isCommand()
}

func (ExitCommand) isCommand()    {}
func (RunCommand) isCommand()     {}
func (SetCommand) isCommand()     {}
func (ViewCommand) isCommand()    {}
func (UnknownCommand) isCommand() {}

// Reply is one frame received from the controller. For wait-for-command
// replies, Kind selects the payload field.
type Reply struct {
	Status Status       `json:"status"`
	Kind   CommandKind  `json:"kind,omitempty"`
	Run    *RunCommand  `json:"run_cmd,omitempty"`
	Set    *SetCommand  `json:"set_cmd,omitempty"`
	View   *ViewCommand `json:"view_cmd,omitempty"`
}

// Command extracts the command variant from the reply. A declared kind with a
// missing payload substitutes the zero value and returns an error describing
// the protocol violation; processing can continue with the returned command.
func (r *Reply) Command() (Command, error) {
	switch r.Kind {
	case KindExit:
		return ExitCommand{}, nil
	case KindRun:
		if r.Run == nil {
			return RunCommand{}, fmt.Errorf("reply kind %q is missing run_cmd", r.Kind)
		}
		return *r.Run, nil
	case KindSet:
		if r.Set == nil {
			return SetCommand{}, fmt.Errorf("reply kind %q is missing set_cmd", r.Kind)
		}
		return *r.Set, nil
	case KindView:
		if r.View == nil {
			return ViewCommand{}, fmt.Errorf("reply kind %q is missing view_cmd", r.Kind)
		}
		return *r.View, nil
	default:
		return UnknownCommand{Kind: r.Kind}, nil
	}
}
