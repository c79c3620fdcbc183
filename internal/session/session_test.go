package session

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YouSenRong/mindspore/internal/graph"
	"github.com/YouSenRong/mindspore/internal/infrastructure/config"
	"github.com/YouSenRong/mindspore/internal/logging"
	"github.com/YouSenRong/mindspore/internal/protocol"
	"github.com/YouSenRong/mindspore/internal/tensor"
	"github.com/YouSenRong/mindspore/internal/transport"
	"github.com/YouSenRong/mindspore/internal/watch"
)

// fakeClient scripts wait-for-command replies and records everything the
// session pushes. An empty script resumes with a step-level run command.
type fakeClient struct {
	waits         []waitResult
	waitCalls     int
	metadata      []*protocol.Metadata
	graphs        []*protocol.GraphTopology
	hitBatches    [][]protocol.WatchpointHit
	tensorBatches [][]protocol.TensorChunk
	closed        int
}

type waitResult struct {
	reply *protocol.Reply
	err   error
}

func okReply() *protocol.Reply { return &protocol.Reply{Status: protocol.StatusOK} }

func (f *fakeClient) SendMetadata(_ context.Context, m *protocol.Metadata) (*protocol.Reply, error) {
	f.metadata = append(f.metadata, m)
	return okReply(), nil
}

func (f *fakeClient) WaitForCommand(_ context.Context, _ *protocol.Metadata) (*protocol.Reply, error) {
	f.waitCalls++
	if len(f.waits) == 0 {
		return runWait(RunLevelStep, "").reply, nil
	}
	next := f.waits[0]
	f.waits = f.waits[1:]
	return next.reply, next.err
}

func (f *fakeClient) SendGraph(_ context.Context, g *protocol.GraphTopology) (*protocol.Reply, error) {
	f.graphs = append(f.graphs, g)
	return okReply(), nil
}

func (f *fakeClient) SendWatchpointHits(_ context.Context, hits []protocol.WatchpointHit) (*protocol.Reply, error) {
	f.hitBatches = append(f.hitBatches, hits)
	return okReply(), nil
}

func (f *fakeClient) SendTensors(_ context.Context, chunks []protocol.TensorChunk) (*protocol.Reply, error) {
	f.tensorBatches = append(f.tensorBatches, chunks)
	return okReply(), nil
}

func (f *fakeClient) Close() error {
	f.closed++
	return nil
}

func runWait(level, node string) waitResult {
	return waitResult{reply: &protocol.Reply{
		Status: protocol.StatusOK,
		Kind:   protocol.KindRun,
		Run:    &protocol.RunCommand{RunLevel: level, NodeName: node},
	}}
}

func setWait(cmd protocol.SetCommand) waitResult {
	return waitResult{reply: &protocol.Reply{Status: protocol.StatusOK, Kind: protocol.KindSet, Set: &cmd}}
}

func viewWait(ids ...protocol.TensorID) waitResult {
	return waitResult{reply: &protocol.Reply{
		Status: protocol.StatusOK,
		Kind:   protocol.KindView,
		View:   &protocol.ViewCommand{Tensors: ids},
	}}
}

func exitWait() waitResult {
	return waitResult{reply: &protocol.Reply{Status: protocol.StatusOK, Kind: protocol.KindExit}}
}

func testConfig() config.DebuggerConfig {
	return config.DebuggerConfig{Enabled: true, Host: "localhost", Port: "50051"}
}

// testSession wires a session to the fake client with process exit and retry
// sleeps captured instead of performed.
type testSession struct {
	*Session
	fake      *fakeClient
	dialCalls int
	exitCodes []int
	slept     []time.Duration
}

func newTestSession(cfg config.DebuggerConfig, fake *fakeClient, opts ...Option) *testSession {
	ts := &testSession{fake: fake}
	all := append([]Option{
		WithDialer(func(context.Context, string) (transport.Client, error) {
			ts.dialCalls++
			return fake, nil
		}),
		WithExitFunc(func(code int) { ts.exitCodes = append(ts.exitCodes, code) }),
		WithSleep(func(d time.Duration) { ts.slept = append(ts.slept, d) }),
	}, opts...)
	ts.Session = New(cfg, logging.Nop(), all...)
	return ts
}

func computeGraph(id uint32) *graph.Graph {
	return &graph.Graph{ID: id, Nodes: []graph.Node{
		{Name: "network/conv1/weight", Kind: "Conv2D", StreamID: 3, TaskID: 7},
		{Name: "network/fc/softmax", Kind: "Softmax", Inputs: []string{"network/conv1/weight"}},
	}}
}

func datasetGraph() *graph.Graph {
	return &graph.Graph{ID: 9, Nodes: []graph.Node{
		{Name: "queue/GetNext-op1", Kind: graph.KindGetNext},
	}}
}

func float32Capture(node string, vals ...float32) *tensor.Capture {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return &tensor.Capture{
		NodeName: node,
		Slot:     "0",
		DataType: tensor.Float32,
		Dims:     []int64{int64(len(vals))},
		Data:     data,
	}
}

func TestPreExecuteSkipsDataLoadingGraph(t *testing.T) {
	ts := newTestSession(testConfig(), &fakeClient{})

	ts.PreExecute(datasetGraph())

	assert.Equal(t, 0, ts.dialCalls)
	assert.Equal(t, Disabled, ts.State())
	assert.False(t, ts.Enabled())
	assert.Empty(t, ts.fake.graphs)
}

func TestPreExecuteBindsGraphAndSuspends(t *testing.T) {
	fake := &fakeClient{waits: []waitResult{runWait(RunLevelStep, "")}}
	ts := newTestSession(testConfig(), fake)

	ts.PreExecute(computeGraph(2))

	assert.Equal(t, 1, ts.dialCalls)
	assert.True(t, ts.Enabled())
	assert.Equal(t, GraphBound, ts.State())
	assert.Equal(t, RunLevelStep, ts.RunLevel())
	require.Len(t, fake.graphs, 1)
	assert.Equal(t, uint32(2), fake.graphs[0].GraphID)
	assert.Len(t, fake.graphs[0].Nodes, 2)
	assert.Equal(t, 1, fake.waitCalls)

	// same graph again: nothing resent, no suspension
	ts.PreExecute(computeGraph(2))
	assert.Len(t, fake.graphs, 1)
	assert.Equal(t, 1, fake.waitCalls)

	// a different graph is sent once and suspends again
	ts.PreExecute(computeGraph(5))
	require.Len(t, fake.graphs, 2)
	assert.Equal(t, uint32(5), fake.graphs[1].GraphID)
	assert.Equal(t, 2, fake.waitCalls)
	assert.Equal(t, 1, ts.dialCalls)
}

func TestEnableWithInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Port = "not-a-port"
	ts := newTestSession(cfg, &fakeClient{})

	ts.PreExecute(computeGraph(1))

	assert.Equal(t, 0, ts.dialCalls)
	assert.False(t, ts.Enabled())
	assert.Equal(t, Disabled, ts.State())
}

func TestEnableWithUnreachableController(t *testing.T) {
	ts := &testSession{}
	ts.Session = New(testConfig(), logging.Nop(),
		WithDialer(func(context.Context, string) (transport.Client, error) {
			ts.dialCalls++
			return nil, errors.New("connection refused")
		}))

	ts.Enable()

	assert.Equal(t, 1, ts.dialCalls)
	assert.False(t, ts.Enabled())
	assert.Equal(t, Disabled, ts.State())
}

func TestSetCommandsManageWatchpoints(t *testing.T) {
	fake := &fakeClient{waits: []waitResult{
		setWait(protocol.SetCommand{
			ID:        1,
			Condition: protocol.WatchCondition{Condition: "nan"},
			Nodes:     []protocol.WatchNode{{NodeName: "network/conv1", NodeType: protocol.NodeTypeScope}},
		}),
		setWait(protocol.SetCommand{
			ID:        2,
			Condition: protocol.WatchCondition{Condition: "max_gt", Value: 1e3},
			Nodes:     []protocol.WatchNode{{NodeName: "network/fc/softmax"}},
		}),
		setWait(protocol.SetCommand{ID: 2, Delete: true}),
		setWait(protocol.SetCommand{
			ID:        3,
			Condition: protocol.WatchCondition{Condition: "bogus"},
			Nodes:     []protocol.WatchNode{{NodeName: "x"}},
		}),
		runWait(RunLevelStep, ""),
	}}
	ts := newTestSession(testConfig(), fake)

	ts.PreExecute(computeGraph(1))

	store := ts.Watch()
	assert.Equal(t, 1, store.Len())
	assert.True(t, store.IsWatched("network/conv1/weight"))
	assert.False(t, store.IsWatched("network/fc/softmax"))
	assert.Equal(t, GraphBound, ts.State())
}

func TestViewCommandSendsCachedTensors(t *testing.T) {
	fake := &fakeClient{waits: []waitResult{runWait(RunLevelStep, "")}}
	ts := newTestSession(testConfig(), fake, WithChunkSize(4))

	ts.PreExecute(computeGraph(1))
	ts.Cache().Put(&tensor.Capture{
		NodeName: "network/conv1/weight",
		Slot:     "0",
		DataType: tensor.Uint8,
		Dims:     []int64{10},
		Data:     []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
	})

	fake.waits = []waitResult{
		viewWait(
			protocol.TensorID{NodeName: "network/conv1/weight", Slot: "0"},
			protocol.TensorID{NodeName: "network/missing", Slot: "0"},
		),
		runWait(RunLevelStep, ""),
	}
	ts.PostDebugOp()

	require.Len(t, fake.tensorBatches, 1)
	chunks := fake.tensorBatches[0]
	// 10 bytes at chunk size 4: three chunks, then the miss placeholder
	require.Len(t, chunks, 4)
	assert.False(t, chunks[0].Finished)
	assert.True(t, chunks[2].Finished)
	assert.Equal(t, "network/missing", chunks[3].NodeName)
	assert.True(t, chunks[3].Finished)
	assert.Empty(t, chunks[3].Content)
}

func TestPostExecuteNodeReportsWatchpointHit(t *testing.T) {
	fake := &fakeClient{waits: []waitResult{runWait(RunLevelStep, "")}}
	ts := newTestSession(testConfig(), fake)

	ts.PreExecute(computeGraph(1))
	ts.Watch().Add(1, watch.Nan, 0, []watch.Target{{Pattern: "network/conv1/weight"}})
	ts.SetCurNode("network/conv1/weight")

	assert.True(t, ts.ReadNodeDataRequired())
	ts.Cache().Put(float32Capture("network/conv1/weight", 1, float32(math.NaN())))

	ts.PostExecuteNode()

	require.Len(t, fake.hitBatches, 1)
	require.Len(t, fake.hitBatches[0], 1)
	hit := fake.hitBatches[0][0]
	assert.Equal(t, int32(1), hit.ID)
	assert.Equal(t, "network/conv1/weight", hit.Tensor.NodeName)
	assert.Equal(t, "nan", hit.Condition.Condition)
	assert.Equal(t, GraphBound, ts.State())
}

func TestPostExecuteNodeWithoutHitContinues(t *testing.T) {
	fake := &fakeClient{waits: []waitResult{runWait(RunLevelStep, "")}}
	ts := newTestSession(testConfig(), fake)

	ts.PreExecute(computeGraph(1))
	waitsBefore := fake.waitCalls

	ts.Watch().Add(1, watch.Nan, 0, []watch.Target{{Pattern: "network/conv1/weight"}})
	ts.SetCurNode("network/conv1/weight")
	ts.Cache().Put(float32Capture("network/conv1/weight", 1, 2))

	ts.PostExecuteNode()

	assert.Empty(t, fake.hitBatches)
	assert.Equal(t, waitsBefore, fake.waitCalls)
}

func TestNodeRunLevelSuspendsAtTarget(t *testing.T) {
	fake := &fakeClient{waits: []waitResult{runWait(RunLevelNode, "network/fc/softmax")}}
	ts := newTestSession(testConfig(), fake)

	ts.PreExecute(computeGraph(1))
	waitsBefore := fake.waitCalls

	ts.SetCurNode("network/conv1/weight")
	assert.False(t, ts.ReadNodeDataRequired())
	ts.PostExecuteNode()
	assert.Equal(t, waitsBefore, fake.waitCalls)

	ts.SetCurNode("network/fc/softmax")
	assert.True(t, ts.ReadNodeDataRequired())
	fake.waits = []waitResult{runWait(RunLevelNode, "network/fc/softmax")}
	ts.PostExecuteNode()
	assert.Equal(t, waitsBefore+1, fake.waitCalls)

	// node run-level defers step-end handling to the node hooks
	ts.PostExecute()
	assert.Equal(t, waitsBefore+1, fake.waitCalls)
	assert.Equal(t, int32(0), ts.StepNum())
}

func TestPostExecuteWithNodeHooks(t *testing.T) {
	fake := &fakeClient{waits: []waitResult{runWait(RunLevelStep, "")}}
	ts := newTestSession(testConfig(), fake)

	ts.PreExecute(computeGraph(1))
	waitsBefore := fake.waitCalls

	ts.PostExecute()

	// suspends for controller interaction but the engine owns the counter
	assert.Equal(t, waitsBefore+1, fake.waitCalls)
	assert.Equal(t, int32(0), ts.StepNum())
	assert.Empty(t, fake.hitBatches)
}

func TestPostExecuteStepOnlyBackend(t *testing.T) {
	fake := &fakeClient{waits: []waitResult{runWait(RunLevelStep, "")}}
	ts := newTestSession(testConfig(), fake, WithNodeHooks(false))

	ts.PreExecute(computeGraph(1))
	ts.Watch().Add(1, watch.Nan, 0, []watch.Target{{Pattern: "network", Scope: true}})
	ts.Cache().Put(float32Capture("network/conv1/weight", float32(math.NaN())))

	ts.PostExecute()

	assert.Equal(t, int32(1), ts.StepNum())
	require.Len(t, fake.hitBatches, 1)
	assert.Equal(t, GraphBound, ts.State())

	ts.PostExecute()
	assert.Equal(t, int32(2), ts.StepNum())
}

func TestExitCommandTerminates(t *testing.T) {
	fake := &fakeClient{waits: []waitResult{exitWait()}}
	released := false
	ts := newTestSession(testConfig(), fake, WithReleaseFunc(func() { released = true }))

	ts.PreExecute(computeGraph(1))

	assert.Equal(t, Terminated, ts.State())
	assert.True(t, released)
	assert.Equal(t, []int{1}, ts.exitCodes)
	assert.Equal(t, 1, fake.closed)

	// every hook is a no-op after termination
	ts.PostExecute()
	ts.PostExecuteNode()
	ts.PostDebugOp()
	assert.Equal(t, 1, fake.waitCalls)
}

func TestWaitRetryBudgetExhaustion(t *testing.T) {
	failed := waitResult{reply: &protocol.Reply{Status: protocol.StatusFailed}}
	fake := &fakeClient{waits: []waitResult{
		failed,
		{err: errors.New("connection reset")},
		failed, failed, failed, failed,
	}}
	ts := newTestSession(testConfig(), fake)

	ts.PreExecute(computeGraph(1))

	// initial attempt plus five retries, each after a linearly growing wait
	assert.Equal(t, 6, fake.waitCalls)
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 3 * time.Second,
		4 * time.Second, 5 * time.Second,
	}, ts.slept)
	assert.Equal(t, Terminated, ts.State())
	assert.Equal(t, []int{1}, ts.exitCodes)
}

func TestWaitRecoversWithinBudget(t *testing.T) {
	fake := &fakeClient{waits: []waitResult{
		{err: errors.New("connection reset")},
		runWait(RunLevelStep, ""),
	}}
	ts := newTestSession(testConfig(), fake)

	ts.PreExecute(computeGraph(1))

	assert.Equal(t, 2, fake.waitCalls)
	assert.Equal(t, []time.Duration{1 * time.Second}, ts.slept)
	assert.Equal(t, GraphBound, ts.State())
	assert.Empty(t, ts.exitCodes)
}

func TestMalformedCommandKeepsWaiting(t *testing.T) {
	fake := &fakeClient{waits: []waitResult{
		{reply: &protocol.Reply{Status: protocol.StatusOK, Kind: "bogus"}},
		{reply: &protocol.Reply{Status: protocol.StatusOK, Kind: protocol.KindRun}},
	}}
	ts := newTestSession(testConfig(), fake)

	// the unknown kind is ignored; the payload-less run command still resumes
	// with zero values substituted
	ts.PreExecute(computeGraph(1))

	assert.Equal(t, 2, fake.waitCalls)
	assert.Equal(t, GraphBound, ts.State())
	assert.Equal(t, "", ts.RunLevel())
}

func TestInitAfterEnableIgnored(t *testing.T) {
	fake := &fakeClient{waits: []waitResult{runWait(RunLevelStep, "")}}
	ts := newTestSession(testConfig(), fake)

	ts.Init(1, "Ascend")
	ts.Enable()
	ts.Init(2, "GPU")

	ts.PreExecute(computeGraph(4))

	require.NotEmpty(t, fake.metadata)
	meta := fake.metadata[len(fake.metadata)-1]
	assert.Equal(t, "Ascend", meta.Backend)
	assert.Equal(t, "1:4", meta.DeviceName)
	assert.NotEmpty(t, meta.SessionID)
}

func TestMetadataReflectsPosition(t *testing.T) {
	fake := &fakeClient{waits: []waitResult{runWait(RunLevelStep, "")}}
	ts := newTestSession(testConfig(), fake)

	ts.Init(0, "Ascend")
	ts.PreExecute(computeGraph(2))

	ts.SetStepNum(17)
	ts.SetCurNode("network/fc/softmax")
	ts.SetTrainingDone(true)
	ts.PostDebugOp()

	meta := fake.metadata[len(fake.metadata)-1]
	assert.Equal(t, int32(17), meta.CurStep)
	assert.Equal(t, "network/fc/softmax", meta.CurNode)
	assert.True(t, meta.TrainingDone)
}

func TestReset(t *testing.T) {
	fake := &fakeClient{waits: []waitResult{runWait(RunLevelStep, "")}}
	ts := newTestSession(testConfig(), fake)

	ts.PreExecute(computeGraph(1))
	ts.SetStepNum(9)

	ts.Reset()

	assert.Equal(t, Disabled, ts.State())
	assert.False(t, ts.Enabled())
	assert.Equal(t, int32(0), ts.StepNum())
	assert.Equal(t, 1, fake.closed)

	// a rebind after reset goes through the whole enable path again
	fake.waits = []waitResult{runWait(RunLevelStep, "")}
	ts.PreExecute(computeGraph(1))
	assert.Equal(t, 2, ts.dialCalls)
	assert.Equal(t, GraphBound, ts.State())
}

func TestDisabledSessionHooksAreNoOps(t *testing.T) {
	cfg := config.DebuggerConfig{Enabled: false, Host: "localhost", Port: "50051"}
	ts := newTestSession(cfg, &fakeClient{})

	ts.PreExecute(computeGraph(1))
	ts.PostExecuteNode()
	ts.PostExecute()
	ts.PostDebugOp()

	assert.Equal(t, 0, ts.dialCalls)
	assert.Equal(t, Disabled, ts.State())
	assert.False(t, ts.ReadNodeDataRequired())
}
