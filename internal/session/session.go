package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/YouSenRong/mindspore/internal/infrastructure/config"
	"github.com/YouSenRong/mindspore/internal/infrastructure/monitoring"
	"github.com/YouSenRong/mindspore/internal/infrastructure/resilience"
	"github.com/YouSenRong/mindspore/internal/graph"
	"github.com/YouSenRong/mindspore/internal/logging"
	"github.com/YouSenRong/mindspore/internal/overflow"
	"github.com/YouSenRong/mindspore/internal/protocol"
	"github.com/YouSenRong/mindspore/internal/tensor"
	"github.com/YouSenRong/mindspore/internal/transport"
	"github.com/YouSenRong/mindspore/internal/watch"
)

// State is the session's position in its lifecycle.
type State int

const (
	// Disabled means instrumentation hooks are no-ops.
	Disabled State = iota
	// AwaitingGraph means the debugger is enabled and waiting for the first
	// debuggable graph.
	AwaitingGraph
	// GraphBound means a debuggable graph is bound and executing.
	GraphBound
	// Suspended means execution is paused inside the command loop.
	Suspended
	// Terminated means the session ended; only the host process exit follows.
	Terminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case AwaitingGraph:
		return "awaiting-graph"
	case GraphBound:
		return "graph-bound"
	case Suspended:
		return "suspended"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Run-level values requested by the controller's run command.
const (
	// RunLevelNode suspends before every node (or the named target node).
	RunLevelNode = "node"
	// RunLevelStep suspends at whole-step granularity.
	RunLevelStep = "step"
)

// maxWaitRetries bounds consecutive WaitForCommand failures before the
// session terminates the host process.
const maxWaitRetries = 5

// dialTimeout bounds the controller connection attempt at enable time.
const dialTimeout = 10 * time.Second

// Dialer establishes the transport client connection.
type Dialer func(ctx context.Context, addr string) (transport.Client, error)

// Session is the debugger embedded in a training process: it owns the current
// execution position, run mode and watchpoints, and drives the
// suspend/resume protocol with the remote controller.
//
// The execution engine calls the instrumentation hooks (PreExecute,
// PostExecute, PostExecuteNode, PostDebugOp) from its single execution
// thread; the command loop deliberately blocks that thread while suspended.
// Every public mutator takes the session's exclusive access lock.
type Session struct {
	mu  sync.Mutex
	log *logging.Logger
	cfg config.DebuggerConfig

	metrics *monitoring.Metrics
	retrier *resilience.Retrier
	ctx     context.Context

	// injectable collaborators
	dial        Dialer
	exit        func(code int)
	sleep       func(time.Duration)
	dumpCheck   func() bool
	memoryReuse func(partial bool)
	release     func()

	// backend capability: per-node hooks available. Backends without them
	// take the unconditional per-step suspend path instead.
	nodeHooks bool
	chunkSize int

	id            string
	state         State
	deviceID      uint32
	deviceTarget  string
	numStep       int32
	runLevel      string
	nodeName      string
	curNode       string
	trainingDone  bool
	enabled       bool
	dumpEnabled   bool
	partialMemory bool

	graph          *graph.Graph
	isDatasetGraph bool
	sentGraphs     map[uint32]bool
	streamTaskToOp map[graph.StreamTask]string

	client  transport.Client
	store   *watch.Store
	cache   *tensor.Cache
	scanner *overflow.Scanner
}

// Option configures a Session.
type Option func(*Session)

// WithMetrics sets the metrics collector.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithDialer replaces the transport dialer.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dial = d }
}

// WithExitFunc replaces the process-exit primitive.
func WithExitFunc(exit func(code int)) Option {
	return func(s *Session) { s.exit = exit }
}

// WithSleep replaces the retry-backoff wait primitive.
func WithSleep(sleep func(time.Duration)) Option {
	return func(s *Session) { s.sleep = sleep }
}

// WithNodeHooks declares whether the backend delivers per-node
// instrumentation calls. Without them, every completed step suspends
// unconditionally so the controller still gets a chance to interact.
func WithNodeHooks(available bool) Option {
	return func(s *Session) { s.nodeHooks = available }
}

// WithDumpCheck supplies the external signal for local dump-on-overflow mode.
func WithDumpCheck(check func() bool) Option {
	return func(s *Session) { s.dumpCheck = check }
}

// WithMemoryReuse supplies the engine hook that switches partial memory reuse
// on or off at enable time.
func WithMemoryReuse(apply func(partial bool)) Option {
	return func(s *Session) { s.memoryReuse = apply }
}

// WithReleaseFunc supplies the host resource cleanup run before the process
// terminates.
func WithReleaseFunc(release func()) Option {
	return func(s *Session) { s.release = release }
}

// WithChunkSize overrides the tensor chunk payload bound.
func WithChunkSize(size int) Option {
	return func(s *Session) { s.chunkSize = size }
}

// New creates a session. The session starts Disabled; call Init then Enable.
func New(cfg config.DebuggerConfig, log *logging.Logger, opts ...Option) *Session {
	s := &Session{
		log:        log,
		cfg:        cfg,
		ctx:        context.Background(),
		exit:       os.Exit,
		sleep:      time.Sleep,
		nodeHooks:  true,
		chunkSize:  tensor.DefaultChunkSize,
		state:      Disabled,
		sentGraphs: make(map[uint32]bool),
		store:      watch.NewStore(),
		cache:      tensor.NewCache(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dial == nil {
		s.dial = func(ctx context.Context, addr string) (transport.Client, error) {
			return transport.Dial(ctx, addr,
				transport.WithLogger(s.log.Named("transport")),
				transport.WithMetrics(s.metrics))
		}
	}
	s.retrier = resilience.New("wait-for-command", resilience.Settings{
		MaxRetries: maxWaitRetries,
		Backoff:    resilience.LinearBackoff(time.Second),
		Sleep:      s.sleep,
		OnRetry: func(failures int, wait time.Duration) {
			s.log.Error("WaitForCommand failed",
				zap.Int("consecutive_failures", failures),
				zap.Duration("retry_after", wait))
			if s.metrics != nil {
				s.metrics.CommandRetries.Inc()
			}
		},
	})
	return s
}

// Init records the device identity. Callable only before Enable.
func (s *Session) Init(deviceID uint32, deviceTarget string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Disabled {
		s.log.Warn("Init called after Enable; ignoring",
			zap.Stringer("state", s.state))
		return
	}
	s.log.Info("debugger got device identity",
		zap.Uint32("device_id", deviceID),
		zap.String("device_target", deviceTarget))
	s.deviceID = deviceID
	s.deviceTarget = deviceTarget
}

// Enable activates the debugger according to configuration. A malformed
// configuration or an unreachable controller disables remote debugging but
// never aborts the host process.
func (s *Session) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enableLocked()
}

func (s *Session) enableLocked() {
	s.numStep = 0
	s.enabled = false
	s.partialMemory = false
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}

	s.dumpEnabled = s.dumpCheck != nil && s.dumpCheck()

	remote := s.cfg.Enabled
	if !remote && !s.dumpEnabled {
		s.log.Info("debugger not enabled; set MS_DEBUGGER_ENABLED=true to enable it")
		s.state = Disabled
		return
	}

	if remote {
		if err := s.cfg.Validate(); err != nil {
			s.log.Error("invalid debugger configuration, disabling remote debugging", zap.Error(err))
			remote = false
		}
	}

	s.partialMemory = s.cfg.PartialMemory
	if s.memoryReuse != nil {
		s.memoryReuse(s.partialMemory)
	}
	if s.partialMemory {
		s.log.Warn("partial memory reuse is enabled: set watchpoints before the first step; " +
			"tensor values are only available for watched nodes")
	}

	if s.cfg.OverflowDir != "" {
		s.scanner = overflow.NewScanner(s.cfg.OverflowDir, s.log.Named("overflow"),
			overflow.WithMetrics(s.metrics))
		s.scanner.Prime()
	}

	if remote {
		ctx, cancel := context.WithTimeout(s.ctx, dialTimeout)
		defer cancel()
		client, err := s.dial(ctx, s.cfg.Addr())
		if err != nil {
			s.log.Error("failed to connect to controller, disabling remote debugging", zap.Error(err))
		} else {
			s.client = client
			s.enabled = true
			s.id = uuid.NewString()
		}
	}

	s.store = watch.NewStore()
	s.cache = tensor.NewCache()

	if s.enabled || s.dumpEnabled {
		s.state = AwaitingGraph
	} else {
		s.state = Disabled
	}
}

// Reset returns the session to its initial state and drops all bindings.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	s.id = ""
	s.state = Disabled
	s.deviceID = 0
	s.deviceTarget = ""
	s.numStep = 0
	s.runLevel = ""
	s.nodeName = ""
	s.curNode = ""
	s.trainingDone = false
	s.enabled = false
	s.dumpEnabled = false
	s.partialMemory = false
	s.graph = nil
	s.isDatasetGraph = false
	s.sentGraphs = make(map[uint32]bool)
	s.streamTaskToOp = nil
	s.store = watch.NewStore()
	s.cache = tensor.NewCache()
	s.scanner = nil
}

// SetCurNode records the node about to execute.
func (s *Session) SetCurNode(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.curNode = name
}

// SetStepNum overrides the step counter.
func (s *Session) SetStepNum(step int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numStep = step
}

// SetTrainingDone marks the training session complete.
func (s *Session) SetTrainingDone(done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trainingDone = done
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Enabled reports whether remote debugging is active.
func (s *Session) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// StepNum returns the current step counter.
func (s *Session) StepNum() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numStep
}

// RunLevel returns the controller-requested suspension granularity.
func (s *Session) RunLevel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runLevel
}

// PartialMemory reports whether partial memory reuse is on.
func (s *Session) PartialMemory() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partialMemory
}

// Cache returns the tensor snapshot cache the engine fills with captures.
func (s *Session) Cache() *tensor.Cache {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache
}

// Watch returns the watch store.
func (s *Session) Watch() *watch.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

func (s *Session) backendEnabledLocked() bool {
	return s.enabled || s.dumpEnabled
}

func (s *Session) metadataLocked() *protocol.Metadata {
	var graphID uint32
	if s.graph != nil {
		graphID = s.graph.ID
	}
	return &protocol.Metadata{
		SessionID:    s.id,
		DeviceName:   fmt.Sprintf("%d:%d", s.deviceID, graphID),
		CurStep:      s.numStep,
		Backend:      s.deviceTarget,
		CurNode:      s.curNode,
		TrainingDone: s.trainingDone,
	}
}
