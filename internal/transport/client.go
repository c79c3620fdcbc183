package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/YouSenRong/mindspore/internal/infrastructure/monitoring"
	"github.com/YouSenRong/mindspore/internal/logging"
	"github.com/YouSenRong/mindspore/internal/protocol"
)

// Client is the session core's view of the controller connection. All calls
// are synchronous request/reply with a single in-flight request.
type Client interface {
	SendMetadata(ctx context.Context, m *protocol.Metadata) (*protocol.Reply, error)
	WaitForCommand(ctx context.Context, m *protocol.Metadata) (*protocol.Reply, error)
	SendGraph(ctx context.Context, g *protocol.GraphTopology) (*protocol.Reply, error)
	SendWatchpointHits(ctx context.Context, hits []protocol.WatchpointHit) (*protocol.Reply, error)
	SendTensors(ctx context.Context, chunks []protocol.TensorChunk) (*protocol.Reply, error)
	Close() error
}

// Path is the websocket endpoint exposed by the controller.
const Path = "/debugger"

// WSClient speaks the request/reply protocol over a websocket connection.
type WSClient struct {
	conn    *websocket.Conn
	addr    string
	log     *logging.Logger
	metrics *monitoring.Metrics

	// serializes frames: one request in flight at a time
	mu sync.Mutex
}

// Option configures a WSClient.
type Option func(*WSClient)

// WithLogger sets the client logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *WSClient) { c.log = log }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(c *WSClient) { c.metrics = m }
}

// Dial connects to the controller at addr (host:port).
func Dial(ctx context.Context, addr string, opts ...Option) (*WSClient, error) {
	c := &WSClient{
		addr: addr,
		log:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	url := "ws://" + addr + Path
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to controller at %s: %w", addr, err)
	}
	c.conn = conn
	c.log.Info("connected to controller", zap.String("addr", addr))
	return c, nil
}

// Close closes the connection.
func (c *WSClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// SendMetadata pushes session metadata.
func (c *WSClient) SendMetadata(ctx context.Context, m *protocol.Metadata) (*protocol.Reply, error) {
	return c.roundTrip(ctx, &protocol.Request{Method: protocol.MethodSendMetadata, Metadata: m})
}

// WaitForCommand pushes metadata and blocks until the controller replies with
// a command.
func (c *WSClient) WaitForCommand(ctx context.Context, m *protocol.Metadata) (*protocol.Reply, error) {
	return c.roundTrip(ctx, &protocol.Request{Method: protocol.MethodWaitForCommand, Metadata: m})
}

// SendGraph pushes the graph topology.
func (c *WSClient) SendGraph(ctx context.Context, g *protocol.GraphTopology) (*protocol.Reply, error) {
	return c.roundTrip(ctx, &protocol.Request{Method: protocol.MethodSendGraph, Graph: g})
}

// SendWatchpointHits pushes watchpoint hit indicators.
func (c *WSClient) SendWatchpointHits(ctx context.Context, hits []protocol.WatchpointHit) (*protocol.Reply, error) {
	return c.roundTrip(ctx, &protocol.Request{Method: protocol.MethodSendWatchpointHits, Hits: hits})
}

// SendTensors pushes serialized tensor chunks.
func (c *WSClient) SendTensors(ctx context.Context, chunks []protocol.TensorChunk) (*protocol.Reply, error) {
	return c.roundTrip(ctx, &protocol.Request{Method: protocol.MethodSendTensors, Chunks: chunks})
}

func (c *WSClient) roundTrip(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	data, err := sonic.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", req.Method, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return nil, c.fail(req.Method, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, c.fail(req.Method, fmt.Errorf("failed to send %s: %w", req.Method, err))
	}

	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, c.fail(req.Method, err)
	}
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		return nil, c.fail(req.Method, fmt.Errorf("failed to read %s reply: %w", req.Method, err))
	}

	var reply protocol.Reply
	if err := sonic.Unmarshal(payload, &reply); err != nil {
		return nil, c.fail(req.Method, fmt.Errorf("failed to decode %s reply: %w", req.Method, err))
	}

	if c.metrics != nil {
		c.metrics.RecordTransport(req.Method, string(reply.Status))
	}
	return &reply, nil
}

func (c *WSClient) fail(method string, err error) error {
	if c.metrics != nil {
		c.metrics.RecordTransportFailure(method)
	}
	return err
}
