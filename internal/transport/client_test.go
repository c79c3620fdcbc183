package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YouSenRong/mindspore/internal/protocol"
)

// controllerStub answers every request with a reply scripted per method.
type controllerStub struct {
	t        *testing.T
	replies  map[string]protocol.Reply
	received []protocol.Request
}

func (s *controllerStub) handler() http.Handler {
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != Path {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(s.t, err)
		defer conn.Close()

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req protocol.Request
			require.NoError(s.t, sonic.Unmarshal(payload, &req))
			s.received = append(s.received, req)

			reply, ok := s.replies[req.Method]
			if !ok {
				reply = protocol.Reply{Status: protocol.StatusOK}
			}
			data, err := sonic.Marshal(&reply)
			require.NoError(s.t, err)
			require.NoError(s.t, conn.WriteMessage(websocket.TextMessage, data))
		}
	})
}

func startStub(t *testing.T, stub *controllerStub) (string, func()) {
	t.Helper()
	stub.t = t
	srv := httptest.NewServer(stub.handler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	return addr, srv.Close
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, "127.0.0.1:1")
	assert.Error(t, err)
}

func TestRoundTrips(t *testing.T) {
	stub := &controllerStub{replies: map[string]protocol.Reply{
		protocol.MethodWaitForCommand: {
			Status: protocol.StatusOK,
			Kind:   protocol.KindRun,
			Run:    &protocol.RunCommand{RunLevel: "node", NodeName: "conv/weight"},
		},
	}}
	addr, stop := startStub(t, stub)
	defer stop()

	ctx := context.Background()
	client, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer client.Close()

	meta := &protocol.Metadata{DeviceName: "0:1", CurStep: 3, Backend: "Ascend"}
	reply, err := client.SendMetadata(ctx, meta)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, reply.Status)

	reply, err = client.WaitForCommand(ctx, meta)
	require.NoError(t, err)
	cmd, err := reply.Command()
	require.NoError(t, err)
	assert.Equal(t, protocol.RunCommand{RunLevel: "node", NodeName: "conv/weight"}, cmd)

	_, err = client.SendGraph(ctx, &protocol.GraphTopology{GraphID: 1})
	require.NoError(t, err)

	hit := protocol.WatchpointHit{ID: 1, Tensor: protocol.TensorID{NodeName: "conv/a", Slot: "0"}}
	_, err = client.SendWatchpointHits(ctx, []protocol.WatchpointHit{hit})
	require.NoError(t, err)

	_, err = client.SendTensors(ctx, []protocol.TensorChunk{{Finished: true}})
	require.NoError(t, err)

	require.Len(t, stub.received, 5)
	assert.Equal(t, protocol.MethodSendMetadata, stub.received[0].Method)
	assert.Equal(t, protocol.MethodWaitForCommand, stub.received[1].Method)
	assert.Equal(t, protocol.MethodSendGraph, stub.received[2].Method)
	assert.Equal(t, protocol.MethodSendWatchpointHits, stub.received[3].Method)
	assert.Equal(t, protocol.MethodSendTensors, stub.received[4].Method)

	assert.Equal(t, int32(3), stub.received[0].Metadata.CurStep)
	assert.Equal(t, uint32(1), stub.received[2].Graph.GraphID)
}

func TestNonOKStatusPassesThrough(t *testing.T) {
	stub := &controllerStub{replies: map[string]protocol.Reply{
		protocol.MethodSendMetadata: {Status: protocol.StatusFailed},
	}}
	addr, stop := startStub(t, stub)
	defer stop()

	ctx := context.Background()
	client, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer client.Close()

	// a failed status is not a transport error; the caller decides
	reply, err := client.SendMetadata(ctx, &protocol.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusFailed, reply.Status)
}

func TestRoundTripAfterServerClose(t *testing.T) {
	stub := &controllerStub{}
	addr, stop := startStub(t, stub)

	ctx := context.Background()
	client, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer client.Close()

	stop()

	deadline, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = client.SendMetadata(deadline, &protocol.Metadata{})
	assert.Error(t, err)
}
