// ABOUTME: Tests for the protocol engine over a live WebSocket pair.
// ABOUTME: Covers the handshake gate, concurrent dispatch, and failure isolation.

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/grant"
	"github.com/2389/relay-gateway/internal/session"
	"github.com/2389/relay-gateway/internal/status"
	"github.com/2389/relay-gateway/internal/tools"
)

// testHarness wires an engine behind a live WebSocket endpoint.
type testHarness struct {
	grants   *grant.Store
	registry *session.Registry
	tools    *tools.Dispatcher
	engine   *Engine
	server   *httptest.Server
}

func newHarness(t *testing.T, cfg EngineConfig) *testHarness {
	t.Helper()

	h := &testHarness{
		grants: grant.NewStore(grant.DefaultTTL, nil),
		tools:  tools.NewDispatcher(tools.Config{Timeout: 2 * time.Second}),
	}
	t.Cleanup(h.grants.Close)

	h.registry = session.NewRegistry(h.grants, 0, nil)

	cfg.Registry = h.registry
	cfg.Tools = h.tools
	cfg.Status = status.NewReporter(h.registry, "test", nil)
	h.engine = NewEngine(cfg)

	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := strings.TrimPrefix(r.URL.Path, "/ws/")
		sock, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn, err := h.registry.Admit(credential, r.RemoteAddr)
		if err != nil {
			_ = sock.Close(websocket.StatusCode(4003), err.Error())
			return
		}
		h.engine.Serve(context.Background(), conn, sock)
	}))
	t.Cleanup(h.server.Close)

	return h
}

// dial mints a fresh grant and opens a client connection with it.
func (h *testHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	g, err := h.grants.Mint("test-source")
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/" + g.Credential

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sock, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close(websocket.StatusNormalClosure, "") })
	return sock
}

// wireResponse decodes responses as the client sees them.
type wireResponse struct {
	Protocol string          `json:"protocol"`
	ID       json.RawMessage `json:"id"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *Error          `json:"error,omitempty"`
}

func send(t *testing.T, sock *websocket.Conn, payload string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sock.Write(ctx, websocket.MessageText, []byte(payload)))
}

func recv(t *testing.T, sock *websocket.Conn) wireResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := sock.Read(ctx)
	require.NoError(t, err)

	var resp wireResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	assert.Equal(t, Version, resp.Protocol)
	return resp
}

func initialize(t *testing.T, sock *websocket.Conn) {
	t.Helper()
	send(t, sock, `{"protocol":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2.0","clientInfo":{"name":"test","version":"0"}}}`)
	resp := recv(t, sock)
	require.Nil(t, resp.Error)
}

func TestEngineInitializeHandshake(t *testing.T) {
	h := newHarness(t, EngineConfig{ServerName: "relay-gateway", ServerVersion: "1.0.0"})
	sock := h.dial(t)

	send(t, sock, `{"protocol":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2.0","clientInfo":{"name":"cli","version":"0.1"}}}`)
	resp := recv(t, sock)
	require.Nil(t, resp.Error)
	assert.Equal(t, "1", string(resp.ID))

	var result InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, Version, result.ProtocolVersion)
	assert.Equal(t, "relay-gateway", result.ServerInfo.Name)
	assert.Contains(t, result.Capabilities, "tools")

	// A second initialize fails.
	send(t, sock, `{"protocol":"2.0","id":2,"method":"initialize"}`)
	resp = recv(t, sock)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestEngineRejectsRequestsBeforeInitialize(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	sock := h.dial(t)

	send(t, sock, `{"protocol":"2.0","id":1,"method":"tools/list"}`)
	resp := recv(t, sock)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "not initialized")

	// The gate fails closed, not open: the session is still usable once
	// initialized.
	initialize(t, sock)
	send(t, sock, `{"protocol":"2.0","id":2,"method":"tools/list"}`)
	resp = recv(t, sock)
	assert.Nil(t, resp.Error)
}

func TestEngineToolsListAndCall(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	require.NoError(t, h.tools.Register(tools.Definition{
		Name:        "echo",
		Description: "Echo arguments back.",
	}, func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		return args, nil
	}))

	sock := h.dial(t)
	initialize(t, sock)

	send(t, sock, `{"protocol":"2.0","id":1,"method":"tools/list"}`)
	resp := recv(t, sock)
	require.Nil(t, resp.Error)

	var list ListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	require.Len(t, list.Tools, 1)
	assert.Equal(t, "echo", list.Tools[0].Name)

	send(t, sock, `{"protocol":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"hello":"world"}}}`)
	resp = recv(t, sock)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"hello":"world"}`, string(resp.Result))
}

func TestEngineUnknownToolKeepsConnectionUsable(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	sock := h.dial(t)
	initialize(t, sock)

	send(t, sock, `{"protocol":"2.0","id":1,"method":"tools/call","params":{"name":"nope"}}`)
	resp := recv(t, sock)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)

	// Connection survives for a following tools/list.
	send(t, sock, `{"protocol":"2.0","id":2,"method":"tools/list"}`)
	resp = recv(t, sock)
	assert.Nil(t, resp.Error)
}

func TestEngineInvalidArguments(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	require.NoError(t, h.tools.Register(tools.Definition{
		Name: "resize",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"width": {"type": "integer", "maximum": 4096}},
			"required": ["width"]
		}`),
	}, func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		return args, nil
	}))

	sock := h.dial(t)
	initialize(t, sock)

	send(t, sock, `{"protocol":"2.0","id":1,"method":"tools/call","params":{"name":"resize","arguments":{"width":10000}}}`)
	resp := recv(t, sock)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestEnginePanickingToolIsIsolated(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	require.NoError(t, h.tools.Register(tools.Definition{Name: "boom"},
		func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
			panic("kaboom")
		}))

	sock := h.dial(t)
	initialize(t, sock)

	send(t, sock, `{"protocol":"2.0","id":1,"method":"tools/call","params":{"name":"boom"}}`)
	resp := recv(t, sock)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)

	// The fault never reaches the transport; subsequent requests work.
	send(t, sock, `{"protocol":"2.0","id":2,"method":"tools/list"}`)
	resp = recv(t, sock)
	assert.Nil(t, resp.Error)
}

func TestEngineConcurrentCallsCorrelateByID(t *testing.T) {
	h := newHarness(t, EngineConfig{MaxInFlight: 32})
	require.NoError(t, h.tools.Register(tools.Definition{Name: "sleepy"},
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var p struct {
				Millis int `json:"millis"`
			}
			_ = json.Unmarshal(args, &p)
			select {
			case <-time.After(time.Duration(p.Millis) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return args, nil
		}))

	sock := h.dial(t)
	initialize(t, sock)

	// Later requests sleep less, so completion order inverts send order.
	const n = 10
	for i := 1; i <= n; i++ {
		send(t, sock, fmt.Sprintf(
			`{"protocol":"2.0","id":%d,"method":"tools/call","params":{"name":"sleepy","arguments":{"millis":%d}}}`,
			i, (n-i)*20))
	}

	seen := make(map[string]wireResponse, n)
	for i := 0; i < n; i++ {
		resp := recv(t, sock)
		require.Nil(t, resp.Error)
		seen[string(resp.ID)] = resp
	}

	require.Len(t, seen, n, "every request id answered exactly once")
	for i := 1; i <= n; i++ {
		resp, ok := seen[fmt.Sprint(i)]
		require.True(t, ok, "missing response for id %d", i)

		var args struct {
			Millis int `json:"millis"`
		}
		require.NoError(t, json.Unmarshal(resp.Result, &args))
		assert.Equal(t, (n-i)*20, args.Millis, "result matches its own request")
	}
}

func TestEngineDuplicateInFlightID(t *testing.T) {
	h := newHarness(t, EngineConfig{})

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	require.NoError(t, h.tools.Register(tools.Definition{Name: "wait"},
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			started <- struct{}{}
			select {
			case <-release:
				return json.RawMessage(`"done"`), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))

	sock := h.dial(t)
	initialize(t, sock)

	send(t, sock, `{"protocol":"2.0","id":7,"method":"tools/call","params":{"name":"wait"}}`)
	<-started

	// Same id while the first is outstanding.
	send(t, sock, `{"protocol":"2.0","id":7,"method":"tools/list"}`)
	resp := recv(t, sock)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "duplicate")

	close(release)
	resp = recv(t, sock)
	require.Nil(t, resp.Error)
	assert.Equal(t, "7", string(resp.ID))

	// Once answered, the id may be reused.
	send(t, sock, `{"protocol":"2.0","id":7,"method":"tools/list"}`)
	resp = recv(t, sock)
	assert.Nil(t, resp.Error)
}

func TestEngineInFlightLimit(t *testing.T) {
	h := newHarness(t, EngineConfig{MaxInFlight: 2})

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	require.NoError(t, h.tools.Register(tools.Definition{Name: "wait"},
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			started <- struct{}{}
			select {
			case <-release:
				return json.RawMessage(`"done"`), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))

	sock := h.dial(t)
	initialize(t, sock)

	send(t, sock, `{"protocol":"2.0","id":1,"method":"tools/call","params":{"name":"wait"}}`)
	send(t, sock, `{"protocol":"2.0","id":2,"method":"tools/call","params":{"name":"wait"}}`)
	<-started
	<-started

	send(t, sock, `{"protocol":"2.0","id":3,"method":"tools/call","params":{"name":"wait"}}`)
	resp := recv(t, sock)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "3", string(resp.ID))
	assert.Equal(t, CodeServerBusy, resp.Error.Code)

	close(release)
	for i := 0; i < 2; i++ {
		resp := recv(t, sock)
		assert.Nil(t, resp.Error)
	}
}

func TestEngineNotificationsGetNoResponse(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	sock := h.dial(t)
	initialize(t, sock)

	send(t, sock, `{"protocol":"2.0","method":"notifications/progress","params":{}}`)
	send(t, sock, `{"protocol":"2.0","id":1,"method":"tools/list"}`)

	// The first frame back answers the request, not the notification.
	resp := recv(t, sock)
	assert.Equal(t, "1", string(resp.ID))
}

func TestEngineIgnoresUnsolicitedResponses(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	sock := h.dial(t)
	initialize(t, sock)

	send(t, sock, `{"protocol":"2.0","id":99,"result":{"stray":true}}`)
	send(t, sock, `{"protocol":"2.0","id":1,"method":"tools/list"}`)

	resp := recv(t, sock)
	assert.Equal(t, "1", string(resp.ID))
}

func TestEngineInvalidProtocolVersion(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	sock := h.dial(t)

	send(t, sock, `{"protocol":"3.1","id":1,"method":"initialize"}`)
	resp := recv(t, sock)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestEngineMalformedEnvelopeWithRecoverableID(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	sock := h.dial(t)
	initialize(t, sock)

	// Valid JSON, usable id, wrongly typed method field.
	send(t, sock, `{"protocol":"2.0","id":42,"method":123}`)
	resp := recv(t, sock)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "42", string(resp.ID))
	assert.Equal(t, CodeParseError, resp.Error.Code)

	// The failure is per-request; the connection keeps serving.
	send(t, sock, `{"protocol":"2.0","id":43,"method":"tools/list"}`)
	resp = recv(t, sock)
	assert.Nil(t, resp.Error)
}

func TestEngineMalformedFrameClosesConnection(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	sock := h.dial(t)
	initialize(t, sock)

	send(t, sock, `this is not JSON`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := sock.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusInvalidFramePayloadData, websocket.CloseStatus(err))
}

func TestEngineResources(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	sock := h.dial(t)
	initialize(t, sock)

	send(t, sock, `{"protocol":"2.0","id":1,"method":"resources/list"}`)
	resp := recv(t, sock)
	require.Nil(t, resp.Error)

	var list ListResourcesResult
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	require.Len(t, list.Resources, 1)
	assert.Equal(t, statusResourceURI, list.Resources[0].URI)

	send(t, sock, `{"protocol":"2.0","id":2,"method":"resources/read","params":{"uri":"relay://status"}}`)
	resp = recv(t, sock)
	require.Nil(t, resp.Error)

	var read ReadResourceResult
	require.NoError(t, json.Unmarshal(resp.Result, &read))
	require.Len(t, read.Contents, 1)

	var snap status.Snapshot
	require.NoError(t, json.Unmarshal([]byte(read.Contents[0].Text), &snap))
	assert.Equal(t, 1, snap.ActiveConnections)

	send(t, sock, `{"protocol":"2.0","id":3,"method":"resources/read","params":{"uri":"relay://nope"}}`)
	resp = recv(t, sock)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestEngineDeregistersOnClose(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	sock := h.dial(t)
	initialize(t, sock)
	require.Equal(t, 1, h.registry.Len())

	require.NoError(t, sock.Close(websocket.StatusNormalClosure, "bye"))

	assert.Eventually(t, func() bool {
		return h.registry.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngineIdleTimeout(t *testing.T) {
	h := newHarness(t, EngineConfig{IdleTimeout: 150 * time.Millisecond})
	sock := h.dial(t)
	initialize(t, sock)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := sock.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	assert.Eventually(t, func() bool {
		return h.registry.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngineStatusTracksChurn(t *testing.T) {
	h := newHarness(t, EngineConfig{})

	var socks []*websocket.Conn
	for i := 0; i < 3; i++ {
		sock := h.dial(t)
		initialize(t, sock)
		socks = append(socks, sock)
	}
	require.Equal(t, 3, h.registry.Len())

	require.NoError(t, socks[0].Close(websocket.StatusNormalClosure, ""))
	assert.Eventually(t, func() bool {
		return h.registry.Len() == 2
	}, 5*time.Second, 10*time.Millisecond)

	var wg sync.WaitGroup
	for _, sock := range socks[1:] {
		wg.Add(1)
		go func(s *websocket.Conn) {
			defer wg.Done()
			_ = s.Close(websocket.StatusNormalClosure, "")
		}(sock)
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		return h.registry.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
