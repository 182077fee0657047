// ABOUTME: Per-connection message loop: framing, state machine, and dispatch.
// ABOUTME: Requests run concurrently; responses correlate by id, not order.

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/relay-gateway/internal/session"
	"github.com/2389/relay-gateway/internal/status"
	"github.com/2389/relay-gateway/internal/tools"
	"github.com/2389/relay-gateway/internal/usage"
)

// Engine defaults.
const (
	DefaultIdleTimeout = 5 * time.Minute
	DefaultMaxInFlight = 8
	DefaultCloseGrace  = 5 * time.Second

	// writeTimeout bounds a single response write.
	writeTimeout = 10 * time.Second
)

// statusResourceURI exposes the status snapshot through resources/read.
const statusResourceURI = "relay://status"

// EngineConfig holds configuration for the protocol engine.
type EngineConfig struct {
	Registry *session.Registry
	Tools    *tools.Dispatcher
	Status   *status.Reporter
	Usage    usage.Sink
	Logger   *slog.Logger

	// IdleTimeout closes a connection with no traffic in either direction.
	IdleTimeout time.Duration
	// MaxInFlight caps outstanding requests per connection. A client
	// exceeding it receives per-request CodeServerBusy errors.
	MaxInFlight int
	// CloseGrace bounds the wait for in-flight calls on shutdown; their
	// results are discarded either way.
	CloseGrace time.Duration

	ServerName    string
	ServerVersion string
}

// Engine drives the RPC protocol over admitted connections.
type Engine struct {
	registry      *session.Registry
	tools         *tools.Dispatcher
	status        *status.Reporter
	usage         usage.Sink
	logger        *slog.Logger
	idleTimeout   time.Duration
	maxInFlight   int
	closeGrace    time.Duration
	serverName    string
	serverVersion string
}

// NewEngine creates an engine with the given configuration.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	closeGrace := cfg.CloseGrace
	if closeGrace <= 0 {
		closeGrace = DefaultCloseGrace
	}

	sink := cfg.Usage
	if sink == nil {
		sink = usage.NopSink{}
	}

	serverName := cfg.ServerName
	if serverName == "" {
		serverName = "relay-gateway"
	}
	serverVersion := cfg.ServerVersion
	if serverVersion == "" {
		serverVersion = "dev"
	}

	return &Engine{
		registry:      cfg.Registry,
		tools:         cfg.Tools,
		status:        cfg.Status,
		usage:         sink,
		logger:        logger.With("component", "rpc"),
		idleTimeout:   idleTimeout,
		maxInFlight:   maxInFlight,
		closeGrace:    closeGrace,
		serverName:    serverName,
		serverVersion: serverVersion,
	}
}

// ListToolsResult is the result for tools/list.
type ListToolsResult struct {
	Tools []tools.Definition `json:"tools"`
}

// connLoop is the per-connection serving state. One exists per admitted
// transport, owned by its Serve goroutine.
type connLoop struct {
	engine *Engine
	conn   *session.Connection
	sock   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	// inflight tracks outstanding request ids for at-most-once dispatch.
	mu       sync.Mutex
	inflight map[string]struct{}

	wg sync.WaitGroup
}

// Serve runs the connection's read loop until the transport closes, the
// context is cancelled, or the idle timeout fires. It deregisters the
// connection on the way out, waiting at most the close grace period for
// in-flight calls whose results are then discarded.
func (e *Engine) Serve(ctx context.Context, conn *session.Connection, sock *websocket.Conn) {
	c := &connLoop{
		engine:   e,
		conn:     conn,
		sock:     sock,
		logger:   e.logger.With("remote_addr", conn.RemoteAddr),
		inflight: make(map[string]struct{}),
	}

	defer func() {
		conn.MarkClosed()
		e.registry.Remove(conn.Credential)

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(e.closeGrace):
			c.logger.Warn("abandoning in-flight requests at close")
		}

		_ = sock.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		remaining := e.idleTimeout - time.Since(conn.LastActivity())
		if remaining <= 0 {
			c.logger.Info("closing idle connection")
			_ = sock.Close(websocket.StatusGoingAway, "idle timeout")
			return
		}

		readCtx, cancelRead := context.WithTimeout(ctx, remaining)
		_, data, err := sock.Read(readCtx)
		cancelRead()

		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				c.logger.Info("closing idle connection")
				_ = sock.Close(websocket.StatusGoingAway, "idle timeout")
				return
			}
			if code := websocket.CloseStatus(err); code != -1 {
				c.logger.Debug("peer closed connection", "close_code", int(code))
			} else {
				c.logger.Debug("transport read failed", "error", err)
			}
			return
		}

		conn.Touch()
		// Dispatch uses the serve context, not the per-read deadline, so
		// in-flight calls may finish during the close grace period.
		if fatal := c.handleMessage(ctx, data); fatal {
			_ = sock.Close(websocket.StatusInvalidFramePayloadData, "parse error")
			return
		}
	}
}

// handleMessage processes one inbound frame. It returns true only for
// unrecoverable framing failures; every business-logic failure is answered
// as a structured per-request error and the connection survives.
func (c *connLoop) handleMessage(ctx context.Context, data []byte) (fatal bool) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		// A strict decode can fail on a frame that is still valid JSON
		// with a usable id (e.g. a wrongly typed field). Answer those
		// per-request; only frames with no recoverable id are fatal.
		if id, ok := recoverID(data); ok {
			c.logger.Warn("malformed envelope", "id", string(id), "error", err)
			c.writeError(id, CodeParseError, "parse error")
			return false
		}
		c.logger.Warn("unparseable frame", "error", err)
		return true
	}

	if msg.IsResponse() {
		// The gateway issues no requests of its own.
		c.logger.Debug("ignoring unsolicited response", "id", string(msg.ID))
		return false
	}

	if msg.Protocol != Version {
		c.writeError(msg.ID, CodeInvalidRequest, "invalid protocol version")
		return false
	}

	if msg.Method == "" {
		c.writeError(msg.ID, CodeInvalidRequest, "missing method")
		return false
	}

	if msg.IsNotification() {
		c.logger.Debug("notification accepted", "method", msg.Method)
		return false
	}

	// State gate: only initialize is accepted before the handshake
	// completes. Malformed-envelope errors above are returned regardless.
	if msg.Method == "initialize" {
		c.writeResponse(c.handleInitialize(msg))
		return false
	}
	if c.conn.State() != session.StateInitialized {
		c.writeError(msg.ID, CodeInvalidRequest, "session not initialized")
		return false
	}

	key := string(msg.ID)
	c.mu.Lock()
	if _, dup := c.inflight[key]; dup {
		c.mu.Unlock()
		c.writeError(msg.ID, CodeInvalidRequest, "duplicate request id")
		return false
	}
	if len(c.inflight) >= c.engine.maxInFlight {
		c.mu.Unlock()
		c.writeError(msg.ID, CodeServerBusy, "too many in-flight requests")
		return false
	}
	c.inflight[key] = struct{}{}
	c.mu.Unlock()

	// Each request dispatches on its own goroutine so a slow or failing
	// call never blocks reads of subsequent requests.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
		}()
		c.writeResponse(c.dispatch(ctx, msg))
	}()

	return false
}

// dispatch routes an initialized request to its method handler.
func (c *connLoop) dispatch(ctx context.Context, msg Message) *Response {
	switch msg.Method {
	case "tools/list":
		return c.handleToolsList(msg)
	case "tools/call":
		return c.handleToolsCall(ctx, msg)
	case "resources/list":
		return c.handleResourcesList(msg)
	case "resources/read":
		return c.handleResourcesRead(msg)
	default:
		return errorResponse(msg.ID, CodeMethodNotFound, "method not found")
	}
}

// handleInitialize negotiates the protocol version and exchanges
// capability metadata. Fails if called twice.
func (c *connLoop) handleInitialize(msg Message) *Response {
	var params InitializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return errorResponse(msg.ID, CodeInvalidParams, "invalid params")
		}
	}

	if !c.conn.MarkInitialized() {
		return errorResponse(msg.ID, CodeInvalidRequest, "initialize already completed")
	}

	c.logger.Info("session initialized",
		"client_name", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"requested_version", params.ProtocolVersion,
	)

	// The server always answers with the version it speaks; a client that
	// cannot accept it disconnects.
	return resultResponse(msg.ID, InitializeResult{
		ProtocolVersion: Version,
		Capabilities: map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
		},
		ServerInfo: ServerInfo{
			Name:    c.engine.serverName,
			Version: c.engine.serverVersion,
		},
	})
}

// handleToolsList returns the dispatcher's current registry. Read-only.
func (c *connLoop) handleToolsList(msg Message) *Response {
	defs := c.engine.tools.List()
	c.logger.Debug("tools/list", "count", len(defs))
	return resultResponse(msg.ID, ListToolsResult{Tools: defs})
}

// handleToolsCall delegates to the tool dispatcher and normalizes its
// errors onto protocol codes. Handler faults never reach the transport.
func (c *connLoop) handleToolsCall(ctx context.Context, msg Message) *Response {
	var params CallToolParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return errorResponse(msg.ID, CodeInvalidParams, "invalid params")
		}
	}
	if params.Name == "" {
		return errorResponse(msg.ID, CodeInvalidParams, "tool name is required")
	}

	start := time.Now()
	out, err := c.engine.tools.Invoke(ctx, params.Name, params.Arguments)

	c.engine.usage.Record(usage.Record{
		RequestID:  string(msg.ID),
		Tool:       params.Name,
		Source:     c.conn.RemoteAddr,
		DurationMS: time.Since(start).Milliseconds(),
		IsError:    err != nil,
	})

	if err != nil {
		return c.toolErrorResponse(msg.ID, params.Name, err)
	}

	if len(out) == 0 {
		out = json.RawMessage("null")
	}
	return resultResponse(msg.ID, out)
}

// toolErrorResponse maps dispatcher errors onto structured response errors.
func (c *connLoop) toolErrorResponse(id json.RawMessage, toolName string, err error) *Response {
	c.logger.Warn("tool invocation failed",
		"tool_name", toolName,
		"error", err,
	)

	switch {
	case errors.Is(err, tools.ErrToolNotFound):
		return errorResponse(id, CodeMethodNotFound, "tool not found")
	case errors.Is(err, tools.ErrInvalidArguments):
		return errorResponse(id, CodeInvalidParams, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return errorResponse(id, CodeInternalError, "tool execution timed out")
	case errors.Is(err, context.Canceled):
		return errorResponse(id, CodeInternalError, "request cancelled")
	default:
		return errorResponse(id, CodeInternalError, "tool execution failed")
	}
}

// handleResourcesList advertises the read-only introspection surface.
func (c *connLoop) handleResourcesList(msg Message) *Response {
	return resultResponse(msg.ID, ListResourcesResult{
		Resources: []Resource{
			{
				URI:         statusResourceURI,
				Name:        "Gateway status",
				Description: "Live connection count, uptime, and version.",
				MimeType:    "application/json",
			},
		},
	})
}

// handleResourcesRead serves introspection reads. Never mutates state.
func (c *connLoop) handleResourcesRead(msg Message) *Response {
	var params ReadResourceParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return errorResponse(msg.ID, CodeInvalidParams, "invalid params")
		}
	}

	if params.URI != statusResourceURI {
		return errorResponse(msg.ID, CodeInvalidParams, "unknown resource")
	}

	snapshot, err := json.Marshal(c.engine.status.Snapshot())
	if err != nil {
		return errorResponse(msg.ID, CodeInternalError, "failed to encode status")
	}

	return resultResponse(msg.ID, ReadResourceResult{
		Contents: []ResourceContents{{
			URI:      statusResourceURI,
			MimeType: "application/json",
			Text:     string(snapshot),
		}},
	})
}

// writeError sends a structured error response for the given id.
func (c *connLoop) writeError(id json.RawMessage, code int, message string) {
	c.writeResponse(errorResponse(id, code, message))
}

// writeResponse serializes one response under the write lock. Writes for a
// closing connection fail and are discarded.
func (c *connLoop) writeResponse(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("failed to encode response", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	err = c.sock.Write(ctx, websocket.MessageText, data)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Debug("dropping response for closed connection", "error", err)
		return
	}
	c.conn.Touch()
}

func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{Protocol: Version, ID: normalizeID(id), Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{
		Protocol: Version,
		ID:       normalizeID(id),
		Error:    &Error{Code: code, Message: message},
	}
}

// normalizeID keeps the response id JSON-valid when the request had none.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// recoverID extracts the request id from a frame that failed strict
// envelope decoding. Succeeds only when the frame is valid JSON carrying
// a non-null id.
func recoverID(data []byte) (json.RawMessage, bool) {
	var loose struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &loose); err != nil {
		return nil, false
	}
	if len(loose.ID) == 0 || string(loose.ID) == "null" {
		return nil, false
	}
	return loose.ID, true
}
