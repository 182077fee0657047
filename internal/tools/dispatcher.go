// ABOUTME: Static registry mapping tool names to schema-validated handlers.
// ABOUTME: Isolates handler execution from callers with timeouts and panic recovery.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Dispatch errors. Callers map these onto protocol error codes.
var (
	ErrToolNotFound      = errors.New("tool not found")
	ErrToolCollision     = errors.New("tool name collision")
	ErrInvalidArguments  = errors.New("invalid arguments")
	ErrHandlerFault      = errors.New("tool handler fault")
	ErrDispatcherRunning = errors.New("dispatcher already serving")
)

// DefaultTimeout bounds a single tool invocation.
const DefaultTimeout = 30 * time.Second

// Handler executes a tool call. It receives the validated arguments as
// JSON and returns the result payload as JSON. The payload is opaque to
// the gateway.
type Handler func(ctx context.Context, arguments json.RawMessage) (json.RawMessage, error)

// Definition describes a tool as advertised to clients.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// tool pairs a definition with its compiled schema and handler.
type tool struct {
	def     Definition
	schema  *jsonschema.Schema
	handler Handler
}

// Config contains configuration options for the Dispatcher.
type Config struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// Dispatcher routes tool invocations by name. The registry is built at
// startup and sealed before serving; lookups at call time are read-only.
type Dispatcher struct {
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	tools  map[string]*tool
	sealed bool
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		timeout: timeout,
		logger:  logger.With("component", "tools"),
		tools:   make(map[string]*tool),
	}
}

// Register adds a tool to the registry. The definition's input schema is
// compiled eagerly so malformed schemas fail at startup, not at call time.
// Returns ErrToolCollision if the name is taken and ErrDispatcherRunning
// after Seal.
func (d *Dispatcher) Register(def Definition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %q: handler is required", def.Name)
	}

	var schema *jsonschema.Schema
	if len(def.InputSchema) > 0 {
		compiled, err := compileSchema(def.Name, def.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %q: compiling input schema: %w", def.Name, err)
		}
		schema = compiled
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sealed {
		return ErrDispatcherRunning
	}
	if _, exists := d.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolCollision, def.Name)
	}

	d.tools[def.Name] = &tool{def: def, schema: schema, handler: handler}
	d.logger.Debug("tool registered", "tool_name", def.Name)
	return nil
}

// Seal freezes the registry. Called once before the gateway starts
// accepting connections.
func (d *Dispatcher) Seal() {
	d.mu.Lock()
	d.sealed = true
	d.mu.Unlock()
}

// List returns all registered tool definitions sorted by name.
func (d *Dispatcher) List() []Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()

	defs := make([]Definition, 0, len(d.tools))
	for _, t := range d.tools {
		defs = append(defs, t.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Invoke validates the arguments and runs the named tool's handler.
//
// The handler runs on its own goroutine under a bounded timeout so a slow
// or panicking handler can never stall or crash the calling connection
// loop. Schema violations are rejected before the handler is entered.
func (d *Dispatcher) Invoke(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	d.mu.RLock()
	t, ok := d.tools[name]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if err := t.validate(arguments); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("tool handler panicked",
					"tool_name", name,
					"panic", r,
				)
				done <- outcome{err: fmt.Errorf("%w: %v", ErrHandlerFault, r)}
			}
		}()
		result, err := t.handler(callCtx, arguments)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-callCtx.Done():
		// The handler goroutine is abandoned; its buffered send cannot block.
		return nil, callCtx.Err()
	}
}

// validate checks arguments against the tool's compiled schema.
func (t *tool) validate(arguments json.RawMessage) error {
	if t.schema == nil {
		return nil
	}

	raw := arguments
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("%w: arguments are not valid JSON", ErrInvalidArguments)
	}

	if err := t.schema.Validate(value); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%w: %s", ErrInvalidArguments, flattenValidationError(verr))
		}
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// compileSchema compiles an inline JSON Schema document.
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	url := name + ".schema.json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// flattenValidationError picks the most specific cause for the client.
func flattenValidationError(err *jsonschema.ValidationError) string {
	for len(err.Causes) > 0 {
		err = err.Causes[0]
	}
	loc := err.InstanceLocation
	if loc == "" {
		return err.Message
	}
	return fmt.Sprintf("%s: %s", loc, err.Message)
}
