// Package toolbridge owns every tool the model can call during a session.
//
// Tools come from two places: in-process Go handlers registered directly, and
// external MCP servers (stdio or streamable-HTTP) connected via the official
// MCP Go SDK. Either way, Execute gives the hard guarantee the wire protocol
// needs: every invocation produces exactly one result. Handler errors, open
// circuit breakers, and unknown tool names all come back as an error payload
// in the result, never as a dropped invocation.
package toolbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/semaphore"

	"github.com/ElkanHub/coauthor/internal/resilience"
	"github.com/ElkanHub/coauthor/pkg/provider/s2s"
)

// defaultMaxConcurrent bounds simultaneous tool executions so a burst of model
// tool calls cannot exhaust the process.
const defaultMaxConcurrent = 4

// Handler is an in-process tool implementation. It receives the JSON-encoded
// argument object and returns a JSON-encoded result object.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// ServerConfig describes one external MCP server to connect to.
type ServerConfig struct {
	// Name labels the server in logs and errors. Must be unique per bridge.
	Name string

	// Transport is "stdio" or "http".
	Transport string

	// Command is the executable path and arguments when Transport is "stdio".
	Command string

	// URL is the endpoint when Transport is "http".
	URL string

	// Env holds extra environment variables for stdio servers. May be nil.
	Env map[string]string
}

// toolEntry holds one registered tool.
type toolEntry struct {
	def        s2s.ToolDefinition
	serverName string // empty for builtin tools
	handler    Handler
	breaker    *resilience.CircuitBreaker
}

// Bridge is the tool registry and executor.
// Create with [New]; all exported methods are safe for concurrent use.
type Bridge struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry
	servers map[string]*mcpsdk.ClientSession

	// client is reused across server connections; the SDK allows one Client
	// to manage multiple sessions.
	client *mcpsdk.Client
	sem    *semaphore.Weighted
}

// New creates an empty Bridge.
func New() *Bridge {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "coauthor", Version: "1.0.0"},
		nil,
	)
	return &Bridge{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]*mcpsdk.ClientSession),
		client:  client,
		sem:     semaphore.NewWeighted(defaultMaxConcurrent),
	}
}

// Register adds an in-process tool. Registering a name twice replaces the
// previous entry.
func (b *Bridge) Register(def s2s.ToolDefinition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("toolbridge: tool definition must have a name")
	}
	if handler == nil {
		return fmt.Errorf("toolbridge: tool %q has no handler", def.Name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.tools[def.Name] = toolEntry{
		def:     def,
		handler: handler,
		breaker: resilience.New(resilience.Config{Name: def.Name}),
	}
	return nil
}

// ConnectServer dials the MCP server described by cfg and imports its tool
// catalogue. Reconnecting a server with the same name replaces its tools.
func (b *Bridge) ConnectServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("toolbridge: server config must have a name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case "stdio":
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("toolbridge: stdio server %q requires a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case "http":
		if cfg.URL == "" {
			return fmt.Errorf("toolbridge: http server %q requires a URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}

	default:
		return fmt.Errorf("toolbridge: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("toolbridge: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("toolbridge: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.servers[cfg.Name]; ok {
		_ = old.Close()
		for name, entry := range b.tools {
			if entry.serverName == cfg.Name {
				delete(b.tools, name)
			}
		}
	}
	b.servers[cfg.Name] = session

	for _, tool := range discovered {
		b.tools[tool.Name] = toolEntry{
			def: s2s.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaJSON(tool.InputSchema),
			},
			serverName: cfg.Name,
			handler:    b.mcpHandler(cfg.Name, tool.Name),
			breaker:    resilience.New(resilience.Config{Name: tool.Name}),
		}
	}
	slog.Info("mcp server connected", "server", cfg.Name, "tools", len(discovered))
	return nil
}

// mcpHandler wraps one external tool as a [Handler].
func (b *Bridge) mcpHandler(serverName, toolName string) Handler {
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		b.mu.RLock()
		session, ok := b.servers[serverName]
		b.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("server %q not connected", serverName)
		}

		var argsMap map[string]any
		if len(args) > 0 {
			if err := json.Unmarshal(args, &argsMap); err != nil {
				return nil, fmt.Errorf("invalid args JSON: %w", err)
			}
		}

		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      toolName,
			Arguments: argsMap,
		})
		if err != nil {
			return nil, err
		}

		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			return nil, fmt.Errorf("%s", sb.String())
		}
		return resultJSON(sb.String()), nil
	}
}

// Definitions returns the definitions of all registered tools, for the session
// setup message.
func (b *Bridge) Definitions() []s2s.ToolDefinition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	defs := make([]s2s.ToolDefinition, 0, len(b.tools))
	for _, entry := range b.tools {
		defs = append(defs, entry.def)
	}
	return defs
}

// Execute runs the invocation and always returns exactly one result carrying
// the invocation's id and name. Failures of any kind are encoded into the
// result payload as {"error": "..."}.
func (b *Bridge) Execute(ctx context.Context, inv s2s.ToolInvocation) s2s.ToolResult {
	b.mu.RLock()
	entry, ok := b.tools[inv.Name]
	b.mu.RUnlock()
	if !ok {
		return errorResult(inv, fmt.Errorf("unknown tool %q", inv.Name))
	}

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return errorResult(inv, err)
	}
	defer b.sem.Release(1)

	start := time.Now()
	var payload json.RawMessage
	err := entry.breaker.Execute(func() error {
		var herr error
		payload, herr = entry.handler(ctx, inv.Args)
		return herr
	})
	elapsed := time.Since(start)

	if err != nil {
		slog.Warn("tool call failed",
			"tool", inv.Name,
			"id", inv.ID,
			"elapsed", elapsed,
			"err", err,
		)
		return errorResult(inv, err)
	}

	slog.Debug("tool call completed", "tool", inv.Name, "id", inv.ID, "elapsed", elapsed)
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return s2s.ToolResult{ID: inv.ID, Name: inv.Name, Response: payload}
}

// Close disconnects all MCP servers.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for name, session := range b.servers {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("toolbridge: close server %q: %w", name, err)
		}
		delete(b.servers, name)
	}
	return firstErr
}

// errorResult encodes err into a result payload for the model.
func errorResult(inv s2s.ToolInvocation, err error) s2s.ToolResult {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	return s2s.ToolResult{ID: inv.ID, Name: inv.Name, Response: payload}
}

// resultJSON returns text as a JSON object, wrapping non-JSON output.
func resultJSON(text string) json.RawMessage {
	trimmed := strings.TrimSpace(text)
	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		return json.RawMessage(trimmed)
	}
	payload, _ := json.Marshal(map[string]string{"output": text})
	return payload
}

// schemaJSON converts an SDK input schema to raw JSON, defaulting to an empty
// object schema.
func schemaJSON(schema any) json.RawMessage {
	if schema == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

// splitCommand splits a command string on spaces into executable and args.
func splitCommand(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
