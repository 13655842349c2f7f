// Package mcpbridge imports tools from Model Context Protocol servers into
// the tool registry, so goals can offer externally hosted tools next to the
// built-in set.
//
// Servers are connected at startup via stdio or streamable-HTTP transports
// using the official MCP Go SDK. Each discovered tool is registered under
// its own name with its original JSON Schema; invocations are routed back
// over the server session.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/maitred-ai/maitre/internal/config"
	"github.com/maitred-ai/maitre/internal/tool"
	"github.com/maitred-ai/maitre/pkg/memtree"
)

// Bridge owns the live MCP server sessions. Created once at startup and
// closed on shutdown.
type Bridge struct {
	client *mcpsdk.Client
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

// New constructs a Bridge. logger defaults to slog.Default.
func New(logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "maitre-mcpbridge", Version: "1.0.0"},
			nil,
		),
		logger:   logger,
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// Import connects to every configured server and registers its tools on
// reg. A tool whose name is already registered (a built-in, or a tool from
// an earlier server) is skipped, never replaced.
func (b *Bridge) Import(ctx context.Context, reg *tool.Registry, servers []config.MCPServerConfig) error {
	for _, srv := range servers {
		if err := b.importServer(ctx, reg, srv); err != nil {
			return err
		}
	}
	return nil
}

// importServer connects to one server and registers its tool catalogue.
func (b *Bridge) importServer(ctx context.Context, reg *tool.Registry, srv config.MCPServerConfig) error {
	transport, err := buildTransport(ctx, srv)
	if err != nil {
		return err
	}
	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcpbridge: connect to %q: %w", srv.Name, err)
	}

	imported := 0
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcpbridge: list tools of %q: %w", srv.Name, err)
		}
		if reg.Has(t.Name) {
			b.logger.Warn("mcp tool name already registered, skipping",
				"server", srv.Name, "tool", t.Name)
			continue
		}
		schema := tool.Schema{
			Name:        t.Name,
			Description: t.Description,
			Category:    "mcp:" + srv.Name,
			Raw:         schemaToMap(t.InputSchema),
		}
		if err := reg.Register(schema, b.handler(srv.Name, t.Name)); err != nil {
			_ = session.Close()
			return fmt.Errorf("mcpbridge: register %q from %q: %w", t.Name, srv.Name, err)
		}
		imported++
	}

	b.mu.Lock()
	if old, ok := b.sessions[srv.Name]; ok {
		_ = old.Close()
	}
	b.sessions[srv.Name] = session
	b.mu.Unlock()

	b.logger.Info("mcp server imported", "server", srv.Name, "tools", imported)
	return nil
}

// buildTransport maps the config transport onto an SDK transport.
func buildTransport(ctx context.Context, srv config.MCPServerConfig) (mcpsdk.Transport, error) {
	switch srv.Transport {
	case config.TransportStdio:
		parts := strings.Fields(srv.Command)
		if len(parts) == 0 {
			return nil, fmt.Errorf("mcpbridge: stdio server %q has an empty command", srv.Name)
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		for k, v := range srv.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case config.TransportStreamableHTTP:
		if srv.URL == "" {
			return nil, fmt.Errorf("mcpbridge: streamable-http server %q has no url", srv.Name)
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: srv.URL}, nil

	default:
		return nil, fmt.Errorf("mcpbridge: server %q has unknown transport %q", srv.Name, srv.Transport)
	}
}

// handler builds the registry handler routing an invocation to the server.
func (b *Bridge) handler(server, name string) tool.Handler {
	return func(ctx context.Context, args memtree.Value, _ string) tool.Result {
		b.mu.Lock()
		session, ok := b.sessions[server]
		b.mu.Unlock()
		if !ok {
			return tool.Errf(tool.ErrUpstreamFailed, "mcp server %q is not connected", server)
		}

		argsMap, _ := args.ToAny().(map[string]any)
		res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      name,
			Arguments: argsMap,
		})
		if err != nil {
			if ctx.Err() != nil {
				return tool.Errf(tool.ErrTimeout, "mcp tool %q: %v", name, ctx.Err())
			}
			return tool.Errf(tool.ErrUpstreamFailed, "mcp tool %q: %v", name, err)
		}

		var sb strings.Builder
		for _, c := range res.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if res.IsError {
			return tool.Errf(tool.ErrUpstreamFailed, "mcp tool %q: %s", name, sb.String())
		}
		return tool.Ok(payloadFromText(sb.String()))
	}
}

// payloadFromText decodes a JSON object result when the server returns one,
// and wraps plain text otherwise, so result mappings can address structured
// fields either way.
func payloadFromText(text string) memtree.Value {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(trimmed), &m); err == nil {
			return memtree.FromAny(m)
		}
	}
	return memtree.Map(map[string]memtree.Value{
		"text": memtree.String(text),
	})
}

// schemaToMap normalises the SDK's schema value into a plain map.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// Ping probes every connected server. Used as a readiness check.
func (b *Bridge) Ping(ctx context.Context) error {
	b.mu.Lock()
	sessions := make(map[string]*mcpsdk.ClientSession, len(b.sessions))
	for name, s := range b.sessions {
		sessions[name] = s
	}
	b.mu.Unlock()

	for name, s := range sessions {
		if err := s.Ping(ctx, nil); err != nil {
			return fmt.Errorf("mcpbridge: ping %q: %w", name, err)
		}
	}
	return nil
}

// Close shuts down all server sessions.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for name, session := range b.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcpbridge: close %q: %w", name, err)
		}
		delete(b.sessions, name)
	}
	return firstErr
}
