// Package mcp manages MCP server connections for the call_mcp action.
// Connections are keyed by connection_id and outlive the action that
// opened them, so continuation actions can be serviced without calling
// back into the originating agent actor.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/quorum/internal/config"
)

var (
	ErrUnknownConnection = errors.New("mcp: unknown connection_id")
	ErrUnknownServer     = errors.New("mcp: unknown server")
)

const defaultCallTimeout = 60 * time.Second

// TransportSpec is the inline transport description accepted by
// call_mcp. Either Name references a configured server, or Kind plus
// Command/URL describe an ad-hoc one.
type TransportSpec struct {
	Name    string            `json:"name,omitempty"`
	Kind    string            `json:"kind,omitempty"` // "stdio", "sse", "http"
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Connection is one live MCP session.
type Connection struct {
	ID       string
	Server   string
	client   *mcpclient.Client
	tools    []string
	openedAt time.Time
	ownerID  string // agent that opened it
}

// ToolNames lists the tools the connected server exposes.
func (c *Connection) ToolNames() []string { return c.tools }

// Manager owns the connection table.
type Manager struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	configs map[string]*config.MCPServerConfig
}

func NewManager(configs map[string]*config.MCPServerConfig) *Manager {
	return &Manager{
		conns:   make(map[string]*Connection),
		configs: configs,
	}
}

// Open establishes a connection per spec and returns it with a fresh
// connection_id.
func (m *Manager) Open(ctx context.Context, ownerID string, spec TransportSpec) (*Connection, error) {
	kind, command, args, url, env := spec.Kind, spec.Command, spec.Args, spec.URL, spec.Env
	serverName := spec.Name
	if serverName != "" {
		cfg, ok := m.configs[serverName]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownServer, serverName)
		}
		kind, command, args, url, env = cfg.Transport, cfg.Command, cfg.Args, cfg.URL, cfg.Env
	} else {
		serverName = kind
	}

	client, err := createClient(kind, command, args, env, url)
	if err != nil {
		return nil, fmt.Errorf("mcp: create client: %w", err)
	}

	// SSE/streamable-http need explicit Start; stdio auto-starts.
	if kind != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("mcp: start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "quorum", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("mcp: initialize: %w", err)
	}

	toolsResult, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("mcp: list tools: %w", err)
	}
	toolNames := make([]string, 0, len(toolsResult.Tools))
	for _, t := range toolsResult.Tools {
		toolNames = append(toolNames, t.Name)
	}

	conn := &Connection{
		ID:       uuid.Must(uuid.NewV7()).String(),
		Server:   serverName,
		client:   client,
		tools:    toolNames,
		openedAt: time.Now().UTC(),
		ownerID:  ownerID,
	}

	m.mu.Lock()
	m.conns[conn.ID] = conn
	m.mu.Unlock()

	slog.Info("mcp.connection.opened",
		"connection_id", conn.ID, "server", serverName, "tools", len(toolNames), "owner", ownerID)
	return conn, nil
}

// Get returns a live connection.
func (m *Manager) Get(connectionID string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connectionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	return conn, nil
}

// Call invokes a tool on an open connection and returns the textual
// result content.
func (m *Manager) Call(ctx context.Context, connectionID, tool string, arguments map[string]interface{}) (string, error) {
	conn, err := m.Get(connectionID)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = arguments
	result, err := conn.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp: call %s: %w", tool, err)
	}

	var out string
	for _, content := range result.Content {
		if tc, ok := mcpgo.AsTextContent(content); ok {
			out += tc.Text
		} else if raw, err := json.Marshal(content); err == nil {
			out += string(raw)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("mcp: tool %s returned error: %s", tool, out)
	}
	return out, nil
}

// Terminate closes and forgets a connection. Unknown ids are a no-op.
func (m *Manager) Terminate(connectionID string) {
	m.mu.Lock()
	conn, ok := m.conns[connectionID]
	delete(m.conns, connectionID)
	m.mu.Unlock()
	if ok {
		_ = conn.client.Close()
		slog.Info("mcp.connection.closed", "connection_id", connectionID, "server", conn.Server)
	}
}

// TerminateForOwner closes every connection an agent opened (called on
// dismissal).
func (m *Manager) TerminateForOwner(ownerID string) {
	m.mu.Lock()
	var victims []*Connection
	for id, conn := range m.conns {
		if conn.ownerID == ownerID {
			victims = append(victims, conn)
			delete(m.conns, id)
		}
	}
	m.mu.Unlock()
	for _, conn := range victims {
		_ = conn.client.Close()
	}
}

func createClient(kind, command string, args []string, env map[string]string, url string) (*mcpclient.Client, error) {
	switch kind {
	case "stdio":
		envSlice := make([]string, 0, len(env))
		for k, v := range env {
			envSlice = append(envSlice, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(command, envSlice, args...)
	case "sse":
		var opts []transport.ClientOption
		return mcpclient.NewSSEMCPClient(url, opts...)
	case "http":
		return mcpclient.NewStreamableHttpClient(url)
	default:
		return nil, fmt.Errorf("unsupported transport %q", kind)
	}
}
