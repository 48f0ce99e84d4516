package mcp

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// ToolHandler executes one announced tool. Returned errors become IsError
// results; they never surface as JSON-RPC failures.
type ToolHandler func(ctx context.Context, args map[string]any) (CallToolResult, error)

// Server is a per-session virtual MCP server. Tools may be added while
// sessions are live; AddTool is idempotent by announced name so repeated
// refreshes of the same run converge.
type Server struct {
	name string

	mu       sync.RWMutex
	tools    map[string]serverTool
	order    []string
}

type serverTool struct {
	tool    Tool
	handler ToolHandler
}

// NewServer builds an empty virtual server.
func NewServer(name string) *Server {
	return &Server{name: name, tools: make(map[string]serverTool)}
}

// AddTool announces a tool. A tool with the same name replaces the handler
// but keeps its announcement position.
func (s *Server) AddTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[tool.Name]; !exists {
		s.order = append(s.order, tool.Name)
	}
	s.tools[tool.Name] = serverTool{tool: tool, handler: handler}
}

// HasTool reports whether a tool name is announced.
func (s *Server) HasTool(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tools[name]
	return ok
}

// Tools lists announced tools in announcement order.
func (s *Server) Tools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tool, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name].tool)
	}
	return out
}

// ToolNames lists announced names sorted, for diagnostics.
func (s *Server) ToolNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.order))
	copy(names, s.order)
	sort.Strings(names)
	return names
}

// HandleMessage processes one JSON-RPC message and returns the serialized
// response, or nil for notifications.
func (s *Server) HandleMessage(ctx context.Context, raw []byte) []byte {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return mustMarshal(NewErrorResponse(nil, JSONRPCParseError, "parse error"))
	}
	if req.JSONRPC != "2.0" {
		return mustMarshal(NewErrorResponse(req.ID, JSONRPCInvalidRequest, "unsupported jsonrpc version"))
	}
	switch req.Method {
	case "initialize":
		return mustMarshal(NewResponse(req.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{"listChanged": true}},
			ServerInfo:      ServerInfo{Name: s.name, Version: "1.0.0"},
		}))
	case "notifications/initialized":
		return nil
	case "ping":
		return mustMarshal(NewResponse(req.ID, map[string]any{}))
	case "tools/list":
		return mustMarshal(NewResponse(req.ID, ToolsListResult{Tools: s.Tools()}))
	case "tools/call":
		return s.callTool(ctx, req)
	default:
		return mustMarshal(NewErrorResponse(req.ID, JSONRPCMethodNotFound, "method not found: "+req.Method))
	}
}

func (s *Server) callTool(ctx context.Context, req Request) []byte {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return mustMarshal(NewErrorResponse(req.ID, JSONRPCInvalidParams, "invalid tools/call params"))
	}
	s.mu.RLock()
	st, ok := s.tools[params.Name]
	s.mu.RUnlock()
	if !ok {
		return mustMarshal(NewErrorResponse(req.ID, JSONRPCInvalidParams, "unknown tool: "+params.Name))
	}
	result, err := st.handler(ctx, params.Arguments)
	if err != nil {
		result = ErrorResult(err.Error())
	}
	return mustMarshal(NewResponse(req.ID, result))
}

func mustMarshal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		// Response types are plain data; this cannot fail at runtime.
		panic(err)
	}
	return raw
}
