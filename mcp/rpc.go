// Package mcp implements the agent-facing Model Context Protocol gateway:
// per-run virtual servers announcing registered tools, dispatch of component
// tools into paused workflow runs, and proxying to external MCP servers.
package mcp

import "encoding/json"

// ProtocolVersion is the MCP revision the gateway speaks.
const ProtocolVersion = "2025-06-18"

const (
	// JSON-RPC 2.0 canonical error codes.
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

type (
	// Request is an incoming JSON-RPC message. A nil ID marks a
	// notification.
	Request struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      any             `json:"id,omitempty"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}

	// Response is an outgoing JSON-RPC message.
	Response struct {
		JSONRPC string    `json:"jsonrpc"`
		ID      any       `json:"id,omitempty"`
		Result  any       `json:"result,omitempty"`
		Error   *RPCError `json:"error,omitempty"`
	}

	// RPCError is the JSON-RPC error object.
	RPCError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    any    `json:"data,omitempty"`
	}

	// Tool is an announced MCP tool.
	Tool struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		InputSchema map[string]any `json:"inputSchema"`
	}

	// ToolsListResult answers tools/list.
	ToolsListResult struct {
		Tools []Tool `json:"tools"`
	}

	// CallToolParams carries tools/call parameters.
	CallToolParams struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}

	// ToolContent is one content block of a tool result.
	ToolContent struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}

	// CallToolResult answers tools/call. Failures travel inside the result
	// with IsError set, per MCP, not as JSON-RPC errors.
	CallToolResult struct {
		Content []ToolContent `json:"content"`
		IsError bool          `json:"isError,omitempty"`
	}

	// InitializeResult answers initialize.
	InitializeResult struct {
		ProtocolVersion string         `json:"protocolVersion"`
		Capabilities    map[string]any `json:"capabilities"`
		ServerInfo      ServerInfo     `json:"serverInfo"`
	}

	// ServerInfo identifies the virtual server.
	ServerInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
)

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// NewResponse builds a success response.
func NewResponse(id any, result any) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id any, code int, message string) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

// TextResult wraps plain text as a tool result.
func TextResult(text string) CallToolResult {
	return CallToolResult{Content: []ToolContent{{Type: "text", Text: text}}}
}

// ErrorResult wraps an error message as a failed tool result.
func ErrorResult(message string) CallToolResult {
	return CallToolResult{
		Content: []ToolContent{{Type: "text", Text: "Error: " + message}},
		IsError: true,
	}
}
