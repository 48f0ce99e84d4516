package mcp_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconflow/reconflow/mcp"
)

func echoTool(name string) (mcp.Tool, mcp.ToolHandler) {
	tool := mcp.Tool{
		Name:        name,
		Description: "echoes its arguments",
		InputSchema: map[string]any{"type": "object"},
	}
	handler := func(_ context.Context, args map[string]any) (mcp.CallToolResult, error) {
		raw, _ := json.Marshal(args)
		return mcp.TextResult(string(raw)), nil
	}
	return tool, handler
}

func handle(t *testing.T, srv *mcp.Server, msg string) mcp.Response {
	t.Helper()
	raw := srv.HandleMessage(context.Background(), []byte(msg))
	require.NotNil(t, raw)
	var resp mcp.Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp
}

func TestInitializeAnnouncesProtocol(t *testing.T) {
	srv := mcp.NewServer("test")
	resp := handle(t, srv, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)

	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	assert.Equal(t, mcp.ProtocolVersion, result["protocolVersion"])
	info := result["serverInfo"].(map[string]any)
	assert.Equal(t, "test", info["name"])
}

func TestInitializedNotificationHasNoResponse(t *testing.T) {
	srv := mcp.NewServer("test")
	raw := srv.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	assert.Nil(t, raw)
}

func TestToolsListKeepsAnnouncementOrder(t *testing.T) {
	srv := mcp.NewServer("test")
	for _, name := range []string{"zeta", "alpha", "mid"} {
		tool, handler := echoTool(name)
		srv.AddTool(tool, handler)
	}
	// Re-adding an existing tool keeps its position.
	tool, handler := echoTool("alpha")
	srv.AddTool(tool, handler)

	resp := handle(t, srv, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Nil(t, resp.Error)
	raw, _ := json.Marshal(resp.Result)
	var listed mcp.ToolsListResult
	require.NoError(t, json.Unmarshal(raw, &listed))
	names := make([]string, len(listed.Tools))
	for i, tl := range listed.Tools {
		names[i] = tl.Name
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names)
}

func TestCallToolReturnsHandlerResult(t *testing.T) {
	srv := mcp.NewServer("test")
	tool, handler := echoTool("echo")
	srv.AddTool(tool, handler)

	resp := handle(t, srv, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"target":"10.0.0.1"}}}`)
	require.Nil(t, resp.Error)
	raw, _ := json.Marshal(resp.Result)
	var result mcp.CallToolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.JSONEq(t, `{"target":"10.0.0.1"}`, result.Content[0].Text)
}

func TestHandlerErrorBecomesToolResultNotRPCError(t *testing.T) {
	srv := mcp.NewServer("test")
	srv.AddTool(mcp.Tool{Name: "broken"}, func(context.Context, map[string]any) (mcp.CallToolResult, error) {
		return mcp.CallToolResult{}, assert.AnError
	})

	resp := handle(t, srv, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"broken"}}`)
	require.Nil(t, resp.Error)
	raw, _ := json.Marshal(resp.Result)
	var result mcp.CallToolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.True(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].Text, "Error: ")
}

func TestProtocolErrors(t *testing.T) {
	srv := mcp.NewServer("test")

	resp := handle(t, srv, `{not json`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.JSONRPCParseError, resp.Error.Code)

	resp = handle(t, srv, `{"jsonrpc":"1.0","id":1,"method":"ping"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.JSONRPCInvalidRequest, resp.Error.Code)

	resp = handle(t, srv, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.JSONRPCMethodNotFound, resp.Error.Code)

	resp = handle(t, srv, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.JSONRPCInvalidParams, resp.Error.Code)
}
