package mcp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconflow/reconflow/mcp"
	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/toolregistry"
)

func noProxySleep() func(context.Context, time.Duration) error {
	return func(context.Context, time.Duration) error { return nil }
}

// rpcServer is a minimal external MCP peer for proxy tests.
func rpcServer(t *testing.T, onCall func(params mcp.CallToolParams) mcp.CallToolResult) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req mcp.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Method {
		case "initialize":
			writeRPC(w, mcp.NewResponse(req.ID, mcp.InitializeResult{
				ProtocolVersion: mcp.ProtocolVersion,
				Capabilities:    map[string]any{},
				ServerInfo:      mcp.ServerInfo{Name: "peer", Version: "1.0.0"},
			}))
		case "tools/list":
			writeRPC(w, mcp.NewResponse(req.ID, mcp.ToolsListResult{Tools: []mcp.Tool{
				{Name: "host_lookup", Description: "Looks up a host", InputSchema: map[string]any{"type": "object"}},
			}}))
		case "tools/call":
			var params mcp.CallToolParams
			require.NoError(t, json.Unmarshal(req.Params, &params))
			writeRPC(w, mcp.NewResponse(req.ID, onCall(params)))
		default:
			writeRPC(w, mcp.NewErrorResponse(req.ID, mcp.JSONRPCMethodNotFound, "method not found"))
		}
	}))
}

func writeRPC(w http.ResponseWriter, resp mcp.Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func TestDiscoverToolsPrefixesSource(t *testing.T) {
	srv := rpcServer(t, nil)
	defer srv.Close()

	proxy := mcp.NewProxy(mcp.ProxyOptions{Sleep: noProxySleep()})
	tools, err := proxy.DiscoverTools(context.Background(), "shodan", srv.URL, nil)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "shodan__host_lookup", tools[0].Name)
	assert.Equal(t, "host_lookup", tools[0].RemoteName)
}

func TestDiscoverToolsRetriesUntilServerIsUp(t *testing.T) {
	var hits atomic.Int64
	var target *httptest.Server
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The first four initialize handshakes fail; the fifth discovery
		// attempt reaches the real peer.
		if hits.Add(1) <= 4 {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		target.Config.Handler.ServeHTTP(w, r)
	}))
	defer flaky.Close()
	target = rpcServer(t, nil)
	defer target.Close()

	proxy := mcp.NewProxy(mcp.ProxyOptions{Sleep: noProxySleep()})
	tools, err := proxy.DiscoverTools(context.Background(), "shodan", flaky.URL, nil)
	require.NoError(t, err)
	assert.Len(t, tools, 1)
}

func TestDiscoverToolsGivesUpAfterFiveAttempts(t *testing.T) {
	var hits atomic.Int64
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer down.Close()

	proxy := mcp.NewProxy(mcp.ProxyOptions{Sleep: noProxySleep()})
	_, err := proxy.DiscoverTools(context.Background(), "shodan", down.URL, nil)
	require.Error(t, err)
	assert.True(t, rferr.IsKind(err, rferr.KindDependency))
	assert.EqualValues(t, 5, hits.Load())
}

func TestCallExternalToolStripsPrefixAndForwardsArgs(t *testing.T) {
	var got mcp.CallToolParams
	srv := rpcServer(t, func(params mcp.CallToolParams) mcp.CallToolResult {
		got = params
		return mcp.TextResult(`{"org":"ACME"}`)
	})
	defer srv.Close()

	proxy := mcp.NewProxy(mcp.ProxyOptions{Sleep: noProxySleep()})
	result, err := proxy.CallExternalTool(context.Background(), toolregistry.Tool{
		RunID:    "run-1",
		NodeID:   "ext",
		ToolName: "shodan__host_lookup",
		Kind:     toolregistry.KindRemote,
		Endpoint: srv.URL,
	}, map[string]any{"ip": "1.2.3.4"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "host_lookup", got.Name)
	assert.Equal(t, map[string]any{"ip": "1.2.3.4"}, got.Arguments)
}

func TestCallExternalToolKeepsToolLevelErrors(t *testing.T) {
	srv := rpcServer(t, func(mcp.CallToolParams) mcp.CallToolResult {
		return mcp.ErrorResult("rate limited upstream")
	})
	defer srv.Close()

	proxy := mcp.NewProxy(mcp.ProxyOptions{Sleep: noProxySleep()})
	result, err := proxy.CallExternalTool(context.Background(), toolregistry.Tool{
		ToolName: "shodan__host_lookup",
		Endpoint: srv.URL,
	}, nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCallExternalToolRetriesTransportFailures(t *testing.T) {
	var hits atomic.Int64
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer down.Close()

	var delays []time.Duration
	proxy := mcp.NewProxy(mcp.ProxyOptions{
		Sleep: func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	})
	_, err := proxy.CallExternalTool(context.Background(), toolregistry.Tool{
		ToolName: "shodan__host_lookup",
		Endpoint: down.URL,
	}, nil)
	require.Error(t, err)
	assert.True(t, rferr.IsKind(err, rferr.KindDependency))
	// Three attempts, each failing at the initialize handshake.
	assert.EqualValues(t, 3, hits.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestCallExternalToolReadsSSEResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req mcp.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Method == "initialize" {
			writeRPC(w, mcp.NewResponse(req.ID, mcp.InitializeResult{ProtocolVersion: mcp.ProtocolVersion}))
			return
		}
		resp, _ := json.Marshal(mcp.NewResponse(req.ID, mcp.TextResult("streamed")))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, ": warming up\n\nevent: message\ndata: %s\n\n", resp)
	}))
	defer srv.Close()

	proxy := mcp.NewProxy(mcp.ProxyOptions{Sleep: noProxySleep()})
	result, err := proxy.CallExternalTool(context.Background(), toolregistry.Tool{
		ToolName: "shodan__host_lookup",
		Endpoint: srv.URL,
	}, nil)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "streamed", result.Content[0].Text)
}
