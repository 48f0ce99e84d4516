package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/telemetry"
	"github.com/reconflow/reconflow/toolregistry"
)

const (
	// listToolsAttempts and listToolsDelay bound discovery of a server that
	// is still starting up.
	listToolsAttempts = 5
	listToolsDelay    = time.Second

	// callToolAttempts bounds tools/call retries; the delay grows linearly
	// per attempt.
	callToolAttempts = 3
	callToolDelay    = time.Second

	// callAttemptTimeout is the wall clock allotted to a single attempt.
	callAttemptTimeout = 30 * time.Second
)

type (
	// ProxyOptions configure the external MCP proxy.
	ProxyOptions struct {
		HTTPClient *http.Client
		Registry   *toolregistry.Registry
		Logger     telemetry.Logger
		// Sleep is the retry delay hook, replaceable in tests.
		Sleep func(ctx context.Context, d time.Duration) error
	}

	// Proxy calls remote and container-hosted MCP servers on behalf of the
	// gateway. Every exchange is a fresh initialize handshake followed by the
	// request; external servers are treated as stateless HTTP peers.
	Proxy struct {
		client   *http.Client
		registry *toolregistry.Registry
		logger   telemetry.Logger
		sleep    func(ctx context.Context, d time.Duration) error
		nextID   atomic.Int64
	}

	// DiscoveredTool is one tool announced by an external server, with its
	// gateway-facing name already prefixed by the source.
	DiscoveredTool struct {
		Name        string
		RemoteName  string
		Description string
		InputSchema map[string]any
	}
)

// NewProxy builds a proxy.
func NewProxy(opts ProxyOptions) *Proxy {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: callAttemptTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		}
	}
	return &Proxy{client: client, registry: opts.Registry, logger: logger, sleep: sleep}
}

// ExternalToolName prefixes a remote tool with its source so agents see a
// single flat namespace without collisions.
func ExternalToolName(source, tool string) string {
	return source + "__" + tool
}

// DiscoverTools performs the initialize handshake and lists the server's
// tools. Servers that are still booting are retried on a fixed cadence.
func (p *Proxy) DiscoverTools(ctx context.Context, source, endpoint string, headers map[string]string) ([]DiscoveredTool, error) {
	var lastErr error
	for attempt := 1; attempt <= listToolsAttempts; attempt++ {
		if attempt > 1 {
			if err := p.sleep(ctx, listToolsDelay); err != nil {
				return nil, rferr.Wrap(rferr.KindCancelled, err, "tool discovery abandoned")
			}
		}
		tools, err := p.listToolsOnce(ctx, source, endpoint, headers)
		if err == nil {
			return tools, nil
		}
		lastErr = err
		p.logger.Warn(ctx, "mcp tool discovery failed", "endpoint", endpoint, "attempt", attempt, "err", err)
	}
	return nil, rferr.Wrap(rferr.KindDependency, lastErr, "mcp server did not become ready").
		WithField("endpoint", endpoint)
}

// CallExternalTool forwards a call to the tool's MCP endpoint. Transport
// failures are retried with linearly growing delays; result-level failures
// (IsError) are returned as-is since they are the tool's answer.
func (p *Proxy) CallExternalTool(ctx context.Context, tool toolregistry.Tool, args map[string]any) (CallToolResult, error) {
	if tool.Endpoint == "" {
		return ErrorResult("tool has no endpoint"), nil
	}
	headers, err := p.authHeaders(ctx, tool)
	if err != nil {
		return CallToolResult{}, err
	}
	remoteName := remoteToolName(tool.ToolName)

	var lastErr error
	for attempt := 1; attempt <= callToolAttempts; attempt++ {
		if attempt > 1 {
			if err := p.sleep(ctx, time.Duration(attempt-1)*callToolDelay); err != nil {
				return CallToolResult{}, rferr.Wrap(rferr.KindCancelled, err, "tool call abandoned")
			}
		}
		result, err := p.callOnce(ctx, tool.Endpoint, headers, remoteName, args)
		if err == nil {
			return result, nil
		}
		lastErr = err
		p.logger.Warn(ctx, "external tool call failed", "tool", tool.ToolName, "attempt", attempt, "err", err)
	}
	return CallToolResult{}, rferr.Wrap(rferr.KindDependency, lastErr, "external tool call failed").
		WithField("tool", tool.ToolName).WithField("endpoint", tool.Endpoint)
}

func (p *Proxy) listToolsOnce(ctx context.Context, source, endpoint string, headers map[string]string) ([]DiscoveredTool, error) {
	ctx, cancel := context.WithTimeout(ctx, callAttemptTimeout)
	defer cancel()
	if err := p.initialize(ctx, endpoint, headers); err != nil {
		return nil, err
	}
	raw, err := p.roundTrip(ctx, endpoint, headers, Request{
		JSONRPC: "2.0",
		ID:      p.nextID.Add(1),
		Method:  "tools/list",
	})
	if err != nil {
		return nil, err
	}
	var listed ToolsListResult
	if err := json.Unmarshal(raw, &listed); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	out := make([]DiscoveredTool, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		out = append(out, DiscoveredTool{
			Name:        ExternalToolName(source, t.Name),
			RemoteName:  t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out, nil
}

func (p *Proxy) callOnce(ctx context.Context, endpoint string, headers map[string]string, tool string, args map[string]any) (CallToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, callAttemptTimeout)
	defer cancel()
	if err := p.initialize(ctx, endpoint, headers); err != nil {
		return CallToolResult{}, err
	}
	params, err := json.Marshal(CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return CallToolResult{}, fmt.Errorf("encode tools/call params: %w", err)
	}
	raw, err := p.roundTrip(ctx, endpoint, headers, Request{
		JSONRPC: "2.0",
		ID:      p.nextID.Add(1),
		Method:  "tools/call",
		Params:  params,
	})
	if err != nil {
		return CallToolResult{}, err
	}
	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("decode tools/call result: %w", err)
	}
	return result, nil
}

func (p *Proxy) initialize(ctx context.Context, endpoint string, headers map[string]string) error {
	params, _ := json.Marshal(map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "reconflow-gateway", "version": "1.0.0"},
	})
	if _, err := p.roundTrip(ctx, endpoint, headers, Request{
		JSONRPC: "2.0",
		ID:      p.nextID.Add(1),
		Method:  "initialize",
		Params:  params,
	}); err != nil {
		return fmt.Errorf("initialize handshake: %w", err)
	}
	return nil
}

// roundTrip posts one JSON-RPC request and returns the raw result. Servers may
// answer with a JSON body or a single-response SSE stream; both shapes are
// accepted.
func (p *Proxy) roundTrip(ctx context.Context, endpoint string, headers map[string]string, req Request) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode rpc request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	httpReq.Header.Set("mcp-protocol-version", ProtocolVersion)
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("mcp rpc status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var payload []byte
	if strings.HasPrefix(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream") {
		payload, err = readSSEResponse(bufio.NewReader(resp.Body))
		if err != nil {
			return nil, err
		}
	} else {
		payload, err = io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, fmt.Errorf("read rpc response: %w", err)
		}
	}
	var rpcResp Response
	if err := json.Unmarshal(payload, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	raw, err := json.Marshal(rpcResp.Result)
	if err != nil {
		return nil, fmt.Errorf("re-encode rpc result: %w", err)
	}
	return raw, nil
}

// readSSEResponse scans an event stream until a message carrying a JSON-RPC
// response arrives.
func readSSEResponse(reader *bufio.Reader) ([]byte, error) {
	for {
		event, data, err := readSSEEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("sse stream closed before response")
			}
			return nil, err
		}
		switch event {
		case "", "message", "response":
			if len(data) == 0 {
				continue
			}
			return data, nil
		case "error":
			return nil, fmt.Errorf("mcp error event: %s", string(data))
		case "close":
			return nil, errors.New("sse stream closed without response")
		default:
			continue
		}
	}
}

func readSSEEvent(reader *bufio.Reader) (string, []byte, error) {
	var event string
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event == "" && len(data) == 0 {
				continue
			}
			return event, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimPrefix(after, " ")...)
			continue
		}
	}
}

func (p *Proxy) authHeaders(ctx context.Context, tool toolregistry.Tool) (map[string]string, error) {
	if p.registry == nil {
		return nil, nil
	}
	creds, found, err := p.registry.GetToolCredentials(ctx, tool.RunID, tool.NodeID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	headers := make(map[string]string, len(creds))
	for key, val := range creds {
		switch key {
		case "bearer_token":
			headers["Authorization"] = "Bearer " + val
		case "api_key":
			headers["x-api-key"] = val
		default:
			headers[key] = val
		}
	}
	return headers, nil
}

// remoteToolName strips the source prefix from a registered external tool
// name.
func remoteToolName(name string) string {
	if idx := strings.Index(name, "__"); idx >= 0 {
		return name[idx+2:]
	}
	return name
}
