package mcp_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconflow/reconflow/component"
	"github.com/reconflow/reconflow/mcp"
	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/runtime/engine"
	"github.com/reconflow/reconflow/runtime/executor"
	"github.com/reconflow/reconflow/toolregistry"
)

// toolEngine answers executeToolCall signals by making the result queryable,
// imitating a paused run servicing dispatches.
type toolEngine struct {
	engine.Engine

	mu      sync.Mutex
	signals []executor.ExecuteToolCallSignal
	reports []executor.ToolCallCompletedSignal
	results map[string]executor.ToolCallResult
}

func newToolEngine() *toolEngine {
	return &toolEngine{results: make(map[string]executor.ToolCallResult)}
}

func (e *toolEngine) SignalByID(_ context.Context, _, _ string, name string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch name {
	case executor.SignalExecuteToolCall:
		sig := payload.(executor.ExecuteToolCallSignal)
		e.signals = append(e.signals, sig)
		e.results[sig.CallID] = executor.ToolCallResult{
			Found:   true,
			Success: true,
			Output:  map[string]any{"echo": sig.Arguments, "params": sig.Parameters},
		}
	case executor.SignalToolCallCompleted:
		e.reports = append(e.reports, payload.(executor.ToolCallCompletedSignal))
	}
	return nil
}

func (e *toolEngine) QueryByID(_ context.Context, _, _, queryType string, result any, args ...any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if queryType != executor.QueryToolCallResult {
		return nil
	}
	callID := args[0].(string)
	*result.(*executor.ToolCallResult) = e.results[callID]
	return nil
}

type staticResolver struct{ info mcp.RunInfo }

func (r staticResolver) ResolveRun(context.Context, string) (mcp.RunInfo, error) {
	return r.info, nil
}

func scannerDefinition() component.Definition {
	return component.Definition{
		ID:       "recon.port_scan",
		Label:    "Port scan",
		Category: "recon",
		Runner:   component.Runner{Kind: component.RunnerInline},
		Inputs: []component.Port{
			{ID: "target", Binding: component.BindingAction, Type: component.Primitive(component.PrimitiveText), Required: true},
			{ID: "api_key", Binding: component.BindingCredential, Type: component.Primitive(component.PrimitiveSecret)},
		},
		Parameters: []component.Port{
			{ID: "ports", Binding: component.BindingConfig, Type: component.Primitive(component.PrimitiveText), Default: "1-1024"},
			{ID: "rate", Binding: component.BindingConfig, Type: component.Primitive(component.PrimitiveNumber), Default: 100.0},
		},
		AgentTool: &component.AgentTool{
			ToolName:     "port_scan",
			Description:  "Scans a target's ports",
			ExposeParams: []string{"ports"},
		},
	}
}

type gatewayFixture struct {
	gateway  *mcp.Gateway
	registry *toolregistry.Registry
	eng      *toolEngine
	info     mcp.RunInfo
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cipher, err := toolregistry.NewCipher("test-master-key")
	require.NoError(t, err)
	registry, err := toolregistry.New(toolregistry.Options{Redis: rdb, Cipher: cipher})
	require.NoError(t, err)

	components := component.NewRegistry()
	require.NoError(t, components.Register(scannerDefinition()))

	eng := newToolEngine()
	info := mcp.RunInfo{
		RunID:          "run-1",
		OrganizationID: "org-1",
		WorkflowID:     "wf-exec-1",
		EngineRunID:    "engine-run-1",
	}
	dispatcher := mcp.NewDispatcher(mcp.DispatcherOptions{
		Engine:       eng,
		Registry:     registry,
		Components:   components,
		PollInterval: time.Millisecond,
		PollTimeout:  100 * time.Millisecond,
	})
	gateway := mcp.NewGateway(mcp.GatewayOptions{
		Registry:   registry,
		Dispatcher: dispatcher,
		Resolver:   staticResolver{info: info},
	})
	return &gatewayFixture{gateway: gateway, registry: registry, eng: eng, info: info}
}

func (f *gatewayFixture) registerScanner(t *testing.T, nodeID string) {
	t.Helper()
	def := scannerDefinition()
	require.NoError(t, f.registry.RegisterComponent(context.Background(), toolregistry.ComponentRegistration{
		RunID:       f.info.RunID,
		NodeID:      nodeID,
		Definition:  &def,
		Parameters:  map[string]any{"ports": "1-1024"},
		Credentials: map[string]string{"api_key": "vault-secret"},
	}))
}

func TestServerForRunAnnouncesReadyTools(t *testing.T) {
	f := newGatewayFixture(t)
	f.registerScanner(t, "scan")
	ctx := context.Background()

	srv, err := f.gateway.ServerForRun(ctx, "org-1", "run-1", nil)
	require.NoError(t, err)
	assert.True(t, srv.HasTool("port_scan"))

	// Same run and allowlist share the cached server.
	again, err := f.gateway.ServerForRun(ctx, "org-1", "run-1", nil)
	require.NoError(t, err)
	assert.Same(t, srv, again)

	// A restricted allowlist is a distinct surface.
	restricted, err := f.gateway.ServerForRun(ctx, "org-1", "run-1", []string{"other"})
	require.NoError(t, err)
	assert.NotSame(t, srv, restricted)
	assert.False(t, restricted.HasTool("port_scan"))
}

func TestServerForRunRejectsForeignOrganization(t *testing.T) {
	f := newGatewayFixture(t)
	f.registerScanner(t, "scan")

	_, err := f.gateway.ServerForRun(context.Background(), "org-2", "run-1", nil)
	require.Error(t, err)
	assert.True(t, rferr.IsKind(err, rferr.KindAuthorization))
}

func TestRefreshAnnouncesNewTools(t *testing.T) {
	f := newGatewayFixture(t)
	f.registerScanner(t, "scan")
	ctx := context.Background()

	srv, err := f.gateway.ServerForRun(ctx, "org-1", "run-1", []string{"scan", "late"})
	require.NoError(t, err)
	assert.True(t, srv.HasTool("port_scan"))

	// A pending remote tool is not announced until it flips to ready.
	require.NoError(t, f.registry.RegisterRemote(ctx, toolregistry.RemoteRegistration{
		RunID:    "run-1",
		NodeID:   "late",
		ToolName: "shodan__host_lookup",
		Endpoint: "https://mcp.example.com/mcp",
	}))
	require.NoError(t, f.gateway.RefreshServersForRun(ctx, "run-1"))
	assert.False(t, srv.HasTool("shodan__host_lookup"))

	require.NoError(t, f.registry.MarkReady(ctx, "run-1", "late"))
	require.NoError(t, f.gateway.RefreshServersForRun(ctx, "run-1"))
	assert.True(t, srv.HasTool("shodan__host_lookup"))
	// Refreshing twice converges.
	require.NoError(t, f.gateway.RefreshServersForRun(ctx, "run-1"))
	assert.Len(t, srv.Tools(), 2)
}

func TestComponentDispatchPartitionsArguments(t *testing.T) {
	f := newGatewayFixture(t)
	f.registerScanner(t, "scan")
	ctx := context.Background()

	srv, err := f.gateway.ServerForRun(ctx, "org-1", "run-1", nil)
	require.NoError(t, err)

	raw := srv.HandleMessage(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"port_scan","arguments":{"target":"10.0.0.1","ports":"80,443","rate":9999,"api_key":"evil-override","bogus":1}}}`))
	require.NotNil(t, raw)

	require.Len(t, f.eng.signals, 1)
	sig := f.eng.signals[0]
	assert.Equal(t, "scan", sig.NodeID)
	assert.Equal(t, "recon.port_scan", sig.ComponentID)
	// Action-bound keys become arguments.
	assert.Equal(t, map[string]any{"target": "10.0.0.1"}, sig.Arguments)
	// Only exposed parameters may be overridden; rate is not exposed.
	assert.Equal(t, map[string]any{"ports": "80,443"}, sig.Parameters)
	// Credentials come from the vault, never from the agent.
	assert.Equal(t, map[string]string{"api_key": "vault-secret"}, sig.Credentials)

	// Completion is reported back to the run.
	require.Len(t, f.eng.reports, 1)
	assert.Equal(t, "completed", f.eng.reports[0].Status)

	// Call ids are unique per dispatch.
	_ = srv.HandleMessage(ctx, []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"port_scan","arguments":{"target":"10.0.0.2"}}}`))
	require.Len(t, f.eng.signals, 2)
	assert.NotEqual(t, f.eng.signals[0].CallID, f.eng.signals[1].CallID)
}
