package toolregistry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconflow/reconflow/component"
	"github.com/reconflow/reconflow/rferr"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	cipher, err := NewCipher("test-master-key")
	require.NoError(t, err)
	reg, err := New(Options{Redis: rdb, Cipher: cipher})
	require.NoError(t, err)
	return reg, mr
}

func agentDef() *component.Definition {
	return &component.Definition{
		ID:       "net.ip_check",
		Label:    "IP Check",
		Category: "net",
		Runner:   component.Runner{Kind: component.RunnerRemote, Remote: &component.RemoteRunner{Endpoint: "http://ipcheck.internal"}},
		Inputs: []component.Port{
			{ID: "targets", Binding: component.BindingAction, Type: component.List(component.Primitive(component.PrimitiveText)), Required: true},
			{ID: "api_key", Binding: component.BindingCredential, Type: component.Primitive(component.PrimitiveSecret)},
		},
		AgentTool: &component.AgentTool{ToolName: "ip_check", Description: "Check IP reputation"},
	}
}

func TestRegisterComponentAndList(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	err := reg.RegisterComponent(ctx, ComponentRegistration{
		RunID:      "run-1",
		NodeID:     "node-a",
		Definition: agentDef(),
		Parameters: map[string]any{"depth": 2},
	})
	require.NoError(t, err)

	tools, err := reg.GetToolsForRun(ctx, "run-1", nil)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "ip_check", tools[0].ToolName)
	assert.Equal(t, KindComponent, tools[0].Kind)
	assert.Equal(t, StatusReady, tools[0].Status)
	assert.Nil(t, tools[0].Credentials)
	// The schema excludes the credential-bound port.
	props, _ := tools[0].InputSchema["properties"].(map[string]any)
	assert.Contains(t, props, "targets")
	assert.NotContains(t, props, "api_key")
}

func TestAllowedNodeFilter(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, node := range []string{"node-a", "node-b"} {
		require.NoError(t, reg.RegisterComponent(ctx, ComponentRegistration{
			RunID: "run-1", NodeID: node, Definition: agentDef(),
		}))
	}

	tools, err := reg.GetToolsForRun(ctx, "run-1", []string{"node-b"})
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "node-b", tools[0].NodeID)

	// Empty non-nil allowlist means no tools.
	tools, err = reg.GetToolsForRun(ctx, "run-1", []string{})
	require.NoError(t, err)
	assert.Empty(t, tools)
}

func TestCredentialsSealedAtRest(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.RegisterComponent(ctx, ComponentRegistration{
		RunID:       "run-1",
		NodeID:      "node-a",
		Definition:  agentDef(),
		Credentials: map[string]string{"api_key": "hunter2"},
	}))

	raw := mr.HGet("mcp:run:run-1:tools", "node-a")
	assert.NotContains(t, raw, "hunter2")

	creds, ok, err := reg.GetToolCredentials(ctx, "run-1", "node-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hunter2", creds["api_key"])
}

func TestGetToolCredentialsWrongKeyFails(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.RegisterComponent(ctx, ComponentRegistration{
		RunID:       "run-1",
		NodeID:      "node-a",
		Definition:  agentDef(),
		Credentials: map[string]string{"api_key": "hunter2"},
	}))

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	otherCipher, err := NewCipher("different-master-key")
	require.NoError(t, err)
	other, err := New(Options{Redis: rdb, Cipher: otherCipher})
	require.NoError(t, err)

	_, ok, err := other.GetToolCredentials(ctx, "run-1", "node-a")
	require.Error(t, err)
	assert.True(t, ok)
	assert.True(t, rferr.IsKind(err, rferr.KindConfiguration))
}

func TestRemoteLifecycle(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.RegisterRemote(ctx, RemoteRegistration{
		RunID:    "run-1",
		NodeID:   "node-r",
		ToolName: "shodan_search",
		Endpoint: "https://mcp.shodan.example",
	}))

	ready, err := reg.AreAllToolsReady(ctx, "run-1", []string{"node-r"})
	require.NoError(t, err)
	assert.False(t, ready)

	require.NoError(t, reg.MarkReady(ctx, "run-1", "node-r"))
	ready, err = reg.AreAllToolsReady(ctx, "run-1", []string{"node-r"})
	require.NoError(t, err)
	assert.True(t, ready)

	require.NoError(t, reg.MarkFailed(ctx, "run-1", "node-r", "handshake refused"))
	tool, err := reg.GetTool(ctx, "run-1", "node-r")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, tool.Status)
	assert.Equal(t, "handshake refused", tool.FailReason)
}

func TestCleanupRunReturnsContainers(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.RegisterLocal(ctx, LocalRegistration{
		RunID:       "run-1",
		NodeID:      "node-l",
		ToolName:    "nmap",
		Endpoint:    "http://127.0.0.1:39211/mcp",
		ContainerID: "c0ffee",
	}))
	require.NoError(t, reg.RegisterComponent(ctx, ComponentRegistration{
		RunID: "run-1", NodeID: "node-a", Definition: agentDef(),
	}))

	containers, err := reg.CleanupRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c0ffee"}, containers)
	assert.False(t, mr.Exists("mcp:run:run-1:tools"))
}

func TestLoadMissingToolIsNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.GetTool(context.Background(), "run-x", "node-x")
	require.Error(t, err)
	assert.True(t, rferr.IsKind(err, rferr.KindNotFound))
}
