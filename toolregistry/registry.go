// Package toolregistry tracks, per run, the tools an agent may call through
// the MCP gateway. Records live in a Redis hash keyed by run id with one field
// per workflow node, so cleanup of a finished run is a single key delete.
// Credentials are sealed with AES-GCM before they touch Redis and are only
// opened on demand at dispatch time.
package toolregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reconflow/reconflow/component"
	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/telemetry"
)

// ToolKind discriminates where a registered tool executes.
type ToolKind string

const (
	// KindComponent tools dispatch into a paused workflow run.
	KindComponent ToolKind = "component"
	// KindRemote tools proxy to an external MCP server over HTTP.
	KindRemote ToolKind = "remote"
	// KindLocal tools proxy to a run-scoped container exposing MCP.
	KindLocal ToolKind = "local"
)

// ToolStatus tracks readiness of a registered tool.
type ToolStatus string

const (
	StatusPending ToolStatus = "pending"
	StatusReady   ToolStatus = "ready"
	StatusFailed  ToolStatus = "failed"
)

type (
	// Tool is one registered tool record. Credentials holds the sealed
	// envelope and never round-trips through API responses.
	Tool struct {
		RunID       string         `json:"runId"`
		NodeID      string         `json:"nodeId"`
		ToolName    string         `json:"toolName"`
		Kind        ToolKind       `json:"kind"`
		Status      ToolStatus     `json:"status"`
		ComponentID string         `json:"componentId,omitempty"`
		Description string         `json:"description,omitempty"`
		InputSchema map[string]any `json:"inputSchema,omitempty"`
		// Parameters are the operator-fixed values agents may not override
		// unless the component exposes them.
		Parameters map[string]any `json:"parameters,omitempty"`
		// Endpoint is the MCP endpoint for remote and local tools.
		Endpoint string `json:"endpoint,omitempty"`
		// ContainerID names the run-scoped container backing a local tool.
		ContainerID string `json:"containerId,omitempty"`
		Credentials []byte `json:"credentials,omitempty"`
		FailReason  string `json:"failReason,omitempty"`
		CreatedAt   time.Time `json:"createdAt"`
	}

	// ComponentRegistration registers a workflow node as an agent tool.
	ComponentRegistration struct {
		RunID       string
		NodeID      string
		Definition  *component.Definition
		Parameters  map[string]any
		Credentials map[string]string
	}

	// RemoteRegistration registers an external MCP server's tool.
	RemoteRegistration struct {
		RunID       string
		NodeID      string
		ToolName    string
		Description string
		InputSchema map[string]any
		Endpoint    string
		Credentials map[string]string
	}

	// LocalRegistration registers a tool served from a run-scoped container.
	LocalRegistration struct {
		RunID       string
		NodeID      string
		ToolName    string
		Description string
		InputSchema map[string]any
		Endpoint    string
		ContainerID string
	}

	// Registry is the Redis-backed tool registry.
	Registry struct {
		rdb    *redis.Client
		cipher *Cipher
		ttl    time.Duration
		logger telemetry.Logger
	}

	// Options configure the registry.
	Options struct {
		Redis  *redis.Client
		Cipher *Cipher
		// TTL bounds how long an orphaned run's records linger when cleanup
		// is missed. Defaults to 24h.
		TTL    time.Duration
		Logger telemetry.Logger
	}
)

// New builds a registry.
func New(opts Options) (*Registry, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Cipher == nil {
		return nil, errors.New("credential cipher is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Registry{rdb: opts.Redis, cipher: opts.Cipher, ttl: ttl, logger: logger}, nil
}

// RegisterComponent records a component-backed tool as ready. The tool name
// and schema come from the component's agent tool declaration.
func (r *Registry) RegisterComponent(ctx context.Context, reg ComponentRegistration) error {
	def := reg.Definition
	if def == nil || def.AgentTool == nil {
		return rferr.New(rferr.KindValidation, "component does not declare an agent tool").
			WithField("nodeId", reg.NodeID)
	}
	tool := Tool{
		RunID:       reg.RunID,
		NodeID:      reg.NodeID,
		ToolName:    def.AgentTool.ToolName,
		Kind:        KindComponent,
		Status:      StatusReady,
		ComponentID: def.ID,
		Description: def.AgentTool.Description,
		InputSchema: def.InputJSONSchema(),
		Parameters:  reg.Parameters,
		CreatedAt:   time.Now().UTC(),
	}
	return r.put(ctx, tool, reg.Credentials)
}

// RegisterRemote records an external MCP tool. Remote tools start pending and
// flip to ready once the gateway's initialize handshake succeeds.
func (r *Registry) RegisterRemote(ctx context.Context, reg RemoteRegistration) error {
	tool := Tool{
		RunID:       reg.RunID,
		NodeID:      reg.NodeID,
		ToolName:    reg.ToolName,
		Kind:        KindRemote,
		Status:      StatusPending,
		Description: reg.Description,
		InputSchema: reg.InputSchema,
		Endpoint:    reg.Endpoint,
		CreatedAt:   time.Now().UTC(),
	}
	return r.put(ctx, tool, reg.Credentials)
}

// RegisterLocal records a container-backed tool as ready.
func (r *Registry) RegisterLocal(ctx context.Context, reg LocalRegistration) error {
	tool := Tool{
		RunID:       reg.RunID,
		NodeID:      reg.NodeID,
		ToolName:    reg.ToolName,
		Kind:        KindLocal,
		Status:      StatusReady,
		Description: reg.Description,
		InputSchema: reg.InputSchema,
		Endpoint:    reg.Endpoint,
		ContainerID: reg.ContainerID,
		CreatedAt:   time.Now().UTC(),
	}
	return r.put(ctx, tool, nil)
}

// MarkReady flips a pending tool to ready.
func (r *Registry) MarkReady(ctx context.Context, runID, nodeID string) error {
	return r.setStatus(ctx, runID, nodeID, StatusReady, "")
}

// MarkFailed records that a tool could not be made ready.
func (r *Registry) MarkFailed(ctx context.Context, runID, nodeID, reason string) error {
	return r.setStatus(ctx, runID, nodeID, StatusFailed, reason)
}

// GetToolsForRun returns the run's tools. A non-nil allowedNodeIDs restricts
// the result to those node ids; an empty non-nil slice yields no tools.
// Returned records never include credential material.
func (r *Registry) GetToolsForRun(ctx context.Context, runID string, allowedNodeIDs []string) ([]Tool, error) {
	fields, err := r.rdb.HGetAll(ctx, runKey(runID)).Result()
	if err != nil {
		return nil, rferr.Wrap(rferr.KindDependency, err, "read tool registry")
	}
	var allowed map[string]bool
	if allowedNodeIDs != nil {
		allowed = make(map[string]bool, len(allowedNodeIDs))
		for _, id := range allowedNodeIDs {
			allowed[id] = true
		}
	}
	tools := make([]Tool, 0, len(fields))
	for nodeID, raw := range fields {
		if allowed != nil && !allowed[nodeID] {
			continue
		}
		var t Tool
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode tool record %s/%s: %w", runID, nodeID, err)
		}
		t.Credentials = nil
		tools = append(tools, t)
	}
	return tools, nil
}

// GetTool returns one tool record without credential material.
func (r *Registry) GetTool(ctx context.Context, runID, nodeID string) (Tool, error) {
	t, err := r.load(ctx, runID, nodeID)
	if err != nil {
		return Tool{}, err
	}
	t.Credentials = nil
	return t, nil
}

// GetToolCredentials opens the tool's credential envelope. The second return
// reports whether credentials were registered at all. A decryption failure is
// returned as a configuration error: it means the master key changed under
// live records and must not be papered over.
func (r *Registry) GetToolCredentials(ctx context.Context, runID, nodeID string) (map[string]string, bool, error) {
	t, err := r.load(ctx, runID, nodeID)
	if err != nil {
		return nil, false, err
	}
	if len(t.Credentials) == 0 {
		return nil, false, nil
	}
	plaintext, err := r.cipher.Decrypt(t.Credentials)
	if err != nil {
		return nil, true, rferr.Wrap(rferr.KindConfiguration, err, "decrypt tool credentials").
			WithField("runId", runID).WithField("nodeId", nodeID)
	}
	var creds map[string]string
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, true, fmt.Errorf("decode tool credentials: %w", err)
	}
	return creds, true, nil
}

// AreAllToolsReady reports whether every one of the required node ids has a
// ready tool record.
func (r *Registry) AreAllToolsReady(ctx context.Context, runID string, requiredNodeIDs []string) (bool, error) {
	tools, err := r.GetToolsForRun(ctx, runID, requiredNodeIDs)
	if err != nil {
		return false, err
	}
	ready := make(map[string]bool, len(tools))
	for _, t := range tools {
		if t.Status == StatusReady {
			ready[t.NodeID] = true
		}
	}
	for _, id := range requiredNodeIDs {
		if !ready[id] {
			return false, nil
		}
	}
	return true, nil
}

// CleanupRun deletes the run's records and returns the container ids of its
// local tools so the caller can stop them.
func (r *Registry) CleanupRun(ctx context.Context, runID string) ([]string, error) {
	tools, err := r.GetToolsForRun(ctx, runID, nil)
	if err != nil {
		return nil, err
	}
	var containers []string
	for _, t := range tools {
		if t.ContainerID != "" {
			containers = append(containers, t.ContainerID)
		}
	}
	if err := r.rdb.Del(ctx, runKey(runID)).Err(); err != nil {
		return containers, rferr.Wrap(rferr.KindDependency, err, "delete tool registry key")
	}
	return containers, nil
}

func (r *Registry) put(ctx context.Context, tool Tool, creds map[string]string) error {
	if tool.RunID == "" || tool.NodeID == "" {
		return rferr.New(rferr.KindValidation, "tool registration requires run and node ids")
	}
	if tool.ToolName == "" {
		return rferr.New(rferr.KindValidation, "tool registration requires a tool name").
			WithField("nodeId", tool.NodeID)
	}
	if len(creds) > 0 {
		plaintext, err := json.Marshal(creds)
		if err != nil {
			return fmt.Errorf("encode tool credentials: %w", err)
		}
		sealed, err := r.cipher.Encrypt(plaintext)
		if err != nil {
			return err
		}
		tool.Credentials = sealed
	}
	raw, err := json.Marshal(tool)
	if err != nil {
		return fmt.Errorf("encode tool record: %w", err)
	}
	key := runKey(tool.RunID)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, tool.NodeID, raw)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return rferr.Wrap(rferr.KindDependency, err, "write tool registry")
	}
	return nil
}

func (r *Registry) setStatus(ctx context.Context, runID, nodeID string, status ToolStatus, reason string) error {
	t, err := r.load(ctx, runID, nodeID)
	if err != nil {
		return err
	}
	t.Status = status
	t.FailReason = reason
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode tool record: %w", err)
	}
	if err := r.rdb.HSet(ctx, runKey(runID), nodeID, raw).Err(); err != nil {
		return rferr.Wrap(rferr.KindDependency, err, "write tool registry")
	}
	return nil
}

func (r *Registry) load(ctx context.Context, runID, nodeID string) (Tool, error) {
	raw, err := r.rdb.HGet(ctx, runKey(runID), nodeID).Result()
	if errors.Is(err, redis.Nil) {
		return Tool{}, rferr.New(rferr.KindNotFound, "tool is not registered").
			WithField("runId", runID).WithField("nodeId", nodeID)
	}
	if err != nil {
		return Tool{}, rferr.Wrap(rferr.KindDependency, err, "read tool registry")
	}
	var t Tool
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Tool{}, fmt.Errorf("decode tool record %s/%s: %w", runID, nodeID, err)
	}
	return t, nil
}

func runKey(runID string) string {
	return "mcp:run:" + runID + ":tools"
}
