package mcp

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/telemetry"
	"github.com/reconflow/reconflow/toolregistry"
)

type (
	// RunResolver locates run execution metadata for the gateway. The HTTP
	// layer backs it with the run store.
	RunResolver interface {
		ResolveRun(ctx context.Context, runID string) (RunInfo, error)
	}

	// ExternalCaller forwards calls for remote and local tools to their MCP
	// endpoints.
	ExternalCaller interface {
		CallExternalTool(ctx context.Context, tool toolregistry.Tool, args map[string]any) (CallToolResult, error)
	}

	// GatewayOptions configure the gateway.
	GatewayOptions struct {
		Registry   *toolregistry.Registry
		Dispatcher *Dispatcher
		External   ExternalCaller
		Resolver   RunResolver
		Logger     telemetry.Logger
	}

	// Gateway materializes per-run virtual servers from the tool registry.
	// Servers are cached by run id and allowlist so concurrent agent sessions
	// against the same run share one tool surface.
	Gateway struct {
		registry   *toolregistry.Registry
		dispatcher *Dispatcher
		external   ExternalCaller
		resolver   RunResolver
		logger     telemetry.Logger

		mu      sync.Mutex
		servers map[string]*Server
	}
)

// NewGateway builds a gateway.
func NewGateway(opts GatewayOptions) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Gateway{
		registry:   opts.Registry,
		dispatcher: opts.Dispatcher,
		external:   opts.External,
		resolver:   opts.Resolver,
		logger:     logger,
		servers:    make(map[string]*Server),
	}
}

// ServerForRun returns the virtual server for a run, creating and populating
// it on first use. A nil allowedNodeIDs exposes every registered tool; a
// non-nil slice restricts the surface to those nodes. The organization check
// runs on every call, not only on cache misses.
func (g *Gateway) ServerForRun(ctx context.Context, orgID, runID string, allowedNodeIDs []string) (*Server, error) {
	info, err := g.resolver.ResolveRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if orgID != "" && info.OrganizationID != orgID {
		return nil, rferr.New(rferr.KindAuthorization, "run belongs to another organization").
			WithField("runId", runID)
	}

	key := serverCacheKey(runID, allowedNodeIDs)
	g.mu.Lock()
	srv, ok := g.servers[key]
	if !ok {
		srv = NewServer("reconflow-run-" + runID)
		g.servers[key] = srv
	}
	g.mu.Unlock()
	if ok {
		return srv, nil
	}
	if err := g.populate(ctx, srv, info, allowedNodeIDs); err != nil {
		g.mu.Lock()
		delete(g.servers, key)
		g.mu.Unlock()
		return nil, err
	}
	return srv, nil
}

// RefreshServersForRun re-announces the run's current tools on every cached
// server for that run. AddTool idempotency makes repeated refreshes converge;
// tools outside a server's allowlist stay hidden from it.
func (g *Gateway) RefreshServersForRun(ctx context.Context, runID string) error {
	info, err := g.resolver.ResolveRun(ctx, runID)
	if err != nil {
		return err
	}
	g.mu.Lock()
	targets := make(map[string]*Server)
	prefix := runID
	for key, srv := range g.servers {
		if key == prefix || strings.HasPrefix(key, prefix+"|") {
			targets[key] = srv
		}
	}
	g.mu.Unlock()
	for key, srv := range targets {
		if err := g.populate(ctx, srv, info, allowlistFromKey(key)); err != nil {
			return err
		}
	}
	return nil
}

// DropRun evicts every cached server for a finished run.
func (g *Gateway) DropRun(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.servers {
		if key == runID || strings.HasPrefix(key, runID+"|") {
			delete(g.servers, key)
		}
	}
}

func (g *Gateway) populate(ctx context.Context, srv *Server, info RunInfo, allowedNodeIDs []string) error {
	tools, err := g.registry.GetToolsForRun(ctx, info.RunID, allowedNodeIDs)
	if err != nil {
		return err
	}
	for _, tool := range tools {
		if tool.Status != toolregistry.StatusReady {
			continue
		}
		srv.AddTool(Tool{
			Name:        tool.ToolName,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}, g.handlerFor(info, tool))
	}
	return nil
}

func (g *Gateway) handlerFor(info RunInfo, tool toolregistry.Tool) ToolHandler {
	switch tool.Kind {
	case toolregistry.KindComponent:
		return func(ctx context.Context, args map[string]any) (CallToolResult, error) {
			return g.dispatcher.CallComponentTool(ctx, info, tool, args)
		}
	default:
		return func(ctx context.Context, args map[string]any) (CallToolResult, error) {
			if g.external == nil {
				return ErrorResult("external tools are not enabled"), nil
			}
			return g.external.CallExternalTool(ctx, tool, args)
		}
	}
}

// serverCacheKey is runId alone for the unrestricted server, or runId plus the
// sorted allowlist. Node ids are escaped so neither separator can be forged by
// an id containing it.
func serverCacheKey(runID string, allowedNodeIDs []string) string {
	if allowedNodeIDs == nil {
		return runID
	}
	ids := make([]string, len(allowedNodeIDs))
	for i, id := range allowedNodeIDs {
		ids[i] = escapeNodeID(id)
	}
	sort.Strings(ids)
	return runID + "|" + strings.Join(ids, ",")
}

func allowlistFromKey(key string) []string {
	idx := strings.IndexByte(key, '|')
	if idx < 0 {
		return nil
	}
	parts := strings.Split(key[idx+1:], ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		ids = append(ids, unescapeNodeID(p))
	}
	if ids == nil {
		ids = []string{}
	}
	return ids
}

func escapeNodeID(id string) string {
	id = strings.ReplaceAll(id, "%", "%25")
	id = strings.ReplaceAll(id, ",", "%2C")
	return strings.ReplaceAll(id, "|", "%7C")
}

func unescapeNodeID(id string) string {
	id = strings.ReplaceAll(id, "%7C", "|")
	id = strings.ReplaceAll(id, "%2C", ",")
	return strings.ReplaceAll(id, "%25", "%")
}
