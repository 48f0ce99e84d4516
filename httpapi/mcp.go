package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/session"
	"github.com/reconflow/reconflow/toolregistry"
)

const headerAllowedTools = "x-allowed-tools"

// maxMessageBytes caps posted MCP messages.
const maxMessageBytes = 1 << 20

type (
	generateTokenRequest struct {
		RunID          string   `json:"runId"`
		OrganizationID string   `json:"organizationId,omitempty"`
		AllowedNodeIDs []string `json:"allowedNodeIds,omitempty"`
	}

	registerComponentRequest struct {
		RunID       string            `json:"runId"`
		NodeID      string            `json:"nodeId"`
		ComponentID string            `json:"componentId"`
		Parameters  map[string]any    `json:"parameters,omitempty"`
		Credentials map[string]string `json:"credentials,omitempty"`
	}

	registerRemoteRequest struct {
		RunID       string            `json:"runId"`
		NodeID      string            `json:"nodeId"`
		ToolName    string            `json:"toolName"`
		Description string            `json:"description,omitempty"`
		InputSchema map[string]any    `json:"inputSchema,omitempty"`
		Endpoint    string            `json:"endpoint"`
		Credentials map[string]string `json:"credentials,omitempty"`
	}

	registerLocalRequest struct {
		RunID       string         `json:"runId"`
		NodeID      string         `json:"nodeId"`
		ToolName    string         `json:"toolName"`
		Description string         `json:"description,omitempty"`
		InputSchema map[string]any `json:"inputSchema,omitempty"`
		Endpoint    string         `json:"endpoint"`
		ContainerID string         `json:"containerId,omitempty"`
	}

	runScopedRequest struct {
		RunID   string   `json:"runId"`
		NodeIDs []string `json:"nodeIds,omitempty"`
	}
)

// mcpSSE opens an agent session. The bearer token is a gateway session token;
// the session's allowlist, optionally narrowed by x-allowed-tools, decides
// which tools the virtual server announces.
func (s *Server) mcpSSE(c echo.Context) error {
	sess, err := s.gatewaySession(c)
	if err != nil {
		return err
	}
	allowed := sess.AllowedNodeIDs
	if header := c.Request().Header.Get(headerAllowedTools); header != "" {
		allowed = narrowAllowlist(allowed, splitHeaderList(header))
	}
	srv, err := s.gateway.ServerForRun(c.Request().Context(), sess.OrganizationID, sess.RunID, allowed)
	if err != nil {
		return err
	}
	return s.hub.ServeStream(c.Response(), c.Request(), srv, "/mcp/messages")
}

// mcpMessages accepts one JSON-RPC message for a live SSE session. The
// response travels back on the session's stream.
func (s *Server) mcpMessages(c echo.Context) error {
	sessionID := c.QueryParam("sessionId")
	if sessionID == "" {
		return rferr.New(rferr.KindValidation, "sessionId is required")
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxMessageBytes))
	if err != nil {
		return rferr.Wrap(rferr.KindValidation, err, "read message")
	}
	if err := s.hub.PostMessage(c.Request().Context(), sessionID, raw); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) gatewaySession(c echo.Context) (session.Session, error) {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	bearer, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || bearer == "" {
		return session.Session{}, rferr.New(rferr.KindAuthentication, "session token required")
	}
	return s.sessions.Validate(c.Request().Context(), bearer)
}

func (s *Server) internalGenerateToken(c echo.Context) error {
	var req generateTokenRequest
	if err := c.Bind(&req); err != nil {
		return rferr.Wrap(rferr.KindValidation, err, "decode token request")
	}
	token, err := s.sessions.Mint(c.Request().Context(), session.Session{
		RunID:          req.RunID,
		OrganizationID: req.OrganizationID,
		AllowedNodeIDs: req.AllowedNodeIDs,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"token": token})
}

func (s *Server) internalRegisterComponent(c echo.Context) error {
	var req registerComponentRequest
	if err := c.Bind(&req); err != nil {
		return rferr.Wrap(rferr.KindValidation, err, "decode registration")
	}
	def, ok := s.components.Get(req.ComponentID)
	if !ok {
		return rferr.Newf(rferr.KindValidation, "unknown component %q", req.ComponentID).
			WithField("componentId", req.ComponentID)
	}
	ctx := c.Request().Context()
	if err := s.registry.RegisterComponent(ctx, toolregistry.ComponentRegistration{
		RunID:       req.RunID,
		NodeID:      req.NodeID,
		Definition:  def,
		Parameters:  req.Parameters,
		Credentials: req.Credentials,
	}); err != nil {
		return err
	}
	return s.afterRegistration(c, req.RunID)
}

func (s *Server) internalRegisterRemote(c echo.Context) error {
	var req registerRemoteRequest
	if err := c.Bind(&req); err != nil {
		return rferr.Wrap(rferr.KindValidation, err, "decode registration")
	}
	ctx := c.Request().Context()
	if err := s.registry.RegisterRemote(ctx, toolregistry.RemoteRegistration{
		RunID:       req.RunID,
		NodeID:      req.NodeID,
		ToolName:    req.ToolName,
		Description: req.Description,
		InputSchema: req.InputSchema,
		Endpoint:    req.Endpoint,
		Credentials: req.Credentials,
	}); err != nil {
		return err
	}
	return s.afterRegistration(c, req.RunID)
}

func (s *Server) internalRegisterLocal(c echo.Context) error {
	var req registerLocalRequest
	if err := c.Bind(&req); err != nil {
		return rferr.Wrap(rferr.KindValidation, err, "decode registration")
	}
	ctx := c.Request().Context()
	if err := s.registry.RegisterLocal(ctx, toolregistry.LocalRegistration{
		RunID:       req.RunID,
		NodeID:      req.NodeID,
		ToolName:    req.ToolName,
		Description: req.Description,
		InputSchema: req.InputSchema,
		Endpoint:    req.Endpoint,
		ContainerID: req.ContainerID,
	}); err != nil {
		return err
	}
	return s.afterRegistration(c, req.RunID)
}

func (s *Server) afterRegistration(c echo.Context, runID string) error {
	ctx := c.Request().Context()
	if err := s.gateway.RefreshServersForRun(ctx, runID); err != nil {
		s.logger.Warn(ctx, "server refresh failed", "run_id", runID, "err", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) internalCleanup(c echo.Context) error {
	var req runScopedRequest
	if err := c.Bind(&req); err != nil {
		return rferr.Wrap(rferr.KindValidation, err, "decode cleanup request")
	}
	containers, err := s.registry.CleanupRun(c.Request().Context(), req.RunID)
	if err != nil {
		return err
	}
	s.gateway.DropRun(req.RunID)
	return c.JSON(http.StatusOK, map[string]any{"containers": containers})
}

func (s *Server) internalToolsReady(c echo.Context) error {
	var req runScopedRequest
	if err := c.Bind(&req); err != nil {
		return rferr.Wrap(rferr.KindValidation, err, "decode readiness request")
	}
	ready, err := s.registry.AreAllToolsReady(c.Request().Context(), req.RunID, req.NodeIDs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"ready": ready})
}

func splitHeaderList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// narrowAllowlist intersects the session allowlist with the request filter. A
// nil session list means the session may see everything, so the filter alone
// applies.
func narrowAllowlist(sessionList, filter []string) []string {
	if sessionList == nil {
		return filter
	}
	allowed := make(map[string]bool, len(sessionList))
	for _, id := range sessionList {
		allowed[id] = true
	}
	out := make([]string, 0, len(filter))
	for _, id := range filter {
		if allowed[id] {
			out = append(out, id)
		}
	}
	return out
}
