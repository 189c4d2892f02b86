// Package api contains the HTTP handlers for the flow orchestration service.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"migrateiq/backend/internal/auth"
	"migrateiq/backend/internal/flow"
	"migrateiq/backend/internal/services"
	"migrateiq/backend/pkg/models"
)

// Server holds the dependencies for the versioned API surface.
type Server struct {
	Svc      *flow.Service
	Resolver *flow.Resolver
	Sweeper  *flow.Sweeper
	Runner   *services.PhaseRunner
}

// NewServer creates a new Server.
func NewServer(svc *flow.Service, resolver *flow.Resolver, sweeper *flow.Sweeper, runner *services.PhaseRunner) *Server {
	return &Server{Svc: svc, Resolver: resolver, Sweeper: sweeper, Runner: runner}
}

// RegisterRoutes mounts the flow API under the given group.
func (s *Server) RegisterRoutes(g *echo.Group) {
	g.POST("/flows", s.CreateFlow)
	g.GET("/flows", s.ListFlows)
	g.GET("/flows/blocking", s.GetBlockingFlows)
	g.GET("/flows/stuck", s.AnalyzeStuckFlows)
	g.POST("/flows/manage", s.ManageFlows)
	g.POST("/flows/cleanup-stale", s.CleanupStale)
	g.GET("/flows/:id", s.GetFlow)
	g.DELETE("/flows/:id", s.DeleteFlow)
	g.POST("/flows/:id/advance", s.AdvancePhase)
	g.POST("/flows/:id/run", s.RunPhase)
	g.POST("/flows/:id/pause", s.PauseFlow)
	g.POST("/flows/:id/resume", s.ResumeFlow)
}

// FlowResponse pairs a master record with its child projection.
type FlowResponse struct {
	Master *models.MasterFlowRecord `json:"master"`
	Child  *models.ChildFlowRecord  `json:"child"`
}

// CreateFlowRequest is the body for flow creation.
type CreateFlowRequest struct {
	FlowType models.FlowType `json:"flow_type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// CreateFlow starts a new flow of the requested type.
// (POST /api/v1/flows)
func (s *Server) CreateFlow(c echo.Context) error {
	ctx := c.Request().Context()
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "tenant context not found")
	}

	var req CreateFlowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	master, child, err := s.Svc.CreateFlow(ctx, tenant, req.FlowType, req.Payload, models.TriggerFlowCreated)
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusCreated, FlowResponse{Master: master, Child: child})
}

// GetFlow returns one flow's master record and child projection.
// (GET /api/v1/flows/:id)
func (s *Server) GetFlow(c echo.Context) error {
	ctx := c.Request().Context()
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "tenant context not found")
	}

	master, child, err := s.Svc.GetFlow(ctx, tenant, c.Param("id"))
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, FlowResponse{Master: master, Child: child})
}

// ListFlows returns every flow belonging to the caller's tenant.
// (GET /api/v1/flows)
func (s *Server) ListFlows(c echo.Context) error {
	ctx := c.Request().Context()
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "tenant context not found")
	}

	flows, err := s.Svc.Store().ListFlows(ctx, tenant)
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, flows)
}

// AdvanceRequest is the body for a phase transition.
type AdvanceRequest struct {
	TargetPhase string `json:"target_phase"`
	Force       bool   `json:"force,omitempty"`
}

// AdvancePhase moves a flow to the requested phase. Forced moves require
// the admin scope.
// (POST /api/v1/flows/:id/advance)
func (s *Server) AdvancePhase(c echo.Context) error {
	ctx := c.Request().Context()
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "tenant context not found")
	}

	var req AdvanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.TargetPhase == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "target_phase is required")
	}

	trigger := models.TriggerAdminAction
	if req.Force {
		if !auth.HasScope(ctx, auth.ScopeFlowAdmin) {
			return echo.NewHTTPError(http.StatusForbidden, "forced transitions require the flow:admin scope")
		}
		trigger = models.TriggerForcedAdminOverride
	}

	result, err := s.Svc.AdvancePhase(ctx, tenant, c.Param("id"), req.TargetPhase, trigger, req.Force)
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// RunPhase executes the flow's current phase through the configured
// executor, retrying per policy, and advances on success.
// (POST /api/v1/flows/:id/run)
func (s *Server) RunPhase(c echo.Context) error {
	ctx := c.Request().Context()
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "tenant context not found")
	}

	result, err := s.Runner.RunCurrentPhase(ctx, tenant, c.Param("id"))
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// PauseFlow pauses a running flow if its current phase allows it.
// (POST /api/v1/flows/:id/pause)
func (s *Server) PauseFlow(c echo.Context) error {
	ctx := c.Request().Context()
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "tenant context not found")
	}
	if err := s.Svc.PauseFlow(ctx, tenant, c.Param("id")); err != nil {
		return problem(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ResumeFlow resumes a paused flow.
// (POST /api/v1/flows/:id/resume)
func (s *Server) ResumeFlow(c echo.Context) error {
	ctx := c.Request().Context()
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "tenant context not found")
	}
	if err := s.Svc.ResumeFlow(ctx, tenant, c.Param("id")); err != nil {
		return problem(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// DeleteRequest carries the audit reason for a deletion.
type DeleteRequest struct {
	Reason string `json:"reason"`
}

// DeleteFlow removes a flow after writing the audit record. Admin only.
// (DELETE /api/v1/flows/:id)
func (s *Server) DeleteFlow(c echo.Context) error {
	ctx := c.Request().Context()
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "tenant context not found")
	}
	if !auth.HasScope(ctx, auth.ScopeFlowAdmin) {
		return echo.NewHTTPError(http.StatusForbidden, "flow deletion requires the flow:admin scope")
	}

	// Body is optional on delete; keep whatever reason binds.
	var req DeleteRequest
	_ = c.Bind(&req)
	if req.Reason == "" {
		req.Reason = "deleted via API"
	}

	if err := s.Svc.DeleteFlow(ctx, tenant, c.Param("id"), req.Reason); err != nil {
		return problem(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// GetBlockingFlows reports flows of a type currently in a blocking phase.
// (GET /api/v1/flows/blocking?flow_type=discovery)
func (s *Server) GetBlockingFlows(c echo.Context) error {
	ctx := c.Request().Context()
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "tenant context not found")
	}

	flowType := models.FlowType(c.QueryParam("flow_type"))
	if flowType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "flow_type is required")
	}

	blocking, err := s.Resolver.GetBlockingFlows(ctx, tenant, flowType)
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"blocking_flows": blocking,
		"blocked":        len(blocking) > 0,
	})
}

// ManageFlows applies a remediation action to one or more flows. Admin only.
// (POST /api/v1/flows/manage)
func (s *Server) ManageFlows(c echo.Context) error {
	ctx := c.Request().Context()
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "tenant context not found")
	}
	if !auth.HasScope(ctx, auth.ScopeFlowAdmin) {
		return echo.NewHTTPError(http.StatusForbidden, "flow management requires the flow:admin scope")
	}

	var req flow.ManageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	result, err := s.Resolver.Manage(ctx, tenant, req)
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// CleanupRequest is the body for a stale-flow sweep.
type CleanupRequest struct {
	HoursThreshold int  `json:"hours_threshold"`
	DryRun         bool `json:"dry_run"`
}

// CleanupStale sweeps the tenant's stale flows. Admin only.
// (POST /api/v1/flows/cleanup-stale)
func (s *Server) CleanupStale(c echo.Context) error {
	ctx := c.Request().Context()
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "tenant context not found")
	}
	if !auth.HasScope(ctx, auth.ScopeFlowAdmin) {
		return echo.NewHTTPError(http.StatusForbidden, "stale cleanup requires the flow:admin scope")
	}

	var req CleanupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.HoursThreshold == 0 {
		req.HoursThreshold = 6
	}

	result, err := s.Sweeper.Sweep(ctx, tenant, req.HoursThreshold, req.DryRun)
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// AnalyzeStuckFlows reports flows idle past the threshold without mutating.
// (GET /api/v1/flows/stuck?hours_threshold=6)
func (s *Server) AnalyzeStuckFlows(c echo.Context) error {
	ctx := c.Request().Context()
	tenant, ok := auth.TenantFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "tenant context not found")
	}

	hours := 6
	if raw := c.QueryParam("hours_threshold"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "hours_threshold must be an integer")
		}
		hours = parsed
	}

	reports, err := s.Sweeper.AnalyzeStuckFlows(ctx, tenant, hours)
	if err != nil {
		return problem(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"stuck_flows": reports,
		"count":       len(reports),
	})
}

// problem converts an orchestrator error into an RFC 7807 response.
func problem(c echo.Context, err error) error {
	status := statusFor(err)
	return c.JSON(status, ProblemDetails{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: err.Error(),
	})
}
