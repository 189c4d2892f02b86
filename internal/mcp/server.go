// Package mcp exposes the orchestrator's operational diagnostics as MCP
// tools so support agents can inspect and remediate tenant flows.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"migrateiq/backend/internal/flow"
	"migrateiq/backend/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	svc       *flow.Service
	resolver  *flow.Resolver
	sweeper   *flow.Sweeper
}

func NewServer(svc *flow.Service, resolver *flow.Resolver, sweeper *flow.Sweeper) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"MigrateIQ Flow Operations",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		svc:      svc,
		resolver: resolver,
		sweeper:  sweeper,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_flow_status",
			mcp.WithDescription("Fetch a flow's master record and child projection"),
			mcp.WithString("client_account_id", mcp.Required(), mcp.Description("Tenant client account")),
			mcp.WithString("engagement_id", mcp.Required(), mcp.Description("Tenant engagement")),
			mcp.WithString("flow_id", mcp.Required(), mcp.Description("The flow to inspect")),
		),
		s.handleGetFlowStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"analyze_stuck_flows",
			mcp.WithDescription("Report flows idle past a threshold with their error history"),
			mcp.WithString("client_account_id", mcp.Required(), mcp.Description("Tenant client account")),
			mcp.WithString("engagement_id", mcp.Required(), mcp.Description("Tenant engagement")),
			mcp.WithNumber("hours_threshold", mcp.Description("Idle threshold in hours, default 6")),
		),
		s.handleAnalyzeStuckFlows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"check_blocking_flows",
			mcp.WithDescription("Check whether a new flow of a type would be blocked"),
			mcp.WithString("client_account_id", mcp.Required(), mcp.Description("Tenant client account")),
			mcp.WithString("engagement_id", mcp.Required(), mcp.Description("Tenant engagement")),
			mcp.WithString("flow_type", mcp.Required(), mcp.Description("Flow type to check, e.g. discovery")),
		),
		s.handleCheckBlockingFlows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"sweep_stale_flows",
			mcp.WithDescription("Complete flows idle past a threshold; dry_run lists candidates only"),
			mcp.WithString("client_account_id", mcp.Required(), mcp.Description("Tenant client account")),
			mcp.WithString("engagement_id", mcp.Required(), mcp.Description("Tenant engagement")),
			mcp.WithNumber("hours_threshold", mcp.Description("Idle threshold in hours, default 6")),
			mcp.WithBoolean("dry_run", mcp.Description("Report candidates without mutating")),
		),
		s.handleSweepStaleFlows,
	)
}

// toolTenant builds the tenant scope every tool call operates under. The
// acting user is recorded as the ops surface itself.
func toolTenant(args map[string]interface{}) (models.TenantContext, bool) {
	account, _ := args["client_account_id"].(string)
	engagement, _ := args["engagement_id"].(string)
	tenant := models.TenantContext{
		ClientAccountID: account,
		EngagementID:    engagement,
		UserID:          "mcp-ops",
	}
	return tenant, tenant.Complete()
}

func toolArgs(request mcp.CallToolRequest) (map[string]interface{}, bool) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	return args, ok
}

func (s *Server) handleGetFlowStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := toolArgs(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	tenant, ok := toolTenant(args)
	if !ok {
		return mcp.NewToolResultError("Missing required parameters: client_account_id, engagement_id"), nil
	}
	flowID, ok := args["flow_id"].(string)
	if !ok || flowID == "" {
		return mcp.NewToolResultError("Missing required parameter: flow_id"), nil
	}

	master, child, err := s.svc.GetFlow(ctx, tenant, flowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch flow: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(map[string]any{"master": master, "child": child})
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleAnalyzeStuckFlows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := toolArgs(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	tenant, ok := toolTenant(args)
	if !ok {
		return mcp.NewToolResultError("Missing required parameters: client_account_id, engagement_id"), nil
	}

	hours := 6
	if raw, ok := args["hours_threshold"].(float64); ok && raw > 0 {
		hours = int(raw)
	}

	reports, err := s.sweeper.AnalyzeStuckFlows(ctx, tenant, hours)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to analyze flows: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(map[string]any{"stuck_flows": reports, "count": len(reports)})
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleCheckBlockingFlows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := toolArgs(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	tenant, ok := toolTenant(args)
	if !ok {
		return mcp.NewToolResultError("Missing required parameters: client_account_id, engagement_id"), nil
	}
	flowType, ok := args["flow_type"].(string)
	if !ok || flowType == "" {
		return mcp.NewToolResultError("Missing required parameter: flow_type"), nil
	}

	blocking, err := s.resolver.GetBlockingFlows(ctx, tenant, models.FlowType(flowType))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check blocking flows: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(map[string]any{"blocking_flows": blocking, "blocked": len(blocking) > 0})
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleSweepStaleFlows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := toolArgs(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}
	tenant, ok := toolTenant(args)
	if !ok {
		return mcp.NewToolResultError("Missing required parameters: client_account_id, engagement_id"), nil
	}

	hours := 6
	if raw, ok := args["hours_threshold"].(float64); ok && raw > 0 {
		hours = int(raw)
	}
	dryRun, _ := args["dry_run"].(bool)

	result, err := s.sweeper.Sweep(ctx, tenant, hours, dryRun)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to sweep flows: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
