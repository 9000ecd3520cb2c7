// Package mcp publishes the workflow tool registry to external MCP clients.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ricmars/visualization-sub001/internal/checkpoint"
	"github.com/ricmars/visualization-sub001/internal/tools"
)

// Logger is the logging surface used by the MCP server.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type Server struct {
	mcpServer   *server.MCPServer
	registry    *tools.Registry
	checkpoints *checkpoint.Manager
	log         Logger
}

// NewServer exposes every tool of registry. Mutating calls run in a
// single-operation checkpoint tagged with the mcp origin.
func NewServer(registry *tools.Registry, checkpoints *checkpoint.Manager, version string, log Logger) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Workflow Builder",
			version,
			server.WithToolCapabilities(true),
		),
		registry:    registry,
		checkpoints: checkpoints,
		log:         log,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	for _, d := range s.registry.Definitions() {
		tool := mcp.NewToolWithRawSchema(d.Name, d.Description, d.Parameters)
		tool.Annotations.ReadOnlyHint = boolPtr(d.ReadOnly)
		tool.Annotations.DestructiveHint = boolPtr(!d.ReadOnly)
		s.mcpServer.AddTool(tool, s.handler(d))
	}
}

func boolPtr(b bool) *bool { return &b }

func (s *Server) handler(d *tools.Definition) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := json.RawMessage("{}")
		if request.Params.Arguments != nil {
			data, err := json.Marshal(request.Params.Arguments)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Invalid arguments: %v", err)), nil
			}
			args = data
		}

		var res *tools.Result
		var err error
		if d.ReadOnly {
			res, err = s.registry.Execute(ctx, d.Name, args)
		} else {
			err = s.checkpoints.RunSingle(ctx, targetOf(args), d.Name, checkpoint.OriginMCP, func(ctx context.Context) error {
				var xerr error
				res, xerr = s.registry.Execute(ctx, d.Name, args)
				return xerr
			})
		}
		if err != nil {
			s.log.Warn("mcp tool call failed", "tool", d.Name, "error", err)
			return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", d.Name, err)), nil
		}
		s.log.Debug("mcp tool call", "tool", d.Name, "summary", res.Summary)

		text := res.Summary
		if res.Payload != nil {
			jsonBytes, err := json.Marshal(res.Payload)
			if err == nil {
				text += "\n" + string(jsonBytes)
			}
		}
		return mcp.NewToolResultText(text), nil
	}
}

// targetOf returns the case a call operates on, or zero for calls that
// create one.
func targetOf(args json.RawMessage) int64 {
	var p struct {
		CaseID int64 `json:"caseId"`
	}
	_ = json.Unmarshal(args, &p)
	return p.CaseID
}

// MountHTTPHandlers serves the SSE transport under /mcp.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
