// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the Mimir memory tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/mimir/internal/apperr"
	"github.com/starford/mimir/internal/index"
	"github.com/starford/mimir/internal/workspace"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 50

	formatURI = "mimir://workspace-format"
)

// Server wraps the MCP server with Mimir tools.
type Server struct {
	mcp    *server.MCPServer
	ws     *workspace.Workspace
	db     index.Store
	ix     *index.Indexer
	logger *slog.Logger
}

// New creates a new MCP server with all tools registered. Files written through
// the server are indexed immediately with ix.
func New(ws *workspace.Workspace, db index.Store, ix *index.Indexer, logger *slog.Logger) *Server {
	s := &Server{ws: ws, db: db, ix: ix, logger: logger}

	s.mcp = server.NewMCPServer(
		"Mimir",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_memory",
		mcp.WithDescription("Keyword search over the workspace: MEMORY.md, daily logs and notes. "+
			"Returns the best matching chunks with their file and line range."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search terms")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 10, max 50)")),
	), s.searchMemory)

	s.mcp.AddTool(mcp.NewTool("read_file",
		mcp.WithDescription("Read a Markdown file from the workspace."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Workspace-relative path (e.g. memory/2026-05-04.md)")),
	), s.readFile)

	s.mcp.AddTool(mcp.NewTool("append_daily_log",
		mcp.WithDescription("Append a timestamped entry to today's daily log. "+
			"Use it to record facts worth remembering. Read the format via the "+formatURI+" resource."),
		mcp.WithString("heading", mcp.Required(), mcp.Description("Short subject of the entry")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Markdown body")),
	), s.appendDailyLog)

	s.mcp.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List the tasks in HEARTBEAT.md with their status."),
	), s.listTasks)

	s.mcp.AddTool(mcp.NewTool("index_stats",
		mcp.WithDescription("Report how many files and chunks are indexed."),
	), s.indexStats)

	s.mcp.AddResource(
		mcp.NewResource(formatURI, "Workspace Format",
			mcp.WithResourceDescription("Layout of MEMORY.md, daily logs and HEARTBEAT.md."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) searchMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := req.GetInt("limit", defaultSearchLimit)
	if limit <= 0 || limit > maxSearchLimit {
		limit = defaultSearchLimit
	}

	results, err := s.db.Search(ctx, query, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText("no results"), nil
	}
	return jsonResult(results)
}

func (s *Server) readFile(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := s.ws.ReadFile(path)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return mcp.NewToolResultError(fmt.Sprintf("not found: %s", path)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) appendDailyLog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	heading, err := req.RequireString("heading")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	path, err := s.ws.AppendDailyLog(heading, content)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if s.ix != nil {
		if _, err := s.ix.IndexFile(ctx, path); err != nil {
			s.logger.Warn("mcp: index daily log failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	return mcp.NewToolResultText(fmt.Sprintf("appended: %s", path)), nil
}

func (s *Server) listTasks(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := s.ws.ReadTasks()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(doc.Tasks) == 0 {
		return mcp.NewToolResultText("no tasks"), nil
	}
	return jsonResult(doc.Tasks)
}

func (s *Server) indexStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.db.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(st)
}

func (s *Server) readFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      formatURI,
			MIMEType: "text/markdown",
			Text:     WorkspaceFormat,
		},
	}, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}
