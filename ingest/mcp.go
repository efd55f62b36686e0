package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/lexpipe/kit"
)

// RegisterMCP registers the read-only document tools on an MCP server.
// Tools run as the demo user; write operations stay HTTP-only.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	s.registerStatusTool(srv)
	s.registerClausesTool(srv)
	s.registerAnalysesTool(srv)
	s.registerQueueStatsTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (s *Server) mcpEnrich(ctx context.Context) context.Context {
	return kit.WithUserID(kit.WithTransport(ctx, "mcp"), s.DemoUserID)
}

type documentReq struct {
	DocumentID string `json:"document_id"`
}

func decodeDocumentReq(s *Server) func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r documentReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		if r.DocumentID == "" {
			return nil, fmt.Errorf("document_id is required")
		}
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: s.mcpEnrich}, nil
	}
}

var documentIDSchema = map[string]any{
	"document_id": map[string]any{"type": "string", "description": "Document id (doc_…)"},
}

func (s *Server) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "lexpipe_status",
		Description: "Get a document's pipeline status. Re-queues parsing when the document is stuck at uploaded.",
		InputSchema: inputSchema(documentIDSchema, []string{"document_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*documentReq)
		doc, healed, err := s.Gate.Status(ctx, r.DocumentID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, fmt.Errorf("document %s not found", r.DocumentID)
		}
		return map[string]any{"document": doc, "parse_requeued": healed}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeDocumentReq(s))
}

func (s *Server) registerClausesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "lexpipe_clauses",
		Description: "List the clauses extracted from a document.",
		InputSchema: inputSchema(documentIDSchema, []string{"document_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*documentReq)
		clauses, err := s.store().ListClauses(ctx, r.DocumentID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"document_id": r.DocumentID, "clauses": clauses}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeDocumentReq(s))
}

func (s *Server) registerAnalysesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "lexpipe_analyses",
		Description: "List the banding analyses for a document's clauses.",
		InputSchema: inputSchema(documentIDSchema, []string{"document_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*documentReq)
		analyses, err := s.store().ListAnalyses(ctx, r.DocumentID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"document_id": r.DocumentID, "analyses": analyses}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeDocumentReq(s))
}

func (s *Server) registerQueueStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "lexpipe_queue_stats",
		Description: "Job queue counts by status.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		counts, err := s.Gate.Queue.CountByStatus(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"jobs": counts}, nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{EnrichCtx: s.mcpEnrich}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
