// CLAUDE:SUMMARY Registers the nfce MCP tools: capture (text, base64 image), scrape, list, get, report, clear.
package nfce

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/nfce/internal/store"
	"github.com/hazyhaar/nfce/kit"
)

// RegisterMCP registers the receipt tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerCaptureTextTool(srv)
	s.registerCaptureImageTool(srv)
	s.registerScrapeTool(srv)
	s.registerListTool(srv)
	s.registerGetTool(srv)
	s.registerReportTool(srv)
	s.registerClearTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

func (s *Service) tool(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	kit.RegisterMCPTool(srv, tool, kit.Logged(s.logger, tool.Name)(endpoint), decode)
}

// --- capture_text ---

type captureTextArgs struct {
	Text   string `json:"text"`
	Origin string `json:"origin,omitempty"`
}

func (s *Service) registerCaptureTextTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "nfce_capture_text",
		Description: "Register an NFC-e receipt from decoded QR text (the portal URL or any text holding the 44-digit access key).",
		InputSchema: inputSchema(map[string]any{
			"text":   map[string]any{"type": "string", "description": "Decoded QR payload"},
			"origin": map[string]any{"type": "string", "description": "Capture origin label (default mcp)"},
		}, []string{"text"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*captureTextArgs)
		return s.CaptureText(ctx, r.Text, r.Origin)
	}
	s.tool(srv, tool, endpoint, kit.DecodeArgs[captureTextArgs])
}

// --- capture_image ---

type captureImageArgs struct {
	Image  string `json:"image"`
	Origin string `json:"origin,omitempty"`
}

func (s *Service) registerCaptureImageTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "nfce_capture_image",
		Description: "Decode the QR code in a receipt photo and register its access key. Reports no_code, no_key, registered or already_known.",
		InputSchema: inputSchema(map[string]any{
			"image":  map[string]any{"type": "string", "description": "Base64-encoded PNG, JPEG, GIF or WebP image"},
			"origin": map[string]any{"type": "string", "description": "Capture origin label (default mcp)"},
		}, []string{"image"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*captureImageArgs)
		img, err := base64.StdEncoding.DecodeString(r.Image)
		if err != nil {
			return nil, fmt.Errorf("image is not base64: %w", err)
		}
		return s.Capture(ctx, img, r.Origin)
	}
	s.tool(srv, tool, endpoint, kit.DecodeArgs[captureImageArgs])
}

// --- scrape ---

type scrapeArgs struct {
	AccessKey string `json:"access_key,omitempty"`
}

func (s *Service) registerScrapeTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "nfce_scrape",
		Description: "Fetch receipt details from the issuer portal for every pending receipt, or re-scrape one access key.",
		InputSchema: inputSchema(map[string]any{
			"access_key": map[string]any{"type": "string", "description": "Re-scrape only this 44-digit key"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*scrapeArgs)
		if r.AccessKey != "" {
			return s.Rescrape(ctx, r.AccessKey)
		}
		report, err := s.ScrapePending(ctx)
		if err != nil && report == nil {
			return nil, err
		}
		return report, nil
	}
	s.tool(srv, tool, endpoint, kit.DecodeArgs[scrapeArgs])
}

// --- list ---

type listArgs struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

func (s *Service) registerListTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "nfce_list",
		Description: "List captured receipts, newest first, with their scraped totals.",
		InputSchema: inputSchema(map[string]any{
			"status": map[string]any{"type": "string", "enum": []any{"all", "pending", "scraped"}, "description": "Filter by scrape status"},
			"limit":  map[string]any{"type": "integer", "description": "Max rows (default 50)"},
			"offset": map[string]any{"type": "integer", "description": "Rows to skip"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*listArgs)
		return s.ListReceipts(ctx, store.ListFilter{Status: r.Status, Limit: r.Limit, Offset: r.Offset})
	}
	s.tool(srv, tool, endpoint, kit.DecodeArgs[listArgs])
}

// --- get ---

type getArgs struct {
	AccessKey string `json:"access_key"`
}

func (s *Service) registerGetTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "nfce_get",
		Description: "Get one receipt with its detail, line items and scrape log.",
		InputSchema: inputSchema(map[string]any{
			"access_key": map[string]any{"type": "string", "description": "44-digit access key"},
		}, []string{"access_key"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*getArgs)
		rec, err := s.GetReceipt(ctx, r.AccessKey)
		if err != nil {
			return nil, err
		}
		attempts, err := s.store.Attempts(ctx, r.AccessKey)
		if err != nil {
			return nil, err
		}
		return map[string]any{"receipt": rec, "attempts": attempts}, nil
	}
	s.tool(srv, tool, endpoint, kit.DecodeArgs[getArgs])
}

// --- report ---

type reportArgs struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Payment string `json:"payment,omitempty"`
}

func (s *Service) registerReportTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "nfce_report",
		Description: "Sales summary over scraped receipts: total, count, average ticket, per day, month and payment method, plus pipeline counters.",
		InputSchema: inputSchema(map[string]any{
			"from":    map[string]any{"type": "string", "description": "First sale day, yyyy-mm-dd"},
			"to":      map[string]any{"type": "string", "description": "Last sale day, yyyy-mm-dd"},
			"payment": map[string]any{"type": "string", "description": "Only this payment method"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*reportArgs)
		sum, err := s.Summary(ctx, store.SummaryFilter{From: r.From, To: r.To, Payment: r.Payment})
		if err != nil {
			return nil, err
		}
		stats, err := s.Stats(ctx)
		if err != nil {
			return nil, err
		}
		metrics, err := s.Metrics(ctx, nil)
		if err != nil {
			return nil, err
		}
		return map[string]any{"summary": sum, "stats": stats, "metrics": metrics}, nil
	}
	s.tool(srv, tool, endpoint, kit.DecodeArgs[reportArgs])
}

// --- clear ---

type clearArgs struct {
	Confirm bool `json:"confirm"`
}

func (s *Service) registerClearTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "nfce_clear",
		Description: "Delete every captured receipt, detail, line item and scrape log entry. Requires confirm=true.",
		InputSchema: inputSchema(map[string]any{
			"confirm": map[string]any{"type": "boolean", "description": "Must be true"},
		}, []string{"confirm"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		if !req.(*clearArgs).Confirm {
			return nil, errors.New("confirm must be true")
		}
		if err := s.ClearHistory(ctx); err != nil {
			return nil, err
		}
		return map[string]string{"status": "cleared"}, nil
	}
	s.tool(srv, tool, endpoint, kit.DecodeArgs[clearArgs])
}
