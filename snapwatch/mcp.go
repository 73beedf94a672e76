package snapwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/snapstory/snapwatch/internal/prefs"
	"github.com/hazyhaar/snapstory/snapwatch/internal/protocol"
	"github.com/hazyhaar/snapstory/snapwatch/media"
)

// RegisterMCP registers the snapstory tools on an MCP server.
func (w *Watcher) RegisterMCP(srv *mcp.Server) {
	pageProp := map[string]any{"type": "string", "description": "Observed page ID (see snapstory_pages)"}

	addTool(srv, &mcp.Tool{
		Name:        "snapstory_pages",
		Description: "List the pages being observed with their media counts.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, func(context.Context, json.RawMessage) (any, error) {
		return map[string]any{"pages": w.Pages()}, nil
	})

	addTool(srv, &mcp.Tool{
		Name:        "snapstory_list_media",
		Description: "List the media discovered on a page, in discovery order.",
		InputSchema: inputSchema(map[string]any{"page_id": pageProp}, []string{"page_id"}),
	}, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req pageArgs
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return callPage[struct{}, protocol.MediaListResponse](ctx, w, req.PageID, protocol.VerbGetMediaList, struct{}{})
	})

	addTool(srv, &mcp.Tool{
		Name:        "snapstory_download_all",
		Description: "Download every media item discovered on a page. Reports successful, failed and total counts.",
		InputSchema: inputSchema(map[string]any{"page_id": pageProp}, []string{"page_id"}),
	}, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req pageArgs
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return callPage[struct{}, protocol.BulkResult](ctx, w, req.PageID, protocol.VerbDownloadAll, struct{}{})
	})

	addTool(srv, &mcp.Tool{
		Name:        "snapstory_download",
		Description: "Download one media item of a page by its URL.",
		InputSchema: inputSchema(map[string]any{
			"page_id":  pageProp,
			"url":      map[string]any{"type": "string", "description": "Media URL as listed by snapstory_list_media"},
			"filename": map[string]any{"type": "string", "description": "Optional file name override"},
		}, []string{"page_id", "url"}),
	}, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req struct {
			pageArgs
			URL      string `json:"url"`
			Filename string `json:"filename"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		list, err := callPage[struct{}, protocol.MediaListResponse](ctx, w, req.PageID, protocol.VerbGetMediaList, struct{}{})
		if err != nil {
			return nil, err
		}
		item := media.Record{Locator: req.URL}
		for _, rec := range list.Media {
			if rec.Locator == req.URL {
				item = rec
				break
			}
		}
		if req.Filename != "" {
			item.SuggestedName = req.Filename
		}
		return callPage[protocol.DownloadSingleRequest, protocol.Ack](ctx, w, req.PageID,
			protocol.VerbDownloadSingle, protocol.DownloadSingleRequest{MediaItem: &item})
	})

	addTool(srv, &mcp.Tool{
		Name:        "snapstory_refresh",
		Description: "Rescan a page now and return its media count.",
		InputSchema: inputSchema(map[string]any{"page_id": pageProp}, []string{"page_id"}),
	}, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req pageArgs
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return callPage[struct{}, protocol.CountResponse](ctx, w, req.PageID, protocol.VerbRefreshScan, struct{}{})
	})

	addTool(srv, &mcp.Tool{
		Name:        "snapstory_settings",
		Description: "Read the download preferences, or update them when any field is given.",
		InputSchema: inputSchema(map[string]any{
			"autoDownload":           map[string]any{"type": "boolean"},
			"downloadPath":           map[string]any{"type": "string"},
			"maxConcurrentDownloads": map[string]any{"type": "integer", "minimum": 1},
		}, nil),
	}, func(ctx context.Context, args json.RawMessage) (any, error) {
		var patch prefs.Patch
		if err := decodeArgs(args, &patch); err != nil {
			return nil, err
		}
		if !patch.Empty() {
			if err := w.SaveSettings(ctx, patch); err != nil {
				return nil, err
			}
		}
		s, err := w.Settings(ctx)
		if err != nil {
			return nil, err
		}
		return protocol.SettingsResponse{Settings: s}, nil
	})
}

type pageArgs struct {
	PageID string `json:"page_id"`
}

func callPage[Req, Resp any](ctx context.Context, w *Watcher, pageID, verb string, req Req) (Resp, error) {
	var zero Resp
	if pageID == "" {
		return zero, &media.ValidationError{Field: "page_id", Reason: "required"}
	}
	c, err := w.caller(pageID)
	if err != nil {
		return zero, err
	}
	return protocol.Send[Req, Resp](ctx, c, verb, req)
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func addTool(srv *mcp.Server, tool *mcp.Tool, fn func(ctx context.Context, args json.RawMessage) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := fn(ctx, req.Params.Arguments)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}
