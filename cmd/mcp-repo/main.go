// Binary mcp-repo is an MCP stdio server exposing the markdown files of a
// repository as searchable resources. Point the daemon at it through
// settings:
//
//	{"mcp_servers": {"repo": {"command": "mcp-repo", "args": ["-root", "/path/to/repo"]}}}
//
// and its tools appear in the catalog as mcp.repo.repo_search and
// mcp.repo.repo_read.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/nevindra/relay/mcpserver"
)

func main() {
	root := flag.String("root", os.Getenv("REPO_ROOT"), "repository root to index")
	flag.Parse()

	// The protocol owns stdout; diagnostics go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if *root == "" {
		logger.Error("repository root not set, pass -root or REPO_ROOT")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	idx, err := buildIndex(*root)
	if err != nil {
		logger.Error("index build failed", "root", *root, "error", err)
		os.Exit(1)
	}
	logger.Info("repository indexed", "root", *root, "files", len(idx.entries))

	srv := mcpserver.New("mcp-repo", "1.0.0", mcpserver.WithLogger(logger))
	for _, e := range idx.entries {
		srv.AddResource(mcpserver.Resource{
			URI:         e.uri,
			Name:        e.relPath,
			Description: "Repository file " + e.relPath,
			MimeType:    "text/markdown",
			Read:        e.read,
		})
	}

	srv.AddTool(mcpserver.Tool{
		Definition: mcpserver.ToolDefinition{
			Name:        "repo_search",
			Description: "Search repository markdown files by keyword. Returns ranked matches with file URIs and snippets.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Keywords to search for, case insensitive",
					},
				},
				"required": []string{"query"},
			},
		},
		Execute: searchHandler(idx),
	})
	srv.AddTool(mcpserver.Tool{
		Definition: mcpserver.ToolDefinition{
			Name:        "repo_read",
			Description: "Read one repository file by its path relative to the root.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Path relative to the repository root",
					},
				},
				"required": []string{"path"},
			},
		},
		Execute: readHandler(idx),
	})

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error("serve failed", "error", err)
		os.Exit(1)
	}
}

func searchHandler(idx *fileIndex) func(context.Context, json.RawMessage) mcpserver.ToolCallResult {
	return func(_ context.Context, args json.RawMessage) mcpserver.ToolCallResult {
		var params struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return mcpserver.ErrorResult("invalid args: " + err.Error())
		}
		if strings.TrimSpace(params.Query) == "" {
			return mcpserver.ErrorResult("query is required")
		}
		return mcpserver.TextResult(formatResults(params.Query, idx.search(params.Query)))
	}
}

func readHandler(idx *fileIndex) func(context.Context, json.RawMessage) mcpserver.ToolCallResult {
	return func(_ context.Context, args json.RawMessage) mcpserver.ToolCallResult {
		var params struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return mcpserver.ErrorResult("invalid args: " + err.Error())
		}
		entry, ok := idx.byPath(params.Path)
		if !ok {
			return mcpserver.ErrorResult(fmt.Sprintf("no such file: %q", params.Path))
		}
		text, err := entry.read()
		if err != nil {
			return mcpserver.ErrorResult("read failed: " + err.Error())
		}
		return mcpserver.TextResult(text)
	}
}
