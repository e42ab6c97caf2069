package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Capability names served by NewCapabilityServer
const (
	ToolEcho      = "echo"
	ToolFail      = "fail"
	ToolSlow      = "slow"
	ToolWhoAmI    = "whoami"
	PromptGreet   = "greet"
	ResourceDoc   = "file:///data/readme.txt"
	ResourceFiles = "file:///data/{name}"
)

// CapabilityServer is an in-process MCP server exposing one of every capability kind
type CapabilityServer struct {
	*server.MCPServer
	calls atomic.Int64
}

// Calls returns the number of tool calls served
func (s *CapabilityServer) Calls() int64 {
	return s.calls.Load()
}

// NewCapabilityServer builds the fixture server. Tool results are prefixed with name so
// tests can tell which server answered.
//
//   - echo {msg}: returns "<name>:<msg>"
//   - fail: reports a tool error
//   - slow {delay_ms}: sleeps, honoring cancellation
//   - whoami: returns the Authorization header of the HTTP request
//   - greet prompt {who}
//   - file:///data/readme.txt and the file:///data/{name} template
func NewCapabilityServer(name string) *CapabilityServer {
	srv := server.NewMCPServer(name, "1.0.0",
		server.WithToolCapabilities(true),
		server.WithPromptCapabilities(true),
		server.WithResourceCapabilities(false, true),
	)
	cs := &CapabilityServer{MCPServer: srv}

	srv.AddTool(mcp.NewTool(ToolEcho,
		mcp.WithDescription("Echo a message"),
		mcp.WithString("msg", mcp.Required(), mcp.Description("Message to echo")),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cs.calls.Add(1)
		msg, err := req.RequireString("msg")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(name + ":" + msg), nil
	})

	srv.AddTool(mcp.NewTool(ToolFail,
		mcp.WithDescription("Always fails"),
	), func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cs.calls.Add(1)
		return mcp.NewToolResultError("boom"), nil
	})

	srv.AddTool(mcp.NewTool(ToolSlow,
		mcp.WithDescription("Sleeps before answering"),
		mcp.WithNumber("delay_ms", mcp.Description("Delay in milliseconds")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cs.calls.Add(1)
		delay := time.Duration(req.GetInt("delay_ms", 1000)) * time.Millisecond
		select {
		case <-time.After(delay):
			return mcp.NewToolResultText("done"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	srv.AddTool(mcp.NewTool(ToolWhoAmI,
		mcp.WithDescription("Reports the Authorization header"),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cs.calls.Add(1)
		auth := ""
		if req.Header != nil {
			auth = req.Header.Get("Authorization")
		}
		return mcp.NewToolResultText(auth), nil
	})

	srv.AddPrompt(mcp.NewPrompt(PromptGreet,
		mcp.WithPromptDescription("Greets someone"),
		mcp.WithArgument("who", mcp.RequiredArgument()),
	), func(_ context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		who := req.Params.Arguments["who"]
		return mcp.NewGetPromptResult("greeting", []mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(fmt.Sprintf("Hello, %s", who))),
		}), nil
	})

	srv.AddResource(mcp.NewResource(ResourceDoc, "readme",
		mcp.WithResourceDescription("Project readme"),
		mcp.WithMIMEType("text/plain"),
	), func(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "text/plain", Text: "readme"},
		}, nil
	})

	srv.AddResourceTemplate(mcp.NewResourceTemplate(ResourceFiles, "files",
		mcp.WithTemplateDescription("Files under /data"),
	), func(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/plain",
				Text:     "contents of " + strings.TrimPrefix(req.Params.URI, "file:///data/"),
			},
		}, nil
	})

	return cs
}

// ToolText returns the first text content of a tool result
func ToolText(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	for _, c := range result.Content {
		if text, ok := mcp.AsTextContent(c); ok {
			return text.Text
		}
	}
	return ""
}
