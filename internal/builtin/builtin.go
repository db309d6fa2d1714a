// Package builtin is the capability server every agent can host for its
// peers.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ageniuscoder/corelink/internal/capability"
	"github.com/ageniuscoder/corelink/internal/clock"
)

const StatusURI = "agent://status"

// StatusFunc reports whatever the host wants peers to see under StatusURI.
type StatusFunc func() any

func New(serverID string, clk clock.Clock, status StatusFunc) *capability.Provider {
	if clk == nil {
		clk = clock.System{}
	}
	p := capability.NewProvider(serverID)

	p.AddTool(capability.Tool{
		Name:        "echo",
		Description: "Returns its text argument unchanged.",
		Parameters:  map[string]capability.Parameter{"text": {Type: "string", Description: "text to echo"}},
	}, func(_ context.Context, args map[string]any) (capability.ToolResult, error) {
		text, ok := args["text"].(string)
		if !ok {
			return capability.ToolResult{
				Content: []capability.Content{capability.TextContent("text must be a string")},
				IsError: true,
			}, nil
		}
		return capability.ToolResult{Content: []capability.Content{capability.TextContent(text)}}, nil
	})

	p.AddTool(capability.Tool{
		Name:        "clock",
		Description: "Current time on the host, optionally in an IANA zone.",
		Parameters:  map[string]capability.Parameter{"zone": {Type: "string", Description: "IANA time zone"}},
	}, func(_ context.Context, args map[string]any) (capability.ToolResult, error) {
		now := clk.Now()
		if zone, _ := args["zone"].(string); zone != "" {
			loc, err := time.LoadLocation(zone)
			if err != nil {
				return capability.ToolResult{
					Content: []capability.Content{capability.TextContent("unknown zone " + zone)},
					IsError: true,
				}, nil
			}
			now = now.In(loc)
		}
		return capability.ToolResult{Content: []capability.Content{capability.TextContent(now.Format(time.RFC3339))}}, nil
	})

	p.AddResource(capability.Resource{
		URI:         StatusURI,
		Name:        "status",
		Description: "Connection and queue state of the hosting agent.",
		MimeType:    "application/json",
	}, func(_ context.Context, uri string) (capability.ResourceContents, error) {
		var v any = struct{}{}
		if status != nil {
			v = status()
		}
		b, err := json.Marshal(v)
		if err != nil {
			return capability.ResourceContents{}, fmt.Errorf("encode status: %w", err)
		}
		return capability.ResourceContents{URI: uri, MimeType: "application/json", Text: string(b)}, nil
	})

	p.AddPrompt(capability.Prompt{
		Name:        "summarize",
		Description: "Asks for a summary of the given text.",
		Arguments: []capability.PromptArgument{
			{Name: "text", Description: "text to summarize", Required: true},
			{Name: "style", Description: "bullets or prose"},
		},
	}, func(_ context.Context, args map[string]string) (capability.PromptResult, error) {
		style := strings.ToLower(args["style"])
		if style == "" {
			style = "prose"
		}
		return capability.PromptResult{
			Description: "summary request",
			Messages: []capability.PromptMessage{{
				Role:    "user",
				Content: capability.TextContent(fmt.Sprintf("Summarize the following as %s:\n\n%s", style, args["text"])),
			}},
		}, nil
	})
	return p
}
