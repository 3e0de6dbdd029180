package tools

import (
	"context"
	"fmt"

	"deskpilot/internal/fault"
	"deskpilot/internal/perception"
	"deskpilot/internal/toolcache"
)

// Screen tool names. ToolScreenAnalyzer is also the name of a cache tag
// invalidated by input actions; ToolScreenCapture is not a tag name.
const (
	ToolScreenCapture  = "screen_capture"
	ToolScreenAnalyzer = "screen_analyzer"
)

// NewScreenAnalyzer wraps a ScreenBackend as a cacheable observation
// tool: capture, then answer the "query" argument about the frame.
// Results carry the perception tags so any input action drops them.
func NewScreenAnalyzer(screen perception.ScreenBackend) *Tool {
	return &Tool{
		Name:        ToolScreenAnalyzer,
		Description: "Capture the screen and answer a question about it",
		Cacheable:   true,
		CacheTags:   []string{toolcache.TagScreen, toolcache.TagScreenAnalyzer},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return nil, fault.New(fault.ToolFailure, "screen_analyzer requires a query").NotRetryable()
			}
			img, err := screen.Capture(ctx)
			if err != nil {
				return nil, fault.Wrap(fault.PerceptionFailure, err)
			}
			text, err := screen.Analyze(ctx, img, query)
			if err != nil {
				return nil, fault.Wrap(fault.PerceptionFailure, err)
			}
			return text, nil
		},
	}
}

// NewScreenCapture wraps the raw capture as a cacheable tool. The value
// is the opaque image; consumers that need pixels go here instead of
// re-capturing.
func NewScreenCapture(screen perception.ScreenBackend) *Tool {
	return &Tool{
		Name:        ToolScreenCapture,
		Description: "Capture the current screen",
		Cacheable:   true,
		CacheTags:   []string{toolcache.TagScreen},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			img, err := screen.Capture(ctx)
			if err != nil {
				return nil, fault.Wrap(fault.PerceptionFailure, err)
			}
			if len(img.Data) == 0 {
				return nil, fault.New(fault.PerceptionFailure, "capture returned empty frame")
			}
			return img, nil
		},
	}
}

// DescribeArgs renders tool arguments for logs.
func DescribeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	return fmt.Sprintf("%v", args)
}
