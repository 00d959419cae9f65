package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/wasmic/wasmic/config"
	"github.com/wasmic/wasmic/invoker"
	"github.com/wasmic/wasmic/schema"
)

// ServerName identifies this implementation to MCP clients.
const ServerName = "wasmic"

// Server exposes a profile's component functions as MCP tools. Tool
// names join component and function with an underscore; argument and
// result schemas come straight from the component descriptors.
type Server struct {
	inv    *invoker.Invoker
	server *mcp.Server
	log    *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New builds an MCP server over an invoker. Every component in the
// profile is resolved up front so clients see the full tool list with
// real schemas; components that fail to resolve are skipped with a
// warning rather than sinking the whole server.
func New(ctx context.Context, inv *invoker.Invoker, profile *config.Profile, version string, opts ...Option) (*Server, error) {
	s := &Server{
		inv: inv,
		log: zap.NewNop(),
		server: mcp.NewServer(&mcp.Implementation{
			Name:    ServerName,
			Version: version,
		}, nil),
	}
	for _, opt := range opts {
		opt(s)
	}

	infos, failures := inv.List(ctx)
	for name, err := range failures {
		s.log.Warn("component unavailable, skipping its tools",
			zap.String("component", name), zap.Error(err))
	}

	registered := make(map[string]bool, len(infos))
	for _, info := range infos {
		name := toolName(info.Component, info.Function)
		if registered[name] {
			s.log.Warn("tool name collision, keeping first registration",
				zap.String("tool", name))
			continue
		}
		registered[name] = true
		s.addTool(name, info)
	}

	for _, prompt := range profile.Prompts {
		s.addPrompt(prompt)
	}

	s.log.Info("MCP server ready",
		zap.Int("tools", len(registered)),
		zap.Int("prompts", len(profile.Prompts)))
	return s, nil
}

// toolName flattens component.function into the MCP tool namespace.
func toolName(component, function string) string {
	return component + "_" + strings.ReplaceAll(function, "-", "_")
}

func (s *Server) addTool(name string, info invoker.FunctionInfo) {
	desc := info.Description
	if desc == "" {
		desc = fmt.Sprintf("Invoke %s from component %s", info.Function, info.Component)
	}

	out, wrapped := outputSchema(info.Signature)
	tool := &mcp.Tool{
		Name:         name,
		Description:  desc,
		InputSchema:  schema.DescribeInput(info.Signature),
		OutputSchema: out,
	}

	target := toolTarget{
		component: info.Component,
		function:  info.Function,
		wrapped:   wrapped,
		void:      voidResult(info.Signature),
	}
	s.server.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return s.call(ctx, target, req)
	})
}

// toolTarget carries the per-tool call shape captured at registration.
type toolTarget struct {
	component string
	function  string
	wrapped   bool
	void      bool
}

// voidResult reports whether a function produces no value on success.
func voidResult(fn *schema.Function) bool {
	if fn.Result == nil {
		return true
	}
	return fn.Result.Kind == schema.KindResult && fn.Result.OK == nil
}

// outputSchema adapts a function's result schema to the tool contract.
// Structured tool output must be a JSON object, so scalar and list
// results are wrapped under a "result" property.
func outputSchema(fn *schema.Function) (out map[string]any, wrapped bool) {
	out = schema.DescribeOutput(fn)
	if out["type"] == "object" {
		return out, false
	}
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"result": out},
		"required":   []string{"result"},
	}, true
}

func (s *Server) call(ctx context.Context, target toolTarget, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := decodeArguments(req.Params.Arguments)
	if err != nil {
		return toolError(fmt.Sprintf("malformed arguments: %v", err)), nil
	}

	res, err := s.inv.Invoke(ctx, invoker.Request{
		Component: target.component,
		Function:  target.function,
		Args:      args,
	})
	if err != nil {
		// Invocation failures are tool results, not protocol errors:
		// the client can read them and retry with fixed input.
		return toolError(err.Error()), nil
	}

	value := res.Value
	if value == nil && target.void {
		value = "ok"
	}
	text, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}

	structured := value
	if target.wrapped {
		structured = map[string]any{"result": value}
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: string(text)}},
		StructuredContent: structured,
	}, nil
}

// decodeArguments parses the raw JSON argument object, preserving
// integer precision with json.Number.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, err
	}
	return args, nil
}

func toolError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}

func (s *Server) addPrompt(p config.Prompt) {
	content := p.Content
	s.server.AddPrompt(&mcp.Prompt{
		Name:        p.Name,
		Description: p.Description,
	}, func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return &mcp.GetPromptResult{
			Messages: []*mcp.PromptMessage{{
				Role:    "user",
				Content: &mcp.TextContent{Text: content},
			}},
		}, nil
	})
}

// ServeStdio runs the server over stdin/stdout until ctx ends or the
// client disconnects.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.log.Info("serving MCP over stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Handler returns the streamable HTTP handler for mounting in an HTTP
// server.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil)
}

// ServeHTTP serves the streamable HTTP transport on addr until ctx is
// cancelled.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("serving MCP over HTTP", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
