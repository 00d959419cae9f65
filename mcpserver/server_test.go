package mcpserver

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wasmic/wasmic/config"
	"github.com/wasmic/wasmic/engine"
	"github.com/wasmic/wasmic/invoker"
	"github.com/wasmic/wasmic/resolver"
	"github.com/wasmic/wasmic/schema"
	"github.com/wasmic/wasmic/wasm"
)

func componentBinary(wit string) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, wasm.Magic)
	binary.Write(&buf, binary.LittleEndian, wasm.Version)

	var body bytes.Buffer
	wasm.WriteLEB128u(&body, uint32(len(resolver.SectionWIT)))
	body.WriteString(resolver.SectionWIT)
	body.WriteString(wit)

	buf.WriteByte(wasm.SectionCustom)
	wasm.WriteLEB128u(&buf, uint32(body.Len()))
	buf.Write(body.Bytes())
	return buf.Bytes()
}

type fakeSandbox struct {
	handler func(fn *schema.Function, args []any) (any, error)
}

func (s *fakeSandbox) Call(ctx context.Context, fn *schema.Function, args []any) (any, error) {
	return s.handler(fn, args)
}

func (s *fakeSandbox) Faulted() bool               { return false }
func (s *fakeSandbox) Close(context.Context) error { return nil }

type fakeRuntime struct {
	handler func(fn *schema.Function, args []any) (any, error)
}

func (r *fakeRuntime) Compile(ctx context.Context, art *resolver.Artifact) (invoker.Module, error) {
	return fakeModule{r}, nil
}

type fakeModule struct{ runtime *fakeRuntime }

func (m fakeModule) Instantiate(ctx context.Context, cfg engine.SandboxConfig) (invoker.Sandbox, error) {
	return &fakeSandbox{handler: m.runtime.handler}, nil
}

func (m fakeModule) Close(context.Context) error { return nil }

// newSession stands up a server over a single-component profile and
// connects an in-memory client to it.
func newSession(t *testing.T, wit string, handler func(fn *schema.Function, args []any) (any, error)) *mcp.ClientSession {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "comp.wasm")
	if err := os.WriteFile(path, componentBinary(wit), 0o644); err != nil {
		t.Fatal(err)
	}

	profile := &config.Profile{
		Components: map[string]config.Component{
			"comp": {Path: path, Description: "test component"},
		},
		Prompts: []config.Prompt{
			{Name: "greeting", Description: "a canned prompt", Content: "say hello"},
		},
	}
	res := resolver.New(filepath.Join(dir, "cache"), nil)
	inv := invoker.New(profile, res, &fakeRuntime{handler: handler})

	ctx := context.Background()
	srv, err := New(ctx, inv, profile, "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverSession, err := srv.server.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func TestToolName(t *testing.T) {
	if got := toolName("comp", "fetch-page"); got != "comp_fetch_page" {
		t.Fatalf("toolName = %q", got)
	}
}

func TestListTools(t *testing.T) {
	session := newSession(t, `export add: func(a: s32, b: s32) -> s32;`,
		func(*schema.Function, []any) (any, error) { return nil, nil })

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(res.Tools) != 1 {
		t.Fatalf("got %d tools, want 1", len(res.Tools))
	}
	tool := res.Tools[0]
	if tool.Name != "comp_add" {
		t.Fatalf("tool name = %q", tool.Name)
	}
	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"a"`, `"b"`, `"integer"`} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("input schema %s missing %s", raw, want)
		}
	}
}

func TestCallTool(t *testing.T) {
	session := newSession(t, `export add: func(a: s32, b: s32) -> s32;`,
		func(fn *schema.Function, args []any) (any, error) {
			return args[0].(int32) + args[1].(int32), nil
		})

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "comp_add",
		Arguments: map[string]any{"a": 2, "b": 40},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %v", res.Content)
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content type %T", res.Content[0])
	}
	if strings.TrimSpace(text.Text) != "42" {
		t.Fatalf("result text = %q", text.Text)
	}
}

func TestCallToolValidationError(t *testing.T) {
	session := newSession(t, `export add: func(a: s32, b: s32) -> s32;`,
		func(*schema.Function, []any) (any, error) { return int32(0), nil })

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "comp_add",
		Arguments: map[string]any{"a": 1},
	})
	// Depending on where the schema check fires the failure surfaces
	// either as a protocol error or as an IsError result. Both must
	// name the missing field.
	if err != nil {
		if !strings.Contains(err.Error(), "b") {
			t.Fatalf("error %q does not name the missing field", err)
		}
		return
	}
	if !res.IsError {
		t.Fatal("expected a failure for a missing argument")
	}
	text := res.Content[0].(*mcp.TextContent)
	if !strings.Contains(text.Text, "b") {
		t.Fatalf("error text %q does not name the missing field", text.Text)
	}
}

func TestCallToolVoidResult(t *testing.T) {
	session := newSession(t, `export ping: func();`,
		func(*schema.Function, []any) (any, error) { return nil, nil })

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name: "comp_ping",
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %v", res.Content)
	}
	text := res.Content[0].(*mcp.TextContent)
	if !strings.Contains(text.Text, "ok") {
		t.Fatalf("void result text = %q", text.Text)
	}
}

func TestGetPrompt(t *testing.T) {
	session := newSession(t, `export f: func();`,
		func(*schema.Function, []any) (any, error) { return nil, nil })

	res, err := session.GetPrompt(context.Background(), &mcp.GetPromptParams{Name: "greeting"})
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(res.Messages))
	}
	text := res.Messages[0].Content.(*mcp.TextContent)
	if text.Text != "say hello" {
		t.Fatalf("prompt content = %q", text.Text)
	}
}

func TestDecodeArgumentsPreservesPrecision(t *testing.T) {
	args, err := decodeArguments(json.RawMessage(`{"n": 9007199254740993}`))
	if err != nil {
		t.Fatal(err)
	}
	num, ok := args["n"].(json.Number)
	if !ok {
		t.Fatalf("argument type %T, want json.Number", args["n"])
	}
	if num.String() != "9007199254740993" {
		t.Fatalf("number = %s", num)
	}
}

func TestDecodeArgumentsEmpty(t *testing.T) {
	args, err := decodeArguments(nil)
	if err != nil {
		t.Fatal(err)
	}
	if args != nil {
		t.Fatalf("args = %v, want nil", args)
	}
}
