package mcpscout_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/verdantlabs/mcpscout"
)

func newPipeSession(t *testing.T, cfg testServerConfig) *mcpscout.Session {
	t.Helper()

	reader, writer := newPipeServer(t, cfg)
	tr := mcpscout.NewPipeTransport(reader, writer, quickTransportOptions()...)
	endpoint := mcpscout.Endpoint{
		Kind:    mcpscout.TransportStdio,
		Command: "test-server",
		Via:     mcpscout.SourceEnv,
	}

	sess := mcpscout.NewSession(endpoint, tr, nil)
	t.Cleanup(func() {
		_ = sess.Close(context.Background())
	})
	return sess
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSessionConnect(t *testing.T) {
	sess := newPipeSession(t, testServerConfig{serverName: "everything"})
	ctx := testContext(t)

	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if sess.ServerInfo().Name != "everything" {
		t.Errorf("want server name everything, got %q", sess.ServerInfo().Name)
	}
	if !sess.Healthy(ctx) {
		t.Error("want healthy session after connect")
	}
}

func TestSessionConnectVersionMismatch(t *testing.T) {
	sess := newPipeSession(t, testServerConfig{
		serverName:      "old-server",
		protocolVersion: "2024-06-01",
	})

	if err := sess.Connect(testContext(t)); err == nil {
		t.Fatal("want protocol version mismatch error")
	}
}

func TestSessionOperationsBeforeConnect(t *testing.T) {
	sess := newPipeSession(t, testServerConfig{serverName: "everything"})
	ctx := testContext(t)

	if _, err := sess.ListTools(ctx); err == nil {
		t.Error("want error from listing before connect")
	}
	if _, err := sess.CallTool(ctx, mcpscout.CallToolParams{Name: "x"}); err == nil {
		t.Error("want error from calling before connect")
	}
	if sess.Healthy(ctx) {
		t.Error("want unhealthy session before connect")
	}
}

func TestSessionListToolsPagination(t *testing.T) {
	tools := []mcpscout.Tool{
		{Name: "alpha"}, {Name: "beta"}, {Name: "gamma"}, {Name: "delta"}, {Name: "epsilon"},
	}
	sess := newPipeSession(t, testServerConfig{
		serverName: "paged",
		tools:      tools,
		pageSize:   2,
	})
	ctx := testContext(t)

	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	got, err := sess.ListTools(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != len(tools) {
		t.Fatalf("want %d tools across pages, got %d", len(tools), len(got))
	}
	for i, tool := range tools {
		if got[i].Name != tool.Name {
			t.Errorf("tool %d: want %q, got %q", i, tool.Name, got[i].Name)
		}
	}
}

func TestSessionCallTool(t *testing.T) {
	sess := newPipeSession(t, testServerConfig{
		serverName: "caller",
		tools:      []mcpscout.Tool{{Name: "read_file"}},
	})
	ctx := testContext(t)

	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	result, err := sess.CallTool(ctx, mcpscout.CallToolParams{
		Name:      "read_file",
		Arguments: json.RawMessage(`{"path":"/tmp/x"}`),
	})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if len(result.Content) == 0 {
		t.Error("want content in tool result")
	}
}

func TestSessionCapabilityGating(t *testing.T) {
	// Server advertises tools only.
	sess := newPipeSession(t, testServerConfig{
		serverName: "tools-only",
		tools:      []mcpscout.Tool{{Name: "read_file"}},
	})
	ctx := testContext(t)

	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if _, err := sess.ReadResource(ctx, mcpscout.ReadResourceParams{URI: "file:///x"}); err == nil {
		t.Error("want error reading resources from a tools-only server")
	}
	if _, err := sess.GetPrompt(ctx, mcpscout.GetPromptParams{Name: "p"}); err == nil {
		t.Error("want error getting prompts from a tools-only server")
	}
}

func TestSessionCapabilities(t *testing.T) {
	sess := newPipeSession(t, testServerConfig{
		serverName: "everything",
		tools:      []mcpscout.Tool{{Name: "read_file", Description: "Read a file"}},
		resources:  []mcpscout.Resource{{URI: "file:///readme", Name: "readme"}},
		prompts:    []mcpscout.Prompt{{Name: "summarize"}},
	})
	ctx := testContext(t)

	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	entry, err := sess.Capabilities(ctx)
	if err != nil {
		t.Fatalf("capabilities failed: %v", err)
	}
	if entry.ServerInfo.Name != "everything" {
		t.Errorf("want server info carried into entry, got %+v", entry.ServerInfo)
	}
	if len(entry.Tools) != 1 || len(entry.Resources) != 1 || len(entry.Prompts) != 1 {
		t.Errorf("unexpected capability counts: %d tools, %d resources, %d prompts",
			len(entry.Tools), len(entry.Resources), len(entry.Prompts))
	}
	if caps := entry.Capabilities(); len(caps) != 3 {
		t.Errorf("want 3 flattened capabilities, got %d", len(caps))
	}
}
