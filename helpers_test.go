package mcpscout_test

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/verdantlabs/mcpscout"
)

// testServerConfig shapes the behavior of the fake servers used across the
// transport, session, pool, and scanner tests.
type testServerConfig struct {
	serverName string
	tools      []mcpscout.Tool
	resources  []mcpscout.Resource
	prompts    []mcpscout.Prompt

	// pageSize splits tools/list responses into cursor-linked pages when
	// greater than zero.
	pageSize int

	// protocolVersion overrides the negotiated version when non-empty.
	protocolVersion string

	// silent drops every request without answering.
	silent bool

	// slowResponses delays the first N responses by responseDelay, forcing
	// request timeouts and the reconnect path.
	slowResponses int
	responseDelay time.Duration
}

func (cfg testServerConfig) handle(msg mcpscout.JSONRPCMessage) *mcpscout.JSONRPCMessage {
	if cfg.silent {
		return nil
	}
	if msg.ID == "" {
		// Notification; nothing to answer.
		return nil
	}

	res := &mcpscout.JSONRPCMessage{
		JSONRPC: mcpscout.JSONRPCVersion,
		ID:      msg.ID,
	}

	switch msg.Method {
	case mcpscout.MethodInitialize:
		version := cfg.protocolVersion
		if version == "" {
			version = "2024-11-05"
		}
		capabilities := map[string]any{}
		if cfg.tools != nil {
			capabilities["tools"] = map[string]any{}
		}
		if cfg.resources != nil {
			capabilities["resources"] = map[string]any{}
		}
		if cfg.prompts != nil {
			capabilities["prompts"] = map[string]any{}
		}
		res.Result = mustMarshal(map[string]any{
			"protocolVersion": version,
			"capabilities":    capabilities,
			"serverInfo":      mcpscout.Info{Name: cfg.serverName, Version: "1.0.0"},
		})
	case mcpscout.MethodPing:
		res.Result = json.RawMessage("{}")
	case mcpscout.MethodToolsList:
		tools, next := cfg.page(msg.Params)
		result := mcpscout.ListToolsResult{Tools: tools, NextCursor: next}
		res.Result = mustMarshal(result)
	case mcpscout.MethodToolsCall:
		var params mcpscout.CallToolParams
		_ = json.Unmarshal(msg.Params, &params)
		res.Result = mustMarshal(mcpscout.CallToolResult{
			Content: []json.RawMessage{mustMarshal(map[string]string{
				"type": "text", "text": "called " + params.Name,
			})},
		})
	case mcpscout.MethodResourcesList:
		res.Result = mustMarshal(mcpscout.ListResourcesResult{Resources: cfg.resources})
	case mcpscout.MethodResourcesRead:
		var params mcpscout.ReadResourceParams
		_ = json.Unmarshal(msg.Params, &params)
		res.Result = mustMarshal(mcpscout.ReadResourceResult{
			Contents: []mcpscout.ResourceContents{{URI: params.URI, Text: "contents"}},
		})
	case mcpscout.MethodPromptsList:
		res.Result = mustMarshal(mcpscout.ListPromptsResult{Prompts: cfg.prompts})
	case mcpscout.MethodPromptsGet:
		var params mcpscout.GetPromptParams
		_ = json.Unmarshal(msg.Params, &params)
		res.Result = mustMarshal(mcpscout.GetPromptResult{
			Messages: []mcpscout.PromptMessage{{
				Role:    "user",
				Content: mustMarshal(map[string]string{"type": "text", "text": params.Name}),
			}},
		})
	default:
		notFound := mcpscout.MethodNotFoundResponse(msg.ID, msg.Method)
		return &notFound
	}

	return res
}

// page slices the configured tool list according to the cursor in params.
func (cfg testServerConfig) page(params json.RawMessage) ([]mcpscout.Tool, string) {
	if cfg.pageSize <= 0 || cfg.pageSize >= len(cfg.tools) {
		return cfg.tools, ""
	}

	start := 0
	if len(params) > 0 {
		var p struct {
			Cursor string `json:"cursor"`
		}
		if err := json.Unmarshal(params, &p); err == nil && p.Cursor != "" {
			_ = json.Unmarshal([]byte(p.Cursor), &start)
		}
	}

	end := start + cfg.pageSize
	if end >= len(cfg.tools) {
		return cfg.tools[start:], ""
	}
	next, _ := json.Marshal(end)
	return cfg.tools[start:end], string(next)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// newPipeServer starts a newline-framed fake server over in-memory pipes and
// returns the reader/writer pair for the client side. The server stops when
// the client-side writer is closed.
func newPipeServer(t *testing.T, cfg testServerConfig) (io.Reader, io.WriteCloser) {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	go func() {
		defer serverWriter.Close()

		var writeMu sync.Mutex
		var responded atomic.Int32
		scanner := bufio.NewScanner(serverReader)
		scanner.Buffer(make([]byte, 0, 1<<16), 1<<20)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var msg mcpscout.JSONRPCMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				continue
			}
			go func() {
				if cfg.responseDelay > 0 && int(responded.Add(1)) <= cfg.slowResponses {
					time.Sleep(cfg.responseDelay)
				}
				res := cfg.handle(msg)
				if res == nil {
					return
				}
				payload, err := json.Marshal(res)
				if err != nil {
					return
				}
				writeMu.Lock()
				defer writeMu.Unlock()
				_, _ = serverWriter.Write(append(payload, '\n'))
			}()
		}
	}()

	return clientReader, clientWriter
}

// newHTTPServer starts an httptest server speaking JSON-RPC over POST /mcp.
func newHTTPServer(t *testing.T, cfg testServerConfig) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc(mcpscout.RPCPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var msg mcpscout.JSONRPCMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		res := cfg.handle(msg)
		if res == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	})
	mux.HandleFunc(mcpscout.StreamPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// quickTransportOptions keep test failures fast.
func quickTransportOptions() []mcpscout.TransportOption {
	return []mcpscout.TransportOption{
		mcpscout.WithMaxRetries(1),
		mcpscout.WithBackoffBase(time.Millisecond),
		mcpscout.WithRequestTimeout(2 * time.Second),
	}
}
