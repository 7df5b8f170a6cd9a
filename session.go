package mcpscout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// engineInfo is the client identity presented during the initialize
// handshake.
var engineInfo = Info{Name: "mcpscout", Version: "0.1.0"}

// Session binds one Transport instance to one endpoint identity and exposes
// the protocol operations on top of it. Sessions are owned exclusively by the
// Pool; other components acquire and release them but never mutate one
// directly.
type Session struct {
	endpoint  Endpoint
	transport Transport
	logger    *slog.Logger

	initialized        bool
	serverInfo         Info
	serverCapabilities ServerCapabilities
}

// NewSession creates a session for endpoint over transport. The session is
// not usable until Connect succeeds.
func NewSession(endpoint Endpoint, transport Transport, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		endpoint:  endpoint,
		transport: transport,
		logger:    logger,
	}
}

// transportFor builds the transport variant matching the endpoint's kind.
func transportFor(endpoint Endpoint, options ...TransportOption) (Transport, error) {
	switch endpoint.Kind {
	case TransportStdio:
		if endpoint.Command == "" {
			return nil, newError(CategoryValidation, SeverityLow, "stdio endpoint has no command", nil)
		}
		return NewStdioTransport(endpoint.Command, endpoint.Args, options...), nil
	case TransportHTTP:
		if endpoint.URL == "" {
			return nil, newError(CategoryValidation, SeverityLow, "http endpoint has no URL", nil)
		}
		return NewHTTPTransport(endpoint.URL, nil, options...), nil
	case TransportWebSocket:
		if endpoint.URL == "" {
			return nil, newError(CategoryValidation, SeverityLow, "websocket endpoint has no URL", nil)
		}
		return NewWebSocketTransport(endpoint.URL, options...), nil
	default:
		return nil, newError(CategoryValidation, SeverityLow,
			fmt.Sprintf("unsupported transport kind: %s", endpoint.Kind), nil)
	}
}

// Endpoint returns the endpoint this session is bound to.
func (s *Session) Endpoint() Endpoint {
	return s.endpoint
}

// ServerInfo returns the identity the server reported during initialize.
func (s *Session) ServerInfo() Info {
	return s.serverInfo
}

// State reports the underlying transport's connection state.
func (s *Session) State() ConnState {
	return s.transport.State()
}

// Connect establishes the transport channel and performs the initialize
// handshake. It must succeed before any listing or call operation.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		return err
	}

	res, err := s.transport.SendRequest(ctx, MethodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      engineInfo,
	})
	if err != nil {
		return fmt.Errorf("failed to send initialize request: %w", err)
	}
	if res.Error != nil {
		return newError(CategoryProtocol, SeverityMedium,
			fmt.Sprintf("initialize rejected by %s", s.endpoint.ServerID()), res.Error)
	}

	var result initializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return newError(CategoryProtocol, SeverityMedium, "failed to unmarshal initialize result", err)
	}
	if result.ProtocolVersion != protocolVersion {
		return newError(CategoryProtocol, SeverityMedium,
			fmt.Sprintf("protocol version mismatch: %s != %s", result.ProtocolVersion, protocolVersion), nil)
	}

	s.serverInfo = result.ServerInfo
	s.serverCapabilities = result.Capabilities
	s.initialized = true

	// Completing the handshake requires acknowledging it; servers may defer
	// list availability until then.
	if err := s.transport.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsInitialized,
	}); err != nil {
		s.logger.Warn("failed to send initialized notification", "err", err)
	}

	return nil
}

// Healthy reports whether the session is connected and its endpoint answers
// a liveness probe.
func (s *Session) Healthy(ctx context.Context) bool {
	if !s.initialized || s.transport.State() != StateConnected {
		return false
	}
	return s.transport.HealthCheck(ctx) == nil
}

// ListTools retrieves the endpoint's full tool listing, following pagination
// cursors until exhausted.
func (s *Session) ListTools(ctx context.Context) ([]Tool, error) {
	if !s.initialized {
		return nil, errors.New("session not initialized")
	}

	var tools []Tool
	cursor := ""
	for {
		res, err := s.transport.SendRequest(ctx, MethodToolsList, listParams(cursor))
		if err != nil {
			return nil, err
		}
		if res.Error != nil {
			return nil, fmt.Errorf("result error: %w", res.Error)
		}

		var result ListToolsResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			return nil, err
		}
		tools = append(tools, result.Tools...)

		if result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}
}

// ListResources retrieves the endpoint's full resource listing, following
// pagination cursors until exhausted.
func (s *Session) ListResources(ctx context.Context) ([]Resource, error) {
	if !s.initialized {
		return nil, errors.New("session not initialized")
	}

	var resources []Resource
	cursor := ""
	for {
		res, err := s.transport.SendRequest(ctx, MethodResourcesList, listParams(cursor))
		if err != nil {
			return nil, err
		}
		if res.Error != nil {
			return nil, fmt.Errorf("result error: %w", res.Error)
		}

		var result ListResourcesResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			return nil, err
		}
		resources = append(resources, result.Resources...)

		if result.NextCursor == "" {
			return resources, nil
		}
		cursor = result.NextCursor
	}
}

// ListPrompts retrieves the endpoint's full prompt listing, following
// pagination cursors until exhausted.
func (s *Session) ListPrompts(ctx context.Context) ([]Prompt, error) {
	if !s.initialized {
		return nil, errors.New("session not initialized")
	}

	var prompts []Prompt
	cursor := ""
	for {
		res, err := s.transport.SendRequest(ctx, MethodPromptsList, listParams(cursor))
		if err != nil {
			return nil, err
		}
		if res.Error != nil {
			return nil, fmt.Errorf("result error: %w", res.Error)
		}

		var result ListPromptsResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			return nil, err
		}
		prompts = append(prompts, result.Prompts...)

		if result.NextCursor == "" {
			return prompts, nil
		}
		cursor = result.NextCursor
	}
}

// CallTool executes a specific tool on the endpoint and returns its result.
func (s *Session) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if !s.initialized {
		return CallToolResult{}, errors.New("session not initialized")
	}
	if s.serverCapabilities.Tools == nil {
		return CallToolResult{}, errors.New("tools not supported by server")
	}

	res, err := s.transport.SendRequest(ctx, MethodToolsCall, params)
	if err != nil {
		return CallToolResult{}, err
	}
	if res.Error != nil {
		return CallToolResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return CallToolResult{}, err
	}
	return result, nil
}

// ReadResource retrieves the contents of a specific resource by URI.
func (s *Session) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if !s.initialized {
		return ReadResourceResult{}, errors.New("session not initialized")
	}
	if s.serverCapabilities.Resources == nil {
		return ReadResourceResult{}, errors.New("resources not supported by server")
	}

	res, err := s.transport.SendRequest(ctx, MethodResourcesRead, params)
	if err != nil {
		return ReadResourceResult{}, err
	}
	if res.Error != nil {
		return ReadResourceResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ReadResourceResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ReadResourceResult{}, err
	}
	return result, nil
}

// GetPrompt retrieves a specific prompt rendered with the given arguments.
func (s *Session) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	if !s.initialized {
		return GetPromptResult{}, errors.New("session not initialized")
	}
	if s.serverCapabilities.Prompts == nil {
		return GetPromptResult{}, errors.New("prompts not supported by server")
	}

	res, err := s.transport.SendRequest(ctx, MethodPromptsGet, params)
	if err != nil {
		return GetPromptResult{}, err
	}
	if res.Error != nil {
		return GetPromptResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result GetPromptResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return GetPromptResult{}, err
	}
	return result, nil
}

// Capabilities issues the three list calls and assembles the endpoint's full
// capability set. Listing failures for an unsupported primitive family are
// tolerated; the family is simply empty.
func (s *Session) Capabilities(ctx context.Context) (ServerEntry, error) {
	if !s.initialized {
		return ServerEntry{}, errors.New("session not initialized")
	}

	entry := ServerEntry{
		Endpoint:   s.endpoint,
		ServerInfo: s.serverInfo,
	}

	if s.serverCapabilities.Tools != nil {
		tools, err := s.ListTools(ctx)
		if err != nil {
			return ServerEntry{}, fmt.Errorf("failed to list tools: %w", err)
		}
		entry.Tools = tools
	}
	if s.serverCapabilities.Resources != nil {
		resources, err := s.ListResources(ctx)
		if err != nil {
			return ServerEntry{}, fmt.Errorf("failed to list resources: %w", err)
		}
		entry.Resources = resources
	}
	if s.serverCapabilities.Prompts != nil {
		prompts, err := s.ListPrompts(ctx)
		if err != nil {
			return ServerEntry{}, fmt.Errorf("failed to list prompts: %w", err)
		}
		entry.Prompts = prompts
	}

	return entry, nil
}

// Close shuts the session's transport down.
func (s *Session) Close(ctx context.Context) error {
	s.initialized = false
	return s.transport.Close(ctx)
}

type listRequestParams struct {
	Cursor string `json:"cursor,omitempty"`
}

func listParams(cursor string) any {
	if cursor == "" {
		return nil
	}
	return listRequestParams{Cursor: cursor}
}
