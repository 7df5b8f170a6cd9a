package mcpscout

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// TransportKind identifies the physical channel an endpoint is reached over.
type TransportKind string

// Supported transport kinds.
const (
	TransportStdio     TransportKind = "stdio"
	TransportHTTP      TransportKind = "http"
	TransportWebSocket TransportKind = "websocket"
)

// DiscoverySource identifies which discovery tier produced an endpoint.
type DiscoverySource string

// Discovery tiers.
const (
	SourceEnv     DiscoverySource = "env"
	SourceNetwork DiscoverySource = "network"
	SourceProcess DiscoverySource = "process"
	SourceConfig  DiscoverySource = "config"
)

// Endpoint is a discoverable remote server. Stdio endpoints are addressed by
// Command+Args; HTTP and WebSocket endpoints by URL. The same physical server
// discovered through different tiers collapses to a single record because
// ServerID depends only on the transport kind and address.
type Endpoint struct {
	Kind TransportKind

	// Command and Args address a stdio endpoint.
	Command string
	Args    []string

	// URL addresses an HTTP or WebSocket endpoint. For HTTP it is the base
	// URL; the JSON-RPC path and stream path are fixed suffixes.
	URL string

	// Name is an optional human-readable label, carried from config
	// manifests when present.
	Name string

	// Via records the discovery tier that produced this record. It is
	// informational and excluded from the ServerID derivation.
	Via DiscoverySource
}

// ServerID returns the deterministic identity of the endpoint: a pure
// function of transport kind and address. Two discovery runs against an
// unchanged environment yield identical IDs, and duplicates across tiers
// collapse on it.
func (e Endpoint) ServerID() string {
	h := sha256.New()
	h.Write([]byte(string(e.Kind)))
	h.Write([]byte{0})
	h.Write([]byte(e.address()))
	sum := hex.EncodeToString(h.Sum(nil))
	return string(e.Kind) + "-" + sum[:12]
}

// address renders the endpoint's location as a single canonical string.
func (e Endpoint) address() string {
	if e.Kind == TransportStdio {
		if len(e.Args) == 0 {
			return e.Command
		}
		return e.Command + " " + strings.Join(e.Args, " ")
	}
	return e.URL
}

// String implements fmt.Stringer for log output.
func (e Endpoint) String() string {
	return string(e.Kind) + "://" + e.address()
}

// CapabilityKind discriminates the three primitive families a server exposes.
type CapabilityKind string

// Capability kinds.
const (
	KindTool     CapabilityKind = "tool"
	KindResource CapabilityKind = "resource"
	KindPrompt   CapabilityKind = "prompt"
)

// Capability is the matcher's uniform view over tools, resources, and
// prompts: a kind, a name (the URI for resources), and descriptive text.
type Capability struct {
	Kind        CapabilityKind  `json:"kind"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// ServerEntry is one server's full harvested capability set.
type ServerEntry struct {
	Endpoint   Endpoint   `json:"-"`
	ServerInfo Info       `json:"serverInfo"`
	Tools      []Tool     `json:"tools"`
	Resources  []Resource `json:"resources"`
	Prompts    []Prompt   `json:"prompts"`
}

// CapabilityPool maps ServerID to each discovered server's capability set.
// It is built once per discovery run and must be treated as immutable once
// handed to the matcher.
type CapabilityPool map[string]ServerEntry

// Capabilities flattens a server entry into the matcher's uniform view.
func (s ServerEntry) Capabilities() []Capability {
	caps := make([]Capability, 0, len(s.Tools)+len(s.Resources)+len(s.Prompts))
	for _, t := range s.Tools {
		caps = append(caps, Capability{Kind: KindTool, Name: t.Name, Description: t.Description, Schema: t.InputSchema})
	}
	for _, r := range s.Resources {
		desc := r.Description
		if desc == "" {
			desc = r.Name
		}
		caps = append(caps, Capability{Kind: KindResource, Name: r.URI, Description: desc})
	}
	for _, p := range s.Prompts {
		caps = append(caps, Capability{Kind: KindPrompt, Name: p.Name, Description: p.Description})
	}
	return caps
}
