package mcpscout

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// manifestPaths lists the conventional manifest locations in lookup order.
// The first file that exists wins; later paths are not consulted.
func manifestPaths() []string {
	paths := make([]string, 0, 4)
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".mcp", "servers.json"),
			filepath.Join(home, ".config", "mcp", "servers.json"),
		)
	}
	return append(paths, "mcp_servers.json", filepath.Join(".mcp", "servers.json"))
}

// manifestEntry is one declared server in a manifest file.
type manifestEntry struct {
	Name      string   `json:"name"`
	Transport string   `json:"transport"`
	Command   string   `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
	Endpoint  string   `json:"endpoint,omitempty"`
}

// manifestDocument accepts both accepted manifest shapes: a bare array of
// entries, or an object wrapping them under "servers".
type manifestDocument struct {
	Servers []manifestEntry `json:"servers"`
}

func (d *manifestDocument) UnmarshalJSON(data []byte) error {
	var entries []manifestEntry
	if err := json.Unmarshal(data, &entries); err == nil {
		d.Servers = entries
		return nil
	}

	type wrapped manifestDocument
	var w wrapped
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	d.Servers = w.Servers
	return nil
}

// loadManifest reads the first existing manifest file among paths and
// converts its entries to endpoints. Malformed entries are skipped with a
// warning; a malformed file is a configuration error. A missing manifest is
// not an error, just zero endpoints.
func loadManifest(paths []string, logger *slog.Logger) ([]Endpoint, error) {
	var path string
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			path = p
			break
		}
	}
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(CategoryConfiguration, SeverityMedium,
			fmt.Sprintf("failed to read manifest %s", path), err)
	}

	var doc manifestDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, newError(CategoryConfiguration, SeverityMedium,
			fmt.Sprintf("failed to parse manifest %s", path), err)
	}

	endpoints := make([]Endpoint, 0, len(doc.Servers))
	for i, entry := range doc.Servers {
		endpoint, err := entry.toEndpoint()
		if err != nil {
			logger.Warn("skipping manifest entry",
				slog.String("path", path), slog.Int("index", i), slog.Any("err", err))
			continue
		}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, nil
}

func (e manifestEntry) toEndpoint() (Endpoint, error) {
	switch TransportKind(e.Transport) {
	case TransportStdio:
		if e.Command == "" {
			return Endpoint{}, newError(CategoryValidation, SeverityLow,
				fmt.Sprintf("stdio entry %q has no command", e.Name), nil)
		}
		return Endpoint{
			Kind:    TransportStdio,
			Command: e.Command,
			Args:    e.Args,
			Name:    e.Name,
			Via:     SourceConfig,
		}, nil
	case TransportHTTP:
		if e.Endpoint == "" {
			return Endpoint{}, newError(CategoryValidation, SeverityLow,
				fmt.Sprintf("http entry %q has no endpoint URL", e.Name), nil)
		}
		return Endpoint{
			Kind: TransportHTTP,
			URL:  e.Endpoint,
			Name: e.Name,
			Via:  SourceConfig,
		}, nil
	case TransportWebSocket:
		if e.Endpoint == "" {
			return Endpoint{}, newError(CategoryValidation, SeverityLow,
				fmt.Sprintf("websocket entry %q has no endpoint URL", e.Name), nil)
		}
		return Endpoint{
			Kind: TransportWebSocket,
			URL:  e.Endpoint,
			Name: e.Name,
			Via:  SourceConfig,
		}, nil
	default:
		return Endpoint{}, newError(CategoryValidation, SeverityLow,
			fmt.Sprintf("entry %q has unknown transport %q", e.Name, e.Transport), nil)
	}
}
