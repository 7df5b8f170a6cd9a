// Package mcpscout discovers Model Context Protocol servers and matches a
// caller's capability requirements against what those servers actually offer.
//
// The engine has three layers. The transport layer speaks JSON-RPC 2.0 over
// stdio subprocesses, HTTP, or WebSocket, with shared retry, correlation, and
// health-probe machinery. The discovery scanner locates candidate endpoints
// through four independent tiers (environment variables, local port probing,
// the process table, and config-file manifests), deduplicates them, and
// harvests each survivor's full tool/resource/prompt listing through a
// bounded connection pool. The matcher scores requirements against the
// harvested pool with cheap heuristics first and a budget-limited external
// comparator second, caching result sets by input hash.
package mcpscout
