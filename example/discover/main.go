package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/verdantlabs/mcpscout"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	pool := mcpscout.NewPool(
		mcpscout.WithPoolLogger(logger),
		mcpscout.WithMaxSessions(10),
	)
	defer pool.CloseAll(context.Background())

	scanner := mcpscout.NewScanner(
		mcpscout.WithScannerLogger(logger),
		mcpscout.WithScannerPool(pool),
	)

	capabilities, err := scanner.Scan(ctx)
	if err != nil {
		log.Fatalf("discovery failed: %v", err)
	}

	fmt.Printf("discovered %d server(s)\n", len(capabilities))
	for id, entry := range capabilities {
		fmt.Printf("  %s (%s via %s): %d tools, %d resources, %d prompts\n",
			id, entry.ServerInfo.Name, entry.Endpoint.Via,
			len(entry.Tools), len(entry.Resources), len(entry.Prompts))
	}

	requirements := []mcpscout.Requirement{
		{Kind: mcpscout.KindTool, Name: "read_file", Purpose: "read the contents of a file"},
		{Kind: mcpscout.KindTool, Name: "web_search", Purpose: "search the web for documents"},
		{Kind: mcpscout.KindResource, Name: "project_readme", Purpose: "project documentation"},
	}

	matcherOptions := []mcpscout.MatcherOption{
		mcpscout.WithMatcherLogger(logger),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		matcherOptions = append(matcherOptions, mcpscout.WithComparator(
			mcpscout.NewChatComparator(baseURL,
				mcpscout.WithComparatorAPIKey(os.Getenv("OPENAI_API_KEY")),
				mcpscout.WithComparatorLogger(logger),
			),
		))
	}

	matcher := mcpscout.NewMatcher(matcherOptions...)
	matches, err := matcher.Match(ctx, requirements, capabilities)
	if err != nil {
		log.Fatalf("matching failed: %v", err)
	}

	fmt.Printf("matched %d of %d requirement(s)\n", len(matches), len(requirements))
	for _, match := range matches {
		fmt.Printf("  %s -> %s on %s (score %.2f, confidence %.2f): %s\n",
			match.Requirement.Name, match.Capability.Name, match.ServerID,
			match.Score, match.Confidence, match.Reasoning)
	}
}
