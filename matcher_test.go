package mcpscout_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/mcpscout"
)

type fakeComparator struct {
	calls   int
	verdict *mcpscout.Comparison
	err     error
}

func (f *fakeComparator) Compare(context.Context, mcpscout.Requirement, []mcpscout.Capability) (*mcpscout.Comparison, error) {
	f.calls++
	return f.verdict, f.err
}

func toolPool(id string, tools ...mcpscout.Tool) mcpscout.CapabilityPool {
	return mcpscout.CapabilityPool{
		id: mcpscout.ServerEntry{
			ServerInfo: mcpscout.Info{Name: id, Version: "1.0.0"},
			Tools:      tools,
		},
	}
}

func TestMatcherCheapTiers(t *testing.T) {
	testCases := []struct {
		name        string
		requirement mcpscout.Requirement
		tool        mcpscout.Tool
		wantScore   float64
	}{
		{
			name:        "exact name match",
			requirement: mcpscout.Requirement{Kind: mcpscout.KindTool, Name: "read_file"},
			tool:        mcpscout.Tool{Name: "read_file"},
			wantScore:   1.0,
		},
		{
			name:        "substring match",
			requirement: mcpscout.Requirement{Kind: mcpscout.KindTool, Name: "read"},
			tool:        mcpscout.Tool{Name: "read_file"},
			wantScore:   0.9,
		},
		{
			name:        "case-insensitive exact match",
			requirement: mcpscout.Requirement{Kind: mcpscout.KindTool, Name: "Read_File"},
			tool:        mcpscout.Tool{Name: "read_file"},
			wantScore:   1.0,
		},
		{
			name: "purpose found in description",
			requirement: mcpscout.Requirement{
				Kind: mcpscout.KindTool, Name: "qqq", Purpose: "inspect pixels",
			},
			tool:      mcpscout.Tool{Name: "img", Description: "tool to inspect pixels"},
			wantScore: 0.7,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			matcher := mcpscout.NewMatcher()
			pool := toolPool("http-aaa", tc.tool)

			results, err := matcher.Match(testContext(t), []mcpscout.Requirement{tc.requirement}, pool)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.InDelta(t, tc.wantScore, results[0].Score, 1e-9)
			assert.Equal(t, tc.tool.Name, results[0].Capability.Name)
			assert.Equal(t, "http-aaa", results[0].ServerID)
			assert.NotEmpty(t, results[0].Reasoning)
		})
	}
}

func TestMatcherFuzzyScoreStaysBelowSubstringTier(t *testing.T) {
	matcher := mcpscout.NewMatcher()
	pool := toolPool("http-aaa",
		mcpscout.Tool{Name: "read_files", Description: "read files from disk"})

	// Near-identical name and heavy description overlap, but neither exact
	// nor substring.
	req := mcpscout.Requirement{
		Kind: mcpscout.KindTool, Name: "read_fiels", Purpose: "read files from disk",
	}
	results, err := matcher.Match(testContext(t), []mcpscout.Requirement{req}, pool)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.LessOrEqual(t, results[0].Score, 0.8)
	assert.GreaterOrEqual(t, results[0].Score, 0.3)
}

func TestMatcherKindMismatchNeverMatches(t *testing.T) {
	matcher := mcpscout.NewMatcher()
	pool := toolPool("http-aaa", mcpscout.Tool{Name: "read_file"})

	req := mcpscout.Requirement{Kind: mcpscout.KindResource, Name: "read_file"}
	results, err := matcher.Match(testContext(t), []mcpscout.Requirement{req}, pool)
	require.NoError(t, err)
	assert.Empty(t, results, "a tool must not satisfy a resource requirement")
}

func TestMatcherAtMostOneResultPerRequirement(t *testing.T) {
	matcher := mcpscout.NewMatcher()
	pool := mcpscout.CapabilityPool{
		"http-bbb": mcpscout.ServerEntry{Tools: []mcpscout.Tool{{Name: "read_file"}}},
		"http-aaa": mcpscout.ServerEntry{Tools: []mcpscout.Tool{{Name: "read_file"}}},
	}

	req := mcpscout.Requirement{Kind: mcpscout.KindTool, Name: "read_file"}
	results, err := matcher.Match(testContext(t), []mcpscout.Requirement{req}, pool)
	require.NoError(t, err)
	require.Len(t, results, 1)

	// Equal score and confidence; the smallest server ID must win so the
	// result is stable across runs.
	assert.Equal(t, "http-aaa", results[0].ServerID)
}

func TestMatcherBelowThresholdUnmatched(t *testing.T) {
	matcher := mcpscout.NewMatcher()
	pool := toolPool("http-aaa", mcpscout.Tool{Name: "zzz"})

	req := mcpscout.Requirement{Kind: mcpscout.KindTool, Name: "alpha"}
	results, err := matcher.Match(testContext(t), []mcpscout.Requirement{req}, pool)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMatcherFallbackBudget(t *testing.T) {
	comparator := &fakeComparator{}
	matcher := mcpscout.NewMatcher(
		mcpscout.WithComparator(comparator),
		mcpscout.WithFallbackBudget(1),
	)
	pool := toolPool("http-aaa", mcpscout.Tool{Name: "zzz"})

	// Two requirements the cheap pass cannot place; only one comparator call
	// fits the budget, the second requirement stays unmatched.
	requirements := []mcpscout.Requirement{
		{Kind: mcpscout.KindTool, Name: "alpha"},
		{Kind: mcpscout.KindTool, Name: "omega"},
	}
	results, err := matcher.Match(testContext(t), requirements, pool)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 1, comparator.calls)
	assert.Equal(t, 1, matcher.FallbackCalls())
}

func TestMatcherFallbackSkipsEmptyCandidateSet(t *testing.T) {
	comparator := &fakeComparator{}
	matcher := mcpscout.NewMatcher(mcpscout.WithComparator(comparator))

	// The pool holds resources only; a tool requirement has no candidates to
	// judge, so no comparator call may be made and no budget spent.
	pool := mcpscout.CapabilityPool{
		"http-aaa": mcpscout.ServerEntry{
			Resources: []mcpscout.Resource{{URI: "file:///readme", Name: "readme"}},
		},
	}

	req := mcpscout.Requirement{Kind: mcpscout.KindTool, Name: "alpha"}
	results, err := matcher.Match(testContext(t), []mcpscout.Requirement{req}, pool)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 0, comparator.calls)
	assert.Equal(t, 0, matcher.FallbackCalls())
}

func TestMatcherFallbackVerdictMapped(t *testing.T) {
	comparator := &fakeComparator{
		verdict: &mcpscout.Comparison{
			CapabilityName: "special_tool",
			Score:          0.85,
			Confidence:     0.7,
			Reasoning:      "close functional fit",
		},
	}
	matcher := mcpscout.NewMatcher(mcpscout.WithComparator(comparator))
	pool := toolPool("http-aaa", mcpscout.Tool{Name: "special_tool", Description: "does something unusual"})

	req := mcpscout.Requirement{Kind: mcpscout.KindTool, Name: "qqqq"}
	results, err := matcher.Match(testContext(t), []mcpscout.Requirement{req}, pool)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, "special_tool", results[0].Capability.Name)
	assert.Equal(t, "http-aaa", results[0].ServerID)
	assert.InDelta(t, 0.85, results[0].Score, 1e-9)
	assert.InDelta(t, 0.7, results[0].Confidence, 1e-9)
	assert.Equal(t, "close functional fit", results[0].Reasoning)
}

func TestMatcherFallbackBelowThresholdDiscarded(t *testing.T) {
	comparator := &fakeComparator{
		verdict: &mcpscout.Comparison{CapabilityName: "zzz", Score: 0.1, Confidence: 0.9},
	}
	matcher := mcpscout.NewMatcher(mcpscout.WithComparator(comparator))
	pool := toolPool("http-aaa", mcpscout.Tool{Name: "zzz"})

	req := mcpscout.Requirement{Kind: mcpscout.KindTool, Name: "alpha"}
	results, err := matcher.Match(testContext(t), []mcpscout.Requirement{req}, pool)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMatcherCacheIdempotence(t *testing.T) {
	comparator := &fakeComparator{
		verdict: &mcpscout.Comparison{CapabilityName: "zzz", Score: 0.6, Confidence: 0.5, Reasoning: "ok"},
	}
	matcher := mcpscout.NewMatcher(mcpscout.WithComparator(comparator))
	pool := toolPool("http-aaa", mcpscout.Tool{Name: "zzz"})
	requirements := []mcpscout.Requirement{{Kind: mcpscout.KindTool, Name: "alpha"}}

	first, err := matcher.Match(testContext(t), requirements, pool)
	require.NoError(t, err)
	require.Equal(t, 1, matcher.FallbackCalls())

	second, err := matcher.Match(testContext(t), requirements, pool)
	require.NoError(t, err)

	assert.Equal(t, first, second, "cached call must return identical results")
	assert.Equal(t, 1, matcher.FallbackCalls(), "cached call must not consume fallback budget")
	assert.Equal(t, 1, comparator.calls)
}

func TestMatcherCacheKeyedOnInputs(t *testing.T) {
	matcher := mcpscout.NewMatcher()
	requirements := []mcpscout.Requirement{{Kind: mcpscout.KindTool, Name: "read_file"}}

	first, err := matcher.Match(testContext(t),
		requirements, toolPool("http-aaa", mcpscout.Tool{Name: "read_file"}))
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A different pool must not hit the previous entry.
	second, err := matcher.Match(testContext(t),
		requirements, toolPool("http-bbb", mcpscout.Tool{Name: "read_file"}))
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ServerID, second[0].ServerID)
}

func TestMatcherComparatorFailureLeavesUnmatched(t *testing.T) {
	comparator := &fakeComparator{err: assert.AnError}
	matcher := mcpscout.NewMatcher(mcpscout.WithComparator(comparator))
	pool := toolPool("http-aaa", mcpscout.Tool{Name: "zzz"})

	req := mcpscout.Requirement{Kind: mcpscout.KindTool, Name: "alpha"}
	results, err := matcher.Match(testContext(t), []mcpscout.Requirement{req}, pool)
	require.NoError(t, err, "a comparator failure must not fail the whole run")
	assert.Empty(t, results)
}
