package mcpscout

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Requirement is one caller-supplied need the matcher tries to satisfy.
type Requirement struct {
	Kind    CapabilityKind `json:"kind"`
	Name    string         `json:"name"`
	Purpose string         `json:"purpose,omitempty"`
}

// MatchResult pairs a requirement with the single best capability found for
// it. Score expresses heuristic closeness, confidence the certainty of that
// score; both are in [0,1].
type MatchResult struct {
	Requirement Requirement `json:"requirement"`
	Capability  Capability  `json:"capability"`
	ServerID    string      `json:"serverID"`
	Score       float64     `json:"score"`
	Confidence  float64     `json:"confidence"`
	Reasoning   string      `json:"reasoning"`
}

var (
	defaultMatchThreshold = 0.3
	defaultFallbackBudget = 5
	defaultCacheTTL       = 5 * time.Minute

	// fuzzyScoreCap keeps similarity-derived scores strictly below the
	// substring tier so the tiers stay ordered.
	fuzzyScoreCap = 0.8
	// purposeScore is awarded when the requirement's stated purpose appears
	// in a capability description.
	purposeScore = 0.7
)

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithThreshold sets the minimum cheap-pass score that counts as a match.
func WithThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) {
		m.threshold = threshold
	}
}

// WithFallbackBudget sets how many comparator calls the matcher may make over
// its lifetime. Zero disables the expensive phase entirely.
func WithFallbackBudget(budget int) MatcherOption {
	return func(m *Matcher) {
		m.budget = budget
	}
}

// WithComparator sets the external comparator consulted when the cheap pass
// comes up short. Without one the expensive phase is skipped.
func WithComparator(comparator Comparator) MatcherOption {
	return func(m *Matcher) {
		m.comparator = comparator
	}
}

// WithCacheTTL sets how long a computed result set stays valid.
func WithCacheTTL(ttl time.Duration) MatcherOption {
	return func(m *Matcher) {
		m.cacheTTL = ttl
	}
}

// WithMatcherLogger sets the logger used by the matcher.
func WithMatcherLogger(logger *slog.Logger) MatcherOption {
	return func(m *Matcher) {
		m.logger = logger
	}
}

// Matcher resolves requirements against a discovered capability pool in two
// phases: a cheap lexical pass over every same-kind pair, then a
// budget-limited external comparator for requirements the cheap pass could
// not place. Results are cached by input digest.
type Matcher struct {
	threshold  float64
	budget     int
	comparator Comparator
	cacheTTL   time.Duration
	logger     *slog.Logger

	cache *matchCache
	dmp   *diffmatchpatch.DiffMatchPatch

	mu        sync.Mutex
	spentCost int
}

// NewMatcher creates a matcher.
func NewMatcher(options ...MatcherOption) *Matcher {
	m := &Matcher{
		threshold: defaultMatchThreshold,
		budget:    defaultFallbackBudget,
		cacheTTL:  defaultCacheTTL,
		logger:    slog.Default(),
		dmp:       diffmatchpatch.New(),
	}
	for _, opt := range options {
		opt(m)
	}
	m.cache = newMatchCache(m.cacheTTL)
	return m
}

// FallbackCalls reports how many comparator calls have been spent so far.
func (m *Matcher) FallbackCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spentCost
}

// Match returns at most one result per requirement. Requirements nothing in
// the pool satisfies are simply absent from the result set. Identical inputs
// within the cache TTL return the prior results without consuming fallback
// budget.
func (m *Matcher) Match(ctx context.Context, requirements []Requirement, pool CapabilityPool) ([]MatchResult, error) {
	key := cacheKey(requirements, pool)
	if cached, ok := m.cache.get(key); ok {
		m.logger.Debug("match cache hit", slog.String("key", key[:12]))
		return cached, nil
	}

	results := make([]MatchResult, 0, len(requirements))
	for _, req := range requirements {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if best, ok := m.cheapPass(req, pool); ok {
			results = append(results, best)
			continue
		}

		fallback, err := m.expensivePass(ctx, req, pool)
		if err != nil {
			m.logger.Warn("comparator failed, leaving requirement unmatched",
				slog.String("requirement", req.Name), slog.Any("err", err))
			continue
		}
		if fallback != nil {
			results = append(results, *fallback)
		}
	}

	m.cache.put(key, results)
	return results, nil
}

// cheapPass scores every same-kind capability in the pool against the
// requirement and keeps the best pair if it clears the threshold. Ties are
// broken by confidence, then by smallest server ID, so identical inputs
// always pick the same winner.
func (m *Matcher) cheapPass(req Requirement, pool CapabilityPool) (MatchResult, bool) {
	var best MatchResult
	found := false

	for id, entry := range pool {
		for _, cap := range entry.Capabilities() {
			if cap.Kind != req.Kind {
				continue
			}
			score, reasoning := m.score(req, cap)
			candidate := MatchResult{
				Requirement: req,
				Capability:  cap,
				ServerID:    id,
				Score:       score,
				Confidence:  score,
				Reasoning:   reasoning,
			}
			if !found || betterMatch(candidate, best) {
				best = candidate
				found = true
			}
		}
	}

	if !found || best.Score < m.threshold {
		return MatchResult{}, false
	}
	return best, true
}

func betterMatch(a, b MatchResult) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.ServerID < b.ServerID
}

// score computes the cheap heuristic for one requirement/capability pair.
func (m *Matcher) score(req Requirement, cap Capability) (float64, string) {
	reqName := normalize(req.Name)
	capName := normalize(cap.Name)

	if reqName == capName {
		return 1.0, "exact name match"
	}
	if reqName != "" && capName != "" &&
		(strings.Contains(capName, reqName) || strings.Contains(reqName, capName)) {
		return 0.9, "name substring match"
	}

	score := m.similarity(reqName, capName)
	reasoning := "lexical similarity of names"

	if overlap := tokenOverlap(
		tokens(reqName+" "+normalize(req.Purpose)),
		tokens(capName+" "+normalize(cap.Description)),
	); overlap > score {
		score = overlap
		reasoning = "token overlap across name and description"
	}
	if score > fuzzyScoreCap {
		score = fuzzyScoreCap
	}

	if purpose := normalize(req.Purpose); purpose != "" && score < purposeScore &&
		strings.Contains(normalize(cap.Description), purpose) {
		return purposeScore, "purpose found in description"
	}

	return score, reasoning
}

// similarity is a normalized edit-distance ratio between two names.
func (m *Matcher) similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	longest := max(len(a), len(b))
	diffs := m.dmp.DiffMain(a, b, false)
	distance := m.dmp.DiffLevenshtein(diffs)
	if distance >= longest {
		return 0
	}
	return 1 - float64(distance)/float64(longest)
}

// expensivePass consults the comparator for one requirement, spending one
// unit of the fallback budget. With no comparator or no budget left the
// requirement stays unmatched.
func (m *Matcher) expensivePass(ctx context.Context, req Requirement, pool CapabilityPool) (*MatchResult, error) {
	if m.comparator == nil {
		return nil, nil
	}

	// Nothing of the right kind to judge; spend no budget on a call that
	// cannot match.
	candidates := sameKindCapabilities(req.Kind, pool)
	if len(candidates) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	if m.spentCost >= m.budget {
		m.mu.Unlock()
		m.logger.Debug("fallback budget exhausted",
			slog.String("requirement", req.Name), slog.Int("budget", m.budget))
		return nil, nil
	}
	m.spentCost++
	m.mu.Unlock()

	verdict, err := m.comparator.Compare(ctx, req, candidates)
	if err != nil {
		return nil, err
	}
	if verdict == nil || verdict.Score < m.threshold {
		return nil, nil
	}

	cap, id, ok := findCapability(verdict.CapabilityName, req.Kind, pool)
	if !ok {
		return nil, nil
	}
	return &MatchResult{
		Requirement: req,
		Capability:  cap,
		ServerID:    id,
		Score:       verdict.Score,
		Confidence:  verdict.Confidence,
		Reasoning:   verdict.Reasoning,
	}, nil
}

func sameKindCapabilities(kind CapabilityKind, pool CapabilityPool) []Capability {
	var caps []Capability
	for _, entry := range pool {
		for _, cap := range entry.Capabilities() {
			if cap.Kind == kind {
				caps = append(caps, cap)
			}
		}
	}
	return caps
}

// findCapability resolves a comparator verdict back to a concrete capability.
// When multiple servers expose the same name, the smallest server ID wins.
func findCapability(name string, kind CapabilityKind, pool CapabilityPool) (Capability, string, bool) {
	var (
		bestCap Capability
		bestID  string
		found   bool
	)
	for id, entry := range pool {
		for _, cap := range entry.Capabilities() {
			if cap.Kind != kind || cap.Name != name {
				continue
			}
			if !found || id < bestID {
				bestCap, bestID, found = cap, id, true
			}
		}
	}
	return bestCap, bestID, found
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func tokens(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '_' || r == '-' || r == '.' || r == '/' || r == ','
	}) {
		set[tok] = struct{}{}
	}
	return set
}

// tokenOverlap is the shared-token ratio relative to the smaller set.
func tokenOverlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			shared++
		}
	}
	return float64(shared) / float64(min(len(a), len(b)))
}
