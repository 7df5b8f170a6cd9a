package mcpscout

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Environment variables the env discovery tier reads.
const (
	// EnvServers declares HTTP endpoints as comma-separated host:port pairs.
	EnvServers = "MCPSCOUT_SERVERS"
	// EnvServerPaths declares stdio endpoints as comma-separated executable
	// paths.
	EnvServerPaths = "MCPSCOUT_SERVER_PATHS"
)

// defaultProbePorts is the fixed local port list the network tier tests.
var defaultProbePorts = []int{3000, 3001, 3002, 3003, 3004, 3005, 8080, 8081, 8082, 9000, 9001}

var (
	defaultProbeTimeout     = 2 * time.Second
	defaultDiscoveryTimeout = 60 * time.Second
)

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithScannerLogger sets the logger used by the scanner.
func WithScannerLogger(logger *slog.Logger) ScannerOption {
	return func(s *Scanner) {
		s.logger = logger
	}
}

// WithScannerPool sets the session pool used to harvest capabilities. A
// private pool is created otherwise.
func WithScannerPool(pool *Pool) ScannerOption {
	return func(s *Scanner) {
		s.pool = pool
	}
}

// WithProbePorts replaces the port list the network tier probes.
func WithProbePorts(ports ...int) ScannerOption {
	return func(s *Scanner) {
		s.probePorts = ports
	}
}

// WithProbeTimeout sets the per-port handshake timeout of the network tier.
func WithProbeTimeout(d time.Duration) ScannerOption {
	return func(s *Scanner) {
		s.probeTimeout = d
	}
}

// WithProcessPatterns replaces the glob patterns the process tier matches
// command lines against.
func WithProcessPatterns(patterns ...string) ScannerOption {
	return func(s *Scanner) {
		s.processPatterns = patterns
	}
}

// WithManifestPaths replaces the ordered manifest lookup paths of the config
// tier.
func WithManifestPaths(paths ...string) ScannerOption {
	return func(s *Scanner) {
		s.manifestPaths = paths
	}
}

// WithDiscoveryTimeout bounds a whole Scan run, candidate harvest included.
func WithDiscoveryTimeout(d time.Duration) ScannerOption {
	return func(s *Scanner) {
		s.discoveryTimeout = d
	}
}

// WithEnvironment replaces the environment lookup of the env tier.
func WithEnvironment(getenv func(string) string) ScannerOption {
	return func(s *Scanner) {
		s.getenv = getenv
	}
}

// WithoutTier disables one discovery tier.
func WithoutTier(source DiscoverySource) ScannerOption {
	return func(s *Scanner) {
		s.disabled[source] = true
	}
}

// Scanner produces candidate endpoints from four independent tiers, collapses
// duplicates, and harvests the capability set of every candidate that
// completes a handshake.
type Scanner struct {
	logger           *slog.Logger
	pool             *Pool
	ownPool          bool
	probePorts       []int
	probeTimeout     time.Duration
	processPatterns  []string
	manifestPaths    []string
	discoveryTimeout time.Duration
	getenv           func(string) string
	disabled         map[DiscoverySource]bool
}

// NewScanner creates a discovery scanner.
func NewScanner(options ...ScannerOption) *Scanner {
	s := &Scanner{
		logger:           slog.Default(),
		probePorts:       defaultProbePorts,
		probeTimeout:     defaultProbeTimeout,
		manifestPaths:    manifestPaths(),
		discoveryTimeout: defaultDiscoveryTimeout,
		getenv:           os.Getenv,
		disabled:         make(map[DiscoverySource]bool),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.pool == nil {
		s.pool = NewPool(WithPoolLogger(s.logger))
		s.ownPool = true
	}
	return s
}

// Scan runs every enabled tier, deduplicates candidates by server ID, and
// returns the capability pool of the candidates that answered. A candidate
// that fails to connect or list is logged and skipped; it never fails the
// run.
func (s *Scanner) Scan(ctx context.Context) (CapabilityPool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.discoveryTimeout)
	defer cancel()

	candidates := s.discover(ctx)
	s.logger.Info("discovery complete", slog.Int("candidates", len(candidates)))

	pool := s.harvest(ctx, candidates)
	if s.ownPool {
		s.pool.CloseAll(ctx)
	}
	if err := ctx.Err(); err != nil && len(pool) == 0 {
		return nil, newError(CategoryDiscovery, SeverityMedium, "discovery timed out", err)
	}
	return pool, nil
}

// discover fans the tiers out, merges their candidates, and collapses
// duplicates. The first sighting of a server ID wins; tiers are independent,
// so two tiers reporting the same physical endpoint is routine.
func (s *Scanner) discover(ctx context.Context) []Endpoint {
	producers := map[DiscoverySource]func(context.Context) []Endpoint{
		SourceEnv:     s.scanEnvironment,
		SourceNetwork: s.probeNetwork,
		SourceProcess: s.scanProcesses,
		SourceConfig:  s.readManifest,
	}

	found := make(chan Endpoint)
	var wg sync.WaitGroup
	for source, produce := range producers {
		if s.disabled[source] {
			continue
		}
		wg.Add(1)
		go func(source DiscoverySource, produce func(context.Context) []Endpoint) {
			defer wg.Done()
			endpoints := produce(ctx)
			s.logger.Debug("tier finished",
				slog.String("source", string(source)), slog.Int("endpoints", len(endpoints)))
			for _, endpoint := range endpoints {
				found <- endpoint
			}
		}(source, produce)
	}
	go func() {
		wg.Wait()
		close(found)
	}()

	seen := make(map[string]struct{})
	var candidates []Endpoint
	for endpoint := range found {
		id := endpoint.ServerID()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		candidates = append(candidates, endpoint)
	}
	return candidates
}

// scanEnvironment parses the declared endpoint lists from the environment.
func (s *Scanner) scanEnvironment(_ context.Context) []Endpoint {
	var endpoints []Endpoint

	for _, pair := range splitList(s.getenv(EnvServers)) {
		host, port, ok := strings.Cut(pair, ":")
		if !ok || host == "" || port == "" {
			s.logger.Warn("skipping malformed server declaration",
				slog.String("var", EnvServers), slog.String("entry", pair))
			continue
		}
		endpoints = append(endpoints, Endpoint{
			Kind: TransportHTTP,
			URL:  fmt.Sprintf("http://%s:%s", host, port),
			Name: pair,
			Via:  SourceEnv,
		})
	}

	for _, path := range splitList(s.getenv(EnvServerPaths)) {
		endpoints = append(endpoints, Endpoint{
			Kind:    TransportStdio,
			Command: path,
			Name:    path,
			Via:     SourceEnv,
		})
	}

	return endpoints
}

// probeNetwork attempts the handshake against each port on localhost with a
// short per-port timeout. Non-responders are skipped silently; this tier is
// expected to mostly miss.
func (s *Scanner) probeNetwork(ctx context.Context) []Endpoint {
	found := make(chan Endpoint, len(s.probePorts))
	var wg sync.WaitGroup
	for _, port := range s.probePorts {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			endpoint := Endpoint{
				Kind: TransportHTTP,
				URL:  fmt.Sprintf("http://127.0.0.1:%d", port),
				Name: fmt.Sprintf("localhost:%d", port),
				Via:  SourceNetwork,
			}
			if s.probe(ctx, endpoint) {
				found <- endpoint
			}
		}(port)
	}
	wg.Wait()
	close(found)

	var endpoints []Endpoint
	for endpoint := range found {
		endpoints = append(endpoints, endpoint)
	}
	return endpoints
}

// probe runs a throwaway handshake against the endpoint within the probe
// timeout. Retries are disabled; a probe either answers promptly or is not a
// server.
func (s *Scanner) probe(ctx context.Context, endpoint Endpoint) bool {
	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	transport, err := transportFor(endpoint,
		WithMaxRetries(0), WithRequestTimeout(s.probeTimeout), WithTransportLogger(s.logger))
	if err != nil {
		return false
	}
	sess := NewSession(endpoint, transport, s.logger)
	defer sess.Close(context.Background())

	return sess.Connect(ctx) == nil
}

func (s *Scanner) scanProcesses(_ context.Context) []Endpoint {
	scanner, err := newProcessScanner(s.processPatterns, s.logger)
	if err != nil {
		s.logger.Warn("process tier disabled", "err", err)
		return nil
	}
	return scanner.scan()
}

func (s *Scanner) readManifest(_ context.Context) []Endpoint {
	endpoints, err := loadManifest(s.manifestPaths, s.logger)
	if err != nil {
		s.logger.Warn("config tier failed", "err", err)
		return nil
	}
	return endpoints
}

// harvest opens a pooled session to every candidate and retrieves its full
// capability set. Failures are isolated per candidate.
func (s *Scanner) harvest(ctx context.Context, candidates []Endpoint) CapabilityPool {
	type harvested struct {
		id    string
		entry ServerEntry
	}

	results := make(chan harvested, len(candidates))
	var wg sync.WaitGroup
	for _, candidate := range candidates {
		wg.Add(1)
		go func(candidate Endpoint) {
			defer wg.Done()

			sess, err := s.pool.Acquire(ctx, candidate)
			if err != nil {
				s.logger.Warn("skipping unreachable candidate",
					slog.String("endpoint", candidate.String()), slog.Any("err", err))
				return
			}
			defer s.pool.Release(sess)

			entry, err := sess.Capabilities(ctx)
			if err != nil {
				s.logger.Warn("skipping candidate with failed listing",
					slog.String("endpoint", candidate.String()), slog.Any("err", err))
				return
			}
			results <- harvested{id: candidate.ServerID(), entry: entry}
		}(candidate)
	}
	wg.Wait()
	close(results)

	pool := make(CapabilityPool, len(candidates))
	for res := range results {
		pool[res.id] = res.entry
	}
	return pool
}

func splitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
