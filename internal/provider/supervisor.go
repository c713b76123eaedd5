package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edgerunner/runner/internal/metrics"
	"github.com/edgerunner/runner/internal/obslog"
)

// Notifier is the narrow surface the supervisor needs from the connection
// engine to emit runner/availability — injected rather than imported, per
// the cyclic-reference break in DESIGN NOTES §9.
type Notifier interface {
	SendNotification(ctx context.Context, method string, params any) error
}

// connector is the behavior the supervisor needs from a provider session.
// *Session satisfies it against a real MCP transport; tests supply fakes so
// supervisor logic can be exercised without a subprocess or HTTP server.
type connector interface {
	Connect(ctx context.Context) error
	Tools() []string
	CallTool(ctx context.Context, tool string, args map[string]any) (any, error)
	Close() error
}

// sessionAdapter lets *Session (whose CallTool returns *mcp.CallToolResult)
// satisfy connector's any-typed return.
type sessionAdapter struct{ *Session }

func (a sessionAdapter) CallTool(ctx context.Context, tool string, args map[string]any) (any, error) {
	return a.Session.CallTool(ctx, tool, args)
}

// Supervisor owns every ProviderRecord and Session, connects them
// concurrently on initialize, and periodically re-checks health,
// publishing runner/availability deltas through Notifier.
type Supervisor struct {
	notifier       Notifier
	logger         *obslog.Logger
	interval       time.Duration
	sessionFactory func(name string, def Definition) connector

	// initMu serializes initialize() calls: a config/push that arrives
	// while a prior sweep is mid-flight blocks here until that sweep
	// finishes, then replaces the result wholesale. This is the drain
	// mechanism the spec's third open question calls for.
	initMu     sync.Mutex
	generation int64

	mu           sync.RWMutex
	records      map[string]*Record
	sessions     map[string]connector
	toolRegistry map[string]string // tool name -> first-registered provider name

	cancelHealth context.CancelFunc
	healthDone   chan struct{}
}

// New constructs a Supervisor. Health checking does not start until Start.
func New(notifier Notifier, logger *obslog.Logger, healthCheckInterval time.Duration) *Supervisor {
	if logger == nil {
		logger = obslog.NewDiscard()
	}
	return &Supervisor{
		notifier: notifier,
		logger:   logger,
		interval: healthCheckInterval,
		sessionFactory: func(name string, def Definition) connector {
			return sessionAdapter{NewSession(name, def)}
		},
		records:      make(map[string]*Record),
		sessions:     make(map[string]connector),
		toolRegistry: make(map[string]string),
	}
}

// NewWithFactory is New with an injectable session constructor, used by
// tests to stand in for real MCP sessions.
func NewWithFactory(notifier Notifier, logger *obslog.Logger, healthCheckInterval time.Duration, factory func(name string, def Definition) connector) *Supervisor {
	s := New(notifier, logger, healthCheckInterval)
	s.sessionFactory = factory
	return s
}

// Generation reports how many times Initialize has run, for tests that
// need to observe the drain-then-replace behavior.
func (s *Supervisor) Generation() int64 {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.generation
}

// Initialize connects every provider in defs concurrently, does not abort
// on individual failure, replaces the previous provider set wholesale, and
// emits exactly one runner/availability notification once the sweep
// completes (spec §4.4 Initialization).
func (s *Supervisor) Initialize(ctx context.Context, defs map[string]Definition) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	s.generation++

	s.mu.Lock()
	oldSessions := s.sessions
	s.mu.Unlock()

	newRecords := make(map[string]*Record, len(defs))
	newSessions := make(map[string]connector, len(defs))

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, def := range defs {
		wg.Add(1)
		go func(name string, def Definition) {
			defer wg.Done()
			sess := s.sessionFactory(name, def)
			rec := &Record{Name: name, Definition: def, ConnectionStatus: StatusConnecting, LastCheckedAt: s.now()}

			if err := sess.Connect(ctx); err != nil {
				rec.ConnectionStatus = StatusFailed
				rec.LastError = err.Error()
				rec.Tools = nil
				s.logger.Warn("provider", "failed to connect %s: %v", name, err)
				s.logger.Event("provider", "connect_failed", map[string]any{"provider": name, "error": err.Error()})
			} else {
				rec.ConnectionStatus = StatusConnected
				rec.Tools = sess.Tools()
				s.logger.Info("provider", "connected %s, %d tools", name, len(rec.Tools))
				s.logger.Event("provider", "connected", map[string]any{"provider": name, "tools": rec.Tools})
			}
			rec.LastCheckedAt = s.now()

			mu.Lock()
			newRecords[name] = rec
			newSessions[name] = sess
			mu.Unlock()
		}(name, def)
	}
	wg.Wait()

	names := make([]string, 0, len(newRecords))
	for name := range newRecords {
		names = append(names, name)
	}
	sort.Strings(names)

	registry := make(map[string]string)
	for _, name := range names {
		rec := newRecords[name]
		if rec.ConnectionStatus != StatusConnected {
			continue
		}
		for _, tool := range rec.Tools {
			if existing, dup := registry[tool]; dup {
				s.logger.Warn("provider", "tool %q advertised by both %s and %s; keeping first-registered binding %s", tool, existing, name, existing)
				continue
			}
			registry[tool] = name
		}
	}

	s.mu.Lock()
	s.records = newRecords
	s.sessions = newSessions
	s.toolRegistry = registry
	s.mu.Unlock()

	for name, old := range oldSessions {
		if newSessions[name] == old {
			continue
		}
		if err := old.Close(); err != nil {
			s.logger.Warn("provider", "error closing superseded session %s: %v", name, err)
		}
	}

	return s.publishAvailability(ctx)
}

func (s *Supervisor) now() time.Time {
	return time.Now()
}

// IsAvailable reports whether tool resolves to a connected provider.
func (s *Supervisor) IsAvailable(tool string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.toolRegistry[tool]
	return ok
}

// ResolveProvider returns the provider name bound to tool, for C6's local
// dispatch path.
func (s *Supervisor) ResolveProvider(tool string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.toolRegistry[tool]
	return name, ok
}

// CallTool invokes tool on its bound provider. A failing call marks that
// provider's record StatusFailed so the next health-check tick's derived
// availability reflects the outcome actually observed on the wire, rather
// than a status health-check invents by probing the provider itself.
func (s *Supervisor) CallTool(ctx context.Context, tool string, args map[string]any) (any, error) {
	s.mu.RLock()
	name, ok := s.toolRegistry[tool]
	var sess connector
	if ok {
		sess = s.sessions[name]
	}
	s.mu.RUnlock()

	if !ok || sess == nil {
		return nil, fmt.Errorf("provider: tool %q not locally available", tool)
	}

	result, err := sess.CallTool(ctx, tool, args)
	if err != nil {
		s.markFailed(name, err)
	}
	return result, err
}

// markFailed records that name's last observed I/O outcome was a failure
// and removes its tools from the derived registry. It does not close the
// session or attempt to reconnect — recovery happens only through a fresh
// Initialize (config/push), never through the health-check loop.
func (s *Supervisor) markFailed(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[name]
	if !ok {
		return
	}
	rec.ConnectionStatus = StatusFailed
	rec.LastError = err.Error()
	rec.Tools = nil
	rec.LastCheckedAt = s.now()
	s.logger.Event("provider", "call_failed", map[string]any{"provider": name, "error": err.Error()})

	names := make([]string, 0, len(s.records))
	for n := range s.records {
		names = append(names, n)
	}
	sort.Strings(names)

	registry := make(map[string]string)
	for _, n := range names {
		r := s.records[n]
		if r.ConnectionStatus != StatusConnected {
			continue
		}
		for _, tool := range r.Tools {
			if _, dup := registry[tool]; dup {
				continue
			}
			registry[tool] = n
		}
	}
	s.toolRegistry = registry
}

// Snapshot returns the current derived availability view (Invariant 4: the
// view is always recomputed, never mutated directly).
func (s *Supervisor) Snapshot() Availability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Supervisor) snapshotLocked() Availability {
	available := make([]string, 0, len(s.toolRegistry))
	for tool := range s.toolRegistry {
		available = append(available, tool)
	}
	unavailable := make([]string, 0)
	for name, rec := range s.records {
		if !rec.isUp() {
			unavailable = append(unavailable, name)
		}
	}
	sort.Strings(available)
	sort.Strings(unavailable)
	return Availability{Available: available, Unavailable: unavailable}
}

func (s *Supervisor) publishAvailability(ctx context.Context) error {
	s.reportMetrics()
	view := s.Snapshot()
	s.logger.Event("provider", "availability_published", map[string]any{
		"available":   view.Available,
		"unavailable": view.Unavailable,
	})
	if s.notifier == nil {
		return nil
	}
	return s.notifier.SendNotification(ctx, "runner/availability", map[string]any{
		"available":   view.Available,
		"unavailable": view.Unavailable,
	})
}

// reportMetrics pushes the current provider/tool state into the package
// metrics collectors, so a Prometheus scrape reflects the same view
// runner/availability just sent the Control Plane.
func (s *Supervisor) reportMetrics() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	metrics.ProviderAvailableTools.Set(float64(len(s.toolRegistry)))
	for name, rec := range s.records {
		metrics.SetProviderStatus(name, string(rec.ConnectionStatus))
	}
}

// Start begins the periodic health-check loop. No-op if interval <= 0.
func (s *Supervisor) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	healthCtx, cancel := context.WithCancel(ctx)
	s.cancelHealth = cancel
	s.healthDone = make(chan struct{})
	go s.healthCheckLoop(healthCtx)
}

// Stop cancels the health-check timer, then closes every provider session.
// Close is best-effort: errors are logged, not propagated (spec §4.4
// Shutdown).
func (s *Supervisor) Stop() {
	if s.cancelHealth != nil {
		s.cancelHealth()
		<-s.healthDone
	}

	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]connector)
	s.mu.Unlock()

	for name, sess := range sessions {
		if err := sess.Close(); err != nil {
			s.logger.Warn("provider", "error closing session %s during shutdown: %v", name, err)
		}
	}
}

// healthCheckLoop polls the supervisor's own cached provider status on
// each tick and republishes runner/availability if it has drifted since
// the last tick. It never dials a provider itself — that would be a
// synthetic ping, and health here means the last status actually observed
// from provider I/O (an Initialize connect, or a CallTool failure), not
// something the health-check loop goes looking for.
func (s *Supervisor) healthCheckLoop(ctx context.Context) {
	defer close(s.healthDone)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	lastPublished := s.statusSnapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lastPublished = s.tick(ctx, lastPublished)
		}
	}
}

// statusSnapshot captures each provider's current ConnectionStatus, used
// to detect drift between ticks without re-deriving availability twice.
func (s *Supervisor) statusSnapshot() map[string]Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[string]Status, len(s.records))
	for name, rec := range s.records {
		snap[name] = rec.ConnectionStatus
	}
	return snap
}

// tick compares the current cached status against prev and, if anything
// has changed since the last tick, republishes runner/availability. It
// returns the snapshot that should be compared against on the next tick.
func (s *Supervisor) tick(ctx context.Context, prev map[string]Status) map[string]Status {
	current := s.statusSnapshot()

	changed := len(current) != len(prev)
	if !changed {
		for name, status := range current {
			if prev[name] != status {
				changed = true
				break
			}
		}
	}

	if changed {
		if err := s.publishAvailability(ctx); err != nil {
			s.logger.Warn("provider", "failed to publish availability: %v", err)
		}
	}
	return current
}
