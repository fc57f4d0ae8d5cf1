// Package frontier tracks per-URL fetch health and admits or defers URLs
// before the scheduler spends a fetch on them. It owns host cooldowns,
// the blocked/not-found/bad-content terminal states, and dead-path
// promotion for paths that consistently 404 on a host.
package frontier

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spec-harvester/internal/model"
	"github.com/sells-group/spec-harvester/internal/resilience"
	"github.com/sells-group/spec-harvester/internal/store"
)

// Config tunes frontier behavior.
type Config struct {
	// CooldownBase is the first cooldown after a rate limit or transient
	// failure; it doubles per repeat up to CooldownCap.
	CooldownBase time.Duration
	CooldownCap  time.Duration
	// DeadPathThreshold is how many distinct URLs under the same host
	// pattern must 404 before the pattern is promoted to a dead path.
	DeadPathThreshold int
	// HostBlockThreshold is how many consecutive policy failures (403,
	// 429, login walls) a host may return before the whole host enters
	// cooldown. The window doubles per repeat up to CooldownCap.
	HostBlockThreshold int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CooldownBase:       2 * time.Minute,
		CooldownCap:        time.Hour,
		DeadPathThreshold:  3,
		HostBlockThreshold: 3,
	}
}

// Admission is the verdict for one URL.
type Admission struct {
	Allow  bool
	Reason string // cooldown, host_cooldown, blocked, not_found, bad_content, dead_path, duplicate
}

// hostState is the process-wide standing of one host, like the fetch
// lane's delay clocks. URL-level health persists in the store; host
// cooldowns reset with the process.
type hostState struct {
	policyFails   int
	repeats       int
	cooldownUntil time.Time
}

// Frontier is safe for concurrent use.
type Frontier struct {
	store store.Store
	cfg   Config

	mu sync.Mutex
	// matchers caches promoted dead patterns per host.
	matchers map[string]*PathMatcher
	// notFoundURLs tracks distinct 404ing URLs per host pattern within the
	// process lifetime; promotion state across runs lives in the store.
	notFoundURLs map[string]map[string]map[string]bool
	// admitted dedupes canonical URLs within a run.
	admitted map[string]bool
	hosts    map[string]*hostState
}

// New creates a frontier over the given store.
func New(st store.Store, cfg Config) *Frontier {
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = 2 * time.Minute
	}
	if cfg.CooldownCap <= 0 {
		cfg.CooldownCap = time.Hour
	}
	if cfg.DeadPathThreshold <= 0 {
		cfg.DeadPathThreshold = 3
	}
	if cfg.HostBlockThreshold <= 0 {
		cfg.HostBlockThreshold = 3
	}
	return &Frontier{
		store:        st,
		cfg:          cfg,
		matchers:     make(map[string]*PathMatcher),
		notFoundURLs: make(map[string]map[string]map[string]bool),
		admitted:     make(map[string]bool),
		hosts:        make(map[string]*hostState),
	}
}

// Admit decides whether a URL may be fetched now. Allowed URLs are marked
// in-flight; callers must follow up with RecordSuccess or RecordFailure.
func (f *Frontier) Admit(ctx context.Context, rawURL string, now time.Time) (Admission, error) {
	canonical := model.CanonicalURL(rawURL)
	host := model.HostOf(canonical)

	f.mu.Lock()
	if f.admitted[canonical] {
		f.mu.Unlock()
		return Admission{Reason: "duplicate"}, nil
	}
	if hs := f.hosts[host]; hs != nil && now.Before(hs.cooldownUntil) {
		f.mu.Unlock()
		return Admission{Reason: "host_cooldown"}, nil
	}
	f.mu.Unlock()

	matcher, err := f.hostMatcher(ctx, host)
	if err != nil {
		return Admission{}, err
	}
	if matcher.Matches(canonical) {
		if err := f.putHealth(ctx, canonical, host, model.URLDeadPath, "dead_path", 0, 0, nil, now); err != nil {
			return Admission{}, err
		}
		return Admission{Reason: "dead_path"}, nil
	}

	health, err := f.store.GetURLHealth(ctx, canonical)
	if err != nil {
		return Admission{}, eris.Wrap(err, "frontier: get health")
	}
	if health != nil {
		switch health.Status {
		case model.URLBlocked:
			return Admission{Reason: "blocked"}, nil
		case model.URLNotFound:
			return Admission{Reason: "not_found"}, nil
		case model.URLBadContent:
			return Admission{Reason: "bad_content"}, nil
		case model.URLDeadPath:
			return Admission{Reason: "dead_path"}, nil
		case model.URLCooldown:
			if health.CooldownUntil != nil && now.Unix() < *health.CooldownUntil {
				return Admission{Reason: "cooldown"}, nil
			}
		}
	}

	repeats := 0
	fails := 0
	if health != nil {
		repeats = health.Repeats
		fails = health.ConsecutiveFails
	}
	if err := f.putHealth(ctx, canonical, host, model.URLInFlight, "", fails, repeats, nil, now); err != nil {
		return Admission{}, err
	}

	f.mu.Lock()
	f.admitted[canonical] = true
	f.mu.Unlock()
	return Admission{Allow: true}, nil
}

// RecordSuccess marks a fetched URL healthy and clears the host's
// consecutive-failure streak.
func (f *Frontier) RecordSuccess(ctx context.Context, rawURL string, now time.Time) error {
	canonical := model.CanonicalURL(rawURL)
	host := model.HostOf(canonical)

	f.mu.Lock()
	if hs := f.hosts[host]; hs != nil {
		hs.policyFails = 0
	}
	f.mu.Unlock()

	return f.putHealth(ctx, canonical, host, model.URLOK, "", 0, 0, nil, now)
}

// RecordFailure transitions a URL per the failure kind. Returns the dead
// pattern if this failure tipped its path over the promotion threshold.
func (f *Frontier) RecordFailure(ctx context.Context, rawURL string, kind resilience.FailKind, now time.Time) (*model.DeadPattern, error) {
	canonical := model.CanonicalURL(rawURL)
	host := model.HostOf(canonical)

	health, err := f.store.GetURLHealth(ctx, canonical)
	if err != nil {
		return nil, eris.Wrap(err, "frontier: get health")
	}
	fails, repeats := 1, 0
	if health != nil {
		fails = health.ConsecutiveFails + 1
		repeats = health.Repeats
	}

	switch kind {
	case resilience.FailRateLimit:
		f.noteHostPolicyFail(host, now)
		until := now.Add(resilience.CooldownAfter(f.cfg.CooldownBase, f.cfg.CooldownCap, repeats)).Unix()
		err = f.putHealth(ctx, canonical, host, model.URLCooldown, string(kind), fails, repeats+1, &until, now)
		if err != nil {
			return nil, err
		}
		// Cooled-down URLs may be admitted again once the window passes.
		f.mu.Lock()
		delete(f.admitted, canonical)
		f.mu.Unlock()
		return nil, nil

	case resilience.FailTransient:
		until := now.Add(resilience.CooldownAfter(f.cfg.CooldownBase, f.cfg.CooldownCap, repeats)).Unix()
		err = f.putHealth(ctx, canonical, host, model.URLCooldown, string(kind), fails, repeats+1, &until, now)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		delete(f.admitted, canonical)
		f.mu.Unlock()
		return nil, nil

	case resilience.FailPolicy:
		f.noteHostPolicyFail(host, now)
		return nil, f.putHealth(ctx, canonical, host, model.URLBlocked, string(kind), fails, repeats, nil, now)

	case resilience.FailNotFound:
		if err := f.putHealth(ctx, canonical, host, model.URLNotFound, string(kind), fails, repeats, nil, now); err != nil {
			return nil, err
		}
		return f.trackNotFound(ctx, canonical, host, now)

	default:
		return nil, f.putHealth(ctx, canonical, host, model.URLBadContent, string(kind), fails, repeats, nil, now)
	}
}

// noteHostPolicyFail counts consecutive policy failures (403, 429,
// login walls) per host. At the threshold the whole host cools down,
// doubling per repeat up to the cap.
func (f *Frontier) noteHostPolicyFail(host string, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	hs := f.hosts[host]
	if hs == nil {
		hs = &hostState{}
		f.hosts[host] = hs
	}
	hs.policyFails++
	if hs.policyFails < f.cfg.HostBlockThreshold {
		return
	}

	window := resilience.CooldownAfter(f.cfg.CooldownBase, f.cfg.CooldownCap, hs.repeats)
	hs.cooldownUntil = now.Add(window)
	hs.repeats++
	hs.policyFails = 0
	zap.L().Warn("frontier: host entered cooldown",
		zap.String("host", host),
		zap.Duration("window", window),
		zap.Int("repeat", hs.repeats))
}

// trackNotFound counts distinct 404ing URLs per host pattern and promotes
// the pattern once the threshold is met.
func (f *Frontier) trackNotFound(ctx context.Context, canonical, host string, now time.Time) (*model.DeadPattern, error) {
	pattern := PatternFor(canonical)
	if pattern == "" {
		return nil, nil
	}

	f.mu.Lock()
	if f.notFoundURLs[host] == nil {
		f.notFoundURLs[host] = make(map[string]map[string]bool)
	}
	if f.notFoundURLs[host][pattern] == nil {
		f.notFoundURLs[host][pattern] = make(map[string]bool)
	}
	f.notFoundURLs[host][pattern][canonical] = true
	count := len(f.notFoundURLs[host][pattern])
	bucket := make([]string, 0, count)
	for u := range f.notFoundURLs[host][pattern] {
		bucket = append(bucket, u)
	}
	f.mu.Unlock()

	if count < f.cfg.DeadPathThreshold {
		return nil, nil
	}

	// Promote only the subtree the failures actually share, not the whole
	// two-segment bucket.
	dp := &model.DeadPattern{
		Host:     host,
		Pattern:  RefinePattern(pattern, bucket),
		FailKind: string(resilience.FailNotFound),
		Promoted: now.Unix(),
		HitCount: count,
	}
	if err := f.store.AddDeadPattern(ctx, dp); err != nil {
		return nil, eris.Wrap(err, "frontier: promote dead pattern")
	}
	zap.L().Info("frontier: promoted dead path",
		zap.String("host", host),
		zap.String("pattern", dp.Pattern),
		zap.Int("distinct_urls", count))

	f.mu.Lock()
	delete(f.matchers, host) // force reload with the new pattern
	f.mu.Unlock()
	return dp, nil
}

// RequestRepair enqueues a repair-search job for a field that lost its
// evidence source. Deduplicated by the queue.
func (f *Frontier) RequestRepair(ctx context.Context, productID, domain, query string, fields []string) (bool, error) {
	return f.store.EnqueueJob(ctx, &model.Job{
		ProductID:    productID,
		Type:         model.JobRepairSearch,
		Domain:       domain,
		Query:        query,
		FieldTargets: fields,
		ReasonTags:   []string{"dead_source"},
	})
}

func (f *Frontier) hostMatcher(ctx context.Context, host string) (*PathMatcher, error) {
	f.mu.Lock()
	m, ok := f.matchers[host]
	f.mu.Unlock()
	if ok {
		return m, nil
	}

	patterns, err := f.store.ListDeadPatterns(ctx, host)
	if err != nil {
		return nil, eris.Wrap(err, "frontier: load dead patterns")
	}
	globs := make([]string, 0, len(patterns))
	for _, p := range patterns {
		globs = append(globs, p.Pattern)
	}
	m = NewPathMatcher(globs)

	f.mu.Lock()
	f.matchers[host] = m
	f.mu.Unlock()
	return m, nil
}

func (f *Frontier) putHealth(ctx context.Context, url, host string, status model.URLHealthStatus, failKind string, fails, repeats int, cooldownUntil *int64, now time.Time) error {
	return eris.Wrap(f.store.PutURLHealth(ctx, &model.URLHealth{
		URL:              url,
		Host:             host,
		Status:           status,
		FailKind:         failKind,
		ConsecutiveFails: fails,
		Repeats:          repeats,
		CooldownUntil:    cooldownUntil,
		UpdatedAt:        now.Unix(),
	}), "frontier: put health")
}
