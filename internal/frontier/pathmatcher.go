package frontier

import (
	"net/url"
	"path"
	"strings"
)

// PathMatcher filters URLs based on glob-style path patterns.
// Uses path.Match from stdlib for proper glob matching, plus a segmented
// match so "/support/drivers/*" matches multi-level paths like
// "/support/drivers/legacy/g502".
type PathMatcher struct {
	patterns []string
}

// NewPathMatcher creates a PathMatcher from glob patterns (e.g.
// "/support/drivers/*", "/*.pdf").
func NewPathMatcher(patterns []string) *PathMatcher {
	return &PathMatcher{patterns: patterns}
}

// Patterns returns the configured patterns.
func (m *PathMatcher) Patterns() []string {
	return m.patterns
}

// Matches checks whether a URL's path matches any pattern.
func (m *PathMatcher) Matches(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return m.matchesPath(u.Path)
}

func (m *PathMatcher) matchesPath(urlPath string) bool {
	urlPath = strings.ToLower(urlPath)
	for _, pattern := range m.patterns {
		if matchSegmented(strings.ToLower(pattern), urlPath) {
			return true
		}
	}
	return false
}

// matchSegmented performs glob matching where a pattern like "/legacy/*"
// matches both "/legacy/x" and "/legacy/deep/nested/path".
func matchSegmented(pattern, urlPath string) bool {
	if ok, _ := path.Match(pattern, urlPath); ok {
		return true
	}

	// For patterns ending in "/*", check if the URL path starts with the
	// pattern's directory prefix.
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		if urlPath == prefix || strings.HasPrefix(urlPath, prefix+"/") {
			return true
		}
	}

	return false
}

// PatternFor reduces a URL path to its promotion bucket: the first two
// path segments with a trailing wildcard. "/support/drivers/legacy/g502"
// becomes "/support/drivers/*". Shallow paths return themselves.
func PatternFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	p := strings.ToLower(strings.Trim(u.Path, "/"))
	if p == "" {
		return ""
	}
	segs := strings.Split(p, "/")
	if len(segs) <= 2 {
		return "/" + p
	}
	return "/" + segs[0] + "/" + segs[1] + "/*"
}

// RefinePattern narrows a promotion bucket to the deepest directory all
// failing URLs share, so three 404s under /support/drivers/legacy/
// condemn only that subtree. Falls back to the bucket pattern when the
// URLs diverge right under it.
func RefinePattern(bucket string, urls []string) string {
	if !strings.HasSuffix(bucket, "/*") {
		return bucket
	}

	var common []string
	first := true
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		segs := strings.Split(strings.ToLower(strings.Trim(u.Path, "/")), "/")
		if len(segs) < 2 {
			return bucket
		}
		dir := segs[:len(segs)-1] // drop the failing leaf
		if first {
			common = append([]string(nil), dir...)
			first = false
			continue
		}
		n := 0
		for n < len(common) && n < len(dir) && common[n] == dir[n] {
			n++
		}
		common = common[:n]
	}
	if len(common) == 0 {
		return bucket
	}
	return "/" + strings.Join(common, "/") + "/*"
}
