package model

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// CrawlStatus tracks the fetch outcome recorded on a source.
type CrawlStatus string

const (
	CrawlPending     CrawlStatus = "pending"
	CrawlOK          CrawlStatus = "ok"
	CrawlNotFound    CrawlStatus = "not_found"
	CrawlBlocked     CrawlStatus = "blocked"
	CrawlBadContent  CrawlStatus = "bad_content"
	CrawlInterrupted CrawlStatus = "interrupted"
)

// FetchMethod names how a source was retrieved.
type FetchMethod string

const (
	MethodStatic   FetchMethod = "static"
	MethodHeadless FetchMethod = "headless"
	MethodReader   FetchMethod = "reader"
)

// Source is one evidence URL within a run. Sources carry provenance only;
// model routing and AI decisions live in KeyReview, never here.
type Source struct {
	ID          string      `json:"id"`
	RunID       string      `json:"run_id"`
	URL         string      `json:"url"`
	Host        string      `json:"host"`
	RootDomain  string      `json:"root_domain"`
	Tier        int         `json:"tier"` // 1=manufacturer .. 4=unverified
	Method      FetchMethod `json:"method"`
	CrawlStatus CrawlStatus `json:"crawl_status"`
	HTTPStatus  int         `json:"http_status,omitempty"`
	FetchedAt   *time.Time  `json:"fetched_at,omitempty"`
}

// CanonicalURL normalizes a URL for identity and dedupe: lowercased
// scheme/host, default ports and fragments stripped, tracking params
// removed, query keys sorted, trailing slash trimmed.
func CanonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Host = strings.TrimSuffix(u.Host, ":80")
	u.Host = strings.TrimSuffix(u.Host, ":443")
	u.Fragment = ""

	q := u.Query()
	for key := range q {
		if strings.HasPrefix(key, "utm_") || key == "ref" || key == "gclid" || key == "fbclid" {
			q.Del(key)
		}
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var qb strings.Builder
	for _, k := range keys {
		for _, v := range q[k] {
			if qb.Len() > 0 {
				qb.WriteByte('&')
			}
			qb.WriteString(url.QueryEscape(k))
			qb.WriteByte('=')
			qb.WriteString(url.QueryEscape(v))
		}
	}
	u.RawQuery = qb.String()
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// SourceID derives a stable id from the canonical form of a URL. Two raw
// URLs that normalize identically share a source id.
func SourceID(runID, rawURL string) string {
	sum := sha256.Sum256([]byte(runID + "\x1f" + CanonicalURL(rawURL)))
	return "src_" + hex.EncodeToString(sum[:])[:16]
}

// HostOf extracts the lowercase host from a URL, without port.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// RootDomainOf reduces a host to its registrable root per the public
// suffix list.
func RootDomainOf(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if root, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return root
	}
	// Hosts the suffix list cannot place: localhost, bare IPs.
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

// Artifact is an immutable captured payload belonging to a source.
type ArtifactKind string

const (
	ArtifactHTML       ArtifactKind = "html"
	ArtifactDOM        ArtifactKind = "dom"
	ArtifactJSONLD     ArtifactKind = "jsonld"
	ArtifactGraph      ArtifactKind = "graph"
	ArtifactTable      ArtifactKind = "table"
	ArtifactImage      ArtifactKind = "image"
	ArtifactScreenshot ArtifactKind = "screenshot"
	ArtifactMetadata   ArtifactKind = "metadata"
	ArtifactPDF        ArtifactKind = "pdf"
)

// Artifact rows are append-only; a re-capture produces a new row.
type Artifact struct {
	ID          string       `json:"id"`
	SourceID    string       `json:"source_id"`
	Kind        ArtifactKind `json:"kind"`
	Path        string       `json:"path"`
	ContentHash string       `json:"content_hash"`
	MIME        string       `json:"mime"`
	Size        int64        `json:"size"`
	CapturedAt  time.Time    `json:"captured_at"`
}

// ContentHash returns the hex sha256 of a payload; artifact paths are
// derived from it so concurrent writers never race on the same file.
func ContentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
