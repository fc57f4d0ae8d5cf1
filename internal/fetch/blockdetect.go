package fetch

import (
	"net/http"
	"strings"
)

// BlockType describes the kind of anti-bot or access barrier detected.
type BlockType string

const (
	BlockNone      BlockType = ""
	BlockChallenge BlockType = "bot_challenge"
	BlockCaptcha   BlockType = "captcha"
	BlockLoginWall BlockType = "login_wall"
	BlockJSShell   BlockType = "js_shell"
)

// BlockError is returned by fetchers when a page is reachable but an
// access barrier stands between us and the content. The chain uses the
// type to decide whether escalating to a headless fetch could help.
type BlockError struct {
	Type   BlockType
	Status int
}

func (e *BlockError) Error() string {
	return "fetch: blocked (" + string(e.Type) + ")"
}

// DetectBlock inspects an HTTP status, headers, and body for signs of
// bot challenges, captchas, login walls, and JS-only shells. Headless
// fetches pass status 0 and nil headers; only body markers apply then.
func DetectBlock(status int, header http.Header, body []byte) (bool, BlockType) {
	// Cloudflare and similar edge challenges: 403/503 with cf-* headers.
	if status == http.StatusForbidden || status == http.StatusServiceUnavailable {
		if header.Get("cf-ray") != "" || header.Get("cf-cache-status") != "" {
			return true, BlockChallenge
		}
		if strings.EqualFold(header.Get("server"), "cloudflare") {
			return true, BlockChallenge
		}
	}

	lower := strings.ToLower(string(body))

	// Challenge page markers.
	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "verifying you are human") ||
		(strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge")) {
		return true, BlockChallenge
	}

	// Captcha markers.
	if strings.Contains(lower, "captcha") ||
		strings.Contains(lower, "recaptcha") ||
		strings.Contains(lower, "hcaptcha") {
		return true, BlockCaptcha
	}

	// Login walls: a 401, or auth prompts dominating a small page.
	if status == http.StatusUnauthorized {
		return true, BlockLoginWall
	}
	if len(body) < 4000 {
		if strings.Contains(lower, "sign in to continue") ||
			strings.Contains(lower, "log in to view") ||
			strings.Contains(lower, "create an account to") {
			return true, BlockLoginWall
		}
	}

	// JS-only shell: very small body with noscript or meta refresh. A
	// headless fetch usually recovers these.
	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return true, BlockJSShell
		}
		if strings.Contains(lower, `meta http-equiv="refresh"`) {
			return true, BlockJSShell
		}
	}

	return false, BlockNone
}
