package fetch

import (
	"context"
	"errors"
	"net/http"

	"github.com/sells-group/spec-harvester/internal/model"
	"github.com/sells-group/spec-harvester/internal/resilience"
)

// Outcome classifies a fetch attempt for counters, the frontier, and
// the automation queue.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeNotFound     Outcome = "not_found"
	OutcomeBlocked      Outcome = "blocked"
	OutcomeRateLimited  Outcome = "rate_limited"
	OutcomeLoginWall    Outcome = "login_wall"
	OutcomeBotChallenge Outcome = "bot_challenge"
	OutcomeBadContent   Outcome = "bad_content"
	OutcomeNetworkError Outcome = "network_error"
	OutcomeInterrupted  Outcome = "interrupted"
)

// ClassifyOutcome maps a fetch error to an outcome. A nil error is ok.
func ClassifyOutcome(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeInterrupted
	}

	var be *BlockError
	if errors.As(err, &be) {
		switch be.Type {
		case BlockLoginWall:
			return OutcomeLoginWall
		case BlockJSShell:
			// A JS shell that survived every escalation step is
			// unusable content, not a block.
			return OutcomeBadContent
		default:
			return OutcomeBotChallenge
		}
	}

	var re *RobotsError
	if errors.As(err, &re) {
		return OutcomeBlocked
	}

	var he *HTTPError
	if errors.As(err, &he) {
		switch {
		case he.Status == http.StatusNotFound || he.Status == http.StatusGone:
			return OutcomeNotFound
		case he.Status == http.StatusUnauthorized:
			return OutcomeLoginWall
		case he.Status == http.StatusForbidden || he.Status == http.StatusUnavailableForLegalReasons:
			return OutcomeBlocked
		case he.Status == http.StatusTooManyRequests:
			return OutcomeRateLimited
		case he.Status == http.StatusRequestTimeout || he.Status >= 500:
			return OutcomeNetworkError
		default:
			return OutcomeBadContent
		}
	}

	if resilience.IsTransient(err) {
		return OutcomeNetworkError
	}
	return OutcomeBadContent
}

// FailKind maps an outcome to the frontier's failure taxonomy.
func (o Outcome) FailKind() resilience.FailKind {
	switch o {
	case OutcomeOK:
		return resilience.FailNone
	case OutcomeNotFound:
		return resilience.FailNotFound
	case OutcomeBlocked, OutcomeLoginWall, OutcomeBotChallenge:
		return resilience.FailPolicy
	case OutcomeRateLimited:
		return resilience.FailRateLimit
	case OutcomeNetworkError, OutcomeInterrupted:
		return resilience.FailTransient
	default:
		return resilience.FailBadContent
	}
}

// CrawlStatus maps an outcome to the status recorded on the source.
func (o Outcome) CrawlStatus() model.CrawlStatus {
	switch o {
	case OutcomeOK:
		return model.CrawlOK
	case OutcomeNotFound:
		return model.CrawlNotFound
	case OutcomeBlocked, OutcomeRateLimited, OutcomeLoginWall, OutcomeBotChallenge:
		return model.CrawlBlocked
	case OutcomeInterrupted, OutcomeNetworkError:
		return model.CrawlInterrupted
	default:
		return model.CrawlBadContent
	}
}

// Retryable reports whether a later round may retry this outcome.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeRateLimited, OutcomeNetworkError, OutcomeInterrupted:
		return true
	default:
		return false
	}
}
