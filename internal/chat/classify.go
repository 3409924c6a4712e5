package chat

import "strings"

// FailureKind is a best-effort bucket for a turn-boundary error, used to
// pick the human-readable message shown in place of the failed turn.
type FailureKind int

const (
	FailureGeneric FailureKind = iota
	FailureTimeout
	FailureNetwork
	FailureAuth
	FailureServer
)

// failure message templates, keyed by kind.
var failureMessages = map[FailureKind]string{
	FailureGeneric: "Something went wrong. Please try again.",
	FailureTimeout: "The request timed out. Please try again.",
	FailureNetwork: "Could not reach the server. Check your connection and try again.",
	FailureAuth:    "Your session is no longer valid. Please sign in again.",
	FailureServer:  "The assistant is temporarily unavailable. Please try again shortly.",
}

// classifyFailure buckets an error by substring matching on its
// description. Best-effort, not exhaustive: anything unrecognized is
// generic.
func classifyFailure(err error) (FailureKind, string) {
	lower := strings.ToLower(err.Error())

	kind := FailureGeneric
	switch {
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		kind = FailureTimeout
	case containsAny(lower, "connection refused", "connection reset", "no such host", "network", "broken pipe", "eof"):
		kind = FailureNetwork
	case containsAny(lower, "401", "unauthorized", "authentication", "bearer"):
		kind = FailureAuth
	case containsAny(lower, "500", "502", "503", "server error", "unavailable", "exhausted", "no upstream credentials"):
		kind = FailureServer
	}
	return kind, failureMessages[kind]
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
