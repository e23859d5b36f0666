// Package task implements the request-routing manager: it routes client
// requests to a Cache, single-flights background refills, applies content
// rewrites, and streams large payloads.
/*
 * Copyright (c) 2020-2026, cachegate authors. All rights reserved.
 */
package task

import (
	"strings"

	"github.com/aistore-edge/cachegate/cmn"
)

// Task identifies one fetchable resource under a routing rule.
type Task struct {
	RuleID uint32
	URL    string
}

// ToKey derives a filesystem-safe cache key by stripping the URL scheme and
// trailing slashes.
func (t Task) ToKey() string {
	key := t.URL
	if idx := strings.Index(key, "://"); idx != -1 {
		key = key[idx+3:]
	}
	return strings.TrimRight(key, "/")
}

// Rewrite is one literal from->to substitution applied to a rule's
// response bodies, in declared order.
type Rewrite struct {
	From string
	To   string
}

// Outcome reports whether resolve() was served from cache.
type Outcome int

const (
	Miss Outcome = iota
	Hit
)

// Kind distinguishes the three shapes a Response to the HTTP front-end can
// take.
type Kind int

const (
	KindPayload Kind = iota
	KindUpstreamError
	KindRedirect
)

// Response is what resolve() hands back to the HTTP front-end: either a
// servable payload, an upstream error to surface verbatim, or a redirect
// for oversize uncached payloads.
type Response struct {
	Kind Kind

	// KindPayload
	Data cmn.CacheData

	// KindUpstreamError
	Status int

	// KindRedirect
	RedirectURL string
}
