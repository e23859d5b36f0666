// Package fetch defines the Upstream collaborator interface and a concrete
// fasthttp-based implementation. The core (package task) depends only on
// the interface.
/*
 * Copyright (c) 2020-2026, cachegate authors. All rights reserved.
 */
package fetch

import "io"

// Response is what an Upstream fetch returns: status, an optional declared
// length, headers, a forward-only body stream, and a convenience Text
// accessor for callers that need to buffer and rewrite.
type Response struct {
	Status        int
	ContentLength int64 // -1 when not declared
	Headers       map[string]string
	Body          io.ReadCloser
}

// Text fully buffers Body and returns it as a string. Callers that want a
// stream should read Body directly instead.
func (r *Response) Text() (string, error) {
	defer r.Body.Close()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Upstream performs the outbound GET (or HEAD when headOnly) that a cache
// miss needs. The core does not assume any particular HTTP client.
type Upstream interface {
	Fetch(url string, headOnly bool) (*Response, error)
}
