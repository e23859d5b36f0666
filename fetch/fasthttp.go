package fetch

import (
	"fmt"
	"io"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/aistore-edge/cachegate/cmn"
)

// FastHTTP is the default Upstream, built on valyala/fasthttp the way the
// teacher's own HTTP data paths are.
type FastHTTP struct {
	client *fasthttp.Client
}

var _ Upstream = (*FastHTTP)(nil)

func NewFastHTTP(timeout time.Duration) *FastHTTP {
	return &FastHTTP{
		client: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
	}
}

// Fetch issues GET (or HEAD when headOnly) against url. The response body is
// copied out of fasthttp's pooled buffer into an owned byte slice before the
// response object is released back to the pool -- fasthttp.Response.Body()
// is only valid until then.
func (f *FastHTTP) Fetch(url string, headOnly bool) (*Response, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	if headOnly {
		req.Header.SetMethod(fasthttp.MethodHead)
	} else {
		req.Header.SetMethod(fasthttp.MethodGet)
	}

	if err := f.client.Do(req, resp); err != nil {
		return nil, fmt.Errorf("%w: %v", cmn.ErrUpstreamUnavailable, err)
	}

	headers := make(map[string]string)
	resp.Header.VisitAll(func(k, v []byte) {
		headers[string(k)] = string(v)
	})

	status := resp.StatusCode()
	contentLength := int64(resp.Header.ContentLength())

	var body []byte
	if !headOnly {
		body = append([]byte(nil), resp.Body()...)
		if contentLength < 0 {
			contentLength = int64(len(body))
		}
	}

	return &Response{
		Status:        status,
		ContentLength: contentLength,
		Headers:       headers,
		Body:          io.NopCloser(newByteReader(body)),
	}, nil
}

type byteReader struct {
	b   []byte
	pos int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
