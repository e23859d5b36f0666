package main

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/valyala/fasthttp"

	"github.com/aistore-edge/cachegate/cmn"
	"github.com/aistore-edge/cachegate/config"
	"github.com/aistore-edge/cachegate/metrics"
	"github.com/aistore-edge/cachegate/task"
)

// frontEnd is the thin HTTP server: it matches a request to a rule_id by
// path prefix or Host target, calls Manager.Resolve (or Manager.Purge for a
// DELETE), and writes the response verbatim -- it never touches a
// MetadataStore or BlobStorage directly.
type frontEnd struct {
	mgr     *task.Manager
	metrics metrics.Sink
	rules   []ruleRoute
}

type ruleRoute struct {
	ruleID   uint32
	path     string
	target   string
	upstream string
}

func newFrontEnd(mgr *task.Manager, sink metrics.Sink, rules []config.Rule) fasthttp.RequestHandler {
	fe := &frontEnd{mgr: mgr, metrics: sink}
	for i, r := range rules {
		fe.rules = append(fe.rules, ruleRoute{
			ruleID:   uint32(i + 1),
			path:     r.Path,
			target:   r.Target,
			upstream: r.Upstream,
		})
	}
	return fe.handle
}

func (fe *frontEnd) match(ctx *fasthttp.RequestCtx) (ruleRoute, string, bool) {
	reqPath := string(ctx.Path())
	host := string(ctx.Host())
	for _, r := range fe.rules {
		if r.path != "" && strings.HasPrefix(reqPath, r.path) {
			return r, strings.TrimPrefix(reqPath, r.path), true
		}
		if r.target != "" && r.target == host {
			return r, reqPath, true
		}
	}
	return ruleRoute{}, "", false
}

func (fe *frontEnd) handle(ctx *fasthttp.RequestCtx) {
	route, suffix, ok := fe.match(ctx)
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		fe.metrics.RequestTotal(strconv.Itoa(fasthttp.StatusNotFound))
		return
	}

	url := task.JoinUpstream(route.upstream, suffix)
	t := task.Task{RuleID: route.ruleID, URL: url}

	if string(ctx.Method()) == fasthttp.MethodDelete {
		if err := fe.mgr.Purge(context.Background(), t); err != nil {
			if err == cmn.ErrNotFound {
				ctx.SetStatusCode(fasthttp.StatusNotFound)
			} else {
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			}
		} else {
			ctx.SetStatusCode(fasthttp.StatusNoContent)
		}
		fe.metrics.RequestTotal(strconv.Itoa(ctx.Response.StatusCode()))
		return
	}

	resp, _ := fe.mgr.Resolve(context.Background(), t)
	switch resp.Kind {
	case task.KindUpstreamError:
		ctx.SetStatusCode(resp.Status)
	case task.KindRedirect:
		ctx.Redirect(resp.RedirectURL, fasthttp.StatusFound)
	case task.KindPayload:
		writePayload(ctx, resp.Data)
	}
	fe.metrics.RequestTotal(strconv.Itoa(ctx.Response.StatusCode()))
}

func writePayload(ctx *fasthttp.RequestCtx, data cmn.CacheData) {
	switch data.Kind {
	case cmn.KindText:
		ctx.SetBodyString(data.Text)
	case cmn.KindBytes:
		ctx.SetBody(data.Bytes)
	case cmn.KindStream:
		if data.StreamLen >= 0 {
			ctx.Response.Header.SetContentLength(int(data.StreamLen))
		}
		ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
			if _, err := io.Copy(w, data.Reader); err != nil {
				glog.Warningf("stream response body: %v", err)
			}
			if closer, ok := data.Reader.(io.Closer); ok {
				closer.Close()
			}
		})
	}
}
