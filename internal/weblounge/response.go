package weblounge

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"time"
)

type openPart struct {
	bracket Bracket
	start   int
}

// Response buffers the output of one request. Output is only sent to the
// client by flush, so a response invalidated half way never leaks a
// truncated body and never reaches the cache.
type Response struct {
	ctx    context.Context
	method string
	cache  CacheCoordinator

	header      http.Header
	status      int
	body        bytes.Buffer
	parts       []*openPart
	keys        map[string]int
	invalidated bool
	errStatus   int
}

func newResponse(ctx context.Context, method string, cache CacheCoordinator) *Response {
	return &Response{
		ctx:    ctx,
		method: method,
		cache:  cache,
		header: http.Header{},
		keys:   map[string]int{},
	}
}

func (r *Response) Header() http.Header { return r.header }

func (r *Response) Write(p []byte) (int, error) { return r.body.Write(p) }

func (r *Response) WriteString(s string) (int, error) { return r.body.WriteString(s) }

func (r *Response) WriteHeader(status int) { r.status = status }

func (r *Response) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *Response) SetContentType(ct string) { r.header.Set("Content-Type", ct) }

// Bytes returns the buffered body.
func (r *Response) Bytes() []byte { return r.body.Bytes() }

// Invalidate marks the response as unusable. Open parts are aborted when
// they close and flush refuses to send it.
func (r *Response) Invalidate() { r.invalidated = true }

func (r *Response) Invalidated() bool { return r.invalidated }

// SendError asks the dispatcher to answer with status instead of the
// buffered output. A 3xx status is sent with the response headers and no
// body, so a Location set on Header() turns it into a redirect.
func (r *Response) SendError(status int) {
	r.errStatus = status
}

// ErrorStatus is the status passed to SendError, 0 if none.
func (r *Response) ErrorStatus() int { return r.errStatus }

// AddTag attaches a tag to every open part.
func (r *Response) AddTag(name, value string) {
	for _, p := range r.parts {
		p.bracket.AddTag(name, value)
	}
}

// Part runs render inside a cache bracket for tags. On a hit the cached
// bytes are appended and render is not called. On a miss the bytes render
// writes become the entry, unless render fails or panics, or the response
// is invalidated or errored, in which case the bracket is aborted. Either
// way the bracket is closed before Part returns.
func (r *Response) Part(tags TagSet, valid, recheck time.Duration, render func() error) (bool, error) {
	return r.part(tags, valid, recheck, false, render)
}

func (r *Response) part(tags TagSet, valid, recheck time.Duration, whole bool, render func() error) (hit bool, err error) {
	if r.cache == nil {
		return false, render()
	}
	key := tags.Key()
	if r.keys[key] > 0 {
		// the same output is already being computed further up this chain
		return false, render()
	}

	b, err := r.cache.Begin(r.ctx, tags, valid, recheck)
	if err != nil {
		return false, err
	}
	if b.Hit() {
		ent := b.Entry()
		if whole {
			for k, v := range ent.Header {
				r.header[k] = append([]string(nil), v...)
			}
			r.status = ent.Status
		}
		r.body.Write(ent.Body)
		return true, nil
	}

	p := &openPart{bracket: b, start: r.body.Len()}
	r.parts = append(r.parts, p)
	r.keys[key]++
	completed := false
	defer func() {
		r.parts = r.parts[:len(r.parts)-1]
		r.keys[key]--
		if !completed || r.invalidated || r.errStatus != 0 {
			b.End(nil)
			return
		}
		ent := &CacheEntry{Body: append([]byte(nil), r.body.Bytes()[p.start:]...)}
		if whole {
			ent.Status = r.Status()
			ent.Header = r.header.Clone()
		}
		b.End(ent)
	}()

	err = render()
	completed = err == nil
	return false, err
}

// reset drops buffered output and headers, keeping the response open.
func (r *Response) reset() {
	r.body.Reset()
	r.header = http.Header{}
	r.status = 0
}

func (r *Response) flush(w http.ResponseWriter) error {
	if r.invalidated {
		return ErrInvalidated
	}
	h := w.Header()
	for k, v := range r.header {
		h[k] = v
	}
	h.Set("Content-Length", strconv.Itoa(r.body.Len()))
	w.WriteHeader(r.Status())
	if r.method == http.MethodHead {
		return nil
	}
	_, err := w.Write(r.body.Bytes())
	return err
}

// flushStatus writes the headers and the SendError status without a body.
func (r *Response) flushStatus(w http.ResponseWriter) {
	h := w.Header()
	for k, v := range r.header {
		h[k] = v
	}
	h.Del("Content-Length")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(r.errStatus)
}
