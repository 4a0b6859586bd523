package xmlbody

import (
	"net/http"
	"sync"

	"github.com/hollowcore/xmlroute"
)

// Response is the XML response variant. It carries arbitrary content plus a
// fixed media type and renders exactly once; a second Render returns the
// cached result. A serialization failure means the endpoint returned a
// value incompatible with its declared model — a programming error — so the
// route handler surfaces it as an unhandled server error rather than
// catching it.
type Response struct {
	ctx     *Context
	content any
	media   string
	status  int
	header  http.Header

	once sync.Once
	body []byte
	err  error

	background *xmlroute.BackgroundTasks
}

var _ xmlroute.Responder = (*Response)(nil)

// NewResponse builds an application/xml response around content.
func NewResponse(ctx *Context, content any) *Response {
	return newResponse(ctx, content, MediaTypeApplication)
}

// NewTextResponse builds a text/xml response. It differs from NewResponse
// only in the declared media type, not in encoding behavior.
func NewTextResponse(ctx *Context, content any) *Response {
	return newResponse(ctx, content, MediaTypeText)
}

func newResponse(ctx *Context, content any, media string) *Response {
	if ctx == nil {
		ctx = NewContext()
	}
	return &Response{
		ctx:     ctx,
		content: content,
		media:   media,
		header:  make(http.Header),
	}
}

// ResponseFactory adapts NewResponse to the route layer's response-type
// slot, sharing one Context across requests.
func ResponseFactory(ctx *Context) func(content any) xmlroute.Responder {
	return func(content any) xmlroute.Responder { return NewResponse(ctx, content) }
}

// TextResponseFactory is ResponseFactory for the text/xml variant.
func TextResponseFactory(ctx *Context) func(content any) xmlroute.Responder {
	return func(content any) xmlroute.Responder { return NewTextResponse(ctx, content) }
}

// MediaType returns the declared media type of the response.
func (r *Response) MediaType() string { return r.media }

// Render serializes the content to UTF-8 XML bytes. The result is computed
// once and cached.
func (r *Response) Render() ([]byte, error) {
	r.once.Do(func() {
		r.body, r.err = r.ctx.Marshal(r.content)
	})
	return r.body, r.err
}

// Content returns the raw content the response wraps.
func (r *Response) Content() any { return r.content }

// StatusCode returns the explicit status code, 0 when unset.
func (r *Response) StatusCode() int { return r.status }

// WithStatus sets an explicit status code and returns the response.
func (r *Response) WithStatus(code int) *Response {
	r.status = code
	return r
}

// Header exposes the response headers.
func (r *Response) Header() http.Header { return r.header }

// Background returns the attached background tasks, nil when none.
func (r *Response) Background() *xmlroute.BackgroundTasks { return r.background }

// SetBackground attaches background tasks. The route handler only calls
// this when the endpoint did not attach its own.
func (r *Response) SetBackground(tasks *xmlroute.BackgroundTasks) { r.background = tasks }
