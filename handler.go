// Package xmlroute mounts typed routes whose request bodies are decoded
// through a pluggable codec registry and whose responses can be rendered
// as XML. The default pipeline is JSON-shaped; the xmlbody subpackage
// supplies the XML decoder and response variants.
package xmlroute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/hollowcore/xmlroute/codec"
	"github.com/hollowcore/xmlroute/internal/logctx"
)

// DefaultMaxBodyBytes caps request bodies when no limit is configured.
const DefaultMaxBodyBytes = 4 << 20

// Handler is the route host. It owns the codec registry, mounts routes
// onto an http.ServeMux and drives the request pipeline: body decoding,
// dependency resolution, endpoint execution, response rendering and
// background task execution.
type Handler struct {
	mux *http.ServeMux
	log *slog.Logger
	reg *codec.Registry

	maxBody int64

	mu     sync.Mutex
	routes []*Route
}

var _ http.Handler = (*Handler)(nil)

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the handler's logger. If not provided,
// slog.Default() is used, wrapped so request metadata rides along on
// every record.
func WithHandlerLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = log }
}

// WithRegistry supplies a pre-built codec registry, typically shared with
// other handlers or pre-loaded with decoders.
func WithRegistry(reg *codec.Registry) HandlerOption {
	return func(h *Handler) { h.reg = reg }
}

// WithMaxBodyBytes caps the request body size. Zero or negative disables
// the cap.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) { h.maxBody = n }
}

// New constructs a Handler.
func New(opts ...HandlerOption) *Handler {
	h := &Handler{
		mux:     http.NewServeMux(),
		maxBody: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = slog.New(logctx.Handler{Handler: slog.Default().Handler()})
	}
	if h.reg == nil {
		h.reg = codec.NewRegistry(codec.WithLogger(h.log))
	}
	return h
}

// Registry exposes the handler's codec registry so callers can register
// decoders after construction.
func (h *Handler) Registry() *codec.Registry { return h.reg }

// Mount registers a route. The method and path map onto an
// http.ServeMux "METHOD /path" pattern.
func (h *Handler) Mount(rt *Route) {
	h.mu.Lock()
	h.routes = append(h.routes, rt)
	h.mu.Unlock()
	h.mux.HandleFunc(rt.Method+" "+rt.Path, func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, rt)
	})
}

// Routes returns the mounted routes in mount order.
func (h *Handler) Routes() []*Route {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Route(nil), h.routes...)
}

// ServeHTTP dispatches to the mounted routes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, rt *Route) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:   uuid.NewString(),
		Method:      r.Method,
		ContentType: r.Header.Get("Content-Type"),
		UserAgent:   r.UserAgent(),
		RemoteAddr:  r.RemoteAddr,
		Path:        r.URL.Path,
	})
	r = r.WithContext(ctx)

	body, err := h.interpretBody(r, rt)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	sub := NewSubResponse()
	tasks := &BackgroundTasks{}

	for _, dep := range rt.deps {
		if err := dep(r, sub, tasks); err != nil {
			h.writeError(ctx, w, err)
			return
		}
	}

	out, err := rt.endpoint(ctx, &Call{
		Request: r,
		Body:    body,
		Sub:     sub,
		Tasks:   tasks,
	})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	resp := h.buildResponder(rt, out)
	if resp == nil {
		h.log.ErrorContext(ctx, "route.no_response",
			slog.String("route", rt.Method+" "+rt.Path))
		h.writeServerError(w)
		return
	}

	rendered, err := resp.Render()
	if err != nil {
		h.log.ErrorContext(ctx, "route.render_failed",
			slog.String("route", rt.Method+" "+rt.Path),
			slog.String("err", err.Error()))
		h.writeServerError(w)
		return
	}

	// The endpoint's own task list wins; the request-scoped one only
	// attaches when nothing is attached yet.
	runTasks := tasks
	if bh, ok := resp.(backgroundHolder); ok {
		if bg := bh.Background(); bg != nil {
			runTasks = bg
		} else if !tasks.Empty() {
			bh.SetBackground(tasks)
		}
	}

	status := h.responseStatus(rt, sub, resp)

	header := w.Header()
	if hh, ok := resp.(Headerer); ok {
		copyHeader(header, hh.Header())
	}
	copyHeader(header, sub.Header())

	if bodyAllowedForStatus(status) {
		header.Set("Content-Type", resp.MediaType())
		header.Set("Content-Length", strconv.Itoa(len(rendered)))
		w.WriteHeader(status)
		w.Write(rendered)
	} else {
		w.WriteHeader(status)
	}

	if !runTasks.Empty() {
		runTasks.Run(context.WithoutCancel(ctx), h.log)
	}
}

// interpretBody produces the route's body representation: url.Values for
// form routes, a decoded mapping when a codec claims the payload,
// jsonBody/rawBody passthrough bytes otherwise, or nil for an empty body.
func (h *Handler) interpretBody(r *http.Request, rt *Route) (any, error) {
	if rt.Body == nil {
		return nil, nil
	}
	if rt.Body.Form {
		if err := r.ParseForm(); err != nil {
			return nil, Errorf(http.StatusBadRequest, "malformed form body")
		}
		return r.PostForm, nil
	}

	reader := io.Reader(r.Body)
	if h.maxBody > 0 {
		reader = http.MaxBytesReader(nil, r.Body, h.maxBody)
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, Errorf(http.StatusRequestEntityTooLarge, "request body exceeds %d bytes", mbe.Limit)
		}
		return nil, Errorf(http.StatusBadRequest, "failed to read request body")
	}
	if len(raw) == 0 {
		return nil, nil
	}

	result, err := h.reg.Run(r, rt.Body, raw)
	if err != nil {
		return nil, err
	}
	switch v := result.(type) {
	case map[string]any:
		return v, nil
	case []byte:
		if jsonCandidate(r) {
			return jsonBody(v), nil
		}
		return rawBody(v), nil
	default:
		return nil, fmt.Errorf("decoder returned unsupported type %T", result)
	}
}

// buildResponder wraps the endpoint's return value. Responders pass
// through untouched; plain values go through the route's response type,
// defaulting to JSON.
func (h *Handler) buildResponder(rt *Route, out any) Responder {
	if resp, ok := out.(Responder); ok {
		if v := reflect.ValueOf(out); v.Kind() == reflect.Pointer && v.IsNil() {
			return nil
		}
		return resp
	}
	if rt.NewResponse != nil {
		return rt.NewResponse(out)
	}
	return NewJSONResponse(out)
}

// responseStatus resolves the final status code. A status declared on the
// route wins, then one set on the sub-response, then one carried by the
// response object, then 200.
func (h *Handler) responseStatus(rt *Route, sub *SubResponse, resp Responder) int {
	if rt.StatusCode > 0 {
		return rt.StatusCode
	}
	if s := sub.Status(); s > 0 {
		return s
	}
	if sc, ok := resp.(StatusCoder); ok {
		if s := sc.StatusCode(); s > 0 {
			return s
		}
	}
	return http.StatusOK
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": ve.Issues})
		return
	}
	var he *HTTPError
	if errors.As(err, &he) {
		writeJSON(w, he.Status, map[string]any{"detail": he.Detail})
		return
	}
	var de *codec.DecodeError
	if errors.As(err, &de) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": de.Detail})
		return
	}
	h.log.ErrorContext(ctx, "route.endpoint_failed", slog.String("err", err.Error()))
	h.writeServerError(w)
}

func (h *Handler) writeServerError(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": "Internal Server Error"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := NewJSONResponse(payload).Render()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
}

// jsonCandidate reports whether passthrough bytes should be interpreted
// as JSON: no content type at all, or a JSON-family one (subtype "json"
// or a "+json" structured-syntax suffix).
func jsonCandidate(r *http.Request) bool {
	if r.Header.Get("Content-Type") == "" {
		return true
	}
	mt, err := contenttype.GetMediaType(r)
	if err != nil {
		return false
	}
	sub := strings.ToLower(mt.Subtype)
	return sub == "json" || strings.HasSuffix(sub, "+json")
}

// bodyAllowedForStatus mirrors RFC 9110: 1xx, 204, 205 and 304 responses
// carry no body.
func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent:
		return false
	case status == http.StatusResetContent:
		return false
	case status == http.StatusNotModified:
		return false
	}
	return true
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
