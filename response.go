package xmlroute

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
)

// Responder is a fully-formed response object: content rendered to bytes
// under a declared media type. Endpoints may return one directly; the route
// handler also constructs one from plain return values using the route's
// response type (or the default JSON response).
type Responder interface {
	MediaType() string
	Render() ([]byte, error)
}

// StatusCoder is optionally implemented by responders that carry an
// explicit status code. A zero code means unset.
type StatusCoder interface {
	StatusCode() int
}

// Headerer is optionally implemented by responders that carry headers to
// merge into the final response.
type Headerer interface {
	Header() http.Header
}

// backgroundHolder is optionally implemented by responders that can carry
// background tasks. The handler only attaches the request's tasks when the
// endpoint did not attach its own.
type backgroundHolder interface {
	Background() *BackgroundTasks
	SetBackground(*BackgroundTasks)
}

// Task is one unit of deferred work executed after the response is written.
type Task func(ctx context.Context) error

// BackgroundTasks is an ordered list of tasks accumulated during a request
// and executed, in order, after the response has been sent.
type BackgroundTasks struct {
	mu    sync.Mutex
	tasks []Task
}

// Add appends a task.
func (b *BackgroundTasks) Add(t Task) {
	b.mu.Lock()
	b.tasks = append(b.tasks, t)
	b.mu.Unlock()
}

// Empty reports whether no tasks were added.
func (b *BackgroundTasks) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tasks) == 0
}

// Run executes the tasks in order. Failures are logged and do not stop
// later tasks; the response is already on the wire by the time Run is
// called.
func (b *BackgroundTasks) Run(ctx context.Context, log *slog.Logger) {
	b.mu.Lock()
	tasks := append([]Task(nil), b.tasks...)
	b.mu.Unlock()
	for _, t := range tasks {
		if err := t(ctx); err != nil && log != nil {
			log.ErrorContext(ctx, "route.background_task_failed", slog.String("err", err.Error()))
		}
	}
}

// SubResponse accumulates headers and a status code during dependency
// resolution and endpoint execution. The handler merges it into the final
// response: its headers are appended and, when the route declares no
// explicit status, its status wins.
type SubResponse struct {
	mu     sync.Mutex
	status int
	header http.Header
}

// NewSubResponse constructs an empty SubResponse.
func NewSubResponse() *SubResponse {
	return &SubResponse{header: make(http.Header)}
}

// Header exposes the accumulated headers.
func (s *SubResponse) Header() http.Header { return s.header }

// SetStatus records a status code to apply to the final response.
func (s *SubResponse) SetStatus(code int) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

// Status returns the recorded status code, 0 when unset.
func (s *SubResponse) Status() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// JSONResponse is the default response type, mirroring the host behavior
// for routes that do not opt into an XML variant.
type JSONResponse struct {
	content any
	status  int
	header  http.Header

	once sync.Once
	body []byte
	err  error

	background *BackgroundTasks
}

var _ Responder = (*JSONResponse)(nil)

// NewJSONResponse wraps content for JSON serialization.
func NewJSONResponse(content any) *JSONResponse {
	return &JSONResponse{content: content, header: make(http.Header)}
}

// MediaType returns "application/json".
func (r *JSONResponse) MediaType() string { return "application/json" }

// Render marshals the content once and caches the result.
func (r *JSONResponse) Render() ([]byte, error) {
	r.once.Do(func() {
		r.body, r.err = json.Marshal(r.content)
	})
	return r.body, r.err
}

// StatusCode returns the explicit status code, 0 when unset.
func (r *JSONResponse) StatusCode() int { return r.status }

// WithStatus sets an explicit status code and returns the response.
func (r *JSONResponse) WithStatus(code int) *JSONResponse {
	r.status = code
	return r
}

// Header exposes the response headers.
func (r *JSONResponse) Header() http.Header { return r.header }

// Background returns the attached background tasks, nil when none.
func (r *JSONResponse) Background() *BackgroundTasks { return r.background }

// SetBackground attaches background tasks.
func (r *JSONResponse) SetBackground(tasks *BackgroundTasks) { r.background = tasks }
