package xmlroute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"reflect"

	"github.com/hollowcore/xmlroute/codec"
)

// NoBody marks a route without a request body when used as the input type
// parameter of NewRoute.
type NoBody struct{}

// Dependency is a host-collaboration hook resolved before the endpoint
// runs. Dependencies may set headers or a status on the sub-response,
// queue background tasks, or abort the request by returning an error
// (an *HTTPError or *ValidationError keeps its classification).
type Dependency func(r *http.Request, sub *SubResponse, tasks *BackgroundTasks) error

// Call carries the per-request state handed to a route's endpoint adapter.
type Call struct {
	Request *http.Request
	// Body is the interpreted request body: a map[string]any from a
	// decoder or form, jsonBody/rawBody passthrough bytes, or nil.
	Body  any
	Sub   *SubResponse
	Tasks *BackgroundTasks
}

// jsonBody is passthrough bytes the host interprets as JSON (missing or
// JSON-family content type). rawBody is passthrough bytes nothing claims.
type (
	jsonBody []byte
	rawBody  []byte
)

type endpointFunc func(ctx context.Context, call *Call) (any, error)

// Route is one mounted operation: the declared body and response fields,
// response type, status code, dependencies and the endpoint itself. Build
// routes with NewRoute; fields are read-only afterwards.
type Route struct {
	Method string
	Path   string

	// Body describes the declared body field, nil when the route takes
	// no body.
	Body *codec.Field

	// ResponseModel describes the declared response model, nil when the
	// endpoint returns a Responder or nothing schema-bearing.
	ResponseModel *codec.Field

	// StatusCode is the explicit success status, 0 to inherit from the
	// sub-response or the response object.
	StatusCode int

	// NewResponse wraps plain endpoint return values; nil selects the
	// default JSON response.
	NewResponse func(content any) Responder

	deps     []Dependency
	endpoint endpointFunc
}

// RouteOption configures a Route.
type RouteOption func(*Route)

// WithStatusCode declares an explicit success status code.
func WithStatusCode(code int) RouteOption {
	return func(rt *Route) { rt.StatusCode = code }
}

// WithResponseType selects the response type plain return values are
// wrapped in, e.g. xmlbody.ResponseFactory(ctx).
func WithResponseType(fn func(content any) Responder) RouteOption {
	return func(rt *Route) { rt.NewResponse = fn }
}

// WithDependency appends a dependency resolved before the endpoint.
func WithDependency(dep Dependency) RouteOption {
	return func(rt *Route) { rt.deps = append(rt.deps, dep) }
}

// WithFormBody declares the body as form-encoded. Form bodies bypass the
// codec registry and use the host's form decoding.
func WithFormBody() RouteOption {
	return func(rt *Route) {
		if rt.Body != nil {
			rt.Body.Form = true
		}
	}
}

// WithBodyRequired makes an empty body a validation error instead of the
// zero model.
func WithBodyRequired() RouteOption {
	return func(rt *Route) {
		if rt.Body != nil {
			rt.Body.Required = true
		}
	}
}

// Request carries the typed input of one endpoint invocation.
type Request[I any] struct {
	http  *http.Request
	body  I
	sub   *SubResponse
	tasks *BackgroundTasks
}

// Body returns the constructed body model.
func (r *Request[I]) Body() I { return r.body }

// HTTP returns the underlying request.
func (r *Request[I]) HTTP() *http.Request { return r.http }

// Response is the sub-response: headers and status set here are merged
// into the final response.
func (r *Request[I]) Response() *SubResponse { return r.sub }

// Background returns the request's background task list.
func (r *Request[I]) Background() *BackgroundTasks { return r.tasks }

// NewRoute builds a route from a typed endpoint. I is the body model (use
// NoBody for body-less routes); O is the response model, used for schema
// generation and wrapped in the route's response type unless the endpoint
// returns a Responder itself.
func NewRoute[I, O any](method, path string, fn func(ctx context.Context, req *Request[I]) (O, error), opts ...RouteOption) *Route {
	rt := &Route{
		Method:        method,
		Path:          path,
		Body:          fieldFor[I]("body"),
		ResponseModel: fieldFor[O]("response"),
	}
	rt.endpoint = func(ctx context.Context, call *Call) (any, error) {
		in, err := buildInput[I](rt.Body, call.Body)
		if err != nil {
			return nil, err
		}
		out, err := fn(ctx, &Request[I]{
			http:  call.Request,
			body:  in,
			sub:   call.Sub,
			tasks: call.Tasks,
		})
		if err != nil {
			return nil, err
		}
		return any(out), nil
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// fieldFor builds the codec.Field for a model type parameter, or nil when
// the type carries no schema (NoBody, interfaces, responders).
func fieldFor[T any](name string) *codec.Field {
	t := reflect.TypeOf((*T)(nil)).Elem()
	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	if base == reflect.TypeOf(NoBody{}) || base.Kind() == reflect.Interface {
		return nil
	}
	if base.Implements(reflect.TypeOf((*Responder)(nil)).Elem()) ||
		reflect.PointerTo(base).Implements(reflect.TypeOf((*Responder)(nil)).Elem()) {
		return nil
	}
	return &codec.Field{Name: name, Type: base}
}

// buildInput constructs the typed body model from the interpreted body.
// This is the host's model-construction step: decoder output is
// re-validated here rather than trusted, and every failure surfaces in the
// host-native validation format.
func buildInput[I any](field *codec.Field, body any) (I, error) {
	var in I
	if field == nil {
		return in, nil
	}
	switch b := body.(type) {
	case nil:
		if field.Required {
			return in, missingBodyError()
		}
		return in, nil
	case map[string]any:
		raw, err := json.Marshal(b)
		if err != nil {
			return in, fmt.Errorf("encode decoded body: %w", err)
		}
		if err := strictUnmarshal(raw, &in); err != nil {
			return in, withBody(validationFromJSON(err), b)
		}
		return in, nil
	case url.Values:
		m := make(map[string]any, len(b))
		for k, vs := range b {
			if len(vs) == 1 {
				m[k] = vs[0]
			} else {
				m[k] = vs
			}
		}
		return buildInput[I](field, m)
	case jsonBody:
		if len(b) == 0 {
			if field.Required {
				return in, missingBodyError()
			}
			return in, nil
		}
		if err := strictUnmarshal(b, &in); err != nil {
			return in, withBody(validationFromJSON(err), string(b))
		}
		return in, nil
	case rawBody:
		return in, withBody(newValidationError(ValidationIssue{
			Type: "model_attributes_type",
			Loc:  []any{"body"},
			Msg:  "Input should be a valid dictionary or object to extract fields from",
		}), string(b))
	default:
		return in, fmt.Errorf("unsupported body representation %T", body)
	}
}

func missingBodyError() *ValidationError {
	return newValidationError(ValidationIssue{
		Type: "missing",
		Loc:  []any{"body"},
		Msg:  "Field required",
	})
}

func withBody(e *ValidationError, body any) *ValidationError {
	e.Body = body
	return e
}

// strictUnmarshal decodes JSON rejecting unknown fields, so decoder output
// cannot smuggle extra keys past the declared model.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
