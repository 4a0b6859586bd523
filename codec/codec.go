// Package codec defines the body-decoder contract and the content-type
// dispatch registry used by the route handler. Decoders convert raw request
// bytes into a plain mapping that the route layer re-validates through its
// normal model-construction step; the registry picks which decoders to try
// based on the request's content type.
package codec

import (
	"errors"
	"net/http"
	"reflect"
)

// DecodeError is a client-input fault: the decoder that owns the payload's
// format rejected the payload. The route handler surfaces Detail as the
// HTTP 400 response body, so it must not contain internal data.
type DecodeError struct {
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	return e.Detail
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewDecodeError builds a DecodeError wrapping cause. Detail is the
// client-visible message.
func NewDecodeError(detail string, cause error) *DecodeError {
	return &DecodeError{Detail: detail, Err: cause}
}

// IsDecodeError reports whether err is (or wraps) a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Field describes the declared body field of a route: the endpoint-visible
// name, the Go type the body is validated against, and how the body is
// transported. It is immutable once constructed.
type Field struct {
	// Name is the endpoint-visible name of the body parameter.
	Name string

	// Type is the declared Go type of the body model. Decoders that only
	// apply to schema-bearing types inspect this.
	Type reflect.Type

	// Form marks the body as form-encoded. Form bodies bypass the codec
	// registry entirely and use the host's form decoding.
	Form bool

	// Required causes an empty body to fail validation instead of
	// producing the zero value.
	Required bool
}

// NewField builds a Field for the model type of v (a value or pointer;
// pointers are dereferenced).
func NewField(name string, v any) *Field {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return &Field{Name: name, Type: t}
}

// Decoder turns raw body bytes into a mapping suitable for model
// construction. Implementations are registered once and must be safe for
// concurrent use; Decode must not mutate shared state.
//
// Decode returns (nil, nil) when the decoder does not apply to the payload,
// for example when the bytes are not in its format and the request did not
// claim that format via content type. It returns a *DecodeError when the
// payload is in the decoder's format but malformed. Any other error is
// treated as a decoder bug by the registry.
type Decoder interface {
	// ContentTypes lists the lower-cased media types the decoder declares
	// support for. The registry buckets the decoder under each.
	ContentTypes() []string

	// Decode parses body against the declared field. A non-nil mapping
	// (even an empty one) claims the payload; nil defers to the next
	// decoder.
	Decode(r *http.Request, field *Field, body []byte) (map[string]any, error)
}
