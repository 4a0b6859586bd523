package xmlroute

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// HTTPError short-circuits a request with a status code and a
// client-visible detail message, rendered as {"detail": "..."}.
type HTTPError struct {
	Status int
	Detail string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Detail)
}

// Errorf builds an HTTPError.
func Errorf(status int, format string, args ...any) *HTTPError {
	return &HTTPError{Status: status, Detail: fmt.Sprintf(format, args...)}
}

// ValidationIssue is one entry of the validation-error payload. The shape
// (type/loc/msg) is part of the client-visible contract and must not
// change when bodies arrive through a non-JSON decoder.
type ValidationIssue struct {
	Type string `json:"type"`
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
}

// ValidationError is a client-input fault raised during model
// construction. The handler serializes it as a 422 response with
// {"detail": [issues...]}.
type ValidationError struct {
	Issues []ValidationIssue
	Body   any
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("validation failed: %s", e.Issues[0].Msg)
	}
	return fmt.Sprintf("validation failed: %d issues", len(e.Issues))
}

func newValidationError(issues ...ValidationIssue) *ValidationError {
	return &ValidationError{Issues: issues}
}

// validationFromJSON classifies a JSON model-construction failure into the
// host-native issue shape.
func validationFromJSON(err error) *ValidationError {
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		return newValidationError(ValidationIssue{
			Type: "json_invalid",
			Loc:  []any{"body", syn.Offset},
			Msg:  "JSON decode error",
		})
	}
	var typ *json.UnmarshalTypeError
	if errors.As(err, &typ) {
		loc := []any{"body"}
		if typ.Field != "" {
			for _, part := range strings.Split(typ.Field, ".") {
				loc = append(loc, part)
			}
		}
		return newValidationError(ValidationIssue{
			Type: "type_error",
			Loc:  loc,
			Msg:  fmt.Sprintf("Input should be a valid %s", typ.Type.Kind()),
		})
	}
	if field, ok := unknownFieldName(err); ok {
		return newValidationError(ValidationIssue{
			Type: "extra_forbidden",
			Loc:  []any{"body", field},
			Msg:  "Extra inputs are not permitted",
		})
	}
	return newValidationError(ValidationIssue{
		Type: "value_error",
		Loc:  []any{"body"},
		Msg:  err.Error(),
	})
}

// unknownFieldName recovers the field name from the strict decoder's
// "json: unknown field \"x\"" error text; the stdlib exposes no typed
// error for it.
func unknownFieldName(err error) (string, bool) {
	const prefix = `json: unknown field `
	msg := err.Error()
	if !strings.HasPrefix(msg, prefix) {
		return "", false
	}
	name, uerr := strconv.Unquote(strings.TrimPrefix(msg, prefix))
	if uerr != nil {
		return "", false
	}
	return name, true
}
