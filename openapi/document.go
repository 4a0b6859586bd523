// Package openapi generates a schema document for mounted routes and
// post-processes it, most notably annotating component schemas with XML
// serialization metadata so documented payloads match what the XML codec
// actually reads and writes.
package openapi

import (
	"fmt"

	"github.com/invopop/jsonschema"
)

// XML is the schema annotation object attached to components under the
// "xml" key. Zero-valued fields are omitted; a fully zero annotation is
// never attached at all.
type XML struct {
	Name      string `json:"name,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	Attribute bool   `json:"attribute,omitempty"`
	Wrapped   bool   `json:"wrapped,omitempty"`
}

// Empty reports whether the annotation carries no information.
func (x XML) Empty() bool {
	return x == XML{}
}

// SchemaError reports a model whose declared XML shape cannot be
// expressed in the schema document, e.g. a wrapper element on a
// non-sequence field. It is a programming error in the model, not a
// request-time condition.
type SchemaError struct {
	Schema string
	Field  string
	Detail string
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("schema %s: field %s: %s", e.Schema, e.Field, e.Detail)
	}
	return fmt.Sprintf("schema %s: %s", e.Schema, e.Detail)
}

// Info is the document's info block.
type Info struct {
	Title   string `json:"title"`
	Version string `json:"version"`
}

// MediaTypeObject binds a media type to a schema.
type MediaTypeObject struct {
	Schema *jsonschema.Schema `json:"schema,omitempty"`
}

// RequestBody documents an operation's request body.
type RequestBody struct {
	Required bool                       `json:"required,omitempty"`
	Content  map[string]MediaTypeObject `json:"content"`
}

// Response documents one response of an operation.
type Response struct {
	Description string                     `json:"description"`
	Content     map[string]MediaTypeObject `json:"content,omitempty"`
}

// Operation documents one mounted route.
type Operation struct {
	OperationID string               `json:"operationId,omitempty"`
	RequestBody *RequestBody         `json:"requestBody,omitempty"`
	Responses   map[string]*Response `json:"responses"`
}

// Components holds the document's reusable schemas.
type Components struct {
	Schemas map[string]*jsonschema.Schema `json:"schemas,omitempty"`
}

// Document is the generated schema document.
type Document struct {
	OpenAPI    string                           `json:"openapi"`
	Info       Info                             `json:"info"`
	Paths      map[string]map[string]*Operation `json:"paths"`
	Components *Components                      `json:"components,omitempty"`
}
