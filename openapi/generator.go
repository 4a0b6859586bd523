package openapi

import (
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/hollowcore/xmlroute"
)

// Modifier post-processes a generated document. It reports whether it
// changed anything; a modifier returning an error aborts generation.
type Modifier func(routes []*xmlroute.Route, doc *Document) (bool, error)

// Generator builds the schema document for a set of routes. The document
// is generated once and cached; Invalidate discards the cache.
type Generator struct {
	info         Info
	reflector    *jsonschema.Reflector
	requestMedia []string
	modifiers    []Modifier

	mu     sync.Mutex
	cached *Document
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithInfo sets the document's title and version.
func WithInfo(title, version string) GeneratorOption {
	return func(g *Generator) { g.info = Info{Title: title, Version: version} }
}

// WithModifier appends a post-processing step. Modifiers run in
// registration order.
func WithModifier(m Modifier) GeneratorOption {
	return func(g *Generator) { g.modifiers = append(g.modifiers, m) }
}

// WithReflector replaces the schema reflector.
func WithReflector(r *jsonschema.Reflector) GeneratorOption {
	return func(g *Generator) { g.reflector = r }
}

// WithRequestMediaTypes sets the media types request bodies are
// documented under. Defaults to application/json.
func WithRequestMediaTypes(media ...string) GeneratorOption {
	return func(g *Generator) { g.requestMedia = media }
}

// NewGenerator constructs a Generator.
func NewGenerator(opts ...GeneratorOption) *Generator {
	g := &Generator{
		info:         Info{Title: "API", Version: "0.1.0"},
		requestMedia: []string{"application/json"},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.reflector == nil {
		g.reflector = &jsonschema.Reflector{}
	}
	return g
}

// Document returns the schema document for routes, generating it on first
// call and serving the cached copy afterwards.
func (g *Generator) Document(routes []*xmlroute.Route) (*Document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cached != nil {
		return g.cached, nil
	}
	doc, err := g.build(routes)
	if err != nil {
		return nil, err
	}
	g.cached = doc
	return doc, nil
}

// Invalidate discards the cached document so the next Document call
// regenerates it.
func (g *Generator) Invalidate() {
	g.mu.Lock()
	g.cached = nil
	g.mu.Unlock()
}

func (g *Generator) build(routes []*xmlroute.Route) (*Document, error) {
	doc := &Document{
		OpenAPI: "3.1.0",
		Info:    g.info,
		Paths:   make(map[string]map[string]*Operation),
	}
	comps := &Components{Schemas: make(map[string]*jsonschema.Schema)}

	for _, rt := range routes {
		op := &Operation{
			OperationID: operationID(rt),
			Responses:   make(map[string]*Response),
		}

		if rt.Body != nil {
			ref := refSchema(g.addSchema(comps, rt.Body.Type))
			content := make(map[string]MediaTypeObject, len(g.requestMedia))
			for _, media := range g.requestMedia {
				content[media] = MediaTypeObject{Schema: ref}
			}
			op.RequestBody = &RequestBody{
				Required: rt.Body.Required,
				Content:  content,
			}
		}

		status := rt.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		resp := &Response{Description: http.StatusText(status)}
		if rt.ResponseModel != nil {
			ref := refSchema(g.addSchema(comps, rt.ResponseModel.Type))
			resp.Content = map[string]MediaTypeObject{
				responseMediaType(rt): {Schema: ref},
			}
		}
		op.Responses[strconv.Itoa(status)] = resp

		if doc.Paths[rt.Path] == nil {
			doc.Paths[rt.Path] = make(map[string]*Operation)
		}
		doc.Paths[rt.Path][strings.ToLower(rt.Method)] = op
	}

	if len(comps.Schemas) > 0 {
		doc.Components = comps
	}

	for _, m := range g.modifiers {
		if _, err := m(routes, doc); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// addSchema reflects t, lifts its definitions into the component map and
// returns the component name of t itself.
func (g *Generator) addSchema(comps *Components, t reflect.Type) string {
	s := g.reflector.ReflectFromType(t)
	for name, def := range s.Definitions {
		def.Version = ""
		rewriteRefs(def)
		comps.Schemas[name] = def
	}
	return t.Name()
}

func refSchema(name string) *jsonschema.Schema {
	return &jsonschema.Schema{Ref: "#/components/schemas/" + name}
}

// rewriteRefs rewrites reflector-local "#/$defs/" references to component
// references, recursively.
func rewriteRefs(s *jsonschema.Schema) {
	if s == nil {
		return
	}
	if rest, ok := strings.CutPrefix(s.Ref, "#/$defs/"); ok {
		s.Ref = "#/components/schemas/" + rest
	}
	if s.Properties != nil {
		for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
			rewriteRefs(pair.Value)
		}
	}
	rewriteRefs(s.Items)
	rewriteRefs(s.Not)
	for _, sub := range s.AllOf {
		rewriteRefs(sub)
	}
	for _, sub := range s.AnyOf {
		rewriteRefs(sub)
	}
	for _, sub := range s.OneOf {
		rewriteRefs(sub)
	}
	for _, sub := range s.PatternProperties {
		rewriteRefs(sub)
	}
	if s.AdditionalProperties != nil {
		rewriteRefs(s.AdditionalProperties)
	}
}

func responseMediaType(rt *xmlroute.Route) string {
	if rt.NewResponse != nil {
		if resp := rt.NewResponse(nil); resp != nil {
			return resp.MediaType()
		}
	}
	return "application/json"
}

func operationID(rt *xmlroute.Route) string {
	path := strings.NewReplacer("/", "_", "{", "", "}", "").Replace(strings.Trim(rt.Path, "/"))
	if path == "" {
		path = "root"
	}
	return strings.ToLower(rt.Method) + "_" + path
}
