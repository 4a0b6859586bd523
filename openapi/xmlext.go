package openapi

import (
	"reflect"

	"github.com/invopop/jsonschema"

	"github.com/hollowcore/xmlroute"
	"github.com/hollowcore/xmlroute/xmlbody"
)

// XMLAnnotations returns a Modifier that attaches XML serialization
// metadata to component schemas, derived from the same compiled type
// metadata the codec uses. Every model schema reachable from the routes
// gets a model-level annotation whose name defaults to the type name; a
// document without components is a no-op. The modifier reports whether it
// attached any annotation.
func XMLAnnotations(mctx *xmlbody.Context) Modifier {
	return func(routes []*xmlroute.Route, doc *Document) (bool, error) {
		if doc.Components == nil || len(doc.Components.Schemas) == 0 {
			return false, nil
		}

		var models, fields int
		for _, t := range collectModelTypes(routes) {
			name := t.Name()
			schema, ok := doc.Components.Schemas[name]
			if !ok {
				continue
			}
			ti := mctx.TypeInfoOf(reflect.New(t).Interface())
			if ti == nil {
				continue
			}

			ann := XML{Name: ti.Name}
			if ann.Name == "" {
				ann.Name = name
			}
			if ti.Namespace != "" {
				ann.Namespace = ti.Namespace
				ann.Prefix = mctx.Prefix(ti.Namespace)
			}
			setXML(schema, ann)
			models++

			n, err := annotateFields(mctx, name, schema, ti)
			if err != nil {
				return false, err
			}
			fields += n
		}
		return models > 0 || fields > 0, nil
	}
}

func annotateFields(mctx *xmlbody.Context, schemaName string, schema *jsonschema.Schema, ti *xmlbody.TypeInfo) (int, error) {
	if schema.Properties == nil {
		return 0, nil
	}
	var annotated int
	for _, fi := range ti.Fields {
		prop, ok := schema.Properties.Get(fi.Key)
		if !ok {
			continue
		}

		eff := effectiveName(ti.Options, fi)
		ann := XML{Attribute: fi.Attr}
		if eff != fi.Key {
			ann.Name = eff
		}
		if fi.Namespace != "" {
			ann.Namespace = fi.Namespace
			ann.Prefix = mctx.Prefix(fi.Namespace)
		}

		if fi.Wrapper != "" {
			if prop.Type != "array" {
				return annotated, &SchemaError{
					Schema: schemaName,
					Field:  fi.Key,
					Detail: "wrapper element declared on a non-sequence field",
				}
			}
			if prop.Items == nil {
				return annotated, &SchemaError{
					Schema: schemaName,
					Field:  fi.Key,
					Detail: "sequence schema has no items",
				}
			}
			wrapper := fi.Wrapper
			if ti.Options.ElementName != nil {
				wrapper = ti.Options.ElementName(wrapper)
			}
			// Namespace and prefix belong to the wrapper element; the
			// repeated items only need their explicit name.
			setXML(prop, XML{
				Name:      wrapper,
				Wrapped:   true,
				Namespace: ann.Namespace,
				Prefix:    ann.Prefix,
			})

			items := prop.Items
			// A bare $ref ignores sibling keywords, so the annotation
			// has to ride on an allOf wrapper around the reference.
			if items.Ref != "" {
				items.AllOf = append(items.AllOf, &jsonschema.Schema{Ref: items.Ref})
				items.Ref = ""
			}
			setXML(items, XML{Name: eff})
			annotated++
			continue
		}

		if !ann.Empty() {
			setXML(prop, ann)
			annotated++
		}
	}
	return annotated, nil
}

// effectiveName resolves the wire name of a field: the explicit tag name
// (or the Go field name when implicit) passed through the type's name
// generator for its kind.
func effectiveName(opts xmlbody.TypeOptions, fi xmlbody.FieldInfo) string {
	name := fi.Name
	if name == "" {
		name = fi.GoName
	}
	if fi.Attr {
		if opts.AttributeName != nil {
			return opts.AttributeName(name)
		}
		return name
	}
	if opts.ElementName != nil {
		return opts.ElementName(name)
	}
	return name
}

func setXML(s *jsonschema.Schema, ann XML) {
	if s.Extras == nil {
		s.Extras = make(map[string]any)
	}
	s.Extras["xml"] = ann
}

// collectModelTypes gathers the named struct types reachable from the
// routes' body and response models, depth-first, each at most once.
func collectModelTypes(routes []*xmlroute.Route) []reflect.Type {
	seen := make(map[reflect.Type]bool)
	var order []reflect.Type

	var visit func(t reflect.Type)
	visit = func(t reflect.Type) {
		for t != nil {
			switch t.Kind() {
			case reflect.Pointer, reflect.Slice, reflect.Array, reflect.Map:
				t = t.Elem()
				continue
			}
			break
		}
		if t == nil || t.Kind() != reflect.Struct || t.Name() == "" || seen[t] {
			return
		}
		seen[t] = true
		order = append(order, t)
		for i := 0; i < t.NumField(); i++ {
			visit(t.Field(i).Type)
		}
	}

	for _, rt := range routes {
		if rt.Body != nil {
			visit(rt.Body.Type)
		}
		if rt.ResponseModel != nil {
			visit(rt.ResponseModel.Type)
		}
	}
	return order
}
