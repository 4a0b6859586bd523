// Package xmlbody bundles the XML body decoder and the XML response types.
// Both share a Context: compiled per-type field metadata derived from `xml`
// struct tags plus a process-wide namespace→prefix table. The actual wire
// codec is encoding/xml; this package decides applicability, classifies
// failures, and exposes the field metadata the OpenAPI extension consumes.
package xmlbody

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// TypeOptions is the optional per-type configuration consulted by the
// response encoder and the schema extension. It replaces ad-hoc
// introspection: populate it at registration time via Context.RegisterType.
type TypeOptions struct {
	// Name overrides the root element name (defaults to the Go type name,
	// or the XMLName tag when present).
	Name string

	// Namespace is the element namespace of the model.
	Namespace string

	// ElementName maps a declared field name to its effective element
	// name. Identity when nil.
	ElementName func(string) string

	// AttributeName maps a declared field name to its effective attribute
	// name. Identity when nil.
	AttributeName func(string) string
}

func (o TypeOptions) elementName(name string) string {
	if o.ElementName != nil {
		return o.ElementName(name)
	}
	return name
}

func (o TypeOptions) attributeName(name string) string {
	if o.AttributeName != nil {
		return o.AttributeName(name)
	}
	return name
}

// FieldInfo is the compiled XML projection of one struct field: its
// explicit name (empty when the tag left it implicit), namespace,
// attribute-vs-element kind, and optional wrapper element for sequence
// fields. The schema extension and the codec consult the same records.
type FieldInfo struct {
	GoName    string // Go struct field name
	Key       string // mapping key used for model construction (json name)
	Name      string // explicit local XML name from the tag, "" if implicit
	Namespace string
	Attr      bool
	Wrapper   string // outer element of an `a>b` tag path, "" if none
	Sequence  bool   // slice or array typed (excluding []byte)
}

// TypeInfo is the compiled projection of a struct type.
type TypeInfo struct {
	Type      reflect.Type
	Name      string // effective root element name
	Namespace string
	Options   TypeOptions
	Fields    []FieldInfo
}

// Context holds the compiled type metadata and the namespace→prefix table
// shared by the encoder, the decoder and the schema extension. Compilation
// is lazy and idempotent: concurrent first use may compile a type twice,
// but only one result is kept. A single Context per process is expected;
// fresh instances per test are cheap.
type Context struct {
	mu    sync.RWMutex
	opts  map[reflect.Type]TypeOptions
	ns    map[string]string // namespace -> prefix
	types sync.Map          // reflect.Type -> *TypeInfo

	watching bool
	log      *slog.Logger
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithNamespacePrefixes seeds the namespace→prefix table.
func WithNamespacePrefixes(ns map[string]string) ContextOption {
	return func(c *Context) {
		for k, v := range ns {
			c.ns[k] = v
		}
	}
}

// WithContextLogger sets the logger used by the namespace file watcher.
func WithContextLogger(log *slog.Logger) ContextOption {
	return func(c *Context) { c.log = log }
}

// NewContext constructs an empty Context.
func NewContext(opts ...ContextOption) *Context {
	c := &Context{
		opts: make(map[reflect.Type]TypeOptions),
		ns:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// RegisterType associates opts with the type of v. Must be called before
// the type's metadata is first compiled to take effect.
func (c *Context) RegisterType(v any, opts TypeOptions) {
	t := baseType(reflect.TypeOf(v))
	c.mu.Lock()
	c.opts[t] = opts
	c.mu.Unlock()
}

// Options returns the registered TypeOptions for the type of v, or the
// zero options.
func (c *Context) Options(v any) TypeOptions {
	return c.optionsFor(baseType(reflect.TypeOf(v)))
}

func (c *Context) optionsFor(t reflect.Type) TypeOptions {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts[t]
}

// SetNamespacePrefix maps a namespace URI to the prefix used in schema
// annotations.
func (c *Context) SetNamespacePrefix(namespace, prefix string) {
	c.mu.Lock()
	c.ns[namespace] = prefix
	c.mu.Unlock()
}

// NamespacePrefixes returns a copy of the namespace→prefix table.
func (c *Context) NamespacePrefixes() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.ns))
	for k, v := range c.ns {
		out[k] = v
	}
	return out
}

// Prefix resolves the prefix for a namespace URI, "" when unmapped.
func (c *Context) Prefix(namespace string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ns[namespace]
}

// replaceNamespacePrefixes swaps the whole table; used by the file watcher
// so a reload is atomic with respect to readers.
func (c *Context) replaceNamespacePrefixes(ns map[string]string) {
	c.mu.Lock()
	c.ns = ns
	c.mu.Unlock()
}

// TypeInfoOf compiles (once) and returns the XML projection of the type of
// v. Non-struct types return nil.
func (c *Context) TypeInfoOf(v any) *TypeInfo {
	return c.typeInfo(baseType(reflect.TypeOf(v)))
}

func (c *Context) typeInfo(t reflect.Type) *TypeInfo {
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	if ti, ok := c.types.Load(t); ok {
		return ti.(*TypeInfo)
	}
	// Compiling twice under concurrent first use is harmless; LoadOrStore
	// keeps a single winner.
	ti, _ := c.types.LoadOrStore(t, c.compile(t))
	return ti.(*TypeInfo)
}

// Marshal serializes v through the wire codec. The output carries no XML
// declaration; media typing happens at the response layer.
func (c *Context) Marshal(v any) ([]byte, error) {
	return xml.Marshal(v)
}

// Unmarshal parses data into v through the wire codec.
func (c *Context) Unmarshal(data []byte, v any) error {
	return xml.Unmarshal(data, v)
}

func (c *Context) compile(t reflect.Type) *TypeInfo {
	opts := c.optionsFor(t)
	ti := &TypeInfo{
		Type:      t,
		Name:      t.Name(),
		Namespace: opts.Namespace,
		Options:   opts,
	}
	if opts.Name != "" {
		ti.Name = opts.Name
	}

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := sf.Tag.Get("xml")
		if tag == "-" {
			continue
		}
		if sf.Name == "XMLName" && sf.Type == reflect.TypeOf(xml.Name{}) {
			if ns, name := splitNameTag(tagName(tag)); name != "" {
				ti.Name = name
				if ns != "" {
					ti.Namespace = ns
				}
			}
			continue
		}

		fi := FieldInfo{
			GoName:   sf.Name,
			Key:      jsonKey(sf),
			Sequence: isSequence(sf.Type),
		}
		name := tagName(tag)
		for _, flag := range tagFlags(tag) {
			if flag == "attr" {
				fi.Attr = true
			}
		}
		fi.Namespace, name = splitNameTag(name)
		if wrapper, inner, ok := strings.Cut(name, ">"); ok {
			fi.Wrapper = wrapper
			name = inner
		}
		fi.Name = name
		ti.Fields = append(ti.Fields, fi)
	}
	return ti
}

// LoadNamespaceFile replaces the namespace→prefix table with the mapping
// read from a YAML file of the form `namespace: prefix`.
func (c *Context) LoadNamespaceFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read namespace file: %w", err)
	}
	ns := make(map[string]string)
	if err := yaml.Unmarshal(raw, &ns); err != nil {
		return fmt.Errorf("parse namespace file %s: %w", path, err)
	}
	c.replaceNamespacePrefixes(ns)
	return nil
}

// WatchNamespaceFile loads path and reloads it whenever it changes, until
// ctx is canceled. Reload failures keep the previous table and are logged.
// At most one watcher per Context runs at a time.
func (c *Context) WatchNamespaceFile(ctx context.Context, path string) error {
	if err := c.LoadNamespaceFile(path); err != nil {
		return err
	}

	c.mu.Lock()
	if c.watching {
		c.mu.Unlock()
		return fmt.Errorf("namespace file watcher already running")
	}
	c.watching = true
	c.mu.Unlock()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify unavailable: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		defer func() {
			_ = w.Close()
			c.mu.Lock()
			c.watching = false
			c.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.LoadNamespaceFile(path); err != nil {
					c.log.Warn("xmlbody.namespace_reload_failed",
						slog.String("path", path),
						slog.String("err", err.Error()),
					)
					continue
				}
				c.log.Info("xmlbody.namespace_reloaded", slog.String("path", path))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.log.Warn("xmlbody.namespace_watch_error", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}

func baseType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

func isSequence(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Slice:
		return t.Elem().Kind() != reflect.Uint8
	case reflect.Array:
		return true
	default:
		return false
	}
}

func tagName(tag string) string {
	name, _, _ := strings.Cut(tag, ",")
	return name
}

func tagFlags(tag string) []string {
	_, rest, ok := strings.Cut(tag, ",")
	if !ok {
		return nil
	}
	return strings.Split(rest, ",")
}

// splitNameTag splits an `xml` tag name of the form "namespace name" into
// its parts; a bare name has no namespace.
func splitNameTag(name string) (ns, local string) {
	if i := strings.LastIndexByte(name, ' '); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

func jsonKey(sf reflect.StructField) string {
	tag := sf.Tag.Get("json")
	if tag == "" || tag == "-" {
		return sf.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return sf.Name
	}
	return name
}
