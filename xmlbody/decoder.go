package xmlbody

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync/atomic"

	"github.com/elnormous/contenttype"
	"github.com/hollowcore/xmlroute/codec"
)

// Media types handled by the decoder and produced by the responses.
const (
	MediaTypeApplication = "application/xml"
	MediaTypeText        = "text/xml"
)

// Decoder is the codec.Decoder for the XML content family. It only applies
// to schema-bearing body fields (struct types) and defers to other decoders
// otherwise. Parse failures escalate to a codec.DecodeError only when the
// request actually claimed an XML content type; a decoder must not claim
// ownership of a payload the client never said was XML.
//
// The Decoder is stateless apart from a lazily-constructed Context shared
// across calls.
type Decoder struct {
	newContext func() *Context
	ctx        atomic.Pointer[Context]
}

var _ codec.Decoder = (*Decoder)(nil)

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithContext makes the decoder use an existing Context instead of
// lazily constructing its own.
func WithContext(ctx *Context) DecoderOption {
	return func(d *Decoder) {
		d.ctx.Store(ctx)
	}
}

// WithContextFactory replaces the factory used for lazy construction.
func WithContextFactory(fn func() *Context) DecoderOption {
	return func(d *Decoder) { d.newContext = fn }
}

// NewDecoder constructs an XML body decoder.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		newContext: func() *Context { return NewContext() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name identifies the decoder in log records.
func (d *Decoder) Name() string { return "xml" }

// ContentTypes lists the media types the decoder registers under.
func (d *Decoder) ContentTypes() []string {
	return []string{MediaTypeApplication, MediaTypeText}
}

// Context returns the shared Context, constructing it on first use.
// Concurrent first use may construct twice; one result wins and is kept.
func (d *Decoder) Context() *Context {
	if c := d.ctx.Load(); c != nil {
		return c
	}
	c := d.newContext()
	if d.ctx.CompareAndSwap(nil, c) {
		return c
	}
	return d.ctx.Load()
}

// Decode parses body as XML against the field's declared struct type and
// flattens the result into a plain mapping for the route layer's model
// construction. It returns (nil, nil) — not applicable — when the field is
// not schema-bearing, or when parsing fails without the request claiming an
// XML content type.
func (d *Decoder) Decode(r *http.Request, field *codec.Field, body []byte) (map[string]any, error) {
	if field == nil || field.Type == nil {
		return nil, nil
	}
	t := field.Type
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, nil
	}

	v := reflect.New(t).Interface()
	if err := d.Context().Unmarshal(body, v); err != nil {
		if requestClaimsXML(r) {
			return nil, codec.NewDecodeError(parseDetail(err), err)
		}
		return nil, nil
	}
	return flatten(v)
}

// requestClaimsXML reports whether the request's content type is in the
// XML family: subtype "xml" or a "+xml" structured-syntax suffix.
func requestClaimsXML(r *http.Request) bool {
	if r == nil || r.Header.Get("Content-Type") == "" {
		return false
	}
	mt, err := contenttype.GetMediaType(r)
	if err != nil {
		return false
	}
	sub := strings.ToLower(mt.Subtype)
	return sub == "xml" || strings.HasSuffix(sub, "+xml")
}

// parseDetail renders a concise, client-safe parse failure message with
// the line of failure where the codec exposes one.
func parseDetail(err error) string {
	var syn *xml.SyntaxError
	if errors.As(err, &syn) {
		return fmt.Sprintf("syntax error: line %d: %s", syn.Line, syn.Msg)
	}
	return err.Error()
}

// flatten converts a decoded model into the plain key→value mapping the
// route layer re-validates. The JSON round-trip intentionally mirrors the
// model-construction step so keys line up with it.
func flatten(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("flatten decoded body: %w", err)
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("flatten decoded body: %w", err)
	}
	return out, nil
}
