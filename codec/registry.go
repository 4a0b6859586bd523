package codec

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/elnormous/contenttype"

	"github.com/hollowcore/xmlroute/internal/logctx"
)

// Registry dispatches request bodies to decoders by content type. It holds
// an ordered list of every registered decoder plus a bucket per declared
// content type. Construct one per process (or per test) and share it by
// reference; registration normally happens during setup, but the registry
// is safe for concurrent use throughout.
type Registry struct {
	log *slog.Logger

	mu     sync.RWMutex
	all    []Decoder
	byType map[string][]Decoder
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used to record unexpected decoder failures.
// If not provided, slog.Default() is used.
func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// NewRegistry constructs an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byType: make(map[string][]Decoder),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// Register appends d to the global decoder list and to the bucket of every
// content type it declares. Registration is strictly additive: it never
// replaces an earlier decoder and performs no deduplication, so registering
// the same decoder twice makes it run twice.
func (g *Registry) Register(d Decoder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ct := range d.ContentTypes() {
		key := strings.ToLower(ct)
		g.byType[key] = append(g.byType[key], d)
	}
	g.all = append(g.all, d)
}

// Select returns the decoders to try for the given content type, in
// registration order. An exact (lower-cased) bucket match returns that
// bucket; anything else, including an empty content type, returns the full
// global list so every decoder gets a chance to claim the payload.
func (g *Registry) Select(contentType string) []Decoder {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if bucket, ok := g.byType[strings.ToLower(contentType)]; ok {
		return append([]Decoder(nil), bucket...)
	}
	return append([]Decoder(nil), g.all...)
}

// Run feeds body through the decoders selected for the request's content
// type, in registration order, and returns either the decoded mapping of
// the first decoder that claims the payload or, when no decoder does, the
// original byte slice unchanged (identity, so the caller can hand the raw
// payload to its own body interpretation).
//
// A *DecodeError from a decoder propagates immediately: that decoder owns
// the format and the payload is bad. Any other error stops iteration too —
// an unexpected failure is a decoder bug, not a format mismatch, so the
// registry fails closed rather than letting a later decoder mask it. The
// full error is logged server-side and re-raised as a generic DecodeError
// carrying no internal detail.
func (g *Registry) Run(r *http.Request, field *Field, body []byte) (any, error) {
	mediaType := requestMediaType(r)
	for _, d := range g.Select(mediaType) {
		result, err := d.Decode(r, field, body)
		if err != nil {
			if IsDecodeError(err) {
				return nil, err
			}
			ctx := logctx.WithDecodeData(r.Context(), &logctx.DecodeData{
				Decoder:   decoderName(d),
				MediaType: mediaType,
			})
			g.log.ErrorContext(ctx, "codec.decoder_failed",
				slog.String("err", err.Error()),
			)
			return nil, NewDecodeError("body decoding failed", err)
		}
		if result != nil {
			return result, nil
		}
	}
	return body, nil
}

// requestMediaType extracts the bare type/subtype of the request's content
// type, lower-cased, without parameters. Missing or malformed headers
// yield "" which falls through to the global decoder list.
func requestMediaType(r *http.Request) string {
	if r == nil || r.Header.Get("Content-Type") == "" {
		return ""
	}
	mt, err := contenttype.GetMediaType(r)
	if err != nil {
		return ""
	}
	return strings.ToLower(mt.Type + "/" + mt.Subtype)
}

// decoderName names a decoder for log records. Decoders may implement
// Name() string; otherwise the Go type name is used.
func decoderName(d Decoder) string {
	type named interface{ Name() string }
	if n, ok := d.(named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", d)
}
