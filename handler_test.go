package xmlroute_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hollowcore/xmlroute"
	"github.com/hollowcore/xmlroute/xmlbody"
)

type pingBody struct {
	X string `xml:"x" json:"x"`
}

type pongReply struct {
	X string `xml:"x" json:"x"`
}

func newXMLHandler(t *testing.T) (*xmlroute.Handler, *xmlbody.Context) {
	t.Helper()
	h := xmlroute.New(xmlroute.WithHandlerLogger(slog.New(testLogHandler(t))))
	mctx := xmlbody.NewContext()
	h.Registry().Register(xmlbody.NewDecoder(xmlbody.WithContext(mctx)))
	return h, mctx
}

func do(t *testing.T, h http.Handler, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorDetail(t *testing.T, rec *httptest.ResponseRecorder) any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("response body is not JSON: %v (%q)", err, rec.Body.String())
	}
	return payload["detail"]
}

func TestXMLRoundTrip(t *testing.T) {
	h, mctx := newXMLHandler(t)
	h.Mount(xmlroute.NewRoute("POST", "/ping",
		func(ctx context.Context, req *xmlroute.Request[pingBody]) (pongReply, error) {
			if want, got := "test", req.Body().X; want != got {
				t.Errorf("endpoint body: want x=%q, got %q", want, got)
			}
			return pongReply{X: "pong"}, nil
		},
		xmlroute.WithResponseType(xmlbody.ResponseFactory(mctx)),
	))

	rec := do(t, h, "POST", "/ping", "application/xml", "<pingBody><x>test</x></pingBody>")
	if want, got := http.StatusOK, rec.Code; want != got {
		t.Fatalf("status: want %d, got %d (%s)", want, got, rec.Body.String())
	}
	if want, got := "application/xml", rec.Header().Get("Content-Type"); want != got {
		t.Errorf("content type: want %q, got %q", want, got)
	}
	if want, got := "<pongReply><x>pong</x></pongReply>", rec.Body.String(); want != got {
		t.Errorf("body: want %q, got %q", want, got)
	}
}

func TestMalformedXMLBody(t *testing.T) {
	h, _ := newXMLHandler(t)
	h.Mount(xmlroute.NewRoute("POST", "/ping",
		func(ctx context.Context, req *xmlroute.Request[pingBody]) (pongReply, error) {
			t.Error("endpoint ran with a malformed body")
			return pongReply{}, nil
		},
	))

	rec := do(t, h, "POST", "/ping", "application/xml", "<pingBody><x>")
	if want, got := http.StatusBadRequest, rec.Code; want != got {
		t.Fatalf("status: want %d, got %d", want, got)
	}
	if detail, ok := errorDetail(t, rec).(string); !ok || detail == "" {
		t.Errorf("missing error detail: %q", rec.Body.String())
	}
}

func TestJSONFallback(t *testing.T) {
	h, _ := newXMLHandler(t)
	h.Mount(xmlroute.NewRoute("POST", "/ping",
		func(ctx context.Context, req *xmlroute.Request[pingBody]) (pongReply, error) {
			return pongReply{X: req.Body().X}, nil
		},
	))

	t.Run("explicit json content type", func(t *testing.T) {
		rec := do(t, h, "POST", "/ping", "application/json", `{"x":"hello"}`)
		if want, got := http.StatusOK, rec.Code; want != got {
			t.Fatalf("status: want %d, got %d (%s)", want, got, rec.Body.String())
		}
		if want, got := "application/json", rec.Header().Get("Content-Type"); want != got {
			t.Errorf("content type: want %q, got %q", want, got)
		}
		if want, got := `{"x":"hello"}`, rec.Body.String(); want != got {
			t.Errorf("body: want %q, got %q", want, got)
		}
	})

	t.Run("missing content type is treated as json", func(t *testing.T) {
		rec := do(t, h, "POST", "/ping", "", `{"x":"hello"}`)
		if want, got := http.StatusOK, rec.Code; want != got {
			t.Fatalf("status: want %d, got %d (%s)", want, got, rec.Body.String())
		}
	})

	t.Run("json suffix content type is treated as json", func(t *testing.T) {
		rec := do(t, h, "POST", "/ping", "application/problem+json", `{"x":"hello"}`)
		if want, got := http.StatusOK, rec.Code; want != got {
			t.Fatalf("status: want %d, got %d (%s)", want, got, rec.Body.String())
		}
	})
}

func TestUnclaimedBodyIsRejected(t *testing.T) {
	h, _ := newXMLHandler(t)
	h.Mount(xmlroute.NewRoute("POST", "/ping",
		func(ctx context.Context, req *xmlroute.Request[pingBody]) (pongReply, error) {
			return pongReply{}, nil
		},
	))

	rec := do(t, h, "POST", "/ping", "text/plain", "just some text")
	if want, got := http.StatusUnprocessableEntity, rec.Code; want != got {
		t.Fatalf("status: want %d, got %d (%s)", want, got, rec.Body.String())
	}
	issues := errorDetail(t, rec).([]any)
	issue := issues[0].(map[string]any)
	if want, got := "model_attributes_type", issue["type"]; want != got {
		t.Errorf("issue type: want %q, got %v", want, got)
	}
}

func TestValidationIssueShapes(t *testing.T) {
	h, _ := newXMLHandler(t)
	h.Mount(xmlroute.NewRoute("POST", "/ping",
		func(ctx context.Context, req *xmlroute.Request[pingBody]) (pongReply, error) {
			return pongReply{}, nil
		},
	))

	t.Run("invalid json carries the byte offset", func(t *testing.T) {
		rec := do(t, h, "POST", "/ping", "application/json", `{"x":`)
		if want, got := http.StatusUnprocessableEntity, rec.Code; want != got {
			t.Fatalf("status: want %d, got %d", want, got)
		}
		issue := errorDetail(t, rec).([]any)[0].(map[string]any)
		if want, got := "json_invalid", issue["type"]; want != got {
			t.Errorf("issue type: want %q, got %v", want, got)
		}
		loc := issue["loc"].([]any)
		if len(loc) != 2 || loc[0] != "body" {
			t.Errorf("unexpected loc: %v", loc)
		}
	})

	t.Run("unknown fields are forbidden", func(t *testing.T) {
		rec := do(t, h, "POST", "/ping", "application/json", `{"x":"a","extra":1}`)
		if want, got := http.StatusUnprocessableEntity, rec.Code; want != got {
			t.Fatalf("status: want %d, got %d", want, got)
		}
		issue := errorDetail(t, rec).([]any)[0].(map[string]any)
		if want, got := "extra_forbidden", issue["type"]; want != got {
			t.Errorf("issue type: want %q, got %v", want, got)
		}
		loc := issue["loc"].([]any)
		if len(loc) != 2 || loc[1] != "extra" {
			t.Errorf("unexpected loc: %v", loc)
		}
	})

	t.Run("required body missing", func(t *testing.T) {
		h2, _ := newXMLHandler(t)
		h2.Mount(xmlroute.NewRoute("POST", "/ping",
			func(ctx context.Context, req *xmlroute.Request[pingBody]) (pongReply, error) {
				return pongReply{}, nil
			},
			xmlroute.WithBodyRequired(),
		))
		rec := do(t, h2, "POST", "/ping", "application/json", "")
		if want, got := http.StatusUnprocessableEntity, rec.Code; want != got {
			t.Fatalf("status: want %d, got %d", want, got)
		}
		issue := errorDetail(t, rec).([]any)[0].(map[string]any)
		if want, got := "missing", issue["type"]; want != got {
			t.Errorf("issue type: want %q, got %v", want, got)
		}
	})
}

func TestStatusPrecedence(t *testing.T) {
	t.Run("route status wins over everything", func(t *testing.T) {
		h, _ := newXMLHandler(t)
		h.Mount(xmlroute.NewRoute("GET", "/r",
			func(ctx context.Context, req *xmlroute.Request[xmlroute.NoBody]) (pongReply, error) {
				req.Response().SetStatus(http.StatusAccepted)
				return pongReply{}, nil
			},
			xmlroute.WithStatusCode(http.StatusCreated),
		))
		rec := do(t, h, "GET", "/r", "", "")
		if want, got := http.StatusCreated, rec.Code; want != got {
			t.Errorf("status: want %d, got %d", want, got)
		}
	})

	t.Run("sub-response status applies when the route declares none", func(t *testing.T) {
		h, _ := newXMLHandler(t)
		h.Mount(xmlroute.NewRoute("GET", "/r",
			func(ctx context.Context, req *xmlroute.Request[xmlroute.NoBody]) (pongReply, error) {
				req.Response().SetStatus(http.StatusAccepted)
				return pongReply{}, nil
			},
		))
		rec := do(t, h, "GET", "/r", "", "")
		if want, got := http.StatusAccepted, rec.Code; want != got {
			t.Errorf("status: want %d, got %d", want, got)
		}
	})

	t.Run("responder status applies last", func(t *testing.T) {
		h, _ := newXMLHandler(t)
		h.Mount(xmlroute.NewRoute("GET", "/r",
			func(ctx context.Context, req *xmlroute.Request[xmlroute.NoBody]) (*xmlroute.JSONResponse, error) {
				return xmlroute.NewJSONResponse(pongReply{}).WithStatus(http.StatusTeapot), nil
			},
		))
		rec := do(t, h, "GET", "/r", "", "")
		if want, got := http.StatusTeapot, rec.Code; want != got {
			t.Errorf("status: want %d, got %d", want, got)
		}
	})

	t.Run("no body for 204", func(t *testing.T) {
		h, _ := newXMLHandler(t)
		h.Mount(xmlroute.NewRoute("DELETE", "/r",
			func(ctx context.Context, req *xmlroute.Request[xmlroute.NoBody]) (pongReply, error) {
				return pongReply{}, nil
			},
			xmlroute.WithStatusCode(http.StatusNoContent),
		))
		rec := do(t, h, "DELETE", "/r", "", "")
		if want, got := http.StatusNoContent, rec.Code; want != got {
			t.Fatalf("status: want %d, got %d", want, got)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("204 response carried a body: %q", rec.Body.String())
		}
	})
}

func TestHeaderMerge(t *testing.T) {
	h, _ := newXMLHandler(t)
	h.Mount(xmlroute.NewRoute("GET", "/r",
		func(ctx context.Context, req *xmlroute.Request[xmlroute.NoBody]) (*xmlroute.JSONResponse, error) {
			resp := xmlroute.NewJSONResponse(pongReply{})
			resp.Header().Set("X-From-Responder", "1")
			return resp, nil
		},
		xmlroute.WithDependency(func(r *http.Request, sub *xmlroute.SubResponse, tasks *xmlroute.BackgroundTasks) error {
			sub.Header().Set("X-From-Dependency", "1")
			return nil
		}),
	))

	rec := do(t, h, "GET", "/r", "", "")
	if rec.Header().Get("X-From-Responder") != "1" {
		t.Error("responder header missing")
	}
	if rec.Header().Get("X-From-Dependency") != "1" {
		t.Error("dependency header missing")
	}
}

func TestDependencyAbort(t *testing.T) {
	h, _ := newXMLHandler(t)
	h.Mount(xmlroute.NewRoute("GET", "/r",
		func(ctx context.Context, req *xmlroute.Request[xmlroute.NoBody]) (pongReply, error) {
			t.Error("endpoint ran after a dependency aborted")
			return pongReply{}, nil
		},
		xmlroute.WithDependency(func(r *http.Request, sub *xmlroute.SubResponse, tasks *xmlroute.BackgroundTasks) error {
			return xmlroute.Errorf(http.StatusUnauthorized, "missing credentials")
		}),
	))

	rec := do(t, h, "GET", "/r", "", "")
	if want, got := http.StatusUnauthorized, rec.Code; want != got {
		t.Fatalf("status: want %d, got %d", want, got)
	}
	if want, got := "missing credentials", errorDetail(t, rec); want != got {
		t.Errorf("detail: want %q, got %v", want, got)
	}
}

func TestEndpointErrors(t *testing.T) {
	t.Run("http error passes through", func(t *testing.T) {
		h, _ := newXMLHandler(t)
		h.Mount(xmlroute.NewRoute("GET", "/r",
			func(ctx context.Context, req *xmlroute.Request[xmlroute.NoBody]) (pongReply, error) {
				return pongReply{}, xmlroute.Errorf(http.StatusConflict, "already exists")
			},
		))
		rec := do(t, h, "GET", "/r", "", "")
		if want, got := http.StatusConflict, rec.Code; want != got {
			t.Errorf("status: want %d, got %d", want, got)
		}
	})

	t.Run("unexpected error is a generic 500", func(t *testing.T) {
		h, _ := newXMLHandler(t)
		h.Mount(xmlroute.NewRoute("GET", "/r",
			func(ctx context.Context, req *xmlroute.Request[xmlroute.NoBody]) (pongReply, error) {
				return pongReply{}, io.ErrUnexpectedEOF
			},
		))
		rec := do(t, h, "GET", "/r", "", "")
		if want, got := http.StatusInternalServerError, rec.Code; want != got {
			t.Fatalf("status: want %d, got %d", want, got)
		}
		if want, got := "Internal Server Error", errorDetail(t, rec); want != got {
			t.Errorf("detail leaks internals: want %q, got %v", want, got)
		}
	})

	t.Run("nil responder is a 500", func(t *testing.T) {
		h, _ := newXMLHandler(t)
		h.Mount(xmlroute.NewRoute("GET", "/r",
			func(ctx context.Context, req *xmlroute.Request[xmlroute.NoBody]) (*xmlroute.JSONResponse, error) {
				return nil, nil
			},
		))
		rec := do(t, h, "GET", "/r", "", "")
		if want, got := http.StatusInternalServerError, rec.Code; want != got {
			t.Errorf("status: want %d, got %d", want, got)
		}
	})

	t.Run("render failure is a 500", func(t *testing.T) {
		h, mctx := newXMLHandler(t)
		h.Mount(xmlroute.NewRoute("GET", "/r",
			func(ctx context.Context, req *xmlroute.Request[xmlroute.NoBody]) (map[string]any, error) {
				return map[string]any{"not": "xml-marshalable"}, nil
			},
			xmlroute.WithResponseType(xmlbody.ResponseFactory(mctx)),
		))
		rec := do(t, h, "GET", "/r", "", "")
		if want, got := http.StatusInternalServerError, rec.Code; want != got {
			t.Errorf("status: want %d, got %d", want, got)
		}
	})
}

func TestFormBody(t *testing.T) {
	h, _ := newXMLHandler(t)
	h.Mount(xmlroute.NewRoute("POST", "/form",
		func(ctx context.Context, req *xmlroute.Request[pingBody]) (pongReply, error) {
			return pongReply{X: req.Body().X}, nil
		},
		xmlroute.WithFormBody(),
	))

	form := url.Values{"x": {"from-form"}}
	rec := do(t, h, "POST", "/form", "application/x-www-form-urlencoded", form.Encode())
	if want, got := http.StatusOK, rec.Code; want != got {
		t.Fatalf("status: want %d, got %d (%s)", want, got, rec.Body.String())
	}
	if want, got := `{"x":"from-form"}`, rec.Body.String(); want != got {
		t.Errorf("body: want %q, got %q", want, got)
	}
}

func TestBackgroundTasks(t *testing.T) {
	var ran atomic.Bool
	h, _ := newXMLHandler(t)
	h.Mount(xmlroute.NewRoute("GET", "/r",
		func(ctx context.Context, req *xmlroute.Request[xmlroute.NoBody]) (pongReply, error) {
			req.Background().Add(func(ctx context.Context) error {
				ran.Store(true)
				return nil
			})
			return pongReply{}, nil
		},
	))

	rec := do(t, h, "GET", "/r", "", "")
	if want, got := http.StatusOK, rec.Code; want != got {
		t.Fatalf("status: want %d, got %d", want, got)
	}
	if !ran.Load() {
		t.Error("background task never ran")
	}
}

func TestMaxBodyBytes(t *testing.T) {
	h := xmlroute.New(
		xmlroute.WithHandlerLogger(slog.New(testLogHandler(t))),
		xmlroute.WithMaxBodyBytes(8),
	)
	h.Mount(xmlroute.NewRoute("POST", "/r",
		func(ctx context.Context, req *xmlroute.Request[pingBody]) (pongReply, error) {
			return pongReply{}, nil
		},
	))

	rec := do(t, h, "POST", "/r", "application/json", `{"x":"far too long for the limit"}`)
	if want, got := http.StatusRequestEntityTooLarge, rec.Code; want != got {
		t.Errorf("status: want %d, got %d", want, got)
	}
}

// ============================================================================

// Bridge is an implementation of slog.Handler that works
// with the stdlib testing pkg.
type Bridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

// Handle implements slog.Handler.
func (b *Bridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.Handler.Handle(ctx, rec)
	if err != nil {
		return err
	}

	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}

	output = bytes.TrimSuffix(output, []byte("\n"))

	b.t.Helper()
	b.t.Log(string(output))

	return nil
}

// WithAttrs implements slog.Handler.
func (b *Bridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Bridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		Handler: b.Handler.WithAttrs(attrs),
	}
}

// WithGroup implements slog.Handler.
func (b *Bridge) WithGroup(name string) slog.Handler {
	return &Bridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		Handler: b.Handler.WithGroup(name),
	}
}

func testLogHandler(t *testing.T) *Bridge {
	b := &Bridge{
		t:   t,
		buf: &bytes.Buffer{},
		mu:  &sync.Mutex{},
	}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	return b
}
