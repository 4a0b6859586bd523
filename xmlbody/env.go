package xmlbody

import (
	"context"

	"github.com/hollowcore/xmlroute"
)

// NewHandlerFromEnv builds a route handler with the XML decoder
// registered, configured from the environment. The returned Context is
// shared by the decoder and should back any XML responses. The provided
// ctx bounds the namespace file watcher when watching is enabled.
func NewHandlerFromEnv(ctx context.Context, opts ...xmlroute.HandlerOption) (*xmlroute.Handler, *Context, error) {
	cfg, err := xmlroute.ConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}

	mctx := NewContext()
	if cfg.NamespaceFile != "" {
		if cfg.WatchNamespaceFile {
			if err := mctx.WatchNamespaceFile(ctx, cfg.NamespaceFile); err != nil {
				return nil, nil, err
			}
		} else if err := mctx.LoadNamespaceFile(cfg.NamespaceFile); err != nil {
			return nil, nil, err
		}
	}

	h := xmlroute.New(append([]xmlroute.HandlerOption{
		xmlroute.WithMaxBodyBytes(cfg.MaxBodyBytes),
	}, opts...)...)
	h.Registry().Register(NewDecoder(WithContext(mctx)))
	return h, mctx, nil
}
