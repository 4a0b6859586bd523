package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("content_type", rd.ContentType),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if dd, ok := ctx.Value(decodeDataKey{}).(*DecodeData); ok {
		r.AddAttrs(slog.Group("decode",
			slog.String("decoder", dd.Decoder),
			slog.String("media_type", dd.MediaType),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID   string
	Method      string
	ContentType string
	UserAgent   string
	RemoteAddr  string
	Path        string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type decodeDataKey struct{}

type DecodeData struct {
	Decoder   string
	MediaType string
}

func WithDecodeData(ctx context.Context, data *DecodeData) context.Context {
	return context.WithValue(ctx, decodeDataKey{}, data)
}
