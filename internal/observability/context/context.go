package context

import (
	stdctx "context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	callerIDKey  ctxKey = "caller_id"
	datasetKey   ctxKey = "dataset_slug"
)

func WithRequestID(ctx stdctx.Context, requestID string) stdctx.Context {
	return stdctx.WithValue(ctx, requestIDKey, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx stdctx.Context) string {
	return stringValue(ctx, requestIDKey)
}

func WithCallerID(ctx stdctx.Context, callerID string) stdctx.Context {
	return stdctx.WithValue(ctx, callerIDKey, strings.TrimSpace(callerID))
}

func CallerIDFromContext(ctx stdctx.Context) string {
	return stringValue(ctx, callerIDKey)
}

func WithDatasetSlug(ctx stdctx.Context, slug string) stdctx.Context {
	return stdctx.WithValue(ctx, datasetKey, strings.TrimSpace(slug))
}

func DatasetSlugFromContext(ctx stdctx.Context) string {
	return stringValue(ctx, datasetKey)
}

func stringValue(ctx stdctx.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
