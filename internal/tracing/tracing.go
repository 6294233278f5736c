package tracing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type requestInfoKey struct{}

// RequestInfo is the per-request correlation data carried in a context.
type RequestInfo struct {
	RequestID string    `json:"request_id"`
	TraceID   string    `json:"trace_id"`
	CallerID  string    `json:"caller_id,omitempty"`
	StartTime time.Time `json:"start_time"`
}

// GenerateRequestID returns a new request id.
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}

// GetRequestInfo returns a copy of the request info stored in ctx. The zero
// value is returned for contexts outside a request.
func GetRequestInfo(ctx context.Context) *RequestInfo {
	info := RequestInfo{}
	if stored, ok := ctx.Value(requestInfoKey{}).(RequestInfo); ok {
		info = stored
	}
	return &info
}

func withInfo(ctx context.Context, update func(*RequestInfo)) context.Context {
	info := GetRequestInfo(ctx)
	update(info)
	return context.WithValue(ctx, requestInfoKey{}, *info)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withInfo(ctx, func(i *RequestInfo) { i.RequestID = requestID })
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withInfo(ctx, func(i *RequestInfo) { i.TraceID = traceID })
}

// WithCaller records the authenticated user a request acts for.
func WithCaller(ctx context.Context, userID string) context.Context {
	return withInfo(ctx, func(i *RequestInfo) { i.CallerID = userID })
}

func WithStartTime(ctx context.Context, startTime time.Time) context.Context {
	return withInfo(ctx, func(i *RequestInfo) { i.StartTime = startTime })
}

func GetRequestID(ctx context.Context) string {
	return GetRequestInfo(ctx).RequestID
}

func GetTraceID(ctx context.Context) string {
	return GetRequestInfo(ctx).TraceID
}

func GetCaller(ctx context.Context) string {
	return GetRequestInfo(ctx).CallerID
}

// Duration is the time elapsed since the request started, or zero.
func Duration(ctx context.Context) time.Duration {
	start := GetRequestInfo(ctx).StartTime
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}
