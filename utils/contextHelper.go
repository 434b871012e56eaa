package utils

import "context"

type contextKey string

func (c contextKey) String() string { return string(c) }

var (
	ContextKeyCorrelationId = contextKey("CorrelationId")
	ContextKeyJobFamily     = contextKey("JobFamily")
	ContextKeySyncRunId     = contextKey("SyncRunId")
	ContextKeyTriggeredBy   = contextKey("TriggeredBy")

	// lifts the tombstone guard for the current statement; sync code never sets it
	ContextKeyAllowHardDelete = contextKey("AllowHardDelete")
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeyCorrelationId).(string)
	return v, ok
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return context.WithValue(ctx, ContextKeyCorrelationId, correlationId)
}

func GetJobFamilyFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeyJobFamily).(string)
	return v, ok
}

func SetJobFamilyInContext(ctx context.Context, family string) context.Context {
	return context.WithValue(ctx, ContextKeyJobFamily, family)
}

func GetSyncRunIdFromContext(ctx context.Context) (uint, bool) {
	v, ok := ctx.Value(ContextKeySyncRunId).(uint)
	return v, ok
}

func SetSyncRunIdInContext(ctx context.Context, runId uint) context.Context {
	return context.WithValue(ctx, ContextKeySyncRunId, runId)
}

func GetTriggeredByFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeyTriggeredBy).(string)
	return v, ok
}

func SetTriggeredByInContext(ctx context.Context, triggeredBy string) context.Context {
	return context.WithValue(ctx, ContextKeyTriggeredBy, triggeredBy)
}

func GetAllowHardDeleteFromContext(ctx context.Context) (bool, bool) {
	v, ok := ctx.Value(ContextKeyAllowHardDelete).(bool)
	return v, ok
}

func SetAllowHardDeleteInContext(ctx context.Context, allow bool) context.Context {
	return context.WithValue(ctx, ContextKeyAllowHardDelete, allow)
}
