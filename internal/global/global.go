package global

import (
	"context"
)

type ContextKey uint

const (
	CancelKey ContextKey = iota
	CpuProfileKey
	VersionKey
	ProcessContextKey
)

func Version(ctx context.Context) string {
	if v, ok := ctx.Value(VersionKey).(string); ok {
		return v
	}
	return "dev"
}

// ProcessContext is cancelled only when the process terminates. Long-lived
// helpers such as the radio watcher and the status publisher hang off it.
func ProcessContext(ctx context.Context) context.Context {
	if processCtx, ok := ctx.Value(ProcessContextKey).(context.Context); ok {
		return processCtx
	}
	return ctx
}
