package llm

import "context"

// CallInfo labels a model call for metrics and logs.
type CallInfo struct {
	JobID    string
	Role     string
	Task     string
	Provider string
}

type callInfoKey struct{}

// WithCallInfo attaches labels to ctx.
func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallInfoFrom returns the labels attached to ctx, if any.
func CallInfoFrom(ctx context.Context) CallInfo {
	info, _ := ctx.Value(callInfoKey{}).(CallInfo)
	return info
}
