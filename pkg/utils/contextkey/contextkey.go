package contextkey

import "context"

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TraceID key = "trace_id"
	MatchID key = "match_id"
	AgentID key = "agent_id"
)

// WithMatch returns a context carrying the match id.
func WithMatch(ctx context.Context, matchID string) context.Context {
	return context.WithValue(ctx, MatchID, matchID)
}

// WithAgent returns a context carrying the agent id.
func WithAgent(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentID, agentID)
}

// WithTrace returns a context carrying the trace id.
func WithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceID, traceID)
}

// String returns the string stored under k, or "".
func String(ctx context.Context, k key) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(k).(string); ok {
		return v
	}
	return ""
}
