package match

import (
	"context"
)

// Agent is the view of a running competitor the orchestrator needs.
// *agent.Manager implements it.
type Agent interface {
	SendInput(ctx context.Context, data []byte) error
	NextMessage(ctx context.Context) ([]byte, error)
	Reboot(ctx context.Context, args []string) error
	TakeFile(ctx context.Context, path string) ([]byte, error)
	Shutdown(ctx context.Context) (string, error)
	Running() bool
}

// AgentFactory brings up the agent at index, ready to exchange messages.
type AgentFactory interface {
	SpawnAgent(ctx context.Context, index int, agentID string) (Agent, error)
}

// AgentFactoryFunc adapts a function to AgentFactory.
type AgentFactoryFunc func(ctx context.Context, index int, agentID string) (Agent, error)

func (f AgentFactoryFunc) SpawnAgent(ctx context.Context, index int, agentID string) (Agent, error) {
	return f(ctx, index, agentID)
}

// CancellationChecker reports whether a match was cancelled externally, for
// example because an agent bundle was withdrawn.
type CancellationChecker interface {
	IsCancelled(ctx context.Context, matchID string) (bool, string, error)
}
